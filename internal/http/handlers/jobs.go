package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/repository"
)

const maxPageSize = 200

type jobsPage struct {
	Items    []*domain.JobRecord `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	items, total, err := api.jobs.Page(r.Context(), filter)
	if err != nil {
		api.logger.Errorw("list jobs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobsPage{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["id"])
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	record, err := api.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		api.logger.Errorw("load job failed", "job_id", jobID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseJobFilter(r *http.Request) (domain.JobRecordFilter, error) {
	query := r.URL.Query()
	filter := domain.JobRecordFilter{
		RequesterIdentity: strings.TrimSpace(query.Get("requester")),
	}

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := domain.ParseJobStatus(raw)
		if !ok {
			return filter, errors.New("unknown status")
		}
		filter.Status = status
	}
	var err error
	if filter.Kind, err = optionalInt(query.Get("kind")); err != nil {
		return filter, errors.New("kind must be an integer")
	}
	if filter.Page, err = optionalInt(query.Get("page")); err != nil || filter.Page < 0 {
		return filter, errors.New("page must be a positive integer")
	}
	if filter.PageSize, err = optionalInt(query.Get("page_size")); err != nil || filter.PageSize < 0 {
		return filter, errors.New("page_size must be a positive integer")
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	return filter.Normalize(), nil
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
