package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/config"
	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/engine"
	"github.com/iago/llm-dvm/internal/http/middleware"
	"github.com/iago/llm-dvm/internal/repository"
)

var errInvalidPayload = errors.New("invalid payload")

// EngineController is the lifecycle surface of *engine.Controller.
type EngineController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() engine.Status
}

// SettingsStore reads and patches the operating settings.
type SettingsStore interface {
	Resolve(ctx context.Context) (domain.EffectiveConfig, error)
	Update(ctx context.Context, patch config.SettingsPatch) (domain.EffectiveConfig, error)
}

type APIDeps struct {
	Engine   EngineController
	Jobs     repository.JobRecordStore
	Settings SettingsStore
	Logger   *zap.SugaredLogger
}

type API struct {
	engine   EngineController
	jobs     repository.JobRecordStore
	settings SettingsStore
	logger   *zap.SugaredLogger
}

func NewAPI(deps APIDeps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &API{
		engine:   deps.Engine,
		jobs:     deps.Jobs,
		settings: deps.Settings,
		logger:   logger.With("component", "api"),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeDomainError maps the engine error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch domain.KindOf(err) {
	case domain.KindConfig:
		writeError(w, r, http.StatusUnprocessableEntity, "config_error", domain.PublicMessage(err))
	case domain.KindConnection:
		writeError(w, r, http.StatusBadGateway, "connection_error", domain.PublicMessage(err))
	case domain.KindRequest:
		writeError(w, r, http.StatusBadRequest, "invalid_request", domain.PublicMessage(err))
	case domain.KindPayment:
		writeError(w, r, http.StatusBadGateway, "payment_error", domain.PublicMessage(err))
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// MethodNotAllowed keeps 405 responses in the API error shape.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}
