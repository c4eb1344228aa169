package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if api.engine != nil {
		response["engine"] = api.engine.Status().State
	}
	writeJSON(w, http.StatusOK, response)
}
