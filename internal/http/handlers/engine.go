package handlers

import "net/http"

func (api *API) EngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.engine.Status())
}

func (api *API) EngineStart(w http.ResponseWriter, r *http.Request) {
	if err := api.engine.Start(r.Context()); err != nil {
		api.logger.Warnw("engine start failed", "error", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.engine.Status())
}

func (api *API) EngineStop(w http.ResponseWriter, r *http.Request) {
	if err := api.engine.Stop(r.Context()); err != nil {
		api.logger.Warnw("engine stop failed", "error", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.engine.Status())
}
