package handlers

import (
	"net/http"

	"github.com/iago/llm-dvm/internal/config"
	"github.com/iago/llm-dvm/internal/domain"
)

// settingsView never carries the private key.
type settingsView struct {
	domain.EffectiveConfig
	IdentityConfigured bool `json:"identity_configured"`
}

func newSettingsView(cfg domain.EffectiveConfig) settingsView {
	return settingsView{
		EffectiveConfig:    cfg,
		IdentityConfigured: cfg.IdentityPrivateKeyHex != "",
	}
}

func (api *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := api.settings.Resolve(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(cfg))
}

func (api *API) PatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch config.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid settings payload")
		return
	}

	cfg, err := api.settings.Update(r.Context(), patch)
	if err != nil {
		api.logger.Warnw("settings update rejected", "error", err)
		writeDomainError(w, r, err)
		return
	}
	api.logger.Infow("settings updated through api")
	writeJSON(w, http.StatusOK, newSettingsView(cfg))
}
