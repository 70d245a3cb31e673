package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// SettingsHandler manages OIDC provider configuration. Only one provider is
// supported at a time, matching db.OIDCProvider's single-row usage pattern.
type SettingsHandler struct {
	repo   repositories.OIDCProviderRepository
	logger *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(repo repositories.OIDCProviderRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		repo:   repo,
		logger: logger.Named("settings_handler"),
	}
}

// oidcProviderResponse is the JSON representation of an OIDC provider.
// ClientSecret is never returned.
type oidcProviderResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Issuer      string `json:"issuer"`
	ClientID    string `json:"client_id"`
	RedirectURL string `json:"redirect_url"`
	Scopes      string `json:"scopes"`
	Enabled     bool   `json:"enabled"`
}

func oidcProviderToResponse(p *db.OIDCProvider) oidcProviderResponse {
	return oidcProviderResponse{
		ID:          p.ID.String(),
		Name:        p.Name,
		Issuer:      p.Issuer,
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURL,
		Scopes:      p.Scopes,
		Enabled:     p.Enabled,
	}
}

// GetOIDC handles GET /api/v1/settings/oidc (admin only).
func (h *SettingsHandler) GetOIDC(w http.ResponseWriter, r *http.Request) {
	provider, err := h.repo.GetEnabled(r.Context())
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Ok(w, nil)
			return
		}
		h.logger.Error("failed to get OIDC provider", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, oidcProviderToResponse(provider))
}

// upsertOIDCRequest is the JSON body for PUT /api/v1/settings/oidc.
type upsertOIDCRequest struct {
	Name         string `json:"name"`
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
	Scopes       string `json:"scopes"`
	Enabled      bool   `json:"enabled"`
}

// UpsertOIDC handles PUT /api/v1/settings/oidc (admin only). Creates the
// single provider row if none exists yet, otherwise updates it in place.
func (h *SettingsHandler) UpsertOIDC(w http.ResponseWriter, r *http.Request) {
	var req upsertOIDCRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Issuer == "" || req.ClientID == "" {
		ErrBadRequest(w, "issuer and client_id are required")
		return
	}

	scopes := req.Scopes
	if scopes == "" {
		scopes = "openid email profile"
	}

	existing, err := h.repo.GetEnabled(r.Context())
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("failed to look up existing OIDC provider", zap.Error(err))
		ErrInternal(w)
		return
	}

	if existing == nil {
		provider := &db.OIDCProvider{
			Name:         req.Name,
			Issuer:       req.Issuer,
			ClientID:     req.ClientID,
			ClientSecret: db.EncryptedString(req.ClientSecret),
			RedirectURL:  req.RedirectURL,
			Scopes:       scopes,
			Enabled:      req.Enabled,
		}
		if err := h.repo.Create(r.Context(), provider); err != nil {
			h.logger.Error("failed to create OIDC provider", zap.Error(err))
			ErrInternal(w)
			return
		}
		Ok(w, oidcProviderToResponse(provider))
		return
	}

	existing.Name = req.Name
	existing.Issuer = req.Issuer
	existing.ClientID = req.ClientID
	if req.ClientSecret != "" {
		existing.ClientSecret = db.EncryptedString(req.ClientSecret)
	}
	existing.RedirectURL = req.RedirectURL
	existing.Scopes = scopes
	existing.Enabled = req.Enabled

	if err := h.repo.Update(r.Context(), existing); err != nil {
		h.logger.Error("failed to update OIDC provider", zap.String("id", existing.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, oidcProviderToResponse(existing))
}
