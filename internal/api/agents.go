package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// MachineHandler groups all machine-related HTTP handlers. Machines are
// never created through this API — they self-register over the agent
// WebSocket stream (see internal/agentsession) — so this handler only
// covers read, administrative update, delete and ACL management.
type MachineHandler struct {
	repo   repositories.MachineRepository
	acl    repositories.MachineACLRepository
	cache  *cache.State
	logger *zap.Logger
}

// NewMachineHandler creates a new MachineHandler. cache is evicted alongside
// the repository row on Delete so an administratively-removed machine
// disappears from orchestrator target resolution immediately rather than
// waiting for it to age out on its own.
func NewMachineHandler(repo repositories.MachineRepository, acl repositories.MachineACLRepository, cacheState *cache.State, logger *zap.Logger) *MachineHandler {
	return &MachineHandler{
		repo:   repo,
		acl:    acl,
		cache:  cacheState,
		logger: logger.Named("machine_handler"),
	}
}

// machineResponse is the JSON representation of a machine.
// SecretHash and EncryptedSecret are never exposed.
type machineResponse struct {
	ID         string  `json:"id"`
	Hostname   string  `json:"hostname"`
	IPAddress  string  `json:"ip_address"`
	OS         string  `json:"os"`
	Status     string  `json:"status"`
	Role       string  `json:"role"`
	Notes      string  `json:"notes"`
	Labels     string  `json:"labels"`
	LastSeenAt *string `json:"last_seen_at"`
	CreatedAt  string  `json:"created_at"`
}

func machineToResponse(m *db.Machine) machineResponse {
	resp := machineResponse{
		ID:        m.ID.String(),
		Hostname:  m.Hostname,
		IPAddress: m.IPAddress,
		OS:        m.OS,
		Status:    m.Status,
		Role:      m.Role,
		Notes:     m.Notes,
		Labels:    m.Labels,
		CreatedAt: m.CreatedAt.UTC().String(),
	}
	if m.LastSeenAt != nil {
		s := m.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	return resp
}

// listMachinesResponse wraps a paginated list of machines.
type listMachinesResponse struct {
	Items []machineResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/machines.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	machines, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list machines", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]machineResponse, len(machines))
	for i := range machines {
		items[i] = machineToResponse(&machines[i])
	}

	Ok(w, listMachinesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/machines/{id}.
func (h *MachineHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	machine, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, machineToResponse(machine))
}

// updateMachineRequest is the JSON body for PATCH /api/v1/machines/{id}.
// Machines only expose administrative fields for edit — identity and
// connection state are owned by the agent stream, not the operator.
type updateMachineRequest struct {
	Notes  *string `json:"notes"`
	Role   *string `json:"role"`
	Labels *string `json:"labels"`
}

// Update handles PATCH /api/v1/machines/{id}.
func (h *MachineHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateMachineRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	machine, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Notes != nil {
		machine.Notes = *req.Notes
	}
	if req.Role != nil {
		machine.Role = *req.Role
	}
	if req.Labels != nil {
		machine.Labels = *req.Labels
	}

	if err := h.repo.Update(r.Context(), machine); err != nil {
		h.logger.Error("failed to update machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, machineToResponse(machine))
}

// Delete handles DELETE /api/v1/machines/{id}. Soft-deletes the machine.
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if h.cache != nil {
		h.cache.DeleteMachine(id)
	}

	NoContent(w)
}

// grantACLRequest is the JSON body for POST /api/v1/machines/{id}/acl.
type grantACLRequest struct {
	UserID string `json:"user_id"`
}

// GrantACL handles POST /api/v1/machines/{id}/acl (admin only).
// Grants the named user terminal access to the machine.
func (h *MachineHandler) GrantACL(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req grantACLRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		ErrBadRequest(w, "invalid user_id: must be a valid UUID")
		return
	}

	if err := h.acl.Grant(r.Context(), userID, machineID); err != nil {
		h.logger.Error("failed to grant machine ACL",
			zap.String("machine_id", machineID.String()), zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// RevokeACL handles DELETE /api/v1/machines/{id}/acl/{userId} (admin only).
func (h *MachineHandler) RevokeACL(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r, "userId")
	if !ok {
		return
	}

	if err := h.acl.Revoke(r.Context(), userID, machineID); err != nil {
		h.logger.Error("failed to revoke machine ACL",
			zap.String("machine_id", machineID.String()), zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// parseUUIDString parses a raw UUID string, returning an error if invalid.
// Used for query parameter parsing where parseUUID (path param) is not applicable.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
