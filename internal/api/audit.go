package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// AuditHandler exposes the append-only audit trail for read.
type AuditHandler struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(repo repositories.AuditRepository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		repo:   repo,
		logger: logger.Named("audit_handler"),
	}
}

type auditLogResponse struct {
	ID        string  `json:"id"`
	Actor     string  `json:"actor"`
	Action    string  `json:"action"`
	MachineID *string `json:"machine_id"`
	SessionID string  `json:"session_id"`
	Detail    string  `json:"detail"`
	CreatedAt string  `json:"created_at"`
}

func auditLogToResponse(a *db.AuditLog) auditLogResponse {
	resp := auditLogResponse{
		ID:        a.ID.String(),
		Actor:     a.Actor,
		Action:    a.Action,
		SessionID: a.SessionID,
		Detail:    a.Detail,
		CreatedAt: a.CreatedAt.UTC().String(),
	}
	if a.MachineID != nil {
		s := a.MachineID.String()
		resp.MachineID = &s
	}
	return resp
}

type listAuditLogResponse struct {
	Items []auditLogResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/audit-log. Optionally filtered by machine_id.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	if machineID := r.URL.Query().Get("machine_id"); machineID != "" {
		id, err := parseUUIDString(machineID)
		if err != nil {
			ErrBadRequest(w, "invalid machine_id: must be a valid UUID")
			return
		}
		entries, err := h.repo.ListByMachine(r.Context(), id, opts)
		if err != nil {
			h.logger.Error("failed to list audit log by machine", zap.Error(err))
			ErrInternal(w)
			return
		}
		items := make([]auditLogResponse, len(entries))
		for i := range entries {
			items[i] = auditLogToResponse(&entries[i])
		}
		Ok(w, listAuditLogResponse{Items: items, Total: int64(len(items))})
		return
	}

	entries, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list audit log", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]auditLogResponse, len(entries))
	for i := range entries {
		items[i] = auditLogToResponse(&entries[i])
	}
	Ok(w, listAuditLogResponse{Items: items, Total: total})
}
