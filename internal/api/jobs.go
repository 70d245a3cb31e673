package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/orchestrator"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// JobHandler groups all job-related HTTP handlers. Submission is delegated
// to the orchestrator, which resolves targets, creates JobExecution rows
// and starts the dispatch loop; this handler only validates the request
// shape and reads state back out of the repository.
type JobHandler struct {
	repo   repositories.JobRepository
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repositories.JobRepository, orch *orchestrator.Orchestrator, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:   repo,
		orch:   orch,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type jobExecutionResponse struct {
	ID        string  `json:"id"`
	MachineID string  `json:"machine_id"`
	Status    string  `json:"status"`
	ExitCode  *int    `json:"exit_code"`
	Output    string  `json:"output"`
	Error     string  `json:"error"`
	StartedAt *string `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
}

func executionToResponse(e *db.JobExecution) jobExecutionResponse {
	resp := jobExecutionResponse{
		ID:        e.ID.String(),
		MachineID: e.MachineID.String(),
		Status:    e.Status,
		ExitCode:  e.ExitCode,
		Output:    e.Output,
		Error:     e.Error,
	}
	if e.StartedAt != nil {
		s := e.StartedAt.UTC().String()
		resp.StartedAt = &s
	}
	if e.EndedAt != nil {
		s := e.EndedAt.UTC().String()
		resp.EndedAt = &s
	}
	return resp
}

// jobResponse is the JSON representation of a job. Executions are only
// populated on the single-job detail endpoint.
type jobResponse struct {
	ID           string                  `json:"id"`
	Command      string                  `json:"command"`
	Mode         string                  `json:"mode"`
	Status       string                  `json:"status"`
	Strategy     json.RawMessage         `json:"strategy"`
	TargetType   string                  `json:"target_type"`
	TargetSpec   json.RawMessage         `json:"target_spec"`
	TotalTargets int                     `json:"total_targets"`
	StartedAt    *string                 `json:"started_at"`
	EndedAt      *string                 `json:"ended_at"`
	Executions   []jobExecutionResponse  `json:"executions,omitempty"`
	CreatedAt    string                  `json:"created_at"`
}

func jobToResponse(j *db.Job, executions []db.JobExecution) jobResponse {
	resp := jobResponse{
		ID:           j.ID.String(),
		Command:      j.Command,
		Mode:         j.Mode,
		Status:       j.Status,
		Strategy:     json.RawMessage(j.Strategy),
		TargetType:   j.TargetType,
		TargetSpec:   json.RawMessage(j.TargetSpec),
		TotalTargets: j.TotalTargets,
		CreatedAt:    j.CreatedAt.UTC().String(),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().String()
		resp.StartedAt = &s
	}
	if j.EndedAt != nil {
		s := j.EndedAt.UTC().String()
		resp.EndedAt = &s
	}
	if executions != nil {
		resp.Executions = make([]jobExecutionResponse, len(executions))
		for i := range executions {
			resp.Executions[i] = executionToResponse(&executions[i])
		}
	}
	return resp
}

// listJobsResponse wraps a paginated list of jobs.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// createJobRequest is the JSON body expected by POST /api/v1/jobs.
type createJobRequest struct {
	Command    string          `json:"command"`
	Mode       string          `json:"mode"` // "parallel" or "rolling"
	Strategy   json.RawMessage `json:"strategy"`
	TargetType string          `json:"target_type"` // "adhoc", "group", "dynamic"
	TargetSpec json.RawMessage `json:"target_spec"`
}

// Create handles POST /api/v1/jobs. Persists the job row, then hands it to
// the orchestrator to resolve targets and begin dispatch.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}
	if req.Mode != "parallel" && req.Mode != "rolling" {
		ErrBadRequest(w, "mode must be 'parallel' or 'rolling'")
		return
	}
	switch req.TargetType {
	case "adhoc", "group", "dynamic":
	default:
		ErrBadRequest(w, "target_type must be 'adhoc', 'group' or 'dynamic'")
		return
	}

	strategy := "{}"
	if len(req.Strategy) > 0 {
		strategy = string(req.Strategy)
	}
	targetSpec := "{}"
	if len(req.TargetSpec) > 0 {
		targetSpec = string(req.TargetSpec)
	}

	job := &db.Job{
		Command:    req.Command,
		Mode:       req.Mode,
		Status:     orchestrator.JobPending,
		Strategy:   strategy,
		TargetType: req.TargetType,
		TargetSpec: targetSpec,
	}

	if err := h.repo.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.orch.SubmitJob(r.Context(), job); err != nil {
		h.logger.Error("failed to submit job", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}

	Created(w, jobToResponse(job, nil))
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	jobs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i], nil)
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}. Returns the job with its
// executions.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	job, executions, err := h.repo.GetByIDWithExecutions(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, jobToResponse(job, executions))
}

// GetExecutions handles GET /api/v1/jobs/{id}/executions.
func (h *JobHandler) GetExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	executions, err := h.repo.ListExecutionsByJob(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list job executions", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobExecutionResponse, len(executions))
	for i := range executions {
		items[i] = executionToResponse(&executions[i])
	}
	Ok(w, items)
}

// abortJobRequest is the JSON body for POST /api/v1/jobs/{id}/abort.
type abortJobRequest struct {
	Reason string `json:"reason"`
}

// Abort handles POST /api/v1/jobs/{id}/abort.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req abortJobRequest
	_ = decodeJSONOptional(r, &req)
	reason := req.Reason
	if reason == "" {
		reason = "Aborted by operator"
	}

	if err := h.orch.AbortJob(id, reason); err != nil {
		ErrConflict(w, err.Error())
		return
	}

	NoContent(w)
}
