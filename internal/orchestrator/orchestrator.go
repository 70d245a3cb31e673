// Package orchestrator implements the Job Orchestrator: it resolves a job's
// target set, dispatches the command under the chosen strategy (parallel or
// rolling), tracks one JobExecution per target machine, and reacts to
// command completions and agent disconnects to keep execution state
// accurate without false failures.
//
// The orchestrator never imports internal/agentsession directly — it talks
// to agents exclusively through the internal/dispatcher.Dispatcher
// function-handle interface, and agentsession talks back to it through the
// ExecutionSink interface it defines. This breaks the cyclic dependency
// between the two components per the design notes.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/dispatcher"
	"github.com/fleetd-io/fleetd/server/internal/metrics"
	"github.com/fleetd-io/fleetd/server/internal/normalize"
	"github.com/fleetd-io/fleetd/server/internal/realtime"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// Job and execution status strings. Kept as untyped string constants since
// db.Job.Status and db.JobExecution.Status are plain TEXT columns with no
// database-level enum.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
	JobAborted = "aborted"

	ExecPending = "pending"
	ExecRunning = "running"
	ExecSuccess = "success"
	ExecFailed  = "failed"
	ExecSkipped = "skipped"
	ExecAborted = "aborted"
)

// completedRetention is how long a terminal execution is kept in the
// completed-executions set after it finishes, so a disconnect grace timer
// that fires shortly after a true completion recognizes it as already
// settled rather than racing it.
const completedRetention = 60 * time.Second

// Config tunes the orchestrator's two open-question knobs (spec §9): both
// were hard-coded in the system this was modeled on and are exposed here as
// configuration instead.
type Config struct {
	// DisconnectGrace is how long an inflight execution is given after its
	// owning agent disconnects before it is marked FAILED. Defaults to 15s.
	DisconnectGrace time.Duration
	// GlobalConcurrencyCap bounds the in-flight executions any single
	// parallel-strategy job may hold open, regardless of requested
	// concurrency. Defaults to 50.
	GlobalConcurrencyCap int
}

func (c Config) withDefaults() Config {
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = defaultDisconnectGrace * time.Second
	}
	if c.GlobalConcurrencyCap <= 0 {
		c.GlobalConcurrencyCap = defaultGlobalConcurrencyCap
	}
	return c
}

// inflightEntry maps a dispatched commandID back to the job, execution and
// machine it was sent to, per the "Inflight entry" glossary definition.
type inflightEntry struct {
	jobID       uuid.UUID
	executionID uuid.UUID
	machineID   uuid.UUID
	dispatchedAt time.Time
}

// run holds the live state of one job's dispatch loop. Exactly one run
// exists per currently-executing job; it is removed from Orchestrator.runs
// once the job reaches a terminal status.
type run struct {
	job *db.Job

	mu          sync.Mutex
	executions  map[uuid.UUID]*db.JobExecution // keyed by machine ID
	abortReason string

	doneCh chan uuid.UUID // signaled with machineID whenever an execution reaches a terminal state
	cancel context.CancelFunc
}

// Orchestrator is the Job Orchestrator described in §4.4. It implements
// agentsession.ExecutionSink so the Agent Session Manager can hand it
// command_response events and disconnect notifications without importing it.
type Orchestrator struct {
	jobs  repositories.JobRepository
	cache *cache.State
	disp  dispatcher.Dispatcher
	cfg   Config

	logger *zap.Logger

	mu               sync.Mutex
	runs             map[uuid.UUID]*run                      // jobID -> run
	inflight         map[string]inflightEntry                // commandID -> entry
	mostRecentByMach map[uuid.UUID]string                    // machineID -> most recent commandID, for the commandID-missing fallback
	completed        map[uuid.UUID]time.Time                 // executionID -> expiry
	disconnectTimers map[uuid.UUID]map[uuid.UUID]*time.Timer // machineID -> executionID -> grace timer
}

// New constructs an Orchestrator.
func New(jobs repositories.JobRepository, cacheState *cache.State, disp dispatcher.Dispatcher, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:             jobs,
		cache:            cacheState,
		disp:             disp,
		cfg:              cfg.withDefaults(),
		logger:           logger.Named("orchestrator"),
		runs:             make(map[uuid.UUID]*run),
		inflight:         make(map[string]inflightEntry),
		mostRecentByMach: make(map[uuid.UUID]string),
		completed:        make(map[uuid.UUID]time.Time),
		disconnectTimers: make(map[uuid.UUID]map[uuid.UUID]*time.Timer),
	}
}

// SubmitJob resolves job's targets against the current cache snapshot,
// persists a JobExecution row per target, transitions the job to RUNNING,
// and starts its dispatch loop in the background. job.ID must already be
// set by the caller's earlier Create call (so callers have an ID to return
// to the submitting operator before dispatch begins).
func (o *Orchestrator) SubmitJob(ctx context.Context, job *db.Job) error {
	targets, err := resolveTargets(job.TargetType, job.TargetSpec, o.cache.All())
	if err != nil {
		return err
	}
	job.TotalTargets = len(targets)

	executions := make(map[uuid.UUID]*db.JobExecution, len(targets))
	for _, mid := range targets {
		exec := &db.JobExecution{
			JobID:     job.ID,
			MachineID: mid,
			Status:    ExecPending,
		}
		if err := o.jobs.CreateExecution(ctx, exec); err != nil {
			return fmt.Errorf("orchestrator: create execution for %s: %w", mid, err)
		}
		executions[mid] = exec
	}

	now := time.Now()
	job.Status = JobRunning
	job.StartedAt = &now
	if err := o.jobs.UpdateStatus(ctx, job.ID, JobRunning, job.StartedAt, nil); err != nil {
		return fmt.Errorf("orchestrator: mark job running: %w", err)
	}
	o.broadcastJob(job)
	metrics.JobsSubmitted.Inc()
	metrics.JobsActive.Inc()

	if len(targets) == 0 {
		// Nothing to dispatch — the job is vacuously done.
		return o.finalizeEmpty(ctx, job)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		job:        job,
		executions: executions,
		doneCh:     make(chan uuid.UUID, len(targets)),
		cancel:     cancel,
	}

	o.mu.Lock()
	o.runs[job.ID] = r
	o.mu.Unlock()

	switch job.Mode {
	case "rolling":
		go o.runRolling(runCtx, r, targets)
	default:
		go o.runParallel(runCtx, r, targets)
	}
	return nil
}

func (o *Orchestrator) finalizeEmpty(ctx context.Context, job *db.Job) error {
	now := time.Now()
	job.Status = JobSuccess
	job.EndedAt = &now
	if err := o.jobs.UpdateStatus(ctx, job.ID, JobSuccess, job.StartedAt, job.EndedAt); err != nil {
		return err
	}
	o.broadcastJob(job)
	metrics.JobsCompleted.WithLabelValues(JobSuccess).Inc()
	metrics.JobsActive.Dec()
	return nil
}

// runParallel implements the parallel strategy: at most `concurrency`
// executions in flight, refilled from the queue as each completes.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, targets []uuid.UUID) {
	concurrency, _, err := parseStrategy(r.job.Mode, r.job.Strategy)
	if err != nil {
		o.logger.Warn("orchestrator: invalid parallel strategy, defaulting to concurrency 1",
			zap.String("job_id", r.job.ID.String()), zap.Error(err))
		concurrency.Concurrency = 1
	}
	limit := concurrency.Concurrency
	if limit > o.cfg.GlobalConcurrencyCap {
		limit = o.cfg.GlobalConcurrencyCap
	}

	queue := append([]uuid.UUID(nil), targets...)
	inFlight := 0

	for {
		for inFlight < limit && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			o.dispatchOne(r, next)
			inFlight++
		}

		if inFlight == 0 && len(queue) == 0 {
			o.finalize(r)
			return
		}

		select {
		case <-ctx.Done():
			o.skipQueued(r, queue)
			o.cleanup(r.job.ID)
			return
		case <-r.doneCh:
			inFlight--
		}
	}
}

// runRolling implements the rolling strategy: sequential batches, waiting
// for every batch member to reach a terminal state before evaluating
// failure rate and either aborting or continuing after waitSeconds.
func (o *Orchestrator) runRolling(ctx context.Context, r *run, targets []uuid.UUID) {
	_, rolling, err := parseStrategy(r.job.Mode, r.job.Strategy)
	if err != nil {
		o.logger.Warn("orchestrator: invalid rolling strategy, defaulting to batches of 1",
			zap.String("job_id", r.job.ID.String()), zap.Error(err))
	}

	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.String()
	}
	batches := rolling.batches(ids)

	// abort marks the batches not yet dispatched SKIPPED after AbortJob.
	abort := func(rest [][]string) {
		r.mu.Lock()
		reason := r.abortReason
		r.mu.Unlock()
		o.skipRemainingBatches(r, rest, reason)
		o.cleanup(r.job.ID)
	}

	for bi, batch := range batches {
		select {
		case <-ctx.Done():
			abort(batches[bi:])
			return
		default:
		}

		machineIDs := make([]uuid.UUID, len(batch))
		for i, s := range batch {
			machineIDs[i] = uuid.MustParse(s)
		}
		for _, mid := range machineIDs {
			o.dispatchOne(r, mid)
		}

		remaining := len(machineIDs)
		for remaining > 0 {
			select {
			case <-ctx.Done():
				abort(batches[bi+1:])
				return
			case <-r.doneCh:
				remaining--
			}
		}

		failed := 0
		r.mu.Lock()
		for _, mid := range machineIDs {
			if e := r.executions[mid]; e != nil && (e.Status == ExecFailed || e.Status == ExecSkipped || e.Status == ExecAborted) {
				failed++
			}
		}
		r.mu.Unlock()

		failureRate := float64(failed) / float64(len(machineIDs)) * 100
		if failureRate > rolling.StopOnFailurePercent {
			reason := "Batch failure threshold exceeded"
			o.skipRemainingBatches(r, batches[bi+1:], reason)
			now := time.Now()
			r.job.Status = JobAborted
			r.job.EndedAt = &now
			_ = o.jobs.UpdateStatus(context.Background(), r.job.ID, JobAborted, r.job.StartedAt, r.job.EndedAt)
			o.broadcastJob(r.job)
			metrics.JobsCompleted.WithLabelValues(JobAborted).Inc()
			metrics.JobsActive.Dec()
			o.cleanup(r.job.ID)
			return
		}

		isLast := bi == len(batches)-1
		if !isLast && rolling.WaitSeconds > 0 {
			select {
			case <-ctx.Done():
				abort(batches[bi+1:])
				return
			case <-time.After(time.Duration(rolling.WaitSeconds) * time.Second):
			}
		}
	}

	o.finalize(r)
}

// skipRemainingBatches marks every execution in batches not yet dispatched
// as SKIPPED, used when a rolling job aborts on failure-rate breach or is
// aborted through AbortJob.
func (o *Orchestrator) skipRemainingBatches(r *run, batches [][]string, reason string) {
	for _, batch := range batches {
		for _, s := range batch {
			mid := uuid.MustParse(s)
			o.markSkipped(r, mid, reason)
		}
	}
}

// skipQueued marks every still-queued (never dispatched) machine SKIPPED,
// used when a parallel job's context is cancelled (AbortJob).
func (o *Orchestrator) skipQueued(r *run, queue []uuid.UUID) {
	r.mu.Lock()
	reason := r.abortReason
	r.mu.Unlock()
	if reason == "" {
		reason = "Job aborted"
	}
	for _, mid := range queue {
		o.markSkipped(r, mid, reason)
	}
}

func (o *Orchestrator) markSkipped(r *run, machineID uuid.UUID, reason string) {
	r.mu.Lock()
	exec, ok := r.executions[machineID]
	if ok {
		exec.Status = ExecSkipped
		exec.Error = reason
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	exec.EndedAt = &now
	if err := o.jobs.UpdateExecutionStatus(context.Background(), exec.ID, ExecSkipped, nil, reason, exec.StartedAt, exec.EndedAt); err != nil {
		o.logger.Warn("orchestrator: mark skipped failed", zap.Error(err))
	}
	o.broadcastExecution(r.job.ID, exec)
	metrics.JobExecutionsTotal.WithLabelValues(ExecSkipped).Inc()
}

// dispatchOne dispatches a single execution: offline targets and dispatch
// refusals are settled synchronously; everything else waits for a
// command_response or the disconnect grace timer.
func (o *Orchestrator) dispatchOne(r *run, machineID uuid.UUID) {
	r.mu.Lock()
	exec := r.executions[machineID]
	r.mu.Unlock()
	if exec == nil {
		return
	}

	if !o.disp.IsMachineOnline(machineID.String()) {
		o.failExecution(r, exec, "Agent offline")
		o.signalDone(r, machineID)
		return
	}

	now := time.Now()
	r.mu.Lock()
	exec.Status = ExecRunning
	exec.StartedAt = &now
	r.mu.Unlock()
	if err := o.jobs.UpdateExecutionStatus(context.Background(), exec.ID, ExecRunning, nil, "", exec.StartedAt, nil); err != nil {
		o.logger.Warn("orchestrator: mark running failed", zap.Error(err))
	}
	o.broadcastExecution(r.job.ID, exec)

	commandID := exec.ID.String()
	o.mu.Lock()
	o.inflight[commandID] = inflightEntry{
		jobID:        r.job.ID,
		executionID:  exec.ID,
		machineID:    machineID,
		dispatchedAt: now,
	}
	o.mostRecentByMach[machineID] = commandID
	o.mu.Unlock()

	if !o.disp.SendCommand(machineID.String(), commandID, r.job.Command) {
		o.mu.Lock()
		delete(o.inflight, commandID)
		o.mu.Unlock()
		o.failExecution(r, exec, "Dispatch refused")
		o.signalDone(r, machineID)
		return
	}
	metrics.ExecutionsDispatched.Inc()
}

func (o *Orchestrator) failExecution(r *run, exec *db.JobExecution, reason string) {
	now := time.Now()
	r.mu.Lock()
	exec.Status = ExecFailed
	exec.Error = reason
	exec.EndedAt = &now
	r.mu.Unlock()
	if err := o.jobs.UpdateExecutionStatus(context.Background(), exec.ID, ExecFailed, nil, reason, exec.StartedAt, exec.EndedAt); err != nil {
		o.logger.Warn("orchestrator: mark failed failed", zap.Error(err))
	}
	o.broadcastExecution(r.job.ID, exec)
	metrics.JobExecutionsTotal.WithLabelValues(ExecFailed).Inc()
}

func (o *Orchestrator) signalDone(r *run, machineID uuid.UUID) {
	select {
	case r.doneCh <- machineID:
	default:
		// doneCh is sized to len(targets); this should never happen, but
		// never block a dispatch caller on a full channel.
	}
}

// finalize computes the job's terminal status from its executions'
// outcomes and persists it, then removes the run from memory.
func (o *Orchestrator) finalize(r *run) {
	r.mu.Lock()
	status := JobSuccess
	for _, e := range r.executions {
		if e.Status == ExecFailed || e.Status == ExecSkipped || e.Status == ExecAborted {
			status = JobFailed
			break
		}
	}
	r.mu.Unlock()

	now := time.Now()
	r.job.Status = status
	r.job.EndedAt = &now
	if err := o.jobs.UpdateStatus(context.Background(), r.job.ID, status, r.job.StartedAt, r.job.EndedAt); err != nil {
		o.logger.Warn("orchestrator: finalize job failed", zap.Error(err))
	}
	o.broadcastJob(r.job)
	metrics.JobsCompleted.WithLabelValues(status).Inc()
	metrics.JobsActive.Dec()
	o.cleanup(r.job.ID)
}

func (o *Orchestrator) cleanup(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.runs, jobID)
	o.mu.Unlock()
}

// AbortJob stops a running job's dispatch loop. Still-queued executions are
// marked SKIPPED with reason; inflight executions are left to complete
// naturally (their output and terminal status still land normally).
func (o *Orchestrator) AbortJob(jobID uuid.UUID, reason string) error {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: job %s is not running", jobID)
	}

	r.mu.Lock()
	r.abortReason = reason
	r.mu.Unlock()

	now := time.Now()
	r.job.Status = JobAborted
	r.job.EndedAt = &now
	if err := o.jobs.UpdateStatus(context.Background(), jobID, JobAborted, r.job.StartedAt, r.job.EndedAt); err != nil {
		return fmt.Errorf("orchestrator: mark job aborted: %w", err)
	}
	o.broadcastJob(r.job)
	metrics.JobsCompleted.WithLabelValues(JobAborted).Inc()
	metrics.JobsActive.Dec()
	r.cancel()
	return nil
}

// HandleCommandResponse implements agentsession.ExecutionSink. It looks up
// the inflight entry for commandID (falling back to the most recent entry
// for machineID, then to a direct execution lookup by treating commandID as
// an execution ID), appends normalized output, and on completion determines
// the execution's terminal status.
func (o *Orchestrator) HandleCommandResponse(commandID, machineID, output string, exitCode *int, completed bool) {
	entry, ok := o.resolveInflight(commandID, machineID)
	if !ok {
		o.handleOrphanedCompletion(commandID, output, exitCode, completed)
		return
	}

	if output != "" {
		if filtered, keep := normalize.Chunk(output); keep {
			if err := o.jobs.AppendExecutionOutput(context.Background(), entry.executionID, filtered); err != nil {
				o.logger.Warn("orchestrator: append output failed", zap.Error(err))
			}
			o.disp.Broadcast("job:"+entry.jobID.String(), realtime.Message{
				Type:    realtime.EventJobExecutionOutput,
				Payload: map[string]any{"jobId": entry.jobID, "executionId": entry.executionID, "output": filtered},
			})
		}
	}

	if !completed {
		return
	}

	o.mu.Lock()
	delete(o.inflight, commandID)
	if o.mostRecentByMach[entry.machineID] == commandID {
		delete(o.mostRecentByMach, entry.machineID)
	}
	o.cancelDisconnectTimerLocked(entry.machineID, entry.executionID)
	o.completed[entry.executionID] = time.Now().Add(completedRetention)
	o.mu.Unlock()

	status := ExecSuccess
	errText := ""
	if exitCode == nil {
		o.logger.Warn("orchestrator: command_response completed with no exitCode, treating as success",
			zap.String("command_id", commandID))
	} else if *exitCode != 0 {
		status = ExecFailed
		errText = tail(output, 500)
	}

	now := time.Now()
	if err := o.jobs.UpdateExecutionStatus(context.Background(), entry.executionID, status, exitCode, errText, nil, &now); err != nil {
		o.logger.Warn("orchestrator: update execution status failed", zap.Error(err))
	}
	metrics.JobExecutionsTotal.WithLabelValues(status).Inc()

	o.mu.Lock()
	r := o.runs[entry.jobID]
	o.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		if exec := r.executions[entry.machineID]; exec != nil {
			exec.Status = status
			exec.Error = errText
			exec.EndedAt = &now
		}
		r.mu.Unlock()
		o.broadcastExecutionByID(entry.jobID, entry.executionID, entry.machineID, status, errText)
		o.signalDone(r, entry.machineID)
	}
}

// resolveInflight implements the three-tier lookup from §4.4: by commandID,
// by most-recent-for-machine, then by treating commandID as an executionID
// directly (dispatchOne sets commandID = execution.ID.String(), so this
// succeeds even once the inflight map entry has been evicted or was never
// created, e.g. after a server restart mid-job).
func (o *Orchestrator) resolveInflight(commandID, machineID string) (inflightEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if commandID != "" {
		if e, ok := o.inflight[commandID]; ok {
			return e, true
		}
	}
	if mid, err := uuid.Parse(machineID); err == nil {
		if recent, ok := o.mostRecentByMach[mid]; ok {
			if e, ok := o.inflight[recent]; ok {
				return e, true
			}
		}
	}
	if commandID != "" {
		if execID, err := uuid.Parse(commandID); err == nil {
			exec, err := o.jobs.GetExecution(context.Background(), execID)
			if err == nil {
				return inflightEntry{jobID: exec.JobID, executionID: exec.ID, machineID: exec.MachineID}, true
			}
		}
	}
	return inflightEntry{}, false
}

// handleOrphanedCompletion logs a command_response whose execution could not
// be resolved by any of the three lookup tiers (e.g. the job was cleared from
// memory and commandID was not a parseable UUID). Its output is not
// persisted — it cannot be routed to a run or an execution row.
func (o *Orchestrator) handleOrphanedCompletion(commandID, output string, exitCode *int, completed bool) {
	if commandID == "" {
		return
	}
	o.logger.Warn("orchestrator: command_response for unresolvable execution",
		zap.String("command_id", commandID), zap.Bool("completed", completed))
}

// HandleDisconnect implements agentsession.ExecutionSink. For every inflight
// execution owned by machineID it arms a disconnect grace timer; nothing
// fires immediately, avoiding false failures for executions that complete
// in the same instant as the disconnect.
func (o *Orchestrator) HandleDisconnect(machineID string) {
	mid, err := uuid.Parse(machineID)
	if err != nil {
		return
	}

	o.mu.Lock()
	var toArm []inflightEntry
	for _, e := range o.inflight {
		if e.machineID == mid {
			toArm = append(toArm, e)
		}
	}
	o.mu.Unlock()

	for _, e := range toArm {
		o.armDisconnectTimer(e)
	}
}

func (o *Orchestrator) armDisconnectTimer(e inflightEntry) {
	timer := time.AfterFunc(o.cfg.DisconnectGrace, func() {
		o.onDisconnectGraceExpired(e)
	})

	o.mu.Lock()
	if o.disconnectTimers[e.machineID] == nil {
		o.disconnectTimers[e.machineID] = make(map[uuid.UUID]*time.Timer)
	}
	o.disconnectTimers[e.machineID][e.executionID] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) onDisconnectGraceExpired(e inflightEntry) {
	o.mu.Lock()
	if expiry, ok := o.completed[e.executionID]; ok && time.Now().Before(expiry) {
		o.cancelDisconnectTimerLocked(e.machineID, e.executionID)
		o.mu.Unlock()
		return
	}
	o.cancelDisconnectTimerLocked(e.machineID, e.executionID)
	o.mu.Unlock()

	exec, err := o.jobs.GetExecution(context.Background(), e.executionID)
	if err != nil {
		return
	}
	if exec.Status != ExecPending && exec.Status != ExecRunning {
		return // already terminal, completion and disconnect interleaved in our favor
	}

	now := time.Now()
	reason := "Agent disconnected"
	if err := o.jobs.UpdateExecutionStatus(context.Background(), e.executionID, ExecFailed, nil, reason, exec.StartedAt, &now); err != nil {
		o.logger.Warn("orchestrator: disconnect-grace fail update failed", zap.Error(err))
	}
	metrics.JobExecutionsTotal.WithLabelValues(ExecFailed).Inc()

	o.mu.Lock()
	delete(o.inflight, commandIDFor(e))
	r := o.runs[e.jobID]
	o.mu.Unlock()

	if r != nil {
		r.mu.Lock()
		if ex := r.executions[e.machineID]; ex != nil {
			ex.Status = ExecFailed
			ex.Error = reason
			ex.EndedAt = &now
		}
		r.mu.Unlock()
		o.broadcastExecutionByID(e.jobID, e.executionID, e.machineID, ExecFailed, reason)
		o.signalDone(r, e.machineID)
	}
}

// commandIDFor recovers the commandID that was used to key the inflight map
// for e. dispatchOne always sets commandID = executionID.String().
func commandIDFor(e inflightEntry) string {
	return e.executionID.String()
}

// cancelDisconnectTimerLocked stops and removes a machine's disconnect timer
// for one execution. Callers must hold o.mu.
func (o *Orchestrator) cancelDisconnectTimerLocked(machineID, executionID uuid.UUID) {
	timers, ok := o.disconnectTimers[machineID]
	if !ok {
		return
	}
	if t, ok := timers[executionID]; ok {
		t.Stop()
		delete(timers, executionID)
	}
	if len(timers) == 0 {
		delete(o.disconnectTimers, machineID)
	}
}

// PruneCompleted drops expired entries from the completed-executions set.
// Called periodically by internal/sweep; without it the set would grow
// without bound across a long-running server.
func (o *Orchestrator) PruneCompleted() {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, expiry := range o.completed {
		if now.After(expiry) {
			delete(o.completed, id)
		}
	}
}

func (o *Orchestrator) broadcastJob(job *db.Job) {
	o.disp.Broadcast("job:"+job.ID.String(), realtime.Message{
		Type: realtime.EventJobUpdated,
		Payload: map[string]any{
			"id":           job.ID,
			"status":       job.Status,
			"totalTargets": job.TotalTargets,
		},
	})
}

func (o *Orchestrator) broadcastExecution(jobID uuid.UUID, exec *db.JobExecution) {
	o.broadcastExecutionByID(jobID, exec.ID, exec.MachineID, exec.Status, exec.Error)
}

func (o *Orchestrator) broadcastExecutionByID(jobID, executionID, machineID uuid.UUID, status, errText string) {
	o.disp.Broadcast("job:"+jobID.String(), realtime.Message{
		Type: realtime.EventJobExecutionUpdated,
		Payload: map[string]any{
			"jobId":       jobID,
			"executionId": executionID,
			"machineId":   machineID,
			"status":      status,
			"error":       errText,
		},
	})
}

// tail returns the last n bytes of s, used to capture a short error hint
// from a failed command's output without storing the whole buffer twice.
func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
