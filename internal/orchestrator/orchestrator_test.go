package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/realtime"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// fakeJobRepo is an in-memory repositories.JobRepository for exercising the
// orchestrator's dispatch loops without a database.
type fakeJobRepo struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*db.Job
	execs map[uuid.UUID]*db.JobExecution
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*db.Job{}, execs: map[uuid.UUID]*db.JobExecution{}}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *db.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobRepo) GetByIDWithExecutions(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobExecution, error) {
	j, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	var execs []db.JobExecution
	for _, e := range f.execs {
		if e.JobID == id {
			execs = append(execs, *e)
		}
	}
	f.mu.Unlock()
	return j, execs, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, startedAt, endedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	j.Status = status
	j.StartedAt = startedAt
	j.EndedAt = endedAt
	return nil
}

func (f *fakeJobRepo) List(ctx context.Context, opts repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}

func (f *fakeJobRepo) CreateExecution(ctx context.Context, e *db.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	f.execs[e.ID] = &cp
	return nil
}

func (f *fakeJobRepo) GetExecution(ctx context.Context, id uuid.UUID) (*db.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeJobRepo) ListExecutionsByJob(ctx context.Context, jobID uuid.UUID) ([]db.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.JobExecution
	for _, e := range f.execs {
		if e.JobID == jobID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) GetExecutionByJobMachine(ctx context.Context, jobID, machineID uuid.UUID) (*db.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.execs {
		if e.JobID == jobID && e.MachineID == machineID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeJobRepo) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, startedAt, endedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	e.Status = status
	e.ExitCode = exitCode
	e.Error = errMsg
	e.StartedAt = startedAt
	e.EndedAt = endedAt
	return nil
}

func (f *fakeJobRepo) AppendExecutionOutput(ctx context.Context, id uuid.UUID, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	e.Output += chunk
	return nil
}

func (f *fakeJobRepo) jobStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

func (f *fakeJobRepo) execStatus(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[id].Status
}

func (f *fakeJobRepo) executionFor(jobID, machineID uuid.UUID) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.execs {
		if e.JobID == jobID && e.MachineID == machineID {
			return e.ID, true
		}
	}
	return uuid.UUID{}, false
}

// fakeDispatcher is a controllable dispatcher.Dispatcher.
type fakeDispatcher struct {
	mu         sync.Mutex
	online     map[string]bool
	refuseSend map[string]bool
	sent       map[string]string // machineID -> latest commandID
	broadcasts []realtime.Message
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		online:     map[string]bool{},
		refuseSend: map[string]bool{},
		sent:       map[string]string{},
	}
}

func (f *fakeDispatcher) SendCommand(machineID, commandID, command string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[machineID] = commandID
	return !f.refuseSend[machineID]
}

func (f *fakeDispatcher) IsMachineOnline(machineID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[machineID]
}

func (f *fakeDispatcher) Broadcast(topic string, msg realtime.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeDispatcher) commandIDFor(machineID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[machineID]
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func adhocSpec(t *testing.T, ids ...uuid.UUID) string {
	t.Helper()
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	b, err := json.Marshal(map[string][]string{"machineIds": strs})
	if err != nil {
		t.Fatalf("marshal target spec: %v", err)
	}
	return string(b)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubmitJobParallelOneOfflineOneSucceeds(t *testing.T) {
	m1, m2 := uuid.New(), uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true
	disp.online[m2.String()] = false // offline, settled synchronously

	o := New(repo, cache.New(), disp, Config{}, testLogger())

	job := &db.Job{
		Command:    "uptime",
		Mode:       "parallel",
		Strategy:   `{"concurrency":2}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1, m2),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	// m2 is offline and fails immediately. m1 stays inflight until its
	// command_response arrives.
	waitFor(t, time.Second, func() bool {
		id, ok := repo.executionFor(job.ID, m2)
		return ok && repo.execStatus(id) == ExecFailed
	})

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != ""
	})
	exitZero := 0
	o.HandleCommandResponse(disp.commandIDFor(m1.String()), m1.String(), "done", &exitZero, true)

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobFailed
	})

	m1ExecID, ok := repo.executionFor(job.ID, m1)
	if !ok {
		t.Fatalf("no execution recorded for m1")
	}
	if got := repo.execStatus(m1ExecID); got != ExecSuccess {
		t.Errorf("m1 execution status = %q, want %q", got, ExecSuccess)
	}
}

func TestSubmitJobParallelAllSucceed(t *testing.T) {
	m1, m2 := uuid.New(), uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true
	disp.online[m2.String()] = true

	o := New(repo, cache.New(), disp, Config{}, testLogger())

	job := &db.Job{
		Command:    "echo hi",
		Mode:       "parallel",
		Strategy:   `{"concurrency":2}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1, m2),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != "" && disp.commandIDFor(m2.String()) != ""
	})

	zero := 0
	o.HandleCommandResponse(disp.commandIDFor(m1.String()), m1.String(), "ok", &zero, true)
	o.HandleCommandResponse(disp.commandIDFor(m2.String()), m2.String(), "ok", &zero, true)

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobSuccess
	})
}

func TestRollingAbortsOnFailureRate(t *testing.T) {
	m1, m2, m3, m4 := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	// First batch of two machines both fail to dispatch (offline); the
	// second batch should never be dispatched at all.
	disp.online[m1.String()] = false
	disp.online[m2.String()] = false
	disp.online[m3.String()] = true
	disp.online[m4.String()] = true

	o := New(repo, cache.New(), disp, Config{}, testLogger())

	job := &db.Job{
		Command:    "reboot",
		Mode:       "rolling",
		Strategy:   `{"batchSize":2,"stopOnFailurePercent":50,"waitSeconds":0}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1, m2, m3, m4),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobAborted
	})

	for _, mid := range []uuid.UUID{m3, m4} {
		id, ok := repo.executionFor(job.ID, mid)
		if !ok {
			t.Fatalf("no execution recorded for skipped machine %s", mid)
		}
		if got := repo.execStatus(id); got != ExecSkipped {
			t.Errorf("machine %s execution status = %q, want %q", mid, got, ExecSkipped)
		}
	}
	if disp.commandIDFor(m3.String()) != "" || disp.commandIDFor(m4.String()) != "" {
		t.Errorf("second batch was dispatched despite abort")
	}
}

func TestHandleDisconnectFailsAfterGraceExpires(t *testing.T) {
	m1 := uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true

	o := New(repo, cache.New(), disp, Config{DisconnectGrace: 20 * time.Millisecond}, testLogger())

	job := &db.Job{
		Command:    "uptime",
		Mode:       "parallel",
		Strategy:   `{"concurrency":1}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != ""
	})

	o.HandleDisconnect(m1.String())

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobFailed
	})

	id, _ := repo.executionFor(job.ID, m1)
	if got := repo.execStatus(id); got != ExecFailed {
		t.Errorf("execution status = %q, want %q", got, ExecFailed)
	}
}

func TestHandleDisconnectDoesNotFailAlreadyCompleted(t *testing.T) {
	m1 := uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true

	o := New(repo, cache.New(), disp, Config{DisconnectGrace: 30 * time.Millisecond}, testLogger())

	job := &db.Job{
		Command:    "uptime",
		Mode:       "parallel",
		Strategy:   `{"concurrency":1}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != ""
	})

	o.HandleDisconnect(m1.String())

	zero := 0
	o.HandleCommandResponse(disp.commandIDFor(m1.String()), m1.String(), "ok", &zero, true)

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobSuccess
	})

	// Give the already-armed grace timer a chance to fire; it must see the
	// completed-executions entry and back off instead of overwriting the
	// execution back to FAILED.
	time.Sleep(60 * time.Millisecond)

	id, _ := repo.executionFor(job.ID, m1)
	if got := repo.execStatus(id); got != ExecSuccess {
		t.Errorf("execution status = %q, want %q (grace timer must not override a completed execution)", got, ExecSuccess)
	}
}

func TestResolveInflightFallsBackToDirectExecutionLookup(t *testing.T) {
	m1 := uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true

	o := New(repo, cache.New(), disp, Config{}, testLogger())

	job := &db.Job{
		Command:    "uptime",
		Mode:       "parallel",
		Strategy:   `{"concurrency":1}`,
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != ""
	})
	commandID := disp.commandIDFor(m1.String())

	// Evict the inflight entry directly, simulating a server restart losing
	// in-memory state mid-job. commandID == executionID always, so the
	// third lookup tier must still resolve it via a direct GetExecution.
	o.mu.Lock()
	delete(o.inflight, commandID)
	delete(o.mostRecentByMach, m1)
	o.mu.Unlock()

	entry, ok := o.resolveInflight(commandID, m1.String())
	if !ok {
		t.Fatalf("resolveInflight failed to fall back to direct execution lookup")
	}
	if entry.machineID != m1 {
		t.Errorf("resolved machineID = %s, want %s", entry.machineID, m1)
	}
	execID, _ := repo.executionFor(job.ID, m1)
	if entry.executionID != execID {
		t.Errorf("resolved executionID = %s, want %s", entry.executionID, execID)
	}
}

func TestAbortJobSkipsQueuedExecutions(t *testing.T) {
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()

	repo := newFakeJobRepo()
	disp := newFakeDispatcher()
	disp.online[m1.String()] = true
	disp.online[m2.String()] = true
	disp.online[m3.String()] = true

	o := New(repo, cache.New(), disp, Config{}, testLogger())

	job := &db.Job{
		Command:    "uptime",
		Mode:       "parallel",
		Strategy:   `{"concurrency":1}`, // force sequential dispatch so m2/m3 are still queued
		TargetType: "adhoc",
		TargetSpec: adhocSpec(t, m1, m2, m3),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := o.SubmitJob(context.Background(), job); err != nil {
		t.Fatalf("submit job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return disp.commandIDFor(m1.String()) != ""
	})

	if err := o.AbortJob(job.ID, "operator requested"); err != nil {
		t.Fatalf("abort job: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return repo.jobStatus(job.ID) == JobAborted
	})

	waitFor(t, time.Second, func() bool {
		id2, ok2 := repo.executionFor(job.ID, m2)
		id3, ok3 := repo.executionFor(job.ID, m3)
		return ok2 && ok3 && repo.execStatus(id2) == ExecSkipped && repo.execStatus(id3) == ExecSkipped
	})
}
