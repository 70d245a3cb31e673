package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIDWithExecutions retrieves a job together with its JobExecution
// records using two separate queries. Executions are returned independently
// rather than embedded in the Job struct, because GORM cannot auto-resolve
// uuid.UUID-typed foreign keys (see db/models.go for rationale).
func (r *gormJobRepository) GetByIDWithExecutions(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobExecution, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("jobs: get by id with executions: %w", err)
	}

	var executions []db.JobExecution
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("created_at ASC").
		Find(&executions).Error; err != nil {
		return nil, nil, fmt.Errorf("jobs: get executions for job %s: %w", id, err)
	}

	return &job, executions, nil
}

// UpdateStatus updates only the status, started_at and ended_at columns of a
// job, leaving per-execution results untouched.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, startedAt, endedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"started_at": startedAt,
			"ended_at":   endedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of jobs and the total count, ordered by
// creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// -----------------------------------------------------------------------------
// JobExecution
// -----------------------------------------------------------------------------

// CreateExecution inserts a new job execution record. Called once per target
// machine when a job is dispatched.
func (r *gormJobRepository) CreateExecution(ctx context.Context, e *db.JobExecution) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("jobs: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single job execution by its UUID.
func (r *gormJobRepository) GetExecution(ctx context.Context, id uuid.UUID) (*db.JobExecution, error) {
	var e db.JobExecution
	err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get execution: %w", err)
	}
	return &e, nil
}

// ListExecutionsByJob returns all executions for a job, in dispatch order.
func (r *gormJobRepository) ListExecutionsByJob(ctx context.Context, jobID uuid.UUID) ([]db.JobExecution, error) {
	var executions []db.JobExecution
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("jobs: list executions by job: %w", err)
	}
	return executions, nil
}

// GetExecutionByJobMachine looks up the execution for one (job, machine)
// pair. The underlying table enforces uniqueness on this pair, so a job can
// dispatch to a given machine at most once.
func (r *gormJobRepository) GetExecutionByJobMachine(ctx context.Context, jobID, machineID uuid.UUID) (*db.JobExecution, error) {
	var e db.JobExecution
	err := r.db.WithContext(ctx).
		First(&e, "job_id = ? AND machine_id = ?", jobID, machineID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get execution by job/machine: %w", err)
	}
	return &e, nil
}

// UpdateExecutionStatus records the terminal (or transitional) state of one
// execution: status, exit code, error text and timing.
func (r *gormJobRepository) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, startedAt, endedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.JobExecution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"exit_code":  exitCode,
			"error":      errMsg,
			"started_at": startedAt,
			"ended_at":   endedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update execution status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendExecutionOutput appends a chunk of normalized output to an
// execution's accumulated output buffer. Uses a raw SQL concatenation under
// a row lock equivalent so concurrent chunk writes for the same execution
// (unlikely, since a single machine streams output serially) never clobber
// each other the way a read-modify-write from the Go side could.
func (r *gormJobRepository) AppendExecutionOutput(ctx context.Context, id uuid.UUID, chunk string) error {
	result := r.db.WithContext(ctx).
		Model(&db.JobExecution{}).
		Where("id = ?", id).
		Update("output", gorm.Expr("output || ?", chunk))
	if result.Error != nil {
		return fmt.Errorf("jobs: append execution output: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
