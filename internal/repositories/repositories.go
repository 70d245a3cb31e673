package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// MachineRepository
// -----------------------------------------------------------------------------

type MachineRepository interface {
	Create(ctx context.Context, machine *db.Machine) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error)
	GetBySecretHash(ctx context.Context, hash string) (*db.Machine, error)
	GetByHostnameIP(ctx context.Context, hostname, ip string) (*db.Machine, error)
	Update(ctx context.Context, machine *db.Machine) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Machine, int64, error)
	// All returns every non-deleted machine, used to warm the state cache.
	All(ctx context.Context) ([]db.Machine, error)
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type MetricRepository interface {
	Create(ctx context.Context, metric *db.Metric) error
	LatestByMachine(ctx context.Context, machineID uuid.UUID) (*db.Metric, error)
	ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.Metric, error)
}

// -----------------------------------------------------------------------------
// PortRepository
// -----------------------------------------------------------------------------

type PortRepository interface {
	// Upsert inserts or updates the (machine_id, port, proto) row, setting
	// LastSeenAt to the given time.
	Upsert(ctx context.Context, port *db.Port) error
	ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Port, error)
	// DeleteStale removes rows for the machine last seen before cutoff. Callers
	// upsert the current observation set first so the delete only removes
	// ports genuinely absent from the latest scan, never ones just observed.
	DeleteStale(ctx context.Context, machineID uuid.UUID, cutoff time.Time) error
	All(ctx context.Context) ([]db.Port, error)
}

// -----------------------------------------------------------------------------
// MachineACLRepository
// -----------------------------------------------------------------------------

type MachineACLRepository interface {
	Grant(ctx context.Context, userID, machineID uuid.UUID) error
	Revoke(ctx context.Context, userID, machineID uuid.UUID) error
	Has(ctx context.Context, userID, machineID uuid.UUID) (bool, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithExecutions retrieves a job together with its JobExecution
	// records, loaded via a manual query since GORM cannot auto-resolve
	// uuid.UUID foreign keys.
	GetByIDWithExecutions(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobExecution, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status string, startedAt, endedAt *time.Time) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// JobExecution
	CreateExecution(ctx context.Context, e *db.JobExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*db.JobExecution, error)
	ListExecutionsByJob(ctx context.Context, jobID uuid.UUID) ([]db.JobExecution, error)
	GetExecutionByJobMachine(ctx context.Context, jobID, machineID uuid.UUID) (*db.JobExecution, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, startedAt, endedAt *time.Time) error
	AppendExecutionOutput(ctx context.Context, id uuid.UUID, chunk string) error
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

type AuditRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error)
	ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.AuditLog, error)
}
