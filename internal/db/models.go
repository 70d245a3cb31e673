package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local or OIDC-authenticated operator account.
// Password is only set for local accounts — OIDC users authenticate via the
// provider and have an empty Password field.
type User struct {
	base
	Email        string          `gorm:"uniqueIndex;not null"`
	Password     EncryptedString `gorm:"type:text"` // empty for OIDC users
	DisplayName  string          `gorm:"not null"`
	Role         string          `gorm:"not null;default:'user'"` // "admin" or "user"
	IsActive     bool            `gorm:"not null;default:true"`   // false = account disabled
	OIDCProvider string          `gorm:"default:''"`              // provider ID if OIDC user
	OIDCSub      string          `gorm:"default:''"`              // subject claim from OIDC token
	LastLoginAt  *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use and expire after 7 days.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// OIDCProvider stores the configuration for an external OIDC identity provider.
// ClientSecret is encrypted at rest. Only one provider is supported at a time.
type OIDCProvider struct {
	base
	Name         string          `gorm:"not null"`
	Issuer       string          `gorm:"not null"`
	ClientID     string          `gorm:"not null"`
	ClientSecret EncryptedString `gorm:"type:text;not null"`
	RedirectURL  string          `gorm:"not null"`
	Scopes       string          `gorm:"not null;default:'openid email profile'"` // space-separated
	Enabled      bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Machines
// -----------------------------------------------------------------------------

// Machine represents a managed host running a fleet agent. The agent proves
// its identity on every connection with a registration secret; the server
// stores that secret twice, for two different purposes:
//
//   - SecretHash is SHA-256(secretKey), used to recognize a returning agent
//     by credential rather than by connection.
//   - EncryptedSecret is AES-256-GCM(secretKey) under a key derived from the
//     server master secret, used later to recompute HMACs for secure message
//     envelopes bound for this machine (see internal/terminal). Both fields
//     must always correspond to the same plaintext secret.
type Machine struct {
	softDelete
	Hostname        string          `gorm:"not null;index"`
	IPAddress       string          `gorm:"not null;default:''"`
	OS              string          `gorm:"not null;default:''"` // opaque descriptor, e.g. "linux/amd64"
	Status          string          `gorm:"not null;default:'offline';index"`
	LastSeenAt      *time.Time
	SecretHash      string          `gorm:"uniqueIndex;not null"`
	EncryptedSecret EncryptedString `gorm:"type:text;not null"`
	Notes           string          `gorm:"type:text;default:''"`
	Labels          string          `gorm:"type:text;default:'{}'"` // JSON key-value pairs, used by tag:<key> queries
	Role            string          `gorm:"default:''"`
}

// Metric is a single heartbeat-derived resource utilization sample for a
// machine. Append-only — rows are never updated, only inserted and, for
// retention, eventually pruned by age.
type Metric struct {
	base
	MachineID      uuid.UUID `gorm:"type:text;not null;index"`
	CPUUsage       float64   `gorm:"not null;default:0"`
	RAMUsage       float64   `gorm:"not null;default:0"`
	RAMUsed        int64     `gorm:"not null;default:0"`
	RAMTotal       int64     `gorm:"not null;default:0"`
	DiskUsage      float64   `gorm:"not null;default:0"`
	DiskUsed       int64     `gorm:"not null;default:0"`
	DiskTotal      int64     `gorm:"not null;default:0"`
	UptimeSeconds  int64     `gorm:"not null;default:0"`
	RecordedAt     time.Time `gorm:"not null;index"`
}

// Port is an upserted open-port observation for a machine. The unique index
// on (machine_id, port, proto) is what makes heartbeat processing an upsert
// rather than an append.
type Port struct {
	base
	MachineID  uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_ports_machine_port_proto"`
	Port       int       `gorm:"not null;uniqueIndex:idx_ports_machine_port_proto"`
	Proto      string    `gorm:"not null;default:'tcp';uniqueIndex:idx_ports_machine_port_proto"`
	Service    string    `gorm:"default:''"`
	State      string    `gorm:"not null;default:'open'"`
	LastSeenAt time.Time `gorm:"not null;index"`
}

// MachineACL grants a user access to a machine, backing the binary ACL check
// required before a terminal session token can be issued for a non-system
// user (see internal/terminal session issuance).
type MachineACL struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_acl_user_machine"`
	MachineID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_acl_user_machine"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job represents one bulk-command submission against a resolved target set.
// Status transitions strictly forward: pending -> running -> {success,
// failed, aborted}. Executions is populated manually (see
// repositories/job.go) because GORM cannot resolve foreign keys against a
// uuid.UUID primary key without an explicit association query.
type Job struct {
	base
	Command      string     `gorm:"type:text;not null"`
	Mode         string     `gorm:"not null"` // "parallel" or "rolling"
	Status       string     `gorm:"not null;default:'pending';index"`
	Strategy     string     `gorm:"type:text;not null;default:'{}'"` // JSON: concurrency, or batchSize/batchPercent/stopOnFailurePercent/waitSeconds
	TargetType   string     `gorm:"not null"`                        // "adhoc", "group", "dynamic"
	TargetSpec   string     `gorm:"type:text;not null;default:'{}'"` // JSON: machine ID list or query DSL
	TotalTargets int        `gorm:"not null;default:0"`
	StartedAt    *time.Time
	EndedAt      *time.Time

	Executions []JobExecution `gorm:"-"`
}

// JobExecution tracks exactly one (job, machine) pair. Output only grows —
// the orchestrator appends to it as command_response chunks arrive.
type JobExecution struct {
	base
	JobID     uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_exec_job_machine"`
	MachineID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_exec_job_machine"`
	Status    string    `gorm:"not null;default:'pending';index"` // pending,running,success,failed,skipped,aborted
	ExitCode  *int      `gorm:""`
	Output    string    `gorm:"type:text;default:''"`
	Error     string    `gorm:"type:text;default:''"`
	StartedAt *time.Time
	EndedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditLog is an append-only security trail. It records terminal session
// lifecycle events (SHELL_OPEN, SHELL_CLOSE), administrative actions, and
// anything else worth being able to reconstruct after the fact. Never
// updated or deleted by application code.
type AuditLog struct {
	base
	Actor     string     `gorm:"not null;index"` // user id, or "system"
	Action    string     `gorm:"not null;index"`
	MachineID *uuid.UUID `gorm:"type:text;index"`
	SessionID string     `gorm:"default:''"`
	Detail    string     `gorm:"type:text;default:'{}'"` // JSON
}
