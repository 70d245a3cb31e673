package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// gormMachineRepository is the GORM implementation of MachineRepository.
type gormMachineRepository struct {
	db *gorm.DB
}

// NewMachineRepository returns a MachineRepository backed by the provided *gorm.DB.
func NewMachineRepository(db *gorm.DB) MachineRepository {
	return &gormMachineRepository{db: db}
}

// Create inserts a new machine record into the database.
func (r *gormMachineRepository) Create(ctx context.Context, machine *db.Machine) error {
	if err := r.db.WithContext(ctx).Create(machine).Error; err != nil {
		return fmt.Errorf("machines: create: %w", err)
	}
	return nil
}

// GetByID retrieves a machine by its UUID. Soft-deleted machines are excluded.
func (r *gormMachineRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by id: %w", err)
	}
	return &machine, nil
}

// GetBySecretHash retrieves a machine by its registration secret hash. This is
// the primary lookup path on agent registration: a returning agent is
// recognized by credential, not by connection.
func (r *gormMachineRepository) GetBySecretHash(ctx context.Context, hash string) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "secret_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by secret hash: %w", err)
	}
	return &machine, nil
}

// GetByHostnameIP is the fallback lookup when a machine registers with a
// secret the server has not seen before but its (hostname, ip) pair matches
// an existing record — e.g. the agent was reinstalled with a fresh secret.
func (r *gormMachineRepository) GetByHostnameIP(ctx context.Context, hostname, ip string) (*db.Machine, error) {
	var machine db.Machine
	err := r.db.WithContext(ctx).First(&machine, "hostname = ? AND ip_address = ?", hostname, ip).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("machines: get by hostname/ip: %w", err)
	}
	return &machine, nil
}

// Update persists all fields of an existing machine record.
func (r *gormMachineRepository) Update(ctx context.Context, machine *db.Machine) error {
	result := r.db.WithContext(ctx).Save(machine)
	if result.Error != nil {
		return fmt.Errorf("machines: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and last_seen_at columns. Called on
// every throttled heartbeat tick — updating two columns avoids write
// amplification on the full row under high connection counts.
func (r *gormMachineRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Machine{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		})
	if result.Error != nil {
		return fmt.Errorf("machines: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a machine. The record remains in the database.
func (r *gormMachineRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Machine{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("machines: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of machines and the total count.
func (r *gormMachineRepository) List(ctx context.Context, opts ListOptions) ([]db.Machine, int64, error) {
	var machines []db.Machine
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Machine{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&machines).Error; err != nil {
		return nil, 0, fmt.Errorf("machines: list: %w", err)
	}

	return machines, total, nil
}

// All returns every non-deleted machine, used once at startup to warm the
// state cache.
func (r *gormMachineRepository) All(ctx context.Context) ([]db.Machine, error) {
	var machines []db.Machine
	if err := r.db.WithContext(ctx).Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("machines: all: %w", err)
	}
	return machines, nil
}
