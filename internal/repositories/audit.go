package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

// Create appends an audit log entry. Audit entries are append-only.
func (r *gormAuditRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit_log: create: %w", err)
	}
	return nil
}

// List returns audit entries, most recent first.
func (r *gormAuditRepository) List(ctx context.Context, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.AuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_log: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_log: list: %w", err)
	}

	return entries, total, nil
}

// ListByMachine returns audit entries scoped to a single machine, most recent first.
func (r *gormAuditRepository) ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.AuditLog, error) {
	var entries []db.AuditLog
	if err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit_log: list by machine: %w", err)
	}
	return entries, nil
}
