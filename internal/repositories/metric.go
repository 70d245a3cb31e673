package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// gormMetricRepository is the GORM implementation of MetricRepository.
type gormMetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository returns a MetricRepository backed by the provided *gorm.DB.
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &gormMetricRepository{db: db}
}

// Create appends a new metric sample. Metrics are never updated in place.
func (r *gormMetricRepository) Create(ctx context.Context, metric *db.Metric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("metrics: create: %w", err)
	}
	return nil
}

// LatestByMachine returns the most recently recorded metric for a machine.
func (r *gormMetricRepository) LatestByMachine(ctx context.Context, machineID uuid.UUID) (*db.Metric, error) {
	var metric db.Metric
	err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("recorded_at DESC").
		First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metrics: latest by machine: %w", err)
	}
	return &metric, nil
}

// ListByMachine returns metric history for a machine, most recent first.
func (r *gormMetricRepository) ListByMachine(ctx context.Context, machineID uuid.UUID, opts ListOptions) ([]db.Metric, error) {
	var metrics []db.Metric
	if err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("recorded_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("metrics: list by machine: %w", err)
	}
	return metrics, nil
}
