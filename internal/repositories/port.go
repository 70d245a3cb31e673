package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// gormPortRepository is the GORM implementation of PortRepository.
type gormPortRepository struct {
	db *gorm.DB
}

// NewPortRepository returns a PortRepository backed by the provided *gorm.DB.
func NewPortRepository(db *gorm.DB) PortRepository {
	return &gormPortRepository{db: db}
}

// Upsert inserts or refreshes the (machine_id, port, proto) row. A port scan
// observation always wins over the stored service/state, since it reflects
// what the agent saw most recently.
func (r *gormPortRepository) Upsert(ctx context.Context, port *db.Port) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "machine_id"}, {Name: "port"}, {Name: "proto"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"service", "state", "last_seen_at", "updated_at",
			}),
		}).
		Create(port).Error
	if err != nil {
		return fmt.Errorf("ports: upsert: %w", err)
	}
	return nil
}

// ListByMachine returns all known ports for a machine.
func (r *gormPortRepository) ListByMachine(ctx context.Context, machineID uuid.UUID) ([]db.Port, error) {
	var ports []db.Port
	if err := r.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("port ASC").
		Find(&ports).Error; err != nil {
		return nil, fmt.Errorf("ports: list by machine: %w", err)
	}
	return ports, nil
}

// DeleteStale removes ports for the machine last observed before cutoff.
// Callers upsert the current scan's rows first so this only removes ports
// genuinely absent from the latest observation.
func (r *gormPortRepository) DeleteStale(ctx context.Context, machineID uuid.UUID, cutoff time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("machine_id = ? AND last_seen_at < ?", machineID, cutoff).
		Delete(&db.Port{}).Error; err != nil {
		return fmt.Errorf("ports: delete stale: %w", err)
	}
	return nil
}

// All returns every known port, used to warm the state cache at startup.
func (r *gormPortRepository) All(ctx context.Context) ([]db.Port, error) {
	var ports []db.Port
	if err := r.db.WithContext(ctx).Find(&ports).Error; err != nil {
		return nil, fmt.Errorf("ports: all: %w", err)
	}
	return ports, nil
}
