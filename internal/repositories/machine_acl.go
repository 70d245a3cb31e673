package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetd-io/fleetd/server/internal/db"
)

// gormMachineACLRepository is the GORM implementation of MachineACLRepository.
type gormMachineACLRepository struct {
	db *gorm.DB
}

// NewMachineACLRepository returns a MachineACLRepository backed by the provided *gorm.DB.
func NewMachineACLRepository(db *gorm.DB) MachineACLRepository {
	return &gormMachineACLRepository{db: db}
}

// Grant records that userID may access machineID. Granting twice is a no-op.
func (r *gormMachineACLRepository) Grant(ctx context.Context, userID, machineID uuid.UUID) error {
	acl := &db.MachineACL{UserID: userID, MachineID: machineID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(acl).Error
	if err != nil {
		return fmt.Errorf("machine_acls: grant: %w", err)
	}
	return nil
}

// Revoke removes userID's access to machineID, if any.
func (r *gormMachineACLRepository) Revoke(ctx context.Context, userID, machineID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND machine_id = ?", userID, machineID).
		Delete(&db.MachineACL{}).Error; err != nil {
		return fmt.Errorf("machine_acls: revoke: %w", err)
	}
	return nil
}

// Has reports whether userID currently has access to machineID.
func (r *gormMachineACLRepository) Has(ctx context.Context, userID, machineID uuid.UUID) (bool, error) {
	var acl db.MachineACL
	err := r.db.WithContext(ctx).
		First(&acl, "user_id = ? AND machine_id = ?", userID, machineID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("machine_acls: has: %w", err)
	}
	return true, nil
}
