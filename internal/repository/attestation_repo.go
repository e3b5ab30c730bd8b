package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormAttestationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormAttestationRepo(db *gorm.DB) *GormAttestationRepo {
	return &GormAttestationRepo{db: db, now: time.Now}
}

// WithinLock runs fn in a read committed transaction. Row reads with lock
// set take FOR UPDATE locks held until commit.
func (r *GormAttestationRepo) WithinLock(ctx context.Context, fn func(tx AttestationTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormAttestationTx{db: tx, now: r.now})
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (r *GormAttestationRepo) FindByKey(ctx context.Context, key domain.AttestationKey) (*domain.Attestation, error) {
	return findByKey(ctx, r.db, key, false)
}

func (r *GormAttestationRepo) PurgeCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&AttestationModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormAttestationRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type gormAttestationTx struct {
	db  *gorm.DB
	now func() time.Time
}

func (t *gormAttestationTx) FindByKey(ctx context.Context, key domain.AttestationKey, lock bool) (*domain.Attestation, error) {
	return findByKey(ctx, t.db, key, lock)
}

func (t *gormAttestationTx) FindByOngoingDeliveryID(ctx context.Context, deliveryID string, lock bool) (*domain.Attestation, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return nil, domain.ErrNotFound
	}

	var model AttestationModel
	err := withLock(t.db.WithContext(ctx), lock).
		Where("ongoing_delivery_id = ?", deliveryID).
		Order("created_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attestationModelToDomain(&model), nil
}

func (t *gormAttestationTx) FindOrCreate(ctx context.Context, defaults *domain.Attestation) (*domain.Attestation, bool, error) {
	if defaults == nil {
		return nil, false, fmt.Errorf("%w: defaults are required", domain.ErrValidation)
	}

	model := attestationModelFromDomain(defaults)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	now := t.now().UTC()
	model.CreatedAt = now
	model.UpdatedAt = now

	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}, {Name: "identifier"}, {Name: "issuer"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	record, err := findByKey(ctx, t.db, defaults.Key, true)
	if err != nil {
		return nil, false, err
	}
	return record, result.RowsAffected == 1, nil
}

func (t *gormAttestationTx) Save(ctx context.Context, a *domain.Attestation) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: attestation id is required", domain.ErrValidation)
	}

	a.UpdatedAt = t.now().UTC()
	model := attestationModelFromDomain(a)

	result := t.db.WithContext(ctx).
		Model(&AttestationModel{}).
		Where("id = ?", a.ID).
		Select("*").
		Omit("id", "account", "identifier", "issuer", "created_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func findByKey(ctx context.Context, db *gorm.DB, key domain.AttestationKey, lock bool) (*domain.Attestation, error) {
	var model AttestationModel
	err := withLock(db.WithContext(ctx), lock).
		Where("account = ? AND identifier = ? AND issuer = ?", key.Account, key.Identifier, key.Issuer).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attestationModelToDomain(&model), nil
}

func withLock(db *gorm.DB, lock bool) *gorm.DB {
	if !lock {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
