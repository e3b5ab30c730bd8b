package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// AttestationTx is the set of record operations available inside
// AttestationStore.WithinLock. Records returned with lock=true stay
// exclusively locked until the transaction ends.
type AttestationTx interface {
	FindByKey(ctx context.Context, key domain.AttestationKey, lock bool) (*domain.Attestation, error)
	// FindByOngoingDeliveryID returns the most recently created record with
	// the delivery id.
	FindByOngoingDeliveryID(ctx context.Context, deliveryID string, lock bool) (*domain.Attestation, error)
	// FindOrCreate inserts defaults unless a record with the same key exists
	// and returns the locked record. created reports whether defaults won.
	FindOrCreate(ctx context.Context, defaults *domain.Attestation) (record *domain.Attestation, created bool, err error)
	Save(ctx context.Context, a *domain.Attestation) error
}

// AttestationStore is the persistence boundary for attestation records.
type AttestationStore interface {
	// WithinLock runs fn in a transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithinLock(ctx context.Context, fn func(tx AttestationTx) error) error
	FindByKey(ctx context.Context, key domain.AttestationKey) (*domain.Attestation, error)
	PurgeCreatedBefore(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}
