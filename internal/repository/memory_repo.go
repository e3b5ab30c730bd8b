package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// MemoryAttestationRepo keeps records in process. Each key has its own
// exclusive lock held for the lifetime of a WithinLock call; writes become
// visible to other callers only on commit.
type MemoryAttestationRepo struct {
	mu       sync.Mutex
	records  map[domain.AttestationKey]*domain.Attestation
	keyLocks map[domain.AttestationKey]chan struct{}
	now      func() time.Time
}

func NewMemoryAttestationRepo() *MemoryAttestationRepo {
	return &MemoryAttestationRepo{
		records:  make(map[domain.AttestationKey]*domain.Attestation),
		keyLocks: make(map[domain.AttestationKey]chan struct{}),
		now:      time.Now,
	}
}

func (r *MemoryAttestationRepo) WithinLock(ctx context.Context, fn func(tx AttestationTx) error) error {
	tx := &memoryAttestationTx{
		repo:   r,
		held:   make(map[domain.AttestationKey]chan struct{}),
		staged: make(map[domain.AttestationKey]*domain.Attestation),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (r *MemoryAttestationRepo) FindByKey(_ context.Context, key domain.AttestationKey) (*domain.Attestation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record.Clone(), nil
}

func (r *MemoryAttestationRepo) PurgeCreatedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for key, record := range r.records {
		if record.CreatedAt.Before(before) {
			delete(r.records, key)
			purged++
		}
	}
	return purged, nil
}

func (r *MemoryAttestationRepo) Ping(context.Context) error { return nil }

func (r *MemoryAttestationRepo) lockFor(key domain.AttestationKey) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.keyLocks[key]
	if !ok {
		l = make(chan struct{}, 1)
		r.keyLocks[key] = l
	}
	return l
}

type memoryAttestationTx struct {
	repo   *MemoryAttestationRepo
	held   map[domain.AttestationKey]chan struct{}
	staged map[domain.AttestationKey]*domain.Attestation
}

func (t *memoryAttestationTx) acquire(ctx context.Context, key domain.AttestationKey) error {
	if _, ok := t.held[key]; ok {
		return nil
	}

	l := t.repo.lockFor(key)
	select {
	case l <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryAttestationTx) read(key domain.AttestationKey) (*domain.Attestation, bool) {
	if record, ok := t.staged[key]; ok {
		return record.Clone(), true
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	record, ok := t.repo.records[key]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (t *memoryAttestationTx) FindByKey(ctx context.Context, key domain.AttestationKey, lock bool) (*domain.Attestation, error) {
	if lock {
		if err := t.acquire(ctx, key); err != nil {
			return nil, err
		}
	}

	record, ok := t.read(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (t *memoryAttestationTx) FindByOngoingDeliveryID(ctx context.Context, deliveryID string, lock bool) (*domain.Attestation, error) {
	if deliveryID == "" {
		return nil, domain.ErrNotFound
	}

	key, ok := t.keyForDeliveryID(deliveryID)
	if !ok {
		return nil, domain.ErrNotFound
	}

	record, err := t.FindByKey(ctx, key, lock)
	if err != nil {
		return nil, err
	}
	// The record may have moved on while we waited for its lock.
	if record.DeliveryID() != deliveryID {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (t *memoryAttestationTx) keyForDeliveryID(deliveryID string) (domain.AttestationKey, bool) {
	var (
		found  domain.AttestationKey
		newest time.Time
		ok     bool
	)
	match := func(record *domain.Attestation) {
		if record.DeliveryID() != deliveryID {
			return
		}
		if !ok || record.CreatedAt.After(newest) {
			found, newest, ok = record.Key, record.CreatedAt, true
		}
	}

	for _, record := range t.staged {
		match(record)
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for key, record := range t.repo.records {
		if _, shadowed := t.staged[key]; shadowed {
			continue
		}
		match(record)
	}
	return found, ok
}

func (t *memoryAttestationTx) FindOrCreate(ctx context.Context, defaults *domain.Attestation) (*domain.Attestation, bool, error) {
	if defaults == nil {
		return nil, false, fmt.Errorf("%w: defaults are required", domain.ErrValidation)
	}
	if err := t.acquire(ctx, defaults.Key); err != nil {
		return nil, false, err
	}

	if existing, ok := t.read(defaults.Key); ok {
		return existing, false, nil
	}

	record := defaults.Clone()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := t.repo.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	t.staged[record.Key] = record.Clone()
	return record, true, nil
}

func (t *memoryAttestationTx) Save(_ context.Context, a *domain.Attestation) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: attestation id is required", domain.ErrValidation)
	}
	if _, ok := t.held[a.Key]; !ok {
		return fmt.Errorf("save %s: record is not locked by this transaction", a.Key)
	}
	if _, ok := t.read(a.Key); !ok {
		return domain.ErrNotFound
	}

	a.UpdatedAt = t.repo.now().UTC()
	t.staged[a.Key] = a.Clone()
	return nil
}

func (t *memoryAttestationTx) commit() {
	if len(t.staged) == 0 {
		return
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for key, record := range t.staged {
		t.repo.records[key] = record
	}
	t.staged = nil
}

func (t *memoryAttestationTx) release() {
	for key, l := range t.held {
		<-l
		delete(t.held, key)
	}
}
