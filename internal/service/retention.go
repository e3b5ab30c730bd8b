package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/observability"
	"github.com/kursadbilgin/attestation-engine/internal/repository"
	"go.uber.org/zap"
)

// RetentionPurger deletes attestation records older than maxAge. It runs
// every maxAge/4.
type RetentionPurger struct {
	store    repository.AttestationStore
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewRetentionPurger(store repository.AttestationStore, maxAge time.Duration, logger *zap.Logger) (*RetentionPurger, error) {
	if store == nil {
		return nil, fmt.Errorf("attestation store is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("record expiry must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionPurger{
		store:    store,
		maxAge:   maxAge,
		interval: maxAge / 4,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (p *RetentionPurger) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *RetentionPurger) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := p.purge(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("initial attestation purge failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.purge(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("attestation purge failed", zap.Error(err))
			}
		}
	}
}

func (p *RetentionPurger) purge(ctx context.Context) error {
	cutoff := p.now().Add(-p.maxAge)
	deleted, err := p.store.PurgeCreatedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge attestations created before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	p.metrics.AddRecordsPurged(deleted)
	if deleted > 0 {
		p.logger.Info("purged expired attestations",
			zap.Int64("count", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
