package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"go.uber.org/zap"
)

var ErrSchedulerStopped = errors.New("retry scheduler stopped")

// ReattemptHandler runs one scheduled attempt.
type ReattemptHandler func(ctx context.Context, job domain.ReattemptJob) error

// TimerScheduler runs reattempts on in-process timers. Pending jobs are lost
// on restart; the record stays incomplete and can be rerequested.
type TimerScheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	handler ReattemptHandler
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

func NewTimerScheduler(jobTimeout time.Duration, logger *zap.Logger) *TimerScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		logger:  logger,
		timers:  make(map[uint64]*time.Timer),
		baseCtx: ctx,
		cancel:  cancel,
		timeout: jobTimeout,
	}
}

// SetHandler binds the function jobs are delivered to. Jobs scheduled
// before a handler is bound are rejected.
func (s *TimerScheduler) SetHandler(handler ReattemptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *TimerScheduler) Schedule(_ context.Context, job domain.ReattemptJob, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.handler == nil {
		return fmt.Errorf("retry scheduler has no handler")
	}
	if delay < 0 {
		delay = 0
	}

	id := s.nextID
	s.nextID++
	handler := s.handler

	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.run(handler, job)
	})
	return nil
}

func (s *TimerScheduler) run(handler ReattemptHandler, job domain.ReattemptJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled attempt panicked",
				zap.String("key", job.Key.String()),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	if err := handler(ctx, job); err != nil {
		s.logger.Error("scheduled attempt failed",
			zap.String("key", job.Key.String()),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
	}
}

// Pending returns the number of timers that have not fired yet.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop drops pending timers and waits for running jobs until ctx ends.
func (s *TimerScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	dropped := 0
	for id, timer := range s.timers {
		if timer.Stop() {
			dropped++
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("dropped pending delivery attempts on shutdown", zap.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
