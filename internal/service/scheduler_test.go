package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTimerSchedulerRunsJobAfterDelay(t *testing.T) {
	t.Parallel()

	scheduler := NewTimerScheduler(time.Second, zap.NewNop())
	got := make(chan domain.ReattemptJob, 1)
	scheduler.SetHandler(func(ctx context.Context, job domain.ReattemptJob) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		got <- job
		return nil
	})

	job := domain.ReattemptJob{Key: testKey(""), Attempt: 2}
	if err := scheduler.Schedule(context.Background(), job, 10*time.Millisecond); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case ran := <-got:
		if ran != job {
			t.Fatalf("job = %+v, want %+v", ran, job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job did not run")
	}

	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestTimerSchedulerRequiresHandler(t *testing.T) {
	t.Parallel()

	scheduler := NewTimerScheduler(0, nil)
	if err := scheduler.Schedule(context.Background(), domain.ReattemptJob{}, time.Millisecond); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestTimerSchedulerStopDropsPendingAndRejectsNew(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	scheduler := NewTimerScheduler(time.Second, zap.New(core))

	var runs atomic.Int32
	scheduler.SetHandler(func(context.Context, domain.ReattemptJob) error {
		runs.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := scheduler.Schedule(context.Background(), domain.ReattemptJob{Key: testKey(""), Attempt: i}, time.Hour); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}
	if got := scheduler.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := scheduler.Pending(); got != 0 {
		t.Fatalf("Pending() after Stop = %d, want 0", got)
	}
	if runs.Load() != 0 {
		t.Fatalf("runs = %d, want 0", runs.Load())
	}
	if logs.FilterMessage("dropped pending delivery attempts on shutdown").Len() != 1 {
		t.Fatal("expected shutdown warning log")
	}

	err := scheduler.Schedule(context.Background(), domain.ReattemptJob{}, 0)
	if !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("Schedule() after Stop error = %v, want ErrSchedulerStopped", err)
	}
	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestTimerSchedulerStopWaitsForRunningJob(t *testing.T) {
	t.Parallel()

	scheduler := NewTimerScheduler(time.Second, zap.NewNop())
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	scheduler.SetHandler(func(context.Context, domain.ReattemptJob) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	if err := scheduler.Schedule(context.Background(), domain.ReattemptJob{Key: testKey("")}, 0); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	<-started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := scheduler.Stop(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	if !finished.Load() {
		t.Fatal("running job should finish after release")
	}
}

func TestTimerSchedulerRecoversPanics(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	scheduler := NewTimerScheduler(time.Second, zap.New(core))
	scheduler.SetHandler(func(context.Context, domain.ReattemptJob) error {
		panic("boom")
	})

	if err := scheduler.Schedule(context.Background(), domain.ReattemptJob{Key: testKey("")}, 0); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := scheduler.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Stop only returns after the fired job finished or was dropped.
	if scheduler.Pending() != 0 {
		t.Fatal("Pending() should be 0 after Stop")
	}
	if n := logs.FilterMessage("scheduled attempt panicked").Len(); n > 1 {
		t.Fatalf("panic logs = %d, want at most 1", n)
	}
}
