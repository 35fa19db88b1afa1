package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunLimiter_AcquireRelease(t *testing.T) {
	limiter := NewRunLimiter(time.Second)

	if limiter.Active() {
		t.Fatal("new limiter should be idle")
	}

	if err := limiter.Acquire(context.Background(), "api"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	status := limiter.Status()
	if !status.Running || status.Trigger != "api" {
		t.Errorf("Status = %+v, want running api", status)
	}

	limiter.Release()

	if limiter.Active() {
		t.Error("limiter should be idle after Release")
	}
	if got := limiter.Status(); got.Running || got.Trigger != "" {
		t.Errorf("Status after Release = %+v", got)
	}
}

func TestRunLimiter_SecondRunTimesOut(t *testing.T) {
	limiter := NewRunLimiter(100 * time.Millisecond)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "schedule"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release()

	start := time.Now()
	err := limiter.Acquire(ctx, "api")
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("timeout too fast: %v", elapsed)
	}
}

func TestRunLimiter_WaitsForRunningRun(t *testing.T) {
	limiter := NewRunLimiter(time.Second)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "first"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		limiter.Release()
	}()

	if err := limiter.Acquire(ctx, "second"); err != nil {
		t.Fatalf("second Acquire should succeed once the first run releases: %v", err)
	}
	if got := limiter.Status().Trigger; got != "second" {
		t.Errorf("Trigger = %q, want second", got)
	}
	limiter.Release()
}

func TestRunLimiter_ContextCancelled(t *testing.T) {
	limiter := NewRunLimiter(5 * time.Second)

	if !limiter.TryAcquire("first") {
		t.Fatal("TryAcquire on idle limiter should succeed")
	}
	defer limiter.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := limiter.Acquire(ctx, "second")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunLimiter_TryAcquire(t *testing.T) {
	limiter := NewRunLimiter(time.Second)

	if !limiter.TryAcquire("a") {
		t.Fatal("first TryAcquire should succeed")
	}
	if limiter.TryAcquire("b") {
		t.Error("second TryAcquire should fail while a run is active")
	}
	limiter.Release()
	if !limiter.TryAcquire("c") {
		t.Error("TryAcquire after Release should succeed")
	}
	limiter.Release()
}

func TestRunLimiter_OneRunAtATime(t *testing.T) {
	limiter := NewRunLimiter(2 * time.Second)

	var (
		wg      sync.WaitGroup
		running int32
		maxSeen int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background(), "worker"); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer limiter.Release()

			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxSeen)
	}
}

func TestRunLimiter_WaitForDrain(t *testing.T) {
	limiter := NewRunLimiter(time.Second)
	limiter.TryAcquire("api")

	go func() {
		time.Sleep(50 * time.Millisecond)
		limiter.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := limiter.WaitForDrain(ctx); err != nil {
		t.Errorf("WaitForDrain = %v, want nil", err)
	}
}

func TestRunLimiter_WaitForDrainTimeout(t *testing.T) {
	limiter := NewRunLimiter(time.Second)
	limiter.TryAcquire("api")
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := limiter.WaitForDrain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForDrain = %v, want deadline exceeded", err)
	}
}
