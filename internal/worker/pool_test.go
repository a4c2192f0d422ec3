package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(3, 10, time.Second, zerolog.Nop())
	var ran int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(context.Background(), Job{Name: "count", Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := atomic.LoadInt32(&ran); n != 10 {
		t.Errorf("expected 10 jobs to run, got %d", n)
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := New(1, 5, time.Second, zerolog.Nop())
	release := make(chan struct{})
	var ran int32

	p.Submit(context.Background(), Job{Name: "block", Run: func(context.Context) error {
		<-release
		atomic.AddInt32(&ran, 1)
		return nil
	}})
	for i := 0; i < 3; i++ {
		p.Submit(context.Background(), Job{Name: "queued", Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}})
	}

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if n := atomic.LoadInt32(&ran); n != 4 {
		t.Errorf("expected all 4 queued jobs to finish, got %d", n)
	}
	if err := p.Submit(context.Background(), Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	p := New(1, 1, time.Second, zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := p.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	noop := Job{Name: "noop", Run: func(context.Context) error { return nil }}
	if err := p.TrySubmit(noop); err != nil {
		t.Fatalf("expected room for one queued job, got %v", err)
	}
	if err := p.TrySubmit(noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull after waiting, got %v", err)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestJobPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 5, time.Second, zerolog.Nop())
	var ran int32
	p.Submit(context.Background(), Job{Name: "panic", Run: func(context.Context) error { panic("boom") }})
	p.Submit(context.Background(), Job{Name: "after", Run: func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("worker should keep running after a panic")
	}
}

func TestJobGetsTimeout(t *testing.T) {
	p := New(1, 1, 10*time.Millisecond, zerolog.Nop())
	errc := make(chan error, 1)
	p.Submit(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	}})
	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("job timeout was not applied")
	}
	p.Shutdown(context.Background())
}
