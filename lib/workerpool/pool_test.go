package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 4, QueueSize: 16})

	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := p.SubmitWithContext(context.Background(), Task{ID: "t", Fn: func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if err := p.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 50 {
		t.Errorf("ran %d tasks, want 50", ran.Load())
	}
	if s := p.Stats(); s.CompletedTasks != 50 || s.TotalTasks != 50 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(Config{Name: "panic", MaxWorkers: 1})
	done := make(chan struct{})
	p.Submit(Task{ID: "boom", Fn: func(context.Context) error { panic("boom") }})
	p.Submit(Task{ID: "after", Fn: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	p.Stop(time.Second)
	if s := p.Stats(); s.FailedTasks != 1 {
		t.Errorf("expected one failed task, got %d", s.FailedTasks)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Name: "stopped", MaxWorkers: 1})
	p.Stop(time.Second)
	if err := p.Submit(Task{Fn: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
