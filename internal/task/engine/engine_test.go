package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"campaignbot/internal/eventbus"
	logx "campaignbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "hello", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitEvent(t, events, eventbus.TypeTaskFinished)
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad payload"))
	}})
	e := waitEvent(t, events, eventbus.TypeTaskFailed)
	ev := e.Data.(TaskEvent)
	if calls.Load() != 1 || ev.Attempts != 1 {
		t.Fatalf("calls=%d attempts=%d, want 1/1", calls.Load(), ev.Attempts)
	}
	if ev.Error != "bad payload" {
		t.Fatalf("Error = %q", ev.Error)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	e := waitEvent(t, events, eventbus.TypeTaskFinished)
	if got := e.Data.(TaskEvent).Attempts; got != 3 {
		t.Fatalf("Attempts = %d, want 3", got)
	}
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryMax: -1}.withDefaults(Config{RetryMax: 5})
	if opt.RetryMax != 0 {
		t.Fatalf("RetryMax = %d, want 0", opt.RetryMax)
	}
	opt = TaskOptions{}.withDefaults(Config{RetryMax: 5})
	if opt.RetryMax != 5 {
		t.Fatalf("RetryMax = %d, want 5", opt.RetryMax)
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	task := Task{Name: "tick", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	e := waitEvent(t, events, eventbus.TypeTaskFailed)
	if e.Data.(TaskEvent).Error != context.DeadlineExceeded.Error() {
		t.Fatalf("Error = %q", e.Data.(TaskEvent).Error)
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue = %v, want ErrStopped", err)
	}
	s = New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue = %v, want ErrDisabled", err)
	}
}

func TestBackoffDelayHonorsHint(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	d := backoffDelay(opt, 1, RetryAfter(errors.New("flood"), 10*time.Second), nil)
	if d != time.Second {
		t.Fatalf("hinted delay = %v, want capped 1s", d)
	}
	rng := rand.New(rand.NewSource(1))
	d = backoffDelay(opt, 1, errors.New("x"), rng)
	if d < 80*time.Millisecond || d > 120*time.Millisecond {
		t.Fatalf("jittered delay = %v, want 100ms +/- 20%%", d)
	}
	d = backoffDelay(opt, 3, errors.New("x"), nil)
	if d != 400*time.Millisecond {
		t.Fatalf("third attempt delay = %v, want 400ms", d)
	}
}
