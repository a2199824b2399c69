package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream refused")

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clk.now
	return b, clk
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "openai-realtime"})
	if b.maxFailures != DefaultMaxFailures || b.resetTimeout != DefaultResetTimeout || b.halfOpenMax != DefaultHalfOpenMax {
		t.Errorf("defaults = %d/%v/%d", b.maxFailures, b.resetTimeout, b.halfOpenMax)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := range 2 {
		if err := b.Do(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	// A success in between resets the streak.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("success: %v", err)
	}
	for range 2 {
		_ = b.Do(ctx, fail)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v after broken streak, want closed", b.State())
	}

	_ = b.Do(ctx, fail)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{name: "probe succeeds", probe: succeed, want: Closed},
		{name: "probe fails", probe: fail, want: Open},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newTestBreaker(Config{Name: "test", MaxFailures: 1, ResetTimeout: 10 * time.Second})
			ctx := context.Background()

			_ = b.Do(ctx, fail)
			clk.advance(9 * time.Second)
			if b.State() != Open {
				t.Fatalf("state = %v before timeout, want open", b.State())
			}
			clk.advance(time.Second)
			if b.State() != HalfOpen {
				t.Fatalf("state = %v after timeout, want half-open", b.State())
			}

			_ = b.Do(ctx, tc.probe)
			if got := b.State(); got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clk.advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("second probe: err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Do(context.Background(), fail)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state = %v after Reset, want closed", b.State())
	}
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
