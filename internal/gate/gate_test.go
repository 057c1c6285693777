package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"catabot/internal/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustGate(t *testing.T, limit int, opts ...Option) *Gate {
	t.Helper()
	g, err := New(limit, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewRejectsNonPositiveLimit(t *testing.T) {
	for _, limit := range []int{0, -1} {
		_, err := New(limit)
		if !errors.Is(err, ErrInvalidLimit) || !apperr.IsConfiguration(err) {
			t.Fatalf("limit %d: got %v", limit, err)
		}
	}
}

func TestTryEnterOrdering(t *testing.T) {
	g := mustGate(t, 1)
	if err := g.TryEnter("x"); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	// Same caller at full capacity: AlreadyInFlight wins over TooBusy.
	if err := g.TryEnter("x"); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("want AlreadyInFlight, got %v", err)
	}
	if err := g.TryEnter("y"); !errors.Is(err, ErrTooBusy) {
		t.Fatalf("want TooBusy, got %v", err)
	}
	g.Leave("x")
	g.Leave("x")
	if g.InFlight() != 0 {
		t.Fatalf("in flight=%d", g.InFlight())
	}
	if err := g.TryEnter("y"); err != nil {
		t.Fatalf("after leave: %v", err)
	}
}

func TestInFlightNeverExceedsLimit(t *testing.T) {
	const limit = 3
	g := mustGate(t, limit)
	rng := rand.New(rand.NewSource(1))
	held := map[string]bool{}
	for i := 0; i < 2000; i++ {
		tok := fmt.Sprintf("u%d", rng.Intn(6))
		if rng.Intn(3) == 0 {
			g.Leave(tok)
			delete(held, tok)
			continue
		}
		err := g.TryEnter(tok)
		switch {
		case held[tok]:
			if !errors.Is(err, ErrAlreadyInFlight) {
				t.Fatalf("step %d: held token %s got %v", i, tok, err)
			}
		case len(held) >= limit:
			if !errors.Is(err, ErrTooBusy) {
				t.Fatalf("step %d: full gate got %v", i, err)
			}
		default:
			if err != nil {
				t.Fatalf("step %d: unexpected %v", i, err)
			}
			held[tok] = true
		}
		if n := g.InFlight(); n > limit || n != len(held) {
			t.Fatalf("step %d: in flight=%d held=%d", i, n, len(held))
		}
	}
}

func TestConcurrentTryEnter(t *testing.T) {
	const limit = 4
	g := mustGate(t, limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.TryEnter(fmt.Sprintf("c%d", i)) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if admitted != limit || g.InFlight() != limit {
		t.Fatalf("admitted=%d in flight=%d", admitted, g.InFlight())
	}
}

func TestRunAlwaysReleases(t *testing.T) {
	g := mustGate(t, 1, WithTimeout(30*time.Millisecond))
	ctx := context.Background()

	cases := []struct {
		name string
		op   func(ctx context.Context) error
		want error
	}{
		{"success", func(context.Context) error { return nil }, nil},
		{"failure", func(context.Context) error { return errors.New("502") }, nil},
		{"panic", func(context.Context) error { panic("boom") }, nil},
		{"timeout", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }, ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Run(ctx, "x", tc.op)
			if tc.name == "success" {
				if err != nil {
					t.Fatalf("unexpected %v", err)
				}
			} else if !apperr.IsExternal(err) {
				t.Fatalf("want external failure, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if g.InFlight() != 0 {
				t.Fatalf("slot not released")
			}
		})
	}
}

func TestRunTimeoutReleasesEvenIfOpIgnoresContext(t *testing.T) {
	g := mustGate(t, 1, WithTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	err := g.Run(context.Background(), "x", func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if g.InFlight() != 0 {
		t.Fatalf("slot still held")
	}
}

func TestRunRejectionDoesNotRunOp(t *testing.T) {
	g := mustGate(t, 1)
	if err := g.TryEnter("x"); err != nil {
		t.Fatal(err)
	}
	ran := false
	err := g.Run(context.Background(), "x", func(context.Context) error { ran = true; return nil })
	if !IsRejection(err) || ran {
		t.Fatalf("err=%v ran=%v", err, ran)
	}
	// The rejected Run must not release the original holder.
	if g.InFlight() != 1 {
		t.Fatalf("holder released by rejected run")
	}
}

// Mirrors the chat scenario: X runs a slow query, X again gets AlreadyInFlight,
// Y gets TooBusy, and both succeed once the first call finished.
func TestSlowQueryScenario(t *testing.T) {
	g := mustGate(t, 1, WithTimeout(5*time.Second))
	defer func() { _ = g.Close(context.Background()) }()

	release := make(chan struct{})
	done := make(chan error, 1)
	err := g.Spawn("X", func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := g.Spawn("X", func(context.Context) error { return nil }, nil); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("X again: %v", err)
	}
	if err := g.Spawn("Y", func(context.Context) error { return nil }, nil); !errors.Is(err, ErrTooBusy) {
		t.Fatalf("Y: %v", err)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first call: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first call never completed")
	}

	for _, who := range []string{"X", "Y"} {
		if err := g.Run(context.Background(), who, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("%s after release: %v", who, err)
		}
	}
}

func TestSpawnCompletionPanicIsContained(t *testing.T) {
	g := mustGate(t, 1)
	finished := make(chan struct{})
	err := g.Spawn("x", func(context.Context) error { return nil }, func(error) {
		close(finished)
		panic("reply blew up")
	})
	if err != nil {
		t.Fatal(err)
	}
	<-finished
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if g.InFlight() != 0 {
		t.Fatalf("slot held after completion panic")
	}
}

func TestCloseCancelsBackgroundCalls(t *testing.T) {
	g := mustGate(t, 2)
	got := make(chan error, 1)
	if err := g.Spawn("x", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { got <- err }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-got; !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestRejectionText(t *testing.T) {
	if RejectionText(ErrAlreadyInFlight) != "I'm still working on your last query." {
		t.Fatalf("in flight text")
	}
	if RejectionText(fmt.Errorf("wrap: %w", ErrTooBusy)) != "Sorry, I'm too busy now. Ask later maybe?" {
		t.Fatalf("busy text")
	}
}
