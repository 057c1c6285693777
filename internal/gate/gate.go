// Package gate bounds slow outbound calls (HTTP APIs, subprocesses).
//
// A Gate admits at most limit concurrent calls and at most one outstanding
// call per caller. Rejected callers are told to come back later instead of
// being queued.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"catabot/internal/apperr"
	"catabot/internal/runtime/supervisor"
	"catabot/pkg/logx"
)

var (
	ErrTooBusy         = errors.New("gate: too busy")
	ErrAlreadyInFlight = errors.New("gate: caller already has a call in flight")
	ErrTimeout         = errors.New("gate: operation timed out")
	ErrInvalidLimit    = errors.New("gate: limit must be positive")
)

const DefaultTimeout = 30 * time.Second

// IsRejection reports whether err is an admission rejection (TooBusy or AlreadyInFlight).
func IsRejection(err error) bool {
	return errors.Is(err, ErrTooBusy) || errors.Is(err, ErrAlreadyInFlight)
}

// RejectionText is the chat answer for a rejection.
func RejectionText(err error) string {
	if errors.Is(err, ErrAlreadyInFlight) {
		return "I'm still working on your last query."
	}
	return "Sorry, I'm too busy now. Ask later maybe?"
}

type Gate struct {
	name    string
	limit   int
	timeout time.Duration
	log     logx.Logger
	parent  context.Context

	mu       sync.Mutex
	inFlight map[string]struct{}

	supOnce sync.Once
	sup     *supervisor.Supervisor
}

type Option func(*Gate)

// WithTimeout bounds each operation. Zero or negative keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(g *Gate) { g.log = l } }

func WithName(name string) Option { return func(g *Gate) { g.name = name } }

// WithContext sets the parent of background operations started by Spawn.
func WithContext(ctx context.Context) Option { return func(g *Gate) { g.parent = ctx } }

// New returns a gate admitting limit concurrent callers.
// A non-positive limit is a configuration error.
func New(limit int, opts ...Option) (*Gate, error) {
	if limit <= 0 {
		return nil, apperr.Configuration(fmt.Errorf("%w (got %d)", ErrInvalidLimit, limit))
	}
	g := &Gate{
		name:     "gate",
		limit:    limit,
		timeout:  DefaultTimeout,
		parent:   context.Background(),
		inFlight: make(map[string]struct{}, limit),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Gate) Name() string { return g.name }
func (g *Gate) Limit() int   { return g.limit }

// InFlight is the number of occupied slots.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// TryEnter admits token or rejects it. A caller already in flight is rejected
// with ErrAlreadyInFlight before the limit is considered.
func (g *Gate) TryEnter(token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inFlight[token]; ok {
		return ErrAlreadyInFlight
	}
	if len(g.inFlight) >= g.limit {
		return ErrTooBusy
	}
	g.inFlight[token] = struct{}{}
	return nil
}

// Leave releases token's slot. Releasing a free slot is a no-op.
func (g *Gate) Leave(token string) {
	g.mu.Lock()
	delete(g.inFlight, token)
	g.mu.Unlock()
}

// Run admits token, runs op under the gate timeout and releases the slot.
// Rejections are returned without running op. Failures, panics and timeouts
// come back as errors and are logged at error level.
func (g *Gate) Run(ctx context.Context, token string, op func(ctx context.Context) error) error {
	if err := g.TryEnter(token); err != nil {
		return err
	}
	defer g.Leave(token)
	return g.call(ctx, token, op)
}

// Spawn admits token synchronously and runs op in the background. done receives
// op's outcome after the slot was released. Rejections are returned
// immediately and done is not called.
func (g *Gate) Spawn(token string, op func(ctx context.Context) error, done func(err error)) error {
	if err := g.TryEnter(token); err != nil {
		return err
	}
	g.supervisor().Go0(g.name+".call", func(ctx context.Context) {
		err := func() error {
			defer g.Leave(token)
			return g.call(ctx, token, op)
		}()
		if done == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("gate completion panicked", logx.String("gate", g.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		done(err)
	})
	return nil
}

// Close cancels background operations and waits for them, bounded by ctx.
func (g *Gate) Close(ctx context.Context) error {
	return g.supervisor().Stop(ctx)
}

func (g *Gate) supervisor() *supervisor.Supervisor {
	g.supOnce.Do(func() {
		g.sup = supervisor.New(g.parent, supervisor.WithLogger(g.log))
	})
	return g.sup
}

type result struct{ err error }

// call runs op on its own goroutine so a call that ignores its context still
// frees the slot when the timeout fires.
func (g *Gate) call(ctx context.Context, token string, op func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		ch <- result{err: op(cctx)}
	}()

	var err error
	select {
	case r := <-ch:
		err = r.err
	case <-cctx.Done():
		err = cctx.Err()
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
	}
	if err != nil {
		g.log.Error("gated call failed",
			logx.String("gate", g.name),
			logx.String("caller", token),
			logx.Duration("dur", time.Since(start)),
			logx.Err(err),
		)
		return apperr.External(g.name, err)
	}
	return nil
}
