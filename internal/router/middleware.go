package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"catabot/internal/eventbus"
	"catabot/internal/gate"
	"catabot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error.
func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWGateRejection answers gate rejections with their user-facing text.
// A rejection is normal control flow, not a failure.
func MWGateRejection() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if !gate.IsRejection(err) {
				return err
			}
			req.Logger.Debug("gate rejected request", logx.Err(err))
			if rerr := req.Reply(ctx, gate.RejectionText(err)); rerr != nil {
				req.Logger.Warn("reply failed", logx.Err(rerr))
			}
			return nil
		}
	}
}

func MWRequestLog(bus eventbus.Bus) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			done := eventbus.CommandDone{Command: req.Command, Caller: req.Caller(), Duration: d}
			switch {
			case err == nil:
				// Keep INFO useful: quick commands go to DEBUG.
				if d >= 750*time.Millisecond {
					req.Logger.Info("command ok", logx.Duration("dur", d))
				} else {
					req.Logger.Debug("command ok", logx.Duration("dur", d))
				}
			case errors.Is(err, context.DeadlineExceeded):
				done.Err = err.Error()
				req.Logger.Error("command timed out", logx.Duration("dur", d), logx.Err(err))
			default:
				done.Err = err.Error()
				req.Logger.Error("command failed", logx.Duration("dur", d), logx.Err(err))
			}
			if bus != nil {
				bus.Publish(eventbus.Event{Type: eventbus.TypeCommandDone, Data: done})
			}
			return err
		}
	}
}
