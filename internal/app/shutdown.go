package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catabot/pkg/logx"
)

// shutdown drains the bot. Each step is bounded so one stuck component cannot
// stall the rest; a step that overruns is logged at warn and skipped.
func (a *App) shutdown(reason string, dispatchCancel context.CancelFunc, dispatchDone <-chan struct{}) {
	if err := a.setState(StateDraining, reason); err != nil {
		a.log.Warn("shutdown", logx.Err(err))
	}
	limit := a.cfg.ShutdownTimeout()
	bg := context.Background()

	a.step(bg, "transport.quit", a.cfg.QuitTimeout(), func(c context.Context) error {
		return a.tr.Disconnect(c, reason)
	})
	a.step(bg, "dispatch", limit, func(c context.Context) error {
		dispatchCancel()
		select {
		case <-dispatchDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(bg, "web", limit, func(c context.Context) error {
		if a.web == nil {
			return nil
		}
		return a.web.Stop(c)
	})
	a.step(bg, "scheduler", limit, a.sched.StopAll)
	a.step(bg, "gates", limit, a.host.CloseGates)
	a.step(bg, "finalizers", limit, func(c context.Context) error {
		a.sched.RunFinalizers(c)
		return nil
	})
	a.step(bg, "storage", limit, func(context.Context) error { return a.store.Close() })

	a.rootCancel()
	a.step(bg, "supervisor", limit, func(c context.Context) error {
		a.mu.Lock()
		sup := a.sup
		a.mu.Unlock()
		if sup == nil {
			return nil
		}
		return sup.Wait(c)
	})

	if err := a.setState(StateStopped, reason); err != nil {
		a.log.Warn("shutdown", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs fn with an upper bound of max. fn must honor its context; if it
// does not, the step is abandoned and its late completion is logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			a.log.Warn("shutdown timeout", logx.String("name", name), logx.Duration("max", max))
		case err != nil:
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("shutdown timeout", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
