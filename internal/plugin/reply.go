package plugin

import (
	"context"
	"errors"
	"sync"
	"time"

	"catabot/internal/gate"
	"catabot/internal/router"
	"catabot/pkg/logx"
)

const (
	ApologyText   = "Sorry, something seems to have gone wrong. Things have been logged"
	NoResultsText = "Sorry, seems I didn't get any results"
)

const replyTimeout = 15 * time.Second

// SpawnReply runs op through g on behalf of req's caller without holding up
// the dispatch worker. The lines op returns are sent as replies; no lines or
// ErrNoResults means no results. Failures are answered with a generic apology, the details
// were logged by the gate.
//
// A rejection is returned to the caller, which the router answers with the
// rejection text.
func SpawnReply(ctx context.Context, g *gate.Gate, req *router.Request, op func(ctx context.Context) ([]string, error)) error {
	var (
		mu     sync.Mutex
		result []string
	)
	replyCtx := context.WithoutCancel(ctx)
	return g.Spawn(req.Caller(), func(ctx context.Context) error {
		out, err := op(ctx)
		if errors.Is(err, ErrNoResults) {
			req.Logger.Debug("upstream had no results", logx.Err(err))
			out, err = nil, nil
		}
		mu.Lock()
		result = out
		mu.Unlock()
		return err
	}, func(err error) {
		var lines []string
		switch {
		case err != nil:
			lines = []string{ApologyText}
		default:
			mu.Lock()
			lines = result
			mu.Unlock()
			if len(lines) == 0 {
				lines = []string{NoResultsText}
			}
		}
		ctx, cancel := context.WithTimeout(replyCtx, replyTimeout)
		defer cancel()
		for _, l := range lines {
			if rerr := req.Reply(ctx, l); rerr != nil {
				req.Logger.Warn("reply failed", logx.Err(rerr))
				return
			}
		}
	})
}
