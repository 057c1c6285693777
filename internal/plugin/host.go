package plugin

import (
	"context"
	"errors"
	"sync"

	"catabot/internal/cooldown"
	"catabot/internal/gate"
	"catabot/internal/router"
	"catabot/internal/scheduler"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/internal/web"
	"catabot/pkg/logx"
)

// Host holds the runtime services a Registrar hands out.
// Web and Store may be nil when disabled.
type Host struct {
	Context   context.Context
	Logger    logx.Logger
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Web       *web.Server
	Store     *storage.Store
	Cooldowns *cooldown.Registry
	Transport transport.Transport
	Runtime   Runtime

	mu    sync.Mutex
	gates []*gate.Gate
}

func (h *Host) track(g *gate.Gate) {
	h.mu.Lock()
	h.gates = append(h.gates, g)
	h.mu.Unlock()
}

// Gates lists every gate created through a Registrar.
func (h *Host) Gates() []*gate.Gate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*gate.Gate(nil), h.gates...)
}

// CloseGates cancels background gated calls and waits for them, bounded by ctx.
func (h *Host) CloseGates(ctx context.Context) error {
	var errs []error
	for _, g := range h.Gates() {
		if err := g.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
