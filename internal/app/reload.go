package app

import (
	"context"
	"strings"

	"catabot/internal/config"
	"catabot/internal/eventbus"
	"catabot/internal/runtime/supervisor"
	"catabot/pkg/logx"
)

// watchConfig follows the config file and hot-applies the logging and admin
// sections. Everything else needs a restart and is only reported.
func (a *App) watchConfig(sup *supervisor.Supervisor) {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range changed {
		switch s {
		case config.SectionLogging:
			if a.logs != nil {
				a.logs.Apply(next.LogConfig())
			}
		case config.SectionAdmin:
			a.router.Admin().Set(next.Admin.Masks)
		}
	}
	if config.NeedsRestart(changed) {
		a.log.Warn("config changed sections that apply only after a restart", logx.String("changed", strings.Join(changed, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfig, Data: changed})
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}
