// Package clock tells the current time in an IANA zone.
package clock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"catabot/internal/apperr"
	"catabot/internal/plugin"
	"catabot/internal/router"
)

const notFound = "Couldn't find that zone. Maybe try US/Pacific or Europe/Warsaw"

type Config struct {
	// DefaultZone answers a bare "time".
	DefaultZone string `json:"default_zone"`
}

type Plugin struct {
	cfg Config
	now func() time.Time
}

func New() *Plugin             { return &Plugin{now: time.Now} }
func (p *Plugin) Name() string { return "clock" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{DefaultZone: "UTC"}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	if _, err := lookup(p.cfg.DefaultZone); err != nil {
		return apperr.Configuration(fmt.Errorf("plugins.clock.config.default_zone: %w", err))
	}
	return r.Command(router.CommandSpec{
		Name:        "time",
		Usage:       "time [zone]",
		Description: "Show current time in [zone]",
		Pattern:     `time(?:\s+(.+))?`,
		Handle:      p.cmdTime,
	})
}

func (p *Plugin) cmdTime(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(req.Arg(0))
	if name == "" {
		name = p.cfg.DefaultZone
	}
	loc, err := lookup(name)
	if err != nil {
		return req.Reply(ctx, notFound)
	}
	now := p.now().In(loc)
	return req.Say(ctx, fmt.Sprintf("in %s it's %s", friendlyName(loc.String()), now.Format("15:04:05 (2006-01-02)")))
}

// lookup resolves a zone name; spaces stand for underscores.
func lookup(name string) (*time.Location, error) {
	name = strings.Join(strings.Fields(name), "_")
	// LoadLocation maps "" to UTC and "Local" to the host zone.
	if name == "" || name == "Local" {
		return nil, errors.New("unknown time zone " + name)
	}
	return time.LoadLocation(name)
}

// friendlyName turns "America/Argentina/Buenos_Aires" into
// "America - Buenos Aires".
func friendlyName(id string) string {
	parts := strings.Split(id, "/")
	last := strings.ReplaceAll(parts[len(parts)-1], "_", " ")
	if len(parts) == 1 {
		return last
	}
	return parts[0] + " - " + last
}
