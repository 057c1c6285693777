// Package jq runs jq queries against a directory of JSON files and
// publishes the output on the web listener.
package jq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catabot/internal/apperr"
	"catabot/internal/gate"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/web"
	"catabot/pkg/logx"
)

const Help = "Can do: jq version, jq query [query]."

type Config struct {
	Bin     string `json:"bin"`
	Data    string `json:"data"`
	Pattern string `json:"pattern"`
	Limit   int    `json:"limit"`
	Timeout string `json:"timeout"`
	// Expire is how long results stay available.
	Expire string `json:"expire"`
}

type result struct {
	lines []string
	stamp time.Time
}

type Plugin struct {
	cfg    Config
	expire time.Duration
	gate   *gate.Gate
	rt     plugin.Runtime
	log    logx.Logger

	mu      sync.Mutex
	results map[string]result
}

func New() *Plugin             { return &Plugin{results: map[string]result{}} }
func (p *Plugin) Name() string { return "jq" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{Bin: "jq", Pattern: "*.json", Limit: 5, Timeout: "30s", Expire: "24h"}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	if p.cfg.Data == "" {
		return apperr.Configf("plugins.jq.config.data is required")
	}
	if _, err := filepath.Match(p.cfg.Pattern, ""); err != nil {
		return apperr.Configuration(fmt.Errorf("plugins.jq.config.pattern: %w", err))
	}
	timeout, err := time.ParseDuration(p.cfg.Timeout)
	if err != nil {
		return apperr.Configuration(fmt.Errorf("plugins.jq.config.timeout: %w", err))
	}
	if p.expire, err = time.ParseDuration(p.cfg.Expire); err != nil || p.expire <= 0 {
		return apperr.Configf("plugins.jq.config.expire: invalid duration %q", p.cfg.Expire)
	}
	if p.gate, err = r.NewGate(p.cfg.Limit, gate.WithTimeout(timeout)); err != nil {
		return err
	}
	p.rt = r.Runtime()
	p.log = r.Logger()

	if err := r.Command(router.CommandSpec{
		Name:        "jq",
		Usage:       "jq [...]",
		Description: "Issue a jq command. See 'jq help'.",
		Pattern:     `jq(?:\s+(\w+))?(?:\s+(.*))?`,
		Handle:      p.handle,
	}); err != nil {
		return err
	}
	if err := r.Every("expire", time.Hour, func(context.Context) error {
		p.expireOld(time.Now())
		return nil
	}); err != nil {
		return err
	}
	if err := r.Finalizer("drop", func(context.Context) error {
		p.mu.Lock()
		n := len(p.results)
		p.results = map[string]result{}
		p.mu.Unlock()
		p.log.Debug("results dropped", logx.Int("count", n))
		return nil
	}); err != nil {
		return err
	}
	return r.Mount("/jq", http.HandlerFunc(p.serveResult))
}

func (p *Plugin) handle(ctx context.Context, req *router.Request) error {
	switch strings.ToLower(req.Arg(0)) {
	case "help":
		return req.Reply(ctx, Help)
	case "version":
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			out, err := exec.CommandContext(ctx, p.cfg.Bin, "--version").Output()
			if err != nil {
				return nil, fmt.Errorf("%s --version: %w", p.cfg.Bin, err)
			}
			return []string{fmt.Sprintf("You can run %s queries against %s.", strings.TrimSpace(string(out)), p.dataVersion(ctx))}, nil
		})
	case "query":
		q := strings.TrimSpace(req.Arg(1))
		if q == "" {
			return req.Reply(ctx, "Perhaps ask me 'jq help'?")
		}
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			lines, err := p.run(ctx, q)
			if err != nil {
				return nil, err
			}
			id := p.store(lines, time.Now())
			req.Logger.Info("jq query stored", logx.String("id", id), logx.Int("files", len(lines)))
			return []string{"Done, have a look at " + p.rt.BaseURL() + "/jq/q/" + id}, nil
		})
	default:
		return req.Reply(ctx, "Perhaps ask me 'jq help'?")
	}
}

// dataVersion describes the data directory's git revision, if it has one.
func (p *Plugin) dataVersion(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "describe", "--tags", "--always", "--dirty")
	cmd.Dir = p.cfg.Data
	out, err := cmd.Output()
	if v := strings.TrimSpace(string(out)); err == nil && v != "" {
		return v
	}
	return "the local data"
}

// run queries every matching file. jq's own errors (bad filters, bad input)
// are part of the output; only failing to start jq is an error.
func (p *Plugin) run(ctx context.Context, q string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.cfg.Data, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ok, _ := filepath.Match(p.cfg.Pattern, d.Name()); ok && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.cfg.Data, err)
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		cmd := exec.CommandContext(ctx, p.cfg.Bin, q, f)
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) || ctx.Err() != nil {
				return nil, fmt.Errorf("jq on %s: %w", f, err)
			}
		}
		res := strings.TrimRight(buf.String(), "\n")
		if res == "[]" {
			continue
		}
		rel, _ := filepath.Rel(p.cfg.Data, f)
		out = append(out, rel+":\n"+res)
	}
	return out, nil
}

func (p *Plugin) store(lines []string, now time.Time) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.results[id] = result{lines: lines, stamp: now}
	p.mu.Unlock()
	return id
}

func (p *Plugin) expireOld(now time.Time) {
	cutoff := now.Add(-p.expire)
	p.mu.Lock()
	n := 0
	for id, r := range p.results {
		if r.stamp.Before(cutoff) {
			delete(p.results, id)
			n++
		}
	}
	kept := len(p.results)
	p.mu.Unlock()
	p.log.Debug("jq results expired", logx.Int("deleted", n), logx.Int("kept", kept))
}

// serveResult answers /q/{id} under the /jq mount.
func (p *Plugin) serveResult(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutPrefix(r.URL.Path, "/q/")
	if !ok || id == "" || r.Method != http.MethodGet {
		web.ReplyErr(w, http.StatusNotFound, "Not found.")
		return
	}
	p.mu.Lock()
	res, found := p.results[id]
	p.mu.Unlock()
	if !found {
		web.ReplyErr(w, http.StatusNotFound, "Not found.")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(res.lines, "\n") + "\n"))
}
