// Package jenkins reports on one Jenkins job's builds.
package jenkins

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"catabot/internal/apperr"
	"catabot/internal/gate"
	"catabot/internal/plugin"
	"catabot/internal/router"
)

const Help = "Can do: jenkins recent, jenkins about [number]"

var idRe = regexp.MustCompile(`^#?(\d+)$`)

type Config struct {
	// URL is the job URL, e.g. https://ci.example.org/job/widget.
	URL     string `json:"url"`
	Limit   int    `json:"limit"`
	Timeout string `json:"timeout"`
	Branch  string `json:"branch"`
}

type Plugin struct {
	cfg   Config
	gate  *gate.Gate
	fetch *plugin.Fetcher
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "jenkins" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{Limit: 5, Branch: "origin/master"}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	p.cfg.URL = strings.TrimRight(strings.TrimSpace(p.cfg.URL), "/")
	if p.cfg.URL == "" {
		return apperr.Configf("plugins.jenkins.config.url is required")
	}
	timeout := 15 * time.Second
	if p.cfg.Timeout != "" {
		d, err := time.ParseDuration(p.cfg.Timeout)
		if err != nil {
			return apperr.Configuration(fmt.Errorf("plugins.jenkins.config.timeout: %w", err))
		}
		timeout = d
	}
	g, err := r.NewGate(p.cfg.Limit, gate.WithTimeout(timeout))
	if err != nil {
		return err
	}
	p.gate = g
	p.fetch = plugin.NewFetcher(timeout, nil)

	return r.Command(router.CommandSpec{
		Name:        "jenkins",
		Usage:       "jenkins [...]",
		Description: Help,
		Pattern:     `jenkins(?:\s+(\w+))?(?:\s+(.*))?`,
		Handle:      p.handle,
	})
}

func (p *Plugin) handle(ctx context.Context, req *router.Request) error {
	cmd, rest := strings.ToLower(req.Arg(0)), strings.TrimSpace(req.Arg(1))
	switch cmd {
	case "help":
		return req.Reply(ctx, Help)
	case "recent":
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			res, err := p.fetch.JSON(ctx, p.cfg.URL+"/api/json", nil)
			if err != nil {
				return nil, err
			}
			last := res.Get("lastBuild.number").Int()
			ok := res.Get("lastSuccessfulBuild.number").Int()
			if last == ok {
				return []string{fmt.Sprintf("Last build: %d (successful)", last)}, nil
			}
			return []string{fmt.Sprintf("Last build: %d, last successful: %d", last, ok)}, nil
		})
	case "about":
		m := idRe.FindStringSubmatch(rest)
		if m == nil {
			return req.Reply(ctx, `Wrong build id, use e.g. "jenkins about #1234"`)
		}
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			res, err := p.fetch.JSON(ctx, p.cfg.URL+"/"+m[1]+"/api/json", nil)
			if err != nil {
				return nil, err
			}
			return p.about(m[1], res), nil
		})
	default:
		return req.Reply(ctx, "Sorry, didn't get that... "+Help)
	}
}

// about renders a build. The detail line is skipped when the build lacks
// culprits, revision or timestamp.
func (p *Plugin) about(number string, res gjson.Result) []string {
	cause := first(res.Get("actions.#.causes.0.shortDescription"))
	out := []string{fmt.Sprintf("#%s %s \"%s\"", number, res.Get("result").String(), cause)}

	var culprits []string
	for _, c := range res.Get("culprits.#.fullName").Array() {
		culprits = append(culprits, c.String())
	}
	sha := first(res.Get(`actions.#.buildsByBranchName.` + gjsonEscape(p.cfg.Branch) + `.revision.SHA1`))
	ts := res.Get("timestamp")
	if len(culprits) == 0 || len(sha) < 7 || !ts.Exists() {
		return out
	}
	stamp := time.UnixMilli(ts.Int()).UTC().Format("2006-01-02 15:04:05 MST")
	return append(out, fmt.Sprintf("culprits: %s; at g%s on %s", strings.Join(culprits, ", "), sha[:7], stamp))
}

func first(r gjson.Result) string {
	for _, v := range r.Array() {
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

// gjsonEscape escapes path characters in a JSON key such as "origin/master".
func gjsonEscape(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
