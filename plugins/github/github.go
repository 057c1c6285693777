// Package github answers questions about one GitHub repository's issues and
// pull requests.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"catabot/internal/apperr"
	"catabot/internal/gate"
	"catabot/internal/plugin"
	"catabot/internal/router"
)

const (
	Help      = `Can do: github pending, github recent, github link [number], github about [number], github search [query]`
	badIDText = `Wrong issue/PR id, use e.g. "github about #1234"`
	stampFmt  = "2006-01-02 15:04:05 MST"
)

var idRe = regexp.MustCompile(`^#?(\d+)$`)

type Config struct {
	Repo    string `json:"repo"`
	Agent   string `json:"agent"`
	Token   string `json:"token"`
	Limit   int    `json:"limit"`
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"`
	// PendingDays is how far back "pending" looks for updated PRs.
	PendingDays int `json:"pending_days"`
}

type Plugin struct {
	cfg   Config
	gate  *gate.Gate
	fetch *plugin.Fetcher
	now   func() time.Time
}

func New() *Plugin             { return &Plugin{now: time.Now} }
func (p *Plugin) Name() string { return "github" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{Agent: "catabot", Limit: 5, BaseURL: "https://api.github.com", PendingDays: 3}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	if strings.Count(p.cfg.Repo, "/") != 1 {
		return apperr.Configf("plugins.github.config.repo must be owner/name, got %q", p.cfg.Repo)
	}
	timeout := 15 * time.Second
	if p.cfg.Timeout != "" {
		d, err := time.ParseDuration(p.cfg.Timeout)
		if err != nil {
			return apperr.Configuration(fmt.Errorf("plugins.github.config.timeout: %w", err))
		}
		timeout = d
	}
	p.cfg.BaseURL = strings.TrimRight(p.cfg.BaseURL, "/")

	g, err := r.NewGate(p.cfg.Limit, gate.WithTimeout(timeout))
	if err != nil {
		return err
	}
	p.gate = g
	hdr := http.Header{"User-Agent": {p.cfg.Agent}, "Accept": {"application/vnd.github+json"}}
	if p.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	p.fetch = plugin.NewFetcher(timeout, hdr)

	return r.Command(router.CommandSpec{
		Name:        "github",
		Usage:       "github [...]",
		Description: Help,
		Pattern:     `github(?:\s+(\w+))?(?:\s+(.*))?`,
		Handle:      p.handle,
	})
}

func (p *Plugin) repoURL() string { return p.cfg.BaseURL + "/repos/" + p.cfg.Repo }

func (p *Plugin) handle(ctx context.Context, req *router.Request) error {
	cmd, rest := strings.ToLower(req.Arg(0)), strings.TrimSpace(req.Arg(1))
	limit := 10
	if !req.Message.Private() {
		limit = 3
	}

	switch cmd {
	case "help":
		return req.Reply(ctx, Help)
	case "pending":
		since := p.now().UTC().AddDate(0, 0, -p.cfg.PendingDays).Format("2006-01-02")
		q := fmt.Sprintf("repo:%s is:pr is:open updated:>=%s NOT wip in:title", p.cfg.Repo, since)
		return p.search(ctx, req, q, limit, func(gjson.Result) string { return "Fresh pending PRs:" })
	case "recent":
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			res, err := p.fetch.JSON(ctx, p.repoURL()+"/pulls", url.Values{"state": {"closed"}})
			if err != nil {
				return nil, err
			}
			return append([]string{"Recent merged PRs:"}, titles(res.Array(), limit)...), nil
		})
	case "link", "about":
		m := idRe.FindStringSubmatch(rest)
		if m == nil {
			return req.Reply(ctx, badIDText)
		}
		return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
			res, err := p.fetch.JSON(ctx, p.repoURL()+"/issues/"+m[1], nil)
			if err != nil {
				return nil, err
			}
			if cmd == "link" {
				return []string{fmt.Sprintf("#%d %s", res.Get("number").Int(), res.Get("html_url").String())}, nil
			}
			return about(res), nil
		})
	case "search":
		if rest == "" {
			return req.Reply(ctx, "Please specify some query...")
		}
		return p.search(ctx, req, fmt.Sprintf("repo:%s %s", p.cfg.Repo, rest), limit, func(res gjson.Result) string {
			return fmt.Sprintf("Your query matched %d issues/PRs, top matches:", res.Get("total_count").Int())
		})
	default:
		return req.Reply(ctx, "Sorry, didn't get that... "+Help)
	}
}

func (p *Plugin) search(ctx context.Context, req *router.Request, q string, limit int, header func(gjson.Result) string) error {
	return plugin.SpawnReply(ctx, p.gate, req, func(ctx context.Context) ([]string, error) {
		res, err := p.fetch.JSON(ctx, p.cfg.BaseURL+"/search/issues", url.Values{"q": {q}})
		if err != nil {
			return nil, err
		}
		return append([]string{header(res)}, titles(res.Get("items").Array(), limit)...), nil
	})
}

func titles(items []gjson.Result, limit int) []string {
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprintf("#%d \"%s\"", it.Get("number").Int(), it.Get("title").String()))
	}
	return out
}

func about(res gjson.Result) []string {
	kind := "Issue"
	if res.Get("pull_request").Exists() {
		kind = "PR"
	}
	stamp := ""
	if t, err := time.Parse(time.RFC3339, res.Get("updated_at").String()); err == nil {
		stamp = " (last update: " + t.UTC().Format(stampFmt) + ")"
	}
	return []string{
		fmt.Sprintf("#%d \"%s\"", res.Get("number").Int(), res.Get("title").String()),
		fmt.Sprintf("%s %s by %s%s, %s", res.Get("state").String(), kind, res.Get("user.login").String(), stamp, res.Get("html_url").String()),
	}
}
