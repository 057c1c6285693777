// Package rules keeps channel rules that users add and vote on.
package rules

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"catabot/internal/cooldown"
	"catabot/internal/plugin"
	"catabot/internal/router"
	"catabot/internal/storage"
	"catabot/internal/transport"
	"catabot/internal/web"
	"catabot/pkg/logx"
)

const Help = "Can do: rule give, rule show [id], rule add [text], rule vote [up|down] [id], rule about [id], rule del [id], rule stats, rule links"

const (
	failedText = "Erm, something went wrong. I've logged the fact"
	badIDText  = "Sorry, id must be a number"
)

var idRe = regexp.MustCompile(`^\d+$`)

type Config struct {
	// MinScore is the score at or below which a rule is dropped.
	MinScore int `json:"min_score"`
	// Recent caps the /rules/recent listing.
	Recent int `json:"recent"`
}

type Plugin struct {
	cfg   Config
	store *storage.Store
	votes *cooldown.Set
	rt    plugin.Runtime
	log   logx.Logger
}

func New() *Plugin             { return &Plugin{} }
func (p *Plugin) Name() string { return "rules" }

func (p *Plugin) Register(r *plugin.Registrar) error {
	p.cfg = Config{MinScore: -2, Recent: 50}
	if err := plugin.DecodeConfig(r, &p.cfg); err != nil {
		return err
	}
	st, err := r.Store()
	if err != nil {
		return err
	}
	p.store = st
	p.votes = r.Cooldowns("votes")
	p.rt = r.Runtime()
	p.log = r.Logger()

	if err := r.Command(router.CommandSpec{
		Name:        "rule",
		Usage:       "rule [...]",
		Description: Help,
		Pattern:     `rule(?:\s+(\w+))?(?:\s+(.*))?`,
		Handle:      p.handle,
	}); err != nil {
		return err
	}
	// One vote per caller and rule per UTC day.
	if err := r.Daily("reset-votes", func(context.Context) error {
		n := p.votes.Reset()
		p.log.Debug("rule votes reset", logx.Int("cleared", n))
		return nil
	}); err != nil {
		return err
	}
	return r.Mount("/rules", http.HandlerFunc(p.serve))
}

func (p *Plugin) url() string { return p.rt.BaseURL() + "/rules" }

func (p *Plugin) handle(ctx context.Context, req *router.Request) error {
	cmd, rest := strings.ToLower(req.Arg(0)), strings.TrimSpace(req.Arg(1))
	if req.Message.Private() && cmd != "help" {
		return req.Reply(ctx, "Use on a channel or via "+p.url()+"/browse")
	}
	switch cmd {
	case "help":
		return req.Reply(ctx, Help)
	case "give":
		rule, err := p.store.RandomRule(ctx, "")
		if errors.Is(err, storage.ErrNotFound) {
			return req.Reply(ctx, "Sorry, don't have any rules on file here.")
		}
		if err != nil {
			return p.failed(ctx, req, "random", err)
		}
		return req.Reply(ctx, fmt.Sprintf("(%d) %s", rule.ID, rule.Text))
	case "links":
		return req.Reply(ctx, fmt.Sprintf("See: %s/browse?channel=%s and/or %s/recent",
			p.url(), url.QueryEscape(req.Message.Channel), p.url()))
	case "show":
		rule, ok, err := p.lookup(ctx, req, rest)
		if !ok {
			return err
		}
		return req.Say(ctx, fmt.Sprintf("(%d) %s", rule.ID, rule.Text))
	case "add":
		if rest == "" {
			return req.Reply(ctx, "Sorry, you need to specify a rule body")
		}
		id, err := p.store.AddRule(ctx, storage.Rule{Text: rest, Channel: req.Message.Channel, Author: req.Caller()})
		if err != nil {
			return p.failed(ctx, req, "add", err)
		}
		req.Logger.Info("rule added", logx.Int64("id", id), logx.String("channel", req.Message.Channel))
		return req.Say(ctx, fmt.Sprintf("Noted rule (%d). Anyone can vote it up or down", id))
	case "vote":
		return p.vote(ctx, req, rest)
	case "del":
		rule, ok, err := p.lookup(ctx, req, rest)
		if !ok {
			return err
		}
		// The author is a literal mask, not a glob.
		if !strings.EqualFold(rule.Author, req.Caller()) && !req.IsAdmin() {
			return req.Tell(ctx, fmt.Sprintf("Sorry. You don't look like author of rule (%d)", rule.ID))
		}
		if err := p.store.DeleteRule(ctx, rule.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return p.failed(ctx, req, "delete", err)
		}
		return req.Say(ctx, fmt.Sprintf("Rule (%d) removed by author", rule.ID))
	case "about":
		rule, ok, err := p.lookup(ctx, req, rest)
		if !ok {
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("(%d) by %s added on %s, score: %d",
			rule.ID, transport.ParseMask(rule.Author).Nick, stamp(rule.CreatedAt), rule.Score))
	case "stats":
		n, err := p.store.CountRules(ctx, req.Message.Channel)
		if err != nil {
			return p.failed(ctx, req, "count", err)
		}
		return req.Say(ctx, fmt.Sprintf("I have %d rules on file here", n))
	default:
		return req.Reply(ctx, "Sorry, didn't get that... "+Help)
	}
}

func (p *Plugin) vote(ctx context.Context, req *router.Request, rest string) error {
	dir, id, _ := strings.Cut(rest, " ")
	delta := 0
	switch strings.ToLower(dir) {
	case "up":
		delta = 1
	case "down":
		delta = -1
	default:
		return req.Reply(ctx, "Sorry, you can only vote 'up' or 'down'")
	}
	rule, ok, err := p.lookup(ctx, req, id)
	if !ok {
		return err
	}
	target := strconv.FormatInt(rule.ID, 10)
	if !p.votes.TryMark(req.Caller(), target) {
		return req.Reply(ctx, fmt.Sprintf("You've already voted for (%d) today, try tomorrow", rule.ID))
	}
	score, removed, err := p.store.VoteRule(ctx, rule.ID, delta, p.cfg.MinScore)
	if err != nil {
		p.votes.Forget(req.Caller(), target)
		return p.failed(ctx, req, "vote", err)
	}
	if removed {
		req.Logger.Info("rule voted out", logx.Int64("id", rule.ID))
		return req.Say(ctx, fmt.Sprintf("Rule (%d) was poor by popular vote. Already forgot it", rule.ID))
	}
	return req.Tell(ctx, fmt.Sprintf("Rule (%d) has now score of %d", rule.ID, score))
}

// lookup parses and loads the rule named by raw. When ok is false the caller
// was already answered and err is the reply error.
func (p *Plugin) lookup(ctx context.Context, req *router.Request, raw string) (storage.Rule, bool, error) {
	raw = strings.TrimSpace(raw)
	if !idRe.MatchString(raw) {
		return storage.Rule{}, false, req.Reply(ctx, badIDText)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return storage.Rule{}, false, req.Reply(ctx, badIDText)
	}
	rule, err := p.store.Rule(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.Rule{}, false, req.Reply(ctx, fmt.Sprintf("Sorry, couldn't find rule (%s)", raw))
	case err != nil:
		return storage.Rule{}, false, p.failed(ctx, req, "get", err)
	}
	return rule, true, nil
}

func (p *Plugin) failed(ctx context.Context, req *router.Request, op string, err error) error {
	req.Logger.Error("rules store failed", logx.String("op", op), logx.Err(err))
	return req.Reply(ctx, failedText)
}

func stamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05 MST") }

type ruleView struct {
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	Author  string `json:"author"`
	Score   int    `json:"score"`
	Added   string `json:"added"`
}

func view(rs []storage.Rule) []ruleView {
	out := make([]ruleView, 0, len(rs))
	for _, r := range rs {
		out = append(out, ruleView{
			ID:      r.ID,
			Text:    r.Text,
			Channel: r.Channel,
			Author:  transport.ParseMask(r.Author).Nick,
			Score:   r.Score,
			Added:   stamp(r.CreatedAt),
		})
	}
	return out
}

// serve answers under the /rules mount:
//
//	/, /recent          newest rules across channels
//	/browse?channel=C   every rule of channel C
func (p *Plugin) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.ReplyErr(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	var (
		rules []storage.Rule
		err   error
	)
	switch r.URL.Path {
	case "", "/", "/recent":
		rules, err = p.store.Rules(r.Context(), "", p.cfg.Recent)
	case "/browse":
		channel := strings.TrimSpace(r.URL.Query().Get("channel"))
		if channel == "" {
			web.ReplyErr(w, http.StatusBadRequest, "Missing channel.")
			return
		}
		rules, err = p.store.Rules(r.Context(), channel, 0)
	default:
		web.ReplyErr(w, http.StatusNotFound, "Not found.")
		return
	}
	if err != nil {
		p.log.Error("rules listing failed", logx.String("path", r.URL.Path), logx.Err(err))
		web.ReplyErr(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	web.ReplyOK(w, view(rules))
}
