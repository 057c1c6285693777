package rules_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"catabot/internal/apperr"
	"catabot/internal/plugin/plugintest"
	"catabot/plugins/rules"
)

const (
	alice = "alice!al@example.org"
	bob   = "bob!b@example.org"
	root  = "root!r@admin.example"
	ch    = "#cata"
)

func load(t *testing.T, cfg string) *plugintest.Harness {
	t.Helper()
	h := plugintest.New(t, plugintest.WithStore(), plugintest.WithAdmin("root!*@admin.example"))
	h.MustLoad(rules.New(), cfg)
	return h
}

// say sends an addressed channel line and returns what the bot sent back.
func say(h *plugintest.Harness, sender, line string) []string {
	before := len(h.Texts())
	h.Say(sender, ch, "catabot: "+line)
	return h.Texts()[before:]
}

func expect(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %q want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestPrivateMessagesPointToTheWeb(t *testing.T) {
	h := load(t, "")
	h.Say(alice, "", "rule give")
	if got := h.Last(); got != "Use on a channel or via http://bot.test/rules/browse" {
		t.Fatalf("got %q", got)
	}
	h.Say(alice, "", "rule help")
	if got := h.Last(); got != rules.Help {
		t.Fatalf("got %q", got)
	}
}

func TestAddShowAbout(t *testing.T) {
	h := load(t, "")
	expect(t, say(h, alice, "rule give"), "alice: Sorry, don't have any rules on file here.")
	expect(t, say(h, alice, "rule add"), "alice: Sorry, you need to specify a rule body")
	expect(t, say(h, alice, "rule add  be nice to bots "), "Noted rule (1). Anyone can vote it up or down")
	expect(t, say(h, alice, "rule show 1"), "(1) be nice to bots")
	expect(t, say(h, alice, "rule give"), "alice: (1) be nice to bots")
	expect(t, say(h, alice, "rule show x"), "alice: Sorry, id must be a number")
	expect(t, say(h, alice, "rule show 9"), "alice: Sorry, couldn't find rule (9)")
	expect(t, say(h, alice, "rule stats"), "I have 1 rules on file here")
	expect(t, say(h, alice, "rule links"),
		"alice: See: http://bot.test/rules/browse?channel=%23cata and/or http://bot.test/rules/recent")

	about := say(h, bob, "rule about 1")
	if len(about) != 1 || !strings.HasPrefix(about[0], "bob: (1) by alice added on ") || !strings.HasSuffix(about[0], " UTC, score: 1") {
		t.Fatalf("about=%q", about)
	}
	expect(t, say(h, alice, "rule frob"), "alice: Sorry, didn't get that... "+rules.Help)
}

func TestVoting(t *testing.T) {
	h := load(t, `{"min_score":-1}`)
	say(h, alice, "rule add no spam")

	expect(t, say(h, bob, "rule vote sideways 1"), "bob: Sorry, you can only vote 'up' or 'down'")
	expect(t, say(h, bob, "rule vote up 1"), "Rule (1) has now score of 2")
	if sent := h.Rec.Sent(); sent[len(sent)-1].Target != "bob" {
		t.Fatalf("score should be told privately, went to %q", sent[len(sent)-1].Target)
	}
	expect(t, say(h, bob, "rule vote down 1"), "bob: You've already voted for (1) today, try tomorrow")

	// A new day.
	h.Host.Cooldowns.Get("rules:votes").Reset()
	expect(t, say(h, bob, "rule vote down 1"), "Rule (1) has now score of 1")
	expect(t, say(h, alice, "rule vote down 1"), "Rule (1) has now score of 0")
	expect(t, say(h, root, "rule vote DOWN 1"), "Rule (1) was poor by popular vote. Already forgot it")
	expect(t, say(h, alice, "rule show 1"), "alice: Sorry, couldn't find rule (1)")
}

func TestDelete(t *testing.T) {
	h := load(t, "")
	say(h, alice, "rule add one")
	say(h, alice, "rule add two")

	expect(t, say(h, bob, "rule del 1"), "Sorry. You don't look like author of rule (1)")
	expect(t, say(h, alice, "rule del 1"), "Rule (1) removed by author")
	expect(t, say(h, root, "rule del 2"), "Rule (2) removed by author")
	expect(t, say(h, alice, "rule stats"), "I have 0 rules on file here")

	// Glob and escape characters in a nick are matched literally.
	const chris = `ch\ris!~c@host.example`
	const chrys = `ch?is!~c@host.example`
	say(h, chris, "rule add three")
	expect(t, say(h, chrys, "rule del 3"), "Sorry. You don't look like author of rule (3)")
	expect(t, say(h, `CH\RIS!~c@host.example`, "rule del 3"), "Rule (3) removed by author")
}

func TestWebListing(t *testing.T) {
	h := load(t, "")
	say(h, alice, "rule add one")
	h.Say(bob, "#other", "catabot: rule add two")

	var body struct {
		Success bool `json:"success"`
		Data    []struct {
			ID      int64  `json:"id"`
			Text    string `json:"text"`
			Channel string `json:"channel"`
			Author  string `json:"author"`
		} `json:"data"`
	}
	decode := func(path string) {
		t.Helper()
		rec := h.Get(path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		body.Data = nil
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body.Success {
			t.Fatalf("%s: %v %s", path, err, rec.Body.String())
		}
	}

	decode("/rules/")
	if len(body.Data) != 2 || body.Data[0].Text != "two" || body.Data[0].Author != "bob" {
		t.Fatalf("recent=%+v", body.Data)
	}
	decode("/rules/browse?channel=%23cata")
	if len(body.Data) != 1 || body.Data[0].Channel != ch {
		t.Fatalf("browse=%+v", body.Data)
	}
	if rec := h.Get("/rules/browse"); rec.Code != http.StatusBadRequest {
		t.Fatalf("browse without channel: %d", rec.Code)
	}
}

func TestStorageRequired(t *testing.T) {
	h := plugintest.New(t)
	if err := h.Load(rules.New(), ""); !apperr.IsConfiguration(err) {
		t.Fatalf("want configuration error, got %v", err)
	}
}
