package jenkins_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"catabot/internal/plugin"
	"catabot/internal/plugin/plugintest"
	"catabot/plugins/jenkins"
)

const alice = "alice!al@example.org"

const build41 = `{
  "result": "FAILURE",
  "timestamp": 1709288430000,
  "actions": [
    {"causes": [{"shortDescription": "Started by an SCM change"}]},
    {},
    {"buildsByBranchName": {"origin/master": {"revision": {"SHA1": "0123456789abcdef"}}}}
  ],
  "culprits": [{"fullName": "Bob"}, {"fullName": "Eve"}]
}`

func load(t *testing.T, successful int) *plugintest.Harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/job/widget/api/json":
			fmt.Fprintf(w, `{"lastBuild":{"number":42},"lastSuccessfulBuild":{"number":%d}}`, successful)
		case "/job/widget/41/api/json":
			_, _ = w.Write([]byte(build41))
		case "/job/widget/40/api/json":
			_, _ = w.Write([]byte(`{"result":"SUCCESS","actions":[{"causes":[{"shortDescription":"Started by timer"}]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	h := plugintest.New(t, plugintest.WithoutWeb())
	h.MustLoad(jenkins.New(), fmt.Sprintf(`{"url":%q,"limit":1}`, srv.URL+"/job/widget/"))
	return h
}

func TestRecent(t *testing.T) {
	cases := []struct {
		successful int
		want       string
	}{
		{42, "Last build: 42 (successful)"},
		{39, "Last build: 42, last successful: 39"},
	}
	for _, tc := range cases {
		h := load(t, tc.successful)
		h.Say(alice, "", "jenkins recent")
		got := h.Rec.WaitSent(1, 2*time.Second)
		if len(got) != 1 || got[0].Text != tc.want {
			t.Fatalf("got %+v want %q", got, tc.want)
		}
	}
}

func TestAbout(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{"jenkins about #41", []string{
			`#41 FAILURE "Started by an SCM change"`,
			"culprits: Bob, Eve; at g0123456 on 2024-03-01 10:20:30 UTC",
		}},
		{"jenkins about 40", []string{`#40 SUCCESS "Started by timer"`}},
		{"jenkins about 9", []string{plugin.NoResultsText}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			h := load(t, 42)
			h.Say(alice, "", tc.line)
			got := h.Rec.WaitSent(len(tc.want), 2*time.Second)
			if len(got) != len(tc.want) {
				t.Fatalf("got %+v want %q", got, tc.want)
			}
			for i, w := range tc.want {
				if got[i].Text != w {
					t.Fatalf("line %d: got %q want %q", i, got[i].Text, w)
				}
			}
		})
	}
}

func TestSynchronousAnswers(t *testing.T) {
	cases := map[string]string{
		"jenkins help":      jenkins.Help,
		"jenkins build":     "Sorry, didn't get that... " + jenkins.Help,
		"jenkins about abc": `Wrong build id, use e.g. "jenkins about #1234"`,
	}
	for line, want := range cases {
		h := load(t, 42)
		h.Say(alice, "", line)
		if got := h.Last(); got != want {
			t.Fatalf("%q: got %q want %q", line, got, want)
		}
	}
}

func TestURLRequired(t *testing.T) {
	h := plugintest.New(t, plugintest.WithoutWeb())
	if err := h.Load(jenkins.New(), `{"limit":2}`); err == nil {
		t.Fatalf("expected a configuration error")
	}
}
