package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoResults marks an upstream answer that carried nothing to report:
// a non-200 status or an empty JSON document.
var ErrNoResults = errors.New("no results")

const maxBody = 4 << 20

// Fetcher GETs JSON documents from one upstream API.
type Fetcher struct {
	Client *http.Client
	Header http.Header
}

func NewFetcher(timeout time.Duration, header http.Header) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{Client: &http.Client{Timeout: timeout}, Header: header}
}

// JSON fetches rawURL with query appended and parses the body.
func (f *Fetcher) JSON(ctx context.Context, rawURL string, query url.Values) (gjson.Result, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return gjson.Result{}, fmt.Errorf("%w: http %d", ErrNoResults, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid JSON from %s", req.URL.Redacted())
	}
	res := gjson.ParseBytes(body)
	if empty(res) {
		return gjson.Result{}, ErrNoResults
	}
	return res, nil
}

func empty(r gjson.Result) bool {
	switch {
	case r.IsArray():
		return len(r.Array()) == 0
	case r.IsObject():
		n := 0
		r.ForEach(func(_, _ gjson.Result) bool { n++; return false })
		return n == 0
	default:
		return !r.Exists()
	}
}
