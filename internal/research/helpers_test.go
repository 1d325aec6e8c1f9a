package research

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/quild-ai/quild/server/internal/llm"
	"github.com/quild-ai/quild/server/internal/search"
)

type completion struct {
	text string
	err  error
}

type fakeCompleter struct {
	mu       sync.Mutex
	replies  []completion
	requests []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply.text, reply.err
}

type searchCall struct {
	query string
	opts  search.Options
}

type fakeSearcher struct {
	mu      sync.Mutex
	calls   []searchCall
	results map[string][]search.Result
	errs    map[string]error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, searchCall{query: query, opts: opts})
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

// rewriteTransport sends every request to target while keeping the path, so
// results can carry realistic hostnames.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	clone.Header.Set("X-Original-Host", req.URL.Host)
	return http.DefaultTransport.RoundTrip(clone)
}
