package research

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

const articlePage = `<!doctype html>
<html><head><title>Ignored title</title><style>.a { color: red }</style></head>
<body>
<nav>Site menu</nav>
<article>
<h1>Headline</h1>
<p>First <b>bold</b>   para.</p>
<!-- hidden comment -->
<script>var secret = 1;</script>
<ul><li>one</li><li>two</li></ul>
</article>
<footer>Copyright</footer>
</body></html>`

func TestExtractText_PrefersArticle(t *testing.T) {
	text, err := ExtractText(strings.NewReader(articlePage))
	require.NoError(t, err)
	require.Equal(t, "Headline\nFirst bold para.\n- one\n- two", text)
}

func TestExtractText_FallsBackToBody(t *testing.T) {
	page := `<html><body><div>Alpha</div><script>nope()</script><section>Beta<br>Gamma</section><noscript>js off</noscript></body></html>`
	text, err := ExtractText(strings.NewReader(page))
	require.NoError(t, err)
	require.Equal(t, "Alpha\nBeta\nGamma", text)
}

func TestExtractText_Truncates(t *testing.T) {
	page := "<html><body><p>" + strings.Repeat("é", MaxArticleChars+500) + "</p></body></html>"
	text, err := ExtractText(strings.NewReader(page))
	require.NoError(t, err)
	require.Equal(t, MaxArticleChars, utf8.RuneCountInString(text))
}

func TestNewFetcher_Clamps(t *testing.T) {
	defaults := NewFetcher(FetcherConfig{}, nil, nil)
	require.Equal(t, DefaultFetchTimeout, defaults.cfg.Timeout)
	require.Equal(t, int64(DefaultFetchBytes), defaults.cfg.MaxBytes)
	require.Equal(t, DefaultMaxArticles, defaults.MaxArticles())
	require.Equal(t, DefaultConcurrency, defaults.cfg.Concurrency)
	require.Equal(t, ExtractorMarkup, defaults.cfg.Extractor)

	low := NewFetcher(FetcherConfig{Timeout: time.Second, MaxBytes: 10, MaxArticles: 1, Concurrency: 1}, nil, nil)
	require.Equal(t, MinFetchTimeout, low.cfg.Timeout)
	require.Equal(t, int64(MinFetchBytes), low.cfg.MaxBytes)

	high := NewFetcher(FetcherConfig{Timeout: time.Minute, MaxBytes: 5_000_000, MaxArticles: 20, Concurrency: 50, Extractor: ExtractorReadability}, nil, nil)
	require.Equal(t, MaxFetchTimeout, high.cfg.Timeout)
	require.Equal(t, int64(MaxFetchBytes), high.cfg.MaxBytes)
	require.Equal(t, MaxArticles, high.MaxArticles())
	require.Equal(t, MaxArticles, high.cfg.Concurrency)
	require.Equal(t, ExtractorReadability, high.cfg.Extractor)
}

func articleServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"a":1}`))
		case "/missing":
			http.NotFound(w, r)
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><script>only()</script></body></html>"))
		case "/xhtml":
			w.Header().Set("Content-Type", "application/xhtml+xml; charset=utf-8")
			_, _ = w.Write([]byte("<html><body><p>xhtml body</p></body></html>"))
		case "/huge":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><p>start</p><p>" + strings.Repeat("a", 200_000) + "</p><p>tail-marker</p></body></html>"))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(articlePage))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetcher_Fetch(t *testing.T) {
	server := articleServer(t)
	fetcher := NewFetcher(FetcherConfig{MaxBytes: MinFetchBytes}, nil, nil)

	text, ok := fetcher.Fetch(context.Background(), server.URL+"/story")
	require.True(t, ok)
	require.Contains(t, text, "First bold para.")

	text, ok = fetcher.Fetch(context.Background(), server.URL+"/xhtml")
	require.True(t, ok)
	require.Equal(t, "xhtml body", text)

	for _, path := range []string{"/json", "/missing", "/empty"} {
		text, ok := fetcher.Fetch(context.Background(), server.URL+path)
		require.False(t, ok, path)
		require.Empty(t, text, path)
	}

	_, ok = fetcher.Fetch(context.Background(), "ftp://example.com/file")
	require.False(t, ok)
	_, ok = fetcher.Fetch(context.Background(), "http://127.0.0.1:1/unreachable")
	require.False(t, ok)
}

func TestFetcher_SizeCap(t *testing.T) {
	server := articleServer(t)
	fetcher := NewFetcher(FetcherConfig{MaxBytes: MinFetchBytes}, nil, nil)
	text, ok := fetcher.Fetch(context.Background(), server.URL+"/huge")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(text, "start"))
	require.NotContains(t, text, "tail-marker")
}

func TestFetcher_Readability(t *testing.T) {
	server := articleServer(t)
	fetcher := NewFetcher(FetcherConfig{Extractor: ExtractorReadability}, nil, nil)
	text, ok := fetcher.Fetch(context.Background(), server.URL+"/story")
	require.True(t, ok)
	require.Contains(t, text, "bold")
	require.NotContains(t, text, "secret")
}

func TestFetcher_FetchAllDedupesAndBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if r.URL.Path == "/p3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body><p>page %s</p></body></html>", r.URL.Path)
	}))
	defer server.Close()

	urls := []string{
		server.URL + "/p1",
		server.URL + "/p1?utm=dup",
		"mailto:nobody@example.com",
		server.URL + "/p2",
		server.URL + "/p3",
		server.URL + "/p4",
		server.URL + "/p5",
		server.URL + "/p6",
		server.URL + "/p7",
	}
	fetcher := NewFetcher(FetcherConfig{MaxArticles: 6, Concurrency: 2}, nil, nil)
	articles := fetcher.FetchAll(context.Background(), urls)

	require.Len(t, articles, 6)
	expected := []string{"/p1", "/p2", "/p3", "/p4", "/p5", "/p6"}
	for i, article := range articles {
		parsed, err := url.Parse(article.URL)
		require.NoError(t, err)
		require.Equal(t, expected[i], parsed.Path)
		if parsed.Path == "/p3" {
			require.False(t, article.OK)
			continue
		}
		require.True(t, article.OK)
		require.Equal(t, "page "+parsed.Path, article.Text)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFetcher_FetchAllCancelled(t *testing.T) {
	server := articleServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	articles := NewFetcher(FetcherConfig{}, nil, nil).FetchAll(ctx, []string{server.URL + "/a", server.URL + "/b"})
	require.Len(t, articles, 2)
	for _, article := range articles {
		require.False(t, article.OK)
	}
}
