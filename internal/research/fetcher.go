package research

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/quild-ai/quild/server/internal/metrics"
	"github.com/quild-ai/quild/server/internal/search"
)

const (
	DefaultFetchTimeout = 12 * time.Second
	MinFetchTimeout     = 3 * time.Second
	MaxFetchTimeout     = 30 * time.Second

	DefaultFetchBytes = 400_000
	MinFetchBytes     = 50_000
	MaxFetchBytes     = 1_000_000

	DefaultMaxArticles = 5
	MaxArticles        = 6
	DefaultConcurrency = 3

	MaxArticleChars = 4000

	ExtractorMarkup      = "markup"
	ExtractorReadability = "readability"

	fetchUserAgent = "QuildAI/1.0 (+https://quild.ai) content-fetch"
	fetchAccept    = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

var htmlContentType = regexp.MustCompile(`(?i)text/html|application/(xhtml\+xml|xml)`)

type FetcherConfig struct {
	Timeout     time.Duration
	MaxBytes    int64
	MaxArticles int
	Concurrency int
	Extractor   string
	Transport   http.RoundTripper
}

// Article is the outcome of one fetch. OK is false when nothing usable came
// back; Text is empty in that case.
type Article struct {
	URL  string
	Text string
	OK   bool
}

type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFetcher(cfg FetcherConfig, logger *zap.Logger, m *metrics.Metrics) *Fetcher {
	cfg.Timeout = clampDuration(cfg.Timeout, DefaultFetchTimeout, MinFetchTimeout, MaxFetchTimeout)
	cfg.MaxBytes = clampInt64(cfg.MaxBytes, DefaultFetchBytes, MinFetchBytes, MaxFetchBytes)
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = DefaultMaxArticles
	}
	if cfg.MaxArticles > MaxArticles {
		cfg.MaxArticles = MaxArticles
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxArticles {
		cfg.Concurrency = MaxArticles
	}
	if cfg.Extractor != ExtractorReadability {
		cfg.Extractor = ExtractorMarkup
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		logger:  logger,
		metrics: m,
	}
}

func (f *Fetcher) MaxArticles() int {
	return f.cfg.MaxArticles
}

// Fetch downloads one page and returns its main text. It never fails loudly:
// any problem yields ("", false).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, bool) {
	text, err := f.fetch(ctx, rawURL)
	if err != nil || text == "" {
		if err != nil {
			f.logger.Debug("article fetch failed", zap.String("url", rawURL), zap.Error(err))
		}
		f.metrics.ArticleFetch("error")
		return "", false
	}
	f.metrics.ArticleFetch("ok")
	return text, true
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, ok := search.ParseHTTPURL(rawURL)
	if !ok {
		return "", errNotHTTP
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", fetchAccept)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errStatus(resp.StatusCode)
	}
	if !htmlContentType.MatchString(resp.Header.Get("Content-Type")) {
		return "", errNotHTML
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return "", err
	}

	if f.cfg.Extractor == ExtractorReadability {
		article, err := readability.FromReader(bytes.NewReader(body), pageURL)
		if err == nil {
			if text := truncateRunes(collapseLines(article.TextContent), MaxArticleChars); text != "" {
				return text, nil
			}
		}
	}
	return ExtractText(bytes.NewReader(body))
}

// FetchAll fetches up to MaxArticles distinct pages with bounded parallelism.
// The result is in input order, one Article per distinct URL.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []Article {
	unique := make([]string, 0, f.cfg.MaxArticles)
	seen := map[string]bool{}
	for _, raw := range urls {
		key, ok := search.DedupeKey(raw)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, raw)
		if len(unique) == f.cfg.MaxArticles {
			break
		}
	}

	articles := make([]Article, len(unique))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.cfg.Concurrency)
	for i, raw := range unique {
		i, raw := i, raw
		group.Go(func() error {
			text, ok := f.Fetch(groupCtx, raw)
			articles[i] = Article{URL: raw, Text: text, OK: ok}
			return nil
		})
	}
	_ = group.Wait()
	return articles
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

// ExtractText renders the readable text of an HTML document. Content inside
// <article> wins over <body>; script and style are skipped.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	root := findElement(doc, atom.Article)
	if root == nil {
		root = findElement(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}
	var b strings.Builder
	renderText(&b, root)
	return truncateRunes(collapseLines(b.String()), MaxArticleChars), nil
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, a); found != nil {
			return found
		}
	}
	return nil
}

func renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Li:
			b.WriteString("\n- ")
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		renderText(b, child)
	}
	if n.Type == html.ElementNode {
		if blockElements[n.DataAtom] {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
}

// collapseLines squeezes runs of whitespace inside each line and drops blank
// lines.
func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func clampDuration(value, fallback, lower, upper time.Duration) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return min(max(value, lower), upper)
}

func clampInt64(value, fallback, lower, upper int64) int64 {
	if value <= 0 {
		value = fallback
	}
	return min(max(value, lower), upper)
}
