package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSerpAPIURL = "https://serpapi.com/search"
	DefaultCountry    = "ind"
	DefaultLanguage   = "en"
	MaxResultsPerCall = 10

	engineWeb  = "google_light"
	engineNews = "google_news_light"
	userAgent  = "QuildAI/1.0 (+https://quild.ai)"
)

var ErrMissingAPIKey = errors.New("search API key is not configured")

type SerpAPIConfig struct {
	APIKey   string
	BaseURL  string
	Country  string
	Language string
	Timeout  time.Duration
}

// SerpAPI queries the light Google engines. Responses that cannot be decoded
// or carry a non-2xx status surface as errors; callers decide whether to
// continue without results.
type SerpAPI struct {
	cfg    SerpAPIConfig
	client *http.Client
}

func NewSerpAPI(cfg SerpAPIConfig) *SerpAPI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSerpAPIURL
	}
	if cfg.Country == "" {
		cfg.Country = DefaultCountry
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SerpAPI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *SerpAPI) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if s.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []Result{}, nil
	}

	engine := engineWeb
	if opts.Kind == KindNews {
		engine = engineNews
	}
	count := opts.Count
	if count <= 0 || count > MaxResultsPerCall {
		count = MaxResultsPerCall
	}
	params := url.Values{}
	params.Set("api_key", s.cfg.APIKey)
	params.Set("no_cache", "true")
	params.Set("engine", engine)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(count))
	params.Set("gl", firstNonEmpty(opts.Country, s.cfg.Country))
	params.Set("hl", firstNonEmpty(opts.Language, s.cfg.Language))
	params.Set("start", "0")
	if opts.Recency != "" {
		params.Set("tbs", opts.Recency)
	}
	if opts.Location != "" {
		params.Set("location", opts.Location)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", engine, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search %s: unexpected status %d", engine, resp.StatusCode)
	}

	var payload serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("search %s: decode response: %w", engine, err)
	}
	raw := payload.OrganicResults
	if opts.Kind == KindNews && payload.NewsResults != nil {
		raw = payload.NewsResults
	}
	return Normalize(raw), nil
}

type serpResponse struct {
	OrganicResults []RawResult `json:"organic_results"`
	NewsResults    []RawResult `json:"news_results"`
}

// RawResult is one engine hit before validation.
type RawResult struct {
	Title             string   `json:"title"`
	Link              string   `json:"link"`
	Snippet           string   `json:"snippet"`
	SnippetHighlights []string `json:"snippet_highlighted_words"`
	Date              string   `json:"date"`
	DatePublished     string   `json:"date_published"`
	SnippetDate       string   `json:"snippet_date"`
}

// Normalize validates raw hits, prefers the trusted subset when one exists and
// caps the list at MaxResultsPerCall.
func Normalize(raw []RawResult) []Result {
	results := make([]Result, 0, len(raw))
	for _, item := range raw {
		title := strings.TrimSpace(item.Title)
		link := strings.TrimSpace(item.Link)
		if title == "" || link == "" {
			continue
		}
		if strings.Contains(strings.ToLower(link), "blocked") {
			continue
		}
		host := Hostname(link)
		if host == "" {
			continue
		}
		snippet := strings.TrimSpace(item.Snippet)
		if snippet == "" && len(item.SnippetHighlights) > 0 {
			snippet = strings.Join(item.SnippetHighlights, " ")
		}
		results = append(results, Result{
			Title:   title,
			URL:     link,
			Snippet: snippet,
			Source:  host,
			Date:    firstNonEmpty(item.Date, item.DatePublished, item.SnippetDate),
		})
	}
	results = PreferTrusted(results)
	if len(results) > MaxResultsPerCall {
		results = results[:MaxResultsPerCall]
	}
	return results
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
