// Package search is the web search capability used by research: a uniform
// Searcher over general and news engines, result normalization, and the
// trusted-source preference.
package search

import (
	"context"
	"net/url"
	"strings"
)

type Kind string

const (
	KindWeb  Kind = "web"
	KindNews Kind = "news"
)

// Result is a normalized hit. URL is always an absolute http(s) URL.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
	Date    string `json:"date,omitempty"`
}

type Options struct {
	Kind     Kind
	Count    int
	Country  string
	Language string
	Location string
	// Recency is an engine time filter token such as "qdr:d" or "qdr:w".
	Recency string
}

type Searcher interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ParseHTTPURL returns the parsed URL when raw is an absolute http or https
// URL with a host.
func ParseHTTPURL(raw string) (*url.URL, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}
	if parsed.Hostname() == "" {
		return nil, false
	}
	return parsed, true
}

// Hostname returns the lowercased host of raw, or "" when raw is not a valid
// http(s) URL.
func Hostname(raw string) string {
	parsed, ok := ParseHTTPURL(raw)
	if !ok {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// DedupeKey identifies a page by host and path, ignoring scheme, query and
// fragment.
func DedupeKey(raw string) (string, bool) {
	parsed, ok := ParseHTTPURL(raw)
	if !ok {
		return "", false
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(parsed.Hostname()) + path, true
}
