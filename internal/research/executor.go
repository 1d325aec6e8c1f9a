package research

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/search"
)

const (
	DefaultMaxResults = 12
	MinMaxResults     = 4
	MaxMaxResults     = 20
	MaxPerHost        = 3
	perQueryResults   = 10
)

type ExecuteOptions struct {
	MaxResults int
	Country    string
	Language   string
	Location   string
}

type Executor struct {
	searcher search.Searcher
	logger   *zap.Logger
}

func NewExecutor(searcher search.Searcher, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{searcher: searcher, logger: logger}
}

// Execute runs every planned query in order and merges the hits. A failing
// query is logged and skipped; an error is returned only when no query
// produced results and at least one failed.
func (e *Executor) Execute(ctx context.Context, plan Plan, opts ExecuteOptions) ([]search.Result, error) {
	if e.searcher == nil {
		return nil, errors.New("no search capability configured")
	}
	var (
		merged []search.Result
		errs   []error
	)
	queries := plan.Queries
	if len(queries) > MaxQueries {
		queries = queries[:MaxQueries]
	}
	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := e.searcher.Search(ctx, query.Query, search.Options{
			Kind:     query.Kind(),
			Count:    perQueryResults,
			Country:  opts.Country,
			Language: opts.Language,
			Location: opts.Location,
			Recency:  plan.Urgency.Recency(),
		})
		if err != nil {
			e.logger.Warn("search query failed", zap.String("query", query.Query), zap.Error(err))
			errs = append(errs, fmt.Errorf("query %q: %w", query.Query, err))
			continue
		}
		merged = append(merged, results...)
	}
	ranked := Deduplicate(merged, MaxPerHost)
	if limit := ClampMaxResults(opts.MaxResults); len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if len(ranked) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ranked, nil
}

// Deduplicate keeps the first hit per host+path and at most perHost hits per
// hostname, preserving order. Entries without a valid http(s) URL are dropped.
func Deduplicate(results []search.Result, perHost int) []search.Result {
	seen := make(map[string]bool, len(results))
	hosts := map[string]int{}
	out := make([]search.Result, 0, len(results))
	for _, result := range results {
		key, ok := search.DedupeKey(result.URL)
		if !ok || seen[key] {
			continue
		}
		host := search.Hostname(result.URL)
		if perHost > 0 && hosts[host] >= perHost {
			continue
		}
		seen[key] = true
		hosts[host]++
		out = append(out, result)
	}
	return out
}

func ClampMaxResults(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxResults
	case n < MinMaxResults:
		return MinMaxResults
	case n > MaxMaxResults:
		return MaxMaxResults
	default:
		return n
	}
}
