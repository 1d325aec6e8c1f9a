// Package research turns a user message into grounding material for the
// model: planned queries, ranked search hits, fetched article text and a
// numbered brief. Every stage is best-effort.
package research

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/metrics"
	"github.com/quild-ai/quild/server/internal/search"
)

type Stage string

const (
	StagePlanning    Stage = "planning"
	StageSearching   Stage = "searching"
	StageFetching    Stage = "fetching"
	StageSummarizing Stage = "summarizing"
)

type Input struct {
	Message       string
	Completer     Completer
	MaxResults    int
	Country       string
	Language      string
	Location      string
	BriefMaxChars int
}

// Findings is what research hands back to the answer. Results are ranked and
// already capped.
type Findings struct {
	Queries []PlannedQuery
	Results []search.Result
	Brief   string
	Summary string
}

type Pipeline struct {
	executor *Executor
	fetcher  *Fetcher
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type PipelineOption func(*Pipeline)

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func NewPipeline(searcher search.Searcher, fetcher *Fetcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.executor = NewExecutor(searcher, p.logger)
	if fetcher == nil {
		fetcher = NewFetcher(FetcherConfig{}, p.logger, p.metrics)
	}
	p.fetcher = fetcher
	return p
}

// Run executes the stages in order, calling progress as each one starts. It
// returns nil when research produced nothing usable; failures are logged and
// never returned.
func (p *Pipeline) Run(ctx context.Context, in Input, progress func(Stage)) *Findings {
	if progress == nil {
		progress = func(Stage) {}
	}

	progress(StagePlanning)
	started := time.Now()
	plan := NewPlanner(in.Completer, p.now, p.logger).Plan(ctx, in.Message)
	p.observe(StagePlanning, len(plan.Queries) > 0, nil, started)
	if ctx.Err() != nil || len(plan.Queries) == 0 {
		return nil
	}

	progress(StageSearching)
	started = time.Now()
	results, err := p.executor.Execute(ctx, plan, ExecuteOptions{
		MaxResults: in.MaxResults,
		Country:    in.Country,
		Language:   in.Language,
		Location:   in.Location,
	})
	p.observe(StageSearching, len(results) > 0, err, started)
	if err != nil {
		p.logger.Warn("web search failed", zap.Error(err))
	}
	if ctx.Err() != nil || len(results) == 0 {
		return nil
	}

	progress(StageFetching)
	started = time.Now()
	urls := make([]string, 0, len(results))
	for _, result := range results {
		urls = append(urls, result.URL)
	}
	articles := map[string]string{}
	for _, article := range p.fetcher.FetchAll(ctx, urls) {
		if article.OK {
			articles[article.URL] = article.Text
		}
	}
	p.observe(StageFetching, len(articles) > 0, nil, started)
	if ctx.Err() != nil {
		return nil
	}

	progress(StageSummarizing)
	started = time.Now()
	findings := &Findings{
		Queries: plan.Queries,
		Results: results,
		Brief:   BuildBrief(results, articles, in.BriefMaxChars),
		Summary: Summary(results),
	}
	p.observe(StageSummarizing, findings.Brief != "", nil, started)
	return findings
}

func (p *Pipeline) observe(stage Stage, produced bool, err error, started time.Time) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !produced:
		outcome = "empty"
	}
	p.metrics.ResearchStage(string(stage), outcome, time.Since(started))
}
