package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quild-ai/quild/server/internal/events"
	"github.com/quild-ai/quild/server/internal/llm"
	"github.com/quild-ai/quild/server/internal/store"
	"github.com/quild-ai/quild/server/internal/store/memory"
)

var testEpoch = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

// scriptedStream replays fragments, then ends with err, io.EOF, or by
// blocking until its context is cancelled.
type scriptedStream struct {
	ctx       context.Context
	fragments []string
	err       error
	block     bool

	mu     sync.Mutex
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.fragments) > 0 {
		fragment := s.fragments[0]
		s.fragments = s.fragments[1:]
		return fragment, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type openResult struct {
	stream *scriptedStream
	err    error
}

// fakeProvider answers Stream calls from opens in order and Complete calls
// from completions.
type fakeProvider struct {
	profile     llm.Profile
	mu          sync.Mutex
	opens       []openResult
	completions []string
	requests    []llm.Request
	streams     []*scriptedStream
}

func (p *fakeProvider) Name() string        { return p.profile.Name }
func (p *fakeProvider) Profile() llm.Profile { return p.profile }

func (p *fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.completions) == 0 {
		return "", errors.New("no scripted completion")
	}
	reply := p.completions[0]
	p.completions = p.completions[1:]
	return reply, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.opens) == 0 {
		return nil, errors.New("no scripted stream")
	}
	next := p.opens[0]
	p.opens = p.opens[1:]
	if next.err != nil {
		return nil, next.err
	}
	next.stream.ctx = ctx
	p.streams = append(p.streams, next.stream)
	return next.stream, nil
}

func (p *fakeProvider) streamRequests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func replying(fragments ...string) openResult {
	return openResult{stream: &scriptedStream{fragments: fragments}}
}

func geminiProfile() llm.Profile {
	return llm.Profile{
		Name:                 llm.ProviderGemini,
		Model:                "test-model",
		MaxOutputTokens:      2048,
		RetryMaxOutputTokens: 512,
		HistoryTurns:         20,
		HistoryChars:         24000,
		RetryHistoryTurns:    6,
	}
}

func openRouterProfile() llm.Profile {
	return llm.Profile{
		Name:                 llm.ProviderOpenRouter,
		Model:                "openrouter/auto",
		Metered:              true,
		MaxOutputTokens:      800,
		RetryMaxOutputTokens: 256,
		HistoryTurns:         10,
		HistoryChars:         8000,
		RetryHistoryTurns:    6,
		BriefMaxChars:        3500,
	}
}

// testClock advances one second per reading so stored messages keep their
// insertion order.
func testClock() func() time.Time {
	var mu sync.Mutex
	current := testEpoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestService(t *testing.T, st store.Store, provider *fakeProvider, opts ...Option) *Service {
	t.Helper()
	registry := llm.NewStaticRegistry(provider.Name(), provider)
	base := []Option{WithClock(testClock()), WithIDGenerator(sequentialIDs())}
	return NewService(st, registry, append(base, opts...)...)
}

func eventTypes(recorded []events.Event) []string {
	types := make([]string, 0, len(recorded))
	for _, event := range recorded {
		switch event.Type {
		case events.TypeStatus:
			types = append(types, "status:"+string(event.Phase))
		default:
			types = append(types, string(event.Type))
		}
	}
	return types
}

// compactTypes folds runs of delta events into one entry.
func compactTypes(recorded []events.Event) []string {
	var out []string
	for _, name := range eventTypes(recorded) {
		if name == string(events.TypeDelta) && len(out) > 0 && out[len(out)-1] == name {
			continue
		}
		out = append(out, name)
	}
	return out
}

// failingAnswers rejects assistant messages.
type failingAnswers struct {
	*memory.MemoryStore
}

func (f failingAnswers) AddMessage(ctx context.Context, msg store.Message) error {
	if msg.Role == RoleAssistant {
		return errors.New("disk full")
	}
	return f.MemoryStore.AddMessage(ctx, msg)
}

// cancelOnDelta cancels the request as soon as the first delta is sent.
type cancelOnDelta struct {
	events.Recorder
	cancel context.CancelFunc
}

func (c *cancelOnDelta) Emit(event events.Event) error {
	if err := c.Recorder.Emit(event); err != nil {
		return err
	}
	if event.Type == events.TypeDelta {
		c.cancel()
	}
	return nil
}

// notFound answers every article fetch with 404.
type notFound struct{}

func (notFound) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}
