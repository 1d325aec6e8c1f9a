// Package chat answers one user message as a stream of events: it records the
// turn, optionally researches the web, streams the model's reply through the
// sanitizer and stores the finished answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/events"
	"github.com/quild-ai/quild/server/internal/history"
	"github.com/quild-ai/quild/server/internal/llm"
	"github.com/quild-ai/quild/server/internal/metrics"
	"github.com/quild-ai/quild/server/internal/personality"
	"github.com/quild-ai/quild/server/internal/research"
	"github.com/quild-ai/quild/server/internal/sanitize"
	"github.com/quild-ai/quild/server/internal/store"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTitle   = "New Chat"
	titleMaxRunes  = 60
	persistTimeout = 10 * time.Second

	defaultRetryHistoryTurns = 6
	defaultRetryOutputTokens = 256
)

// Request is one user turn. UserID comes from the identity middleware and is
// trusted as is.
type Request struct {
	ConversationID string             `json:"conversationId" validate:"omitempty,max=128"`
	UserID         string             `json:"-" validate:"required"`
	Message        string             `json:"message" validate:"max=32000"`
	WebSearch      bool               `json:"webSearch"`
	Provider       string             `json:"provider" validate:"omitempty,max=32"`
	MaxResults     int                `json:"maxResults" validate:"gte=0,lte=50"`
	Country        string             `json:"country" validate:"omitempty,max=8"`
	Language       string             `json:"language" validate:"omitempty,max=8"`
	Location       string             `json:"location" validate:"omitempty,max=128"`
	Timezone       string             `json:"timezone" validate:"omitempty,max=64"`
	Locale         string             `json:"locale" validate:"omitempty,max=35"`
	Attachments    []store.Attachment `json:"attachments" validate:"max=10,dive"`
}

type Service struct {
	store     store.Store
	providers *llm.Registry
	research  *research.Pipeline
	persona   string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	validate  *validator.Validate
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

// WithResearch enables web research for requests that ask for it.
func WithResearch(pipeline *research.Pipeline) Option {
	return func(s *Service) {
		s.research = pipeline
	}
}

func WithPersona(prompt string) Option {
	return func(s *Service) {
		if strings.TrimSpace(prompt) != "" {
			s.persona = prompt
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func NewService(st store.Store, providers *llm.Registry, opts ...Option) *Service {
	s := &Service{
		store:     st,
		providers: providers,
		persona:   personality.Default,
		logger:    zap.NewNop(),
		validate:  validator.New(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream answers req and writes its events to emitter. Errors raised before
// anything was emitted are returned untouched so the caller can send a plain
// error response. Once the stream has started, a failure is reported in-band
// as a terminal error event and also returned for logging. A cancelled ctx
// ends the request quietly.
func (s *Service) Stream(ctx context.Context, req Request, emitter events.Emitter) error {
	started := time.Now()
	current := &turn{service: s, req: req, emitter: emitter, provider: strings.TrimSpace(req.Provider)}
	err := current.run(ctx)
	s.metrics.StreamFinished(current.providerLabel(), outcome(ctx, err), time.Since(started))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if emitter.Started() {
		if emitErr := emitter.Emit(events.Error(PublicMessage(err))); emitErr != nil && !errors.Is(emitErr, events.ErrClosed) {
			s.logger.Warn("failed to send stream error", zap.Error(emitErr))
		}
	}
	return err
}

// turn is the state of one Stream call.
type turn struct {
	service      *Service
	req          Request
	emitter      events.Emitter
	provider     string
	conversation *store.Conversation
	findings     *research.Findings
}

func (t *turn) run(ctx context.Context) error {
	s := t.service
	if err := s.validateRequest(&t.req); err != nil {
		return err
	}
	provider, err := s.providers.Get(t.req.Provider)
	if err != nil {
		return err
	}
	t.provider = provider.Name()
	profile := provider.Profile()

	if t.conversation, err = t.resolveConversation(ctx); err != nil {
		return err
	}
	if err := t.saveUserMessage(ctx); err != nil {
		return err
	}
	transcript, err := t.loadTranscript(ctx)
	if err != nil {
		return err
	}

	if t.req.WebSearch && s.research != nil {
		t.findings = t.research(ctx, provider, profile)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	instructions := buildInstructions(instructionInput{
		Persona:  s.persona,
		Now:      s.now(),
		Timezone: t.req.Timezone,
		Locale:   t.req.Locale,
		Brief:    t.brief(),
	})
	stream, err := t.openStream(ctx, provider, profile, instructions, transcript)
	if err != nil {
		return err
	}
	defer stream.Close()
	if err := t.emitter.Emit(events.Status(events.PhaseAnswering)); err != nil {
		return err
	}

	answer, err := t.relay(ctx, stream)
	if err != nil {
		return err
	}
	t.saveAnswer(ctx, answer)

	if sources := t.sources(); len(sources) > 0 {
		if err := t.emitter.Emit(events.Sources(sources)); err != nil {
			return err
		}
	}
	if t.findings != nil && t.findings.Summary != "" {
		if err := t.emitter.Emit(events.WebSummary(t.findings.Summary)); err != nil {
			return err
		}
	}
	if err := t.emitter.Emit(events.Status(events.PhaseComplete)); err != nil {
		return err
	}
	return t.emitter.Emit(events.Done(t.conversation.ID))
}

func (s *Service) validateRequest(req *Request) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return ErrMessageRequired
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (t *turn) resolveConversation(ctx context.Context) (*store.Conversation, error) {
	s := t.service
	if id := strings.TrimSpace(t.req.ConversationID); id != "" {
		conversation, err := s.store.GetConversation(ctx, id, t.req.UserID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if conversation == nil {
			return nil, ErrConversationNotFound
		}
		return conversation, nil
	}
	now := s.timestamp()
	conversation := store.Conversation{
		ID:        s.newID(),
		UserID:    t.req.UserID,
		Title:     Title(t.req.Message),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conversation, nil
}

func (t *turn) saveUserMessage(ctx context.Context) error {
	s := t.service
	msg := s.newMessage(t.conversation.ID, t.req.UserID, RoleUser, t.req.Message)
	msg.Attachments = t.req.Attachments
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}
	return nil
}

func (t *turn) loadTranscript(ctx context.Context) ([]llm.Message, error) {
	stored, err := t.service.store.ListMessages(ctx, t.conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	transcript := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		transcript = append(transcript, llm.Message{Role: msg.Role, Content: withAttachments(msg.Content, msg.Attachments)})
	}
	return transcript, nil
}

func (t *turn) research(ctx context.Context, provider llm.Provider, profile llm.Profile) *research.Findings {
	s := t.service
	briefMaxChars := 0
	if profile.Metered {
		briefMaxChars = profile.BriefMaxChars
	}
	return s.research.Run(ctx, research.Input{
		Message:       t.req.Message,
		Completer:     provider,
		MaxResults:    t.req.MaxResults,
		Country:       t.req.Country,
		Language:      t.req.Language,
		Location:      t.req.Location,
		BriefMaxChars: briefMaxChars,
	}, func(stage research.Stage) {
		if err := t.emitter.Emit(events.Status(events.Phase(stage))); err != nil {
			s.logger.Debug("failed to send research status", zap.String("stage", string(stage)), zap.Error(err))
		}
	})
}

// openStream asks for the answer. A refusal for lack of credit is retried
// exactly once with a much shorter history and output cap.
func (t *turn) openStream(ctx context.Context, provider llm.Provider, profile llm.Profile, instructions string, transcript []llm.Message) (llm.Stream, error) {
	s := t.service
	req := llm.Request{
		System:    instructions,
		Messages:  history.Window(transcript, history.Limits{MaxTurns: profile.HistoryTurns, MaxChars: profile.HistoryChars}),
		MaxTokens: profile.MaxOutputTokens,
	}
	stream, err := provider.Stream(ctx, req)
	if errors.Is(err, llm.ErrInsufficientCredit) {
		s.logger.Warn("provider reported insufficient credit, retrying with a smaller request",
			zap.String("provider", provider.Name()), zap.Error(err))
		s.metrics.CreditRetry(provider.Name())
		req.Messages = history.Window(transcript, history.Limits{
			MaxTurns: positiveOr(profile.RetryHistoryTurns, defaultRetryHistoryTurns),
			MaxChars: profile.HistoryChars,
		})
		req.MaxTokens = positiveOr(profile.RetryMaxOutputTokens, defaultRetryOutputTokens)
		stream, err = provider.Stream(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Provider: provider.Name(), Err: err}
	}
	return stream, nil
}

// relay forwards sanitized deltas and returns the full sanitized answer. Any
// failure discards the partial answer.
func (t *turn) relay(ctx context.Context, stream llm.Stream) (string, error) {
	var differ sanitize.Differ
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			t.service.logger.Error("provider stream failed",
				zap.String("provider", t.provider),
				zap.String("conversation_id", t.conversation.ID),
				zap.Int("delivered_chars", utf8.RuneCountInString(differ.Text())),
				zap.Error(err))
			return "", &UpstreamError{Provider: t.provider, Err: err}
		}
		if delta := differ.Push(fragment); delta != "" {
			if err := t.emitter.Emit(events.Delta(delta)); err != nil {
				return "", err
			}
		}
	}
	if delta := differ.Flush(); delta != "" {
		if err := t.emitter.Emit(events.Delta(delta)); err != nil {
			return "", err
		}
	}
	return differ.Text(), nil
}

// saveAnswer stores the finished answer. The client already has the full
// text at this point, so a failure is reported but does not fail the turn.
func (t *turn) saveAnswer(ctx context.Context, answer string) {
	s := t.service
	if strings.TrimSpace(answer) == "" {
		return
	}
	msg := s.newMessage(t.conversation.ID, t.req.UserID, RoleAssistant, answer)
	msg.Sources = t.sources()
	if t.findings != nil {
		msg.WebSummary = t.findings.Summary
		msg.ResearchBrief = t.findings.Brief
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.AddMessage(persistCtx, msg); err != nil {
		s.metrics.PersistFailure(RoleAssistant)
		s.logger.Error("failed to save assistant message",
			zap.String("conversation_id", t.conversation.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (t *turn) brief() string {
	if t.findings == nil {
		return ""
	}
	return t.findings.Brief
}

// sources numbers the results the brief was built from.
func (t *turn) sources() []store.Source {
	if t.findings == nil || len(t.findings.Results) == 0 {
		return nil
	}
	results := t.findings.Results
	if len(results) > research.MaxBriefResults {
		results = results[:research.MaxBriefResults]
	}
	sources := make([]store.Source, 0, len(results))
	for i, result := range results {
		sources = append(sources, store.Source{
			ID:      i + 1,
			Title:   result.Title,
			URL:     result.URL,
			Source:  result.Source,
			Favicon: research.Favicon(result.URL),
			Date:    result.Date,
			Snippet: result.Snippet,
		})
	}
	return sources
}

func (t *turn) providerLabel() string {
	if t.provider == "" {
		return "default"
	}
	return t.provider
}

func (s *Service) newMessage(conversationID, userID, role, content string) store.Message {
	now := s.now()
	return store.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		Sequence:       now.UnixNano(),
		CreatedAt:      now.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Title derives a conversation title from its first message.
func Title(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(message) <= titleMaxRunes {
		return message
	}
	return string([]rune(message)[:titleMaxRunes]) + "…"
}

func withAttachments(content string, attachments []store.Attachment) string {
	if len(attachments) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nAttachments:")
	for _, attachment := range attachments {
		fmt.Fprintf(&b, "\n- %s (%s)", attachment.Name, attachment.URL)
	}
	return b.String()
}

func outcome(ctx context.Context, err error) string {
	var upstream *UpstreamError
	var unsupported llm.ErrUnsupportedProvider
	switch {
	case err == nil:
		return "ok"
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(err, ErrMessageRequired), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrConversationNotFound), errors.As(err, &unsupported):
		return "rejected"
	case errors.As(err, &upstream):
		return "upstream_error"
	default:
		return "error"
	}
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
