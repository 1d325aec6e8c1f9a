package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
// All built-in backends share it and differ only by Profile.
type OpenAIProvider struct {
	profile Profile
	client  *openai.Client
}

func NewOpenAIProvider(profile Profile) *OpenAIProvider {
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	profile.BaseURL = strings.TrimRight(baseURL, "/")
	if profile.Timeout <= 0 {
		profile.Timeout = 90 * time.Second
	}

	clientCfg := openai.DefaultConfig(profile.APIKey)
	clientCfg.BaseURL = profile.BaseURL
	clientCfg.HTTPClient = &http.Client{
		// Streams are bounded by the request context; the client timeout only
		// guards the time to response headers.
		Transport: &headerTransport{
			headers: profile.Headers,
			base: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: profile.Timeout,
			},
		},
	}
	return &OpenAIProvider{
		profile: profile,
		client:  openai.NewClientWithConfig(clientCfg),
	}
}

func (p *OpenAIProvider) Name() string {
	return p.profile.Name
}

func (p *OpenAIProvider) Profile() Profile {
	return p.profile
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return "", err
	}
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classify(p.profile.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM response had no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("LLM response was empty")
	}
	return content, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classify(p.profile.Name, err)
	}
	return &openAIStream{provider: p.profile.Name, stream: stream}, nil
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	if p.profile.APIKey == "" {
		return openai.ChatCompletionRequest{}, errors.New("missing API key for remote provider")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.profile.Model
	}
	if model == "" {
		return openai.ChatCompletionRequest{}, errors.New("missing model for remote provider")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range req.Messages {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq, nil
}

type openAIStream struct {
	provider string
	stream   *openai.ChatCompletionStream
	once     sync.Once
}

func (s *openAIStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", classify(s.provider, err)
	}
	var b strings.Builder
	for _, choice := range resp.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String(), nil
}

func (s *openAIStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
	})
	return err
}

// classify maps credit exhaustion onto ErrInsufficientCredit so callers can
// branch with errors.Is without knowing the client library.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if isInsufficientCredit(err) {
		return fmt.Errorf("%s: %w: %v", provider, ErrInsufficientCredit, err)
	}
	return fmt.Errorf("%s: %w", provider, err)
}

func isInsufficientCredit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusPaymentRequired {
			return true
		}
		if mentionsCredit(apiErr.Message) {
			return true
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusPaymentRequired {
		return true
	}
	return mentionsCredit(err.Error())
}

func mentionsCredit(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"insufficient credit", "insufficient_quota", "more credits", "can only afford"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for key, value := range t.headers {
			req.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(req)
}
