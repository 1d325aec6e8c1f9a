package llm

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. An empty Model falls back to the profile default.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Stream yields incremental text fragments. Recv returns io.EOF once the
// provider has finished; Close releases the underlying connection and is safe
// to call more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Provider interface {
	Name() string
	Profile() Profile
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Profile describes one completion backend and the budgets the orchestrator
// applies when it is selected. Metered backends bill per request against a
// credit balance and get tighter caps.
type Profile struct {
	Name                 string
	BaseURL              string
	APIKey               string
	Model                string
	Headers              map[string]string
	Timeout              time.Duration
	Metered              bool
	MaxOutputTokens      int
	RetryMaxOutputTokens int
	HistoryTurns         int
	HistoryChars         int
	RetryHistoryTurns    int
	BriefMaxChars        int
}

const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
)

type Config struct {
	DefaultProvider  string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	OpenRouterAPIKey string
	OpenRouterModel  string
	OpenRouterURL    string
	OpenRouterRefer  string
	OpenRouterTitle  string
	GroqAPIKey       string
	GroqModel        string
	GroqBaseURL      string
}

// Profiles returns the built-in backend profiles with credentials from cfg.
func Profiles(cfg Config) []Profile {
	openRouterHeaders := map[string]string{}
	if cfg.OpenRouterRefer != "" {
		openRouterHeaders["HTTP-Referer"] = cfg.OpenRouterRefer
	}
	if cfg.OpenRouterTitle != "" {
		openRouterHeaders["X-Title"] = cfg.OpenRouterTitle
	}
	return []Profile{
		{
			Name:                 ProviderGemini,
			BaseURL:              defaultIfEmpty(cfg.GeminiBaseURL, "https://generativelanguage.googleapis.com/v1beta/openai"),
			APIKey:               cfg.GeminiAPIKey,
			Model:                defaultIfEmpty(cfg.GeminiModel, "gemini-1.5-flash"),
			Timeout:              90 * time.Second,
			MaxOutputTokens:      2048,
			RetryMaxOutputTokens: 512,
			HistoryTurns:         20,
			HistoryChars:         24000,
			RetryHistoryTurns:    6,
		},
		{
			Name:                 ProviderOpenRouter,
			BaseURL:              defaultIfEmpty(cfg.OpenRouterURL, "https://openrouter.ai/api/v1"),
			APIKey:               cfg.OpenRouterAPIKey,
			Model:                defaultIfEmpty(cfg.OpenRouterModel, "openrouter/auto"),
			Headers:              openRouterHeaders,
			Timeout:              90 * time.Second,
			Metered:              true,
			MaxOutputTokens:      800,
			RetryMaxOutputTokens: 256,
			HistoryTurns:         10,
			HistoryChars:         8000,
			RetryHistoryTurns:    6,
			BriefMaxChars:        3500,
		},
		{
			Name:                 ProviderGroq,
			BaseURL:              defaultIfEmpty(cfg.GroqBaseURL, "https://api.groq.com/openai/v1"),
			APIKey:               cfg.GroqAPIKey,
			Model:                defaultIfEmpty(cfg.GroqModel, "llama-3.1-8b-instant"),
			Timeout:              60 * time.Second,
			MaxOutputTokens:      1024,
			RetryMaxOutputTokens: 256,
			HistoryTurns:         16,
			HistoryChars:         16000,
			RetryHistoryTurns:    6,
		},
	}
}

func NewProvider(profile Profile) (Provider, error) {
	switch profile.Name {
	case ProviderGemini, ProviderOpenRouter, ProviderGroq:
		return NewOpenAIProvider(profile), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: profile.Name}
	}
}

// Registry resolves a provider tag supplied at request time.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
}

func NewRegistry(cfg Config) (*Registry, error) {
	registry := &Registry{
		providers:       map[string]Provider{},
		defaultProvider: defaultIfEmpty(normalizeName(cfg.DefaultProvider), ProviderGemini),
	}
	for _, profile := range Profiles(cfg) {
		provider, err := NewProvider(profile)
		if err != nil {
			return nil, err
		}
		registry.Register(provider)
	}
	return registry, nil
}

// NewStaticRegistry builds a registry from already constructed providers.
func NewStaticRegistry(defaultProvider string, providers ...Provider) *Registry {
	registry := &Registry{
		providers:       map[string]Provider{},
		defaultProvider: normalizeName(defaultProvider),
	}
	for _, provider := range providers {
		registry.Register(provider)
	}
	return registry
}

func (r *Registry) Register(provider Provider) {
	r.providers[normalizeName(provider.Name())] = provider
}

// Get returns the provider for name, or the default provider when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	key := normalizeName(name)
	if key == "" {
		key = r.defaultProvider
	}
	provider, ok := r.providers[key]
	if !ok {
		return nil, ErrUnsupportedProvider{Provider: name}
	}
	return provider, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
