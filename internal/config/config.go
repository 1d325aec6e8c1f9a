package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port              string
	ClientOrigin      string
	Store             string
	PostgresURL       string
	JWTAccessSecret   string
	LogLevel          string
	LogFormat         string
	AIProvider        string
	GeminiAPIKey      string
	GeminiModel       string
	GeminiBaseURL     string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string
	GroqAPIKey        string
	GroqModel         string
	GroqBaseURL       string
	SerpAPIKey        string
	SerpAPIBaseURL    string
	SearchCountry     string
	SearchLanguage    string
	FetchTimeoutMS    int
	FetchMaxBytes     int64
	FetchMaxArticles  int
	FetchConcurrency  int
	FetchExtractor    string
	RateLimitPerMin   int
	RateLimitBurst    int
	PersonalityPath   string
}

var defaults = map[string]any{
	"port":                  "4000",
	"client_origin":         "http://localhost:5173",
	"store":                 StorePostgres,
	"postgres_url":          "",
	"jwt_access_secret":     "",
	"log_level":             "info",
	"log_format":            "json",
	"ai_provider":           "gemini",
	"gemini_api_key":        "",
	"gemini_model":          "gemini-1.5-flash",
	"gemini_base_url":       "",
	"openrouter_api_key":    "",
	"openrouter_model":      "openrouter/auto",
	"openrouter_base_url":   "",
	"openrouter_referer":    "",
	"openrouter_title":      "Quild AI",
	"groq_api_key":          "",
	"groq_model":            "llama-3.1-8b-instant",
	"groq_base_url":         "",
	"serpapi_key":           "",
	"serpapi_base_url":      "",
	"search_country":        "ind",
	"search_language":       "en",
	"fetch_timeout_ms":      12000,
	"fetch_max_bytes":       400000,
	"fetch_max_articles":    5,
	"fetch_concurrency":     3,
	"fetch_extractor":       "markup",
	"rate_limit_per_minute": 120,
	"rate_limit_burst":      20,
	"personality_path":      "",
	"postgres_user":         "quild",
	"postgres_password":     "quild",
	"postgres_host":         "localhost",
	"postgres_port":         "5432",
	"postgres_db":           "quild",
}

// Load reads the configuration from the environment. The file at path, when
// given, supplies values for keys the environment leaves unset; its keys are
// the lowercase environment names (gemini_api_key, fetch_timeout_ms, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	postgresURL := v.GetString("postgres_url")
	if postgresURL == "" {
		postgresURL = buildPostgresURL(v)
	}
	cfg := Config{
		Port:              v.GetString("port"),
		ClientOrigin:      v.GetString("client_origin"),
		Store:             strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		PostgresURL:       postgresURL,
		JWTAccessSecret:   v.GetString("jwt_access_secret"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		AIProvider:        v.GetString("ai_provider"),
		GeminiAPIKey:      v.GetString("gemini_api_key"),
		GeminiModel:       v.GetString("gemini_model"),
		GeminiBaseURL:     v.GetString("gemini_base_url"),
		OpenRouterAPIKey:  v.GetString("openrouter_api_key"),
		OpenRouterModel:   v.GetString("openrouter_model"),
		OpenRouterBaseURL: v.GetString("openrouter_base_url"),
		OpenRouterReferer: v.GetString("openrouter_referer"),
		OpenRouterTitle:   v.GetString("openrouter_title"),
		GroqAPIKey:        v.GetString("groq_api_key"),
		GroqModel:         v.GetString("groq_model"),
		GroqBaseURL:       v.GetString("groq_base_url"),
		SerpAPIKey:        v.GetString("serpapi_key"),
		SerpAPIBaseURL:    v.GetString("serpapi_base_url"),
		SearchCountry:     v.GetString("search_country"),
		SearchLanguage:    v.GetString("search_language"),
		FetchTimeoutMS:    v.GetInt("fetch_timeout_ms"),
		FetchMaxBytes:     v.GetInt64("fetch_max_bytes"),
		FetchMaxArticles:  v.GetInt("fetch_max_articles"),
		FetchConcurrency:  v.GetInt("fetch_concurrency"),
		FetchExtractor:    v.GetString("fetch_extractor"),
		RateLimitPerMin:   v.GetInt("rate_limit_per_minute"),
		RateLimitBurst:    v.GetInt("rate_limit_burst"),
		PersonalityPath:   v.GetString("personality_path"),
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.JWTAccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET is required"))
	}
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if c.RateLimitPerMin < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must not be negative"))
	}
	return errors.Join(errs...)
}

func buildPostgresURL(v *viper.Viper) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		v.GetString("postgres_user"),
		v.GetString("postgres_password"),
		v.GetString("postgres_host"),
		v.GetString("postgres_port"),
		v.GetString("postgres_db"),
	)
}
