package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/api"
	"github.com/quild-ai/quild/server/internal/auth"
	"github.com/quild-ai/quild/server/internal/chat"
	"github.com/quild-ai/quild/server/internal/config"
	"github.com/quild-ai/quild/server/internal/llm"
	"github.com/quild-ai/quild/server/internal/logging"
	"github.com/quild-ai/quild/server/internal/metrics"
	"github.com/quild-ai/quild/server/internal/personality"
	"github.com/quild-ai/quild/server/internal/research"
	"github.com/quild-ai/quild/server/internal/search"
	"github.com/quild-ai/quild/server/internal/store"
	"github.com/quild-ai/quild/server/internal/store/memory"
	"github.com/quild-ai/quild/server/internal/store/postgres"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig  = config.Load
	newLogger   = logging.New
	loadPersona = personality.Load
	newStore    = func(cfg config.Config) (store.Store, func(), error) {
		if cfg.Store == config.StoreMemory {
			return memory.New(), func() {}, nil
		}
		st, err := postgres.New(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	newRegistry = llm.NewRegistry
	newServer   = func(st store.Store, streamer api.Streamer, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) server {
		return api.NewServer(st, streamer, auth.NewVerifier(cfg.JWTAccessSecret), cfg, logger, m)
	}
	runMigrations = postgres.Migrate
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if args == nil {
		args = []string{}
	}
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "quild",
		Short:         "Quild AI chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional config file; environment variables take precedence")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	var direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := runMigrations(cfg.PostgresURL, direction, steps); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply; 0 applies all")

	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func serve(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := notifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer closeStore()

	providers, err := newRegistry(llm.Config{
		DefaultProvider:  cfg.AIProvider,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		GeminiModel:      cfg.GeminiModel,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		OpenRouterModel:  cfg.OpenRouterModel,
		OpenRouterURL:    cfg.OpenRouterBaseURL,
		OpenRouterRefer:  cfg.OpenRouterReferer,
		OpenRouterTitle:  cfg.OpenRouterTitle,
		GroqAPIKey:       cfg.GroqAPIKey,
		GroqModel:        cfg.GroqModel,
		GroqBaseURL:      cfg.GroqBaseURL,
	})
	if err != nil {
		return err
	}
	if _, err := providers.Get(cfg.AIProvider); err != nil {
		return fmt.Errorf("AI_PROVIDER: %w", err)
	}

	persona, err := loadPersona(cfg.PersonalityPath)
	if err != nil {
		return fmt.Errorf("load personality: %w", err)
	}

	m := metrics.New()
	opts := []chat.Option{
		chat.WithPersona(persona),
		chat.WithLogger(logger),
		chat.WithMetrics(m),
	}
	if pipeline := newResearch(cfg, logger, m); pipeline != nil {
		opts = append(opts, chat.WithResearch(pipeline))
	} else {
		logger.Warn("web research disabled: SERPAPI_KEY is not set")
	}
	service := chat.NewService(st, providers, opts...)

	addr := ":" + cfg.Port
	logger.Info("starting quild",
		zap.String("addr", addr),
		zap.String("store", cfg.Store),
		zap.String("default_provider", cfg.AIProvider),
	)
	err = newServer(st, service, cfg, logger, m).Start(ctx, addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newResearch returns nil when no search backend is configured.
func newResearch(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *research.Pipeline {
	if cfg.SerpAPIKey == "" {
		return nil
	}
	searcher := search.NewSerpAPI(search.SerpAPIConfig{
		APIKey:   cfg.SerpAPIKey,
		BaseURL:  cfg.SerpAPIBaseURL,
		Country:  cfg.SearchCountry,
		Language: cfg.SearchLanguage,
	})
	fetcher := research.NewFetcher(research.FetcherConfig{
		Timeout:     time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		MaxBytes:    cfg.FetchMaxBytes,
		MaxArticles: cfg.FetchMaxArticles,
		Concurrency: cfg.FetchConcurrency,
		Extractor:   cfg.FetchExtractor,
	}, logger.Named("fetcher"), m)
	return research.NewPipeline(searcher, fetcher,
		research.WithLogger(logger.Named("research")),
		research.WithMetrics(m),
	)
}
