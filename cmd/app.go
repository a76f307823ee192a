package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nmoray/ragcore/db"
	"github.com/nmoray/ragcore/internal/config"
	"github.com/nmoray/ragcore/internal/conversation"
	"github.com/nmoray/ragcore/internal/document"
	"github.com/nmoray/ragcore/internal/embedding"
	"github.com/nmoray/ragcore/internal/health"
	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/log"
	"github.com/nmoray/ragcore/internal/rag"
	"github.com/nmoray/ragcore/internal/search"
	"github.com/nmoray/ragcore/internal/store"
	"github.com/nmoray/ragcore/internal/version"
)

// app holds the assembled service graph for one command invocation.
type app struct {
	cfg     *config.Config
	logger  log.Logger
	pool    *pgxpool.Pool
	engine  *rag.Engine
	llm     *llm.Client
	monitor *health.Monitor
	convs   *conversation.Store
}

// newApp loads configuration, migrates the database, and builds the
// engine. Callers must invoke close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	connStr := cfg.ConnString()
	if err := db.Migrate(connStr); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	st := store.New(pool, logger)

	primary, err := buildEndpoint(cfg.Primary)
	if err != nil {
		pool.Close()
		return nil, err
	}
	var secondary *llm.Endpoint
	if cfg.HasFallback() {
		ep, err := buildEndpoint(cfg.Secondary)
		if err != nil {
			pool.Close()
			return nil, err
		}
		secondary = &ep
	}
	client := llm.NewClient(primary, secondary, llm.ClientConfig{}, logger)

	embedder := embedding.NewClient(client, embedding.Config{Model: cfg.Primary.EmbedModel}, logger)
	searcher := search.NewEngine(st, embedder, logger)
	versions := version.NewManager(st, 10, logger)

	convs := conversation.NewStore(conversation.Config{
		MaxMessages:   cfg.MaxHistoryMessages,
		IdleThreshold: time.Duration(cfg.ConversationTTLMins) * time.Minute,
	}, logger)

	monitor := health.NewMonitor(health.MonitorConfig{
		Interval: time.Duration(cfg.HealthIntervalSecs) * time.Second,
		Breaker: health.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitFailureThreshold,
			Cooldown:         time.Duration(cfg.CircuitCooldownSecs) * time.Second,
		},
	}, logger)
	monitor.Register("database", st.Ping)
	monitor.Register("llm", func(ctx context.Context) error {
		if !client.CheckAvailability(ctx) {
			return fmt.Errorf("no provider available")
		}
		return nil
	})

	engine := rag.New(rag.Config{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		SearchLimit:  cfg.SearchLimit,
		MinScore:     cfg.MinScore,
		Temperature:  cfg.Temperature,
	}, document.New(logger), embedder, st, versions, searcher, client, convs, monitor, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		engine:  engine,
		llm:     client,
		monitor: monitor,
		convs:   convs,
	}, nil
}

func buildEndpoint(p config.ProviderConfig) (llm.Endpoint, error) {
	var provider llm.Provider
	switch p.Type {
	case config.ProviderOllama:
		provider = llm.NewOllamaProvider(p.BaseURL)
	case config.ProviderOpenAI:
		provider = llm.NewOpenAIProvider(p.APIKey, p.BaseURL)
	default:
		return llm.Endpoint{}, fmt.Errorf("unsupported provider %q", p.Type)
	}
	return llm.Endpoint{
		Provider:   provider,
		ChatModel:  p.ChatModel,
		EmbedModel: p.EmbedModel,
	}, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
