package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftlab/easel/agent"
	"github.com/driftlab/easel/agent/persistence"
	"github.com/driftlab/easel/api/handlers"
	"github.com/driftlab/easel/config"
	"github.com/driftlab/easel/internal/metrics"
	"github.com/driftlab/easel/internal/server"
	"github.com/driftlab/easel/internal/telemetry"
	"github.com/driftlab/easel/llm/image"
	"github.com/driftlab/easel/llm/prompt"
	"github.com/driftlab/easel/llm/speech"
	"github.com/driftlab/easel/storage"
	"github.com/driftlab/easel/workflow"
)

// Server wires the full service: stores, providers, the agent
// registry, the materialization engine, and the HTTP front door.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *server.Manager

	entities  persistence.EntityStore
	tasks     persistence.TaskStore
	redis     *redis.Client
	engine    *workflow.Engine
	telemetry *telemetry.Providers

	runCtx context.Context
	cancel context.CancelFunc
}

// lateStarter breaks the construction cycle between the registry and
// the workflow engine: the registry needs a materialization starter,
// the engine needs the registry as its entity mutator.
type lateStarter struct {
	engine *workflow.Engine
}

func (s *lateStarter) StartMaterialization(ctx context.Context, entityID, transientRef, durableKey, contentType string) error {
	if s.engine == nil {
		return fmt.Errorf("materialization engine not started")
	}
	return s.engine.StartMaterialization(ctx, entityID, transientRef, durableKey, contentType)
}

// NewServer builds the service from configuration. Nothing listens or
// runs until Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = tel

	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}

	s.entities, err = persistence.NewEntityStore(cfg.Database.Driver, cfg.Database.DSN, persistence.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	s.tasks, err = persistence.NewTaskStore(persistence.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	blobs, err := s.buildBlobStore()
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	collector := metrics.NewCollector("easel")
	broker := agent.NewLocalBroker(logger)
	var publisher agent.Publisher = broker
	if s.redis != nil {
		publisher = agent.MultiPublisher{broker, agent.NewRedisPublisher(s.redis, "easel:")}
	}

	images := image.NewFluxProvider(image.FluxConfig{
		APIKey:    cfg.Image.APIKey,
		BaseURL:   cfg.Image.BaseURL,
		Model:     cfg.Image.Model,
		EditModel: cfg.Image.EditModel,
		Timeout:   cfg.Image.Timeout,
	})
	prompts := prompt.NewOpenAIProvider(prompt.OpenAIConfig{
		APIKey:             cfg.Prompt.APIKey,
		BaseURL:            cfg.Prompt.BaseURL,
		Model:              cfg.Prompt.Model,
		Timeout:            cfg.Prompt.Timeout,
		HistoryTokenBudget: cfg.Prompt.HistoryTokenBudget,
	})

	var speechProvider speech.LiveProvider
	if cfg.Speech.APIKey != "" {
		speechProvider = speech.NewDeepgramProvider(speech.DeepgramConfig{
			APIKey:  cfg.Speech.APIKey,
			BaseURL: cfg.Speech.BaseURL,
			Model:   cfg.Speech.Model,
		}, logger)
	} else {
		logger.Warn("no speech API key configured, live transcription disabled")
	}

	starter := &lateStarter{}
	registry := agent.NewRegistry(agent.Deps{
		Store:      s.entities,
		Dispatcher: agent.NewEditDispatcher(images, prompts, blobs, cfg.Image.AspectRatio, logger),
		Publisher:  publisher,
		Workflows:  starter,
		Speech:     speechProvider,
		SpeechOpts: speech.StreamOptions{
			Language:   cfg.Speech.Language,
			SampleRate: cfg.Speech.SampleRate,
		},
		Metrics: collector,
		Logger:  logger,
	})
	s.engine = workflow.NewEngine(workflow.Config{
		Retention:    cfg.Workflow.Retention,
		PollInterval: cfg.Workflow.PollInterval,
		MaxAttempts:  cfg.Workflow.MaxAttempts,
		FetchTimeout: cfg.Workflow.FetchTimeout,
	}, s.tasks, blobs, registry, collector, logger)
	starter.engine = s.engine

	mux := s.buildMux(registry, broker, blobs, prompts, collector)
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.cancel = cancel

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		RateLimiter(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst, logger),
		MetricsMiddleware(collector),
	)
	s.manager = server.NewManager(handler, cfg.Server, logger)

	return s, nil
}

func (s *Server) buildBlobStore() (storage.BlobStore, error) {
	switch s.cfg.Storage.Backend {
	case "file":
		return storage.NewFileStore(s.cfg.Storage.Path)
	case "redis":
		if s.redis == nil {
			return nil, fmt.Errorf("redis blob store requires redis.addr")
		}
		return storage.NewRedisStore(s.redis), nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.cfg.Storage.Backend)
	}
}

func (s *Server) buildMux(registry *agent.Registry, broker *agent.LocalBroker, blobs storage.BlobStore, prompts prompt.Provider, collector *metrics.Collector) *http.ServeMux {
	imagesHandler := handlers.NewImagesHandler(registry, s.logger)
	blobsHandler := handlers.NewBlobsHandler(blobs, s.logger)
	promptsHandler := handlers.NewPromptsHandler(prompts, s.logger)
	streamHandler := handlers.NewStreamHandler(registry, broker, s.logger)

	health := handlers.NewHealthHandler(s.logger)
	health.Register(handlers.HealthCheckFunc{CheckName: "entity_store", Fn: s.entities.Ping})
	health.Register(handlers.HealthCheckFunc{CheckName: "task_store", Fn: s.tasks.Ping})
	if s.redis != nil {
		health.Register(handlers.HealthCheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/images", imagesHandler.Create)
	mux.HandleFunc("GET /api/images/{id}", imagesHandler.Get)
	mux.HandleFunc("POST /api/images/{id}/edits", imagesHandler.Edit)
	mux.HandleFunc("GET /api/images/{id}/stream", streamHandler.Serve)
	mux.HandleFunc("GET /api/blobs/{key...}", blobsHandler.Get)
	mux.HandleFunc("POST /api/prompts", promptsHandler.Suggest)
	mux.Handle("GET /healthz", health)
	mux.Handle("GET /metrics", collector.Handler())
	return mux
}

// Start recovers interrupted materialization tasks, launches the
// scheduler, and begins serving. The recovery scan completes before
// the scheduler loop starts so a due task is never claimed twice.
func (s *Server) Start() error {
	if err := s.engine.RecoverOnce(s.runCtx); err != nil {
		s.logger.Warn("task recovery scan failed", zap.Error(err))
	}
	go func() {
		if err := s.engine.Run(s.runCtx); err != nil && s.runCtx.Err() == nil {
			s.logger.Error("materialization engine stopped", zap.Error(err))
		}
	}()
	return s.manager.Start()
}

// WaitForShutdown blocks until the process is told to stop, then tears
// everything down in dependency order.
func (s *Server) WaitForShutdown() {
	s.manager.WaitForShutdown()
	s.Shutdown(context.Background())
}

// Shutdown stops the engine and closes the stores.
func (s *Server) Shutdown(ctx context.Context) {
	s.cancel()
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Warn("server shutdown", zap.Error(err))
	}
	if err := s.entities.Close(); err != nil {
		s.logger.Warn("entity store close", zap.Error(err))
	}
	if err := s.tasks.Close(); err != nil {
		s.logger.Warn("task store close", zap.Error(err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close", zap.Error(err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown", zap.Error(err))
	}
}
