// Package svcctx wires scribe's services from configuration and carries them
// through command contexts.
package svcctx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/config"
	"github.com/jackzampolin/scribe/internal/home"
	"github.com/jackzampolin/scribe/internal/llmcall"
	"github.com/jackzampolin/scribe/internal/metrics"
	"github.com/jackzampolin/scribe/internal/orchestrator"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/prompts"
	"github.com/jackzampolin/scribe/internal/providers"
	"github.com/jackzampolin/scribe/internal/sqldb"
	"github.com/jackzampolin/scribe/internal/stages"
	"github.com/jackzampolin/scribe/internal/usage"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Config        *config.Config
	ConfigManager *config.Manager // set by callers that watch the config file
	Home          *home.Dir
	Logger        *slog.Logger
	Store         checkpoint.Store
	Manager       *pipeline.Manager
	Pipeline      *stages.Pipeline
	Prompts       *prompts.Resolver
	Orchestrator  *orchestrator.Orchestrator
	Usage         usage.Tracker
	Metrics       *metrics.Recorder
	MetricStore   metrics.Store
	Calls         llmcall.Store

	db *sql.DB
}

// Open builds every service for cfg. Storage paths left empty in cfg resolve
// under h. Call Close when done.
func Open(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, Home: h, Logger: logger}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		s.Store = checkpoint.NewMemoryStore()
		s.Usage = usage.NewMemoryTracker(cfg.Usage.UserLimitUSD)
		s.MetricStore = metrics.NewMemoryStore()
		s.Calls = llmcall.NewMemoryStore()
	default:
		// Usage and metrics live in SQLite for both persistent backends.
		dbPath := cfg.Storage.Path
		if dbPath == "" {
			dbPath = h.DatabasePath()
		}
		db, err := sqldb.Open(ctx, dbPath, logger)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.Usage = usage.NewSQLiteTracker(db, cfg.Usage.UserLimitUSD)
		s.MetricStore = metrics.NewSQLiteStore(db)
		s.Calls = llmcall.NewSQLiteStore(db)

		if cfg.Storage.Backend == config.BackendFS {
			dir := cfg.Storage.Dir
			if dir == "" {
				dir = h.CheckpointsPath()
			}
			fs, err := checkpoint.NewFSStore(dir,
				checkpoint.WithTextMirror(cfg.Storage.TextMirror),
				checkpoint.WithLogger(logger))
			if err != nil {
				s.Close()
				return nil, err
			}
			s.Store = fs
		} else {
			s.Store = checkpoint.NewSQLiteStore(db, logger)
		}
	}
	s.Metrics = metrics.NewRecorder(s.MetricStore, logger)

	manager, err := pipeline.NewManager(pipeline.ManagerConfig{
		Store:            s.Store,
		Logger:           logger,
		CorruptionPolicy: cfg.CorruptionPolicy(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Manager = manager

	s.Prompts = prompts.NewResolver(cfg.Stages.PromptsDir, logger)
	stageCfg, err := s.stageConfig(cfg, s.Prompts)
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.Pipeline, err = stages.New(stageCfg); err != nil {
		s.Close()
		return nil, err
	}

	initial, maxDelay := cfg.RetryDelays()
	s.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Manager:   manager,
		Pipeline:  s.Pipeline.Build,
		Estimator: s.Pipeline,
		Usage:     s.Usage,
		Metrics:   s.Metrics,
		Retry: orchestrator.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
		},
		LeaseTTL: cfg.LeaseTTL(),
		Logger:   logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewLLMClient builds the chat client named by cfg.LLM.Provider.
func NewLLMClient(cfg *config.Config, logger *slog.Logger) (providers.LLMClient, error) {
	switch cfg.LLM.Provider {
	case providers.MockClientName:
		return stages.NewDryRunClient(), nil
	case providers.OpenAIName:
		oc := cfg.OpenAIConfig()
		if oc.APIKey == "" {
			return nil, errors.New("llm.api_key is empty; set OPENAI_API_KEY or llm.provider: mock")
		}
		oc.Logger = logger
		return providers.NewOpenAIClient(oc), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
}

func (s *Services) stageConfig(cfg *config.Config, resolver *prompts.Resolver) (stages.Config, error) {
	client, err := NewLLMClient(cfg, s.Logger)
	if err != nil {
		return stages.Config{}, err
	}
	return stages.Config{
		Client:      llmcall.NewRecordingClient(client, s.Calls, s.Logger),
		Prompts:     resolver,
		Model:       cfg.LLM.Model,
		Temperature: cfg.Stages.Temperature,
		Pricing:     cfg.LLM.Pricing,
		Review:      cfg.Stages.Review,
		Logger:      s.Logger,
	}, nil
}

// Reload applies a changed config to the stage pipeline; jobs started
// afterwards use the new model, prompts and gates. Storage, retry and usage
// settings need a restart.
func (s *Services) Reload(cfg *config.Config) error {
	resolver := prompts.NewResolver(cfg.Stages.PromptsDir, s.Logger)
	stageCfg, err := s.stageConfig(cfg, resolver)
	if err != nil {
		return err
	}
	return s.Pipeline.Reload(stageCfg)
}

// SaveManuscript writes a finished artifact under the home manuscripts dir
// and returns the file path.
func (s *Services) SaveManuscript(_ context.Context, a *orchestrator.Artifact) (string, error) {
	if err := s.Home.EnsureExists(); err != nil {
		return "", err
	}
	path := s.Home.ManuscriptPath(a.JobID)
	if err := os.WriteFile(path, a.Output, 0o644); err != nil {
		return "", fmt.Errorf("write manuscript: %w", err)
	}
	s.Logger.Info("manuscript saved", "job_id", a.JobID, "path", path)
	return path, nil
}

// Close releases the database, if one is open.
func (s *Services) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// OrchestratorFrom extracts the orchestrator from context.
func OrchestratorFrom(ctx context.Context) *orchestrator.Orchestrator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Orchestrator
	}
	return nil
}

// StoreFrom extracts the checkpoint store from context.
func StoreFrom(ctx context.Context) checkpoint.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
