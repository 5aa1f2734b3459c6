package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"clipline/internal/config"
	"clipline/internal/dlq"
	"clipline/internal/engine"
	"clipline/internal/hitl"
	"clipline/internal/notify"
	"clipline/internal/pipeline"
	"clipline/internal/repo"
	"clipline/internal/webhook"
)

// Options tune the assembled application. Secret signs approval tokens;
// Config supplies provider contracts, backoff and notification settings for
// the serving project.
type Options struct {
	Secret string
	Config *config.Config
	Logger *log.Logger
}

// App wires the orchestrator's moving parts around one database handle.
// CLI commands and the HTTP server both assemble through here so they agree
// on pipeline compilation and provider settings.
type App struct {
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
	HITL   hitl.Controller
	Guard  webhook.Guard
	DLQ    dlq.Scheduler
}

// New assembles an App. Pipelines compile lazily per project from the config
// stored in the DB, falling back to the default spec for projects imported
// without one.
func New(conn *sql.DB, opts Options) App {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := repo.Repo{DB: conn}

	pipelines := pipeline.NewCache(func(project string) (*pipeline.Pipeline, error) {
		cfg, err := r.GetProjectConfig(context.Background(), project)
		if errors.Is(err, repo.ErrNotFound) {
			cfg = config.Default(project)
		} else if err != nil {
			return nil, err
		}
		reg := pipeline.NewRegistry()
		pipeline.RegisterDefaults(reg, cfg.Pipeline.Stages, cfg.Pipeline.Callbacks)
		return pipeline.Compose(cfg, reg)
	})

	e := engine.New(conn, pipelines)
	e.Logger = logger
	if opts.Config != nil && opts.Config.Notify.URL != "" {
		e.Notifier = notify.HTTPNotifier{
			URL:    opts.Config.Notify.URL,
			Secret: opts.Config.Notify.Secret,
			Logger: logger,
		}
	}

	scheduler := dlq.New(r)
	scheduler.Logger = logger
	scheduler.BaseDelay = time.Duration(opts.Config.DLQBaseDelaySeconds()) * time.Second
	scheduler.MaxDelay = time.Duration(opts.Config.DLQMaxDelaySeconds()) * time.Second

	controller := hitl.Controller{
		Engine: e,
		Tokens: hitl.TokenIssuer{
			Secret: []byte(opts.Secret),
			TTL:    time.Duration(opts.Config.TokenTTLHours()) * time.Hour,
		},
		Logger: logger,
	}

	guard := webhook.Guard{
		Engine:    e,
		Repo:      r,
		DLQ:       scheduler,
		Retention: time.Duration(opts.Config.WebhookRetentionHours()) * time.Hour,
		Logger:    logger,
	}
	if opts.Config != nil {
		guard.Providers = opts.Config.Providers
	}

	return App{
		DB:     conn,
		Repo:   r,
		Engine: e,
		HITL:   controller,
		Guard:  guard,
		DLQ:    scheduler,
	}
}

// ResolveConfig loads the stored config for the requested project, falling
// back to the default spec when none was imported yet.
func ResolveConfig(ctx context.Context, r repo.Repo, projectID string) (*config.Config, error) {
	if projectID == "" {
		return config.Default(""), nil
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return config.Default(projectID), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
