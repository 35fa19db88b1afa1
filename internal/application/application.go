// Package application wires configuration into stores, the pipeline and
// the service. Both binaries start through Open.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/ChinookDW/internal/config"
	"github.com/JonMunkholm/ChinookDW/internal/core"
	_ "github.com/JonMunkholm/ChinookDW/internal/core/tables" // Chinook registrations
	"github.com/JonMunkholm/ChinookDW/internal/retry"
	"github.com/JonMunkholm/ChinookDW/internal/store/csvdir"
	"github.com/JonMunkholm/ChinookDW/internal/store/mssql"
	"github.com/JonMunkholm/ChinookDW/internal/store/postgres"
)

// App holds the opened stores and the pipeline built over them.
type App struct {
	Source     core.Source
	Target     core.Target
	Definition core.Definition
	Pipeline   *core.Pipeline

	closers []func()
}

// Opener opens the stores named by a configuration. Tests replace it to
// run the wiring against in-memory stores.
type Opener struct {
	OpenSource func(ctx context.Context, cfg *config.Config) (core.Source, func(), error)
	OpenTarget func(ctx context.Context, cfg *config.Config) (core.Target, func(), error)
}

// DefaultOpener dispatches on SOURCE_DRIVER and TARGET_DRIVER.
var DefaultOpener = Opener{OpenSource: openSource, OpenTarget: openTarget}

// Open connects both stores, prepares the target schema when configured,
// loads extra rules and builds the pipeline.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	return DefaultOpener.Open(ctx, cfg)
}

// Open is the package-level Open with o's store constructors.
func (o Opener) Open(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{}

	src, closeSrc, err := o.OpenSource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	app.Source = src
	app.closers = append(app.closers, closeSrc)

	dst, closeDst, err := o.OpenTarget(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open target: %w", err)
	}
	app.Target = dst
	app.closers = append(app.closers, closeDst)

	if cfg.Target.Migrate {
		if err := prepareSchema(ctx, dst); err != nil {
			app.Close()
			return nil, err
		}
	}

	def, err := Definition(cfg.Pipeline.RulesFile)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Definition = def
	app.Pipeline = core.NewPipeline(src, dst, def, PipelineOptions(cfg))

	slog.Info("pipeline ready",
		"source", cfg.Source.Driver,
		"target", cfg.Target.Driver,
		"tables", len(def.Tables),
		"rules", len(def.Rules),
		"dimensions", len(def.Dimensions),
	)
	return app, nil
}

// Service wraps the pipeline in a single-flight service.
func (a *App) Service(cfg *config.Config) *core.Service {
	return core.NewService(a.Pipeline, a.Source, a.Target, core.ServiceConfig{
		RunTimeout:   cfg.Pipeline.Timeout,
		MaxWait:      cfg.Pipeline.MaxWait,
		History:      cfg.Pipeline.History,
		QueryMaxRows: cfg.Query.MaxRows,
		QueryTimeout: cfg.Query.Timeout,
	})
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if a.closers[i] != nil {
			a.closers[i]()
		}
	}
	a.closers = nil
}

// Definition returns the registered Chinook definition extended with the
// rules of path, if any.
func Definition(path string) (core.Definition, error) {
	def, err := core.DefaultDefinition()
	if err != nil {
		return core.Definition{}, err
	}
	if path == "" {
		return def, nil
	}
	extra, err := core.LoadRulesFile(path)
	if err != nil {
		return core.Definition{}, err
	}
	slog.Info("rules file loaded", "path", path, "rules", len(extra))
	return def.WithRules(extra...), nil
}

// PipelineOptions maps PIPELINE_* settings.
func PipelineOptions(cfg *config.Config) core.Options {
	return core.Options{
		Parallel:  cfg.Pipeline.Parallel,
		BatchSize: cfg.Pipeline.BatchSize,
		Staging:   cfg.Pipeline.Staging,
		GapSample: cfg.Pipeline.GapSample,
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func prepareSchema(ctx context.Context, dst core.Target) error {
	switch t := dst.(type) {
	case migrator:
		if err := t.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate target: %w", err)
		}
	case schemaEnsurer:
		if err := t.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure target schema: %w", err)
		}
	}
	return nil
}

func retryConfig(cfg *config.Config) *retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Retry.MaxRetries
	rc.InitialDelay = cfg.Retry.InitialDelay
	rc.MaxDelay = cfg.Retry.MaxDelay
	return rc
}

func openSource(ctx context.Context, cfg *config.Config) (core.Source, func(), error) {
	switch strings.ToLower(cfg.Source.Driver) {
	case "csv":
		src, err := csvdir.New(cfg.Source.URL)
		return src, nil, err
	case "postgres":
		st, err := postgres.Open(ctx, postgres.Config{
			URL:      cfg.Source.URL,
			MaxConns: int32(cfg.Source.MaxConns),
			Retry:    retryConfig(cfg),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "sqlserver":
		st, err := mssql.Open(ctx, mssql.Config{
			URL:      cfg.Source.URL,
			MaxConns: cfg.Source.MaxConns,
			Retry:    retryConfig(cfg),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, unknownDriver("SOURCE_DRIVER", cfg.Source.Driver)
	}
}

func openTarget(ctx context.Context, cfg *config.Config) (core.Target, func(), error) {
	switch strings.ToLower(cfg.Target.Driver) {
	case "postgres":
		st, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Target.URL,
			MaxConns:        int32(cfg.Target.MaxConns),
			MinConns:        int32(cfg.Target.MinConns),
			MaxConnLifetime: cfg.Target.MaxConnLifetime,
			MaxConnIdleTime: cfg.Target.MaxConnIdleTime,
			Retry:           retryConfig(cfg),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "sqlserver":
		st, err := mssql.Open(ctx, mssql.Config{
			URL:             cfg.Target.URL,
			MaxConns:        cfg.Target.MaxConns,
			MaxConnLifetime: cfg.Target.MaxConnLifetime,
			Retry:           retryConfig(cfg),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, unknownDriver("TARGET_DRIVER", cfg.Target.Driver)
	}
}

var errUnknownDriver = errors.New("unknown driver")

func unknownDriver(setting, driver string) error {
	return &core.ConfigurationError{Subject: setting, Reason: fmt.Sprintf("driver %q is not supported", driver), Err: errUnknownDriver}
}
