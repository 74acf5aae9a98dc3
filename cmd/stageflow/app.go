package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/kingrea/stageflow/internal/barrier"
	"github.com/kingrea/stageflow/internal/config"
	"github.com/kingrea/stageflow/internal/logbook"
	"github.com/kingrea/stageflow/internal/logging"
	"github.com/kingrea/stageflow/internal/protocol"
	"github.com/kingrea/stageflow/internal/store"
	"github.com/kingrea/stageflow/internal/store/badgerstore"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/builder"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// app is everything one command invocation needs, built from the project's
// .stageflow/config.yaml.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	logger   *slog.Logger
	store    store.Store
	book     *logbook.Logbook
	builder  *builder.Builder
	barriers *barrier.Coordinator
	engine   *engine.Engine
}

// openApp loads configuration and wires the engine. extra sinks receive
// every notice after the work log.
func openApp(projectDir string, extra ...engine.EventSink) (*app, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.open(extra); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(extra []engine.EventSink) error {
	cfg := a.cfg
	log, err := logging.New(cfg.Layout.LogPath(), cfg.Project.Logging.Level)
	if err != nil {
		return err
	}
	a.log = log
	a.logger = log.Slog()

	a.store, err = openStore(cfg, a.logger)
	if err != nil {
		return err
	}

	a.book, err = logbook.New(cfg.Layout.WorkLogPath())
	if err != nil {
		return fmt.Errorf("open work log: %w", err)
	}

	templates, err := loadTemplates(cfg)
	if err != nil {
		return err
	}
	a.builder = builder.New(templates,
		builder.WithFallback(cfg.Project.Templates.Fallback),
		builder.WithLogger(a.logger))

	a.barriers, err = barrier.NewCoordinator(barrier.NewStoreRepository(a.store, a.logger),
		barrier.WithTimeout(cfg.Project.Policy.BarrierTimeout),
		barrier.WithLogger(a.logger))
	if err != nil {
		return err
	}

	roster, err := loadRoster(cfg, a.logger)
	if err != nil {
		return err
	}

	sinks := append([]engine.EventSink{a.book}, extra...)
	a.engine, err = engine.New(engine.NewRepository(a.store), a.barriers, a.builder,
		engine.WithLogger(a.logger),
		engine.WithPolicy(policyFromConfig(cfg.Project.Policy)),
		engine.WithRoster(roster),
		engine.WithTools(toolsFromConfig(cfg.Project.Tools)),
		engine.WithSink(fanout(sinks)))
	return err
}

// Close releases the store and log file.
func (a *app) Close() {
	if a == nil {
		return
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	_ = a.log.Close()
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Project.Store.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(cfg.StorePath())
		bcfg.SyncWrites = cfg.Project.Store.SyncWrites
		bcfg.Logger = logger
		s, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewFile(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	}
}

func loadTemplates(cfg *config.Config) (workflow.TemplateSet, error) {
	templates := workflow.DefaultTemplates()
	path := cfg.TemplatesFile()
	if path == "" {
		return templates, nil
	}
	extra, err := workflow.LoadTemplatesFile(path)
	if err != nil {
		return nil, fmt.Errorf("load templates %s: %w", path, err)
	}
	return templates.Merge(extra), nil
}

// loadRoster layers team/workers.json and then the config roster over the
// catalog workers. Invalid entries are logged and skipped.
func loadRoster(cfg *config.Config, logger *slog.Logger) (workflow.Roster, error) {
	roster := workflow.DefaultRoster()
	entries, err := workflow.LoadWorkers(cfg.Layout.WorkersPath())
	switch {
	case err == nil:
		var errs []error
		roster, errs = workflow.NewRoster(entries)
		for _, e := range errs {
			logger.Warn("skipping worker entry", "error", e)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return roster, fmt.Errorf("load workers: %w", err)
	}
	roster, errs := roster.WithOverrides(cfg.Project.Roster)
	for _, e := range errs {
		logger.Warn("skipping roster override", "error", e)
	}
	return roster, nil
}

func policyFromConfig(p config.PolicyConfig) engine.Policy {
	return engine.Policy{
		MaxRetries:      p.MaxRetries,
		MaxCrashRetries: p.MaxCrashRetries,
		HistoryLimit:    p.RetryHistoryLimit,
		MaxParallel:     p.MaxParallel,
		Parser: protocol.New(protocol.Config{
			MinInferenceLength: p.MinInferenceLength,
			HintMaxLength:      p.HintMaxLength,
			MaxOutputBytes:     p.MaxOutputBytes,
		}),
	}
}

func toolsFromConfig(t config.ToolsConfig) engine.ToolPolicy {
	tools := engine.DefaultToolPolicy()
	if len(t.Write) > 0 {
		tools.Write = t.Write
	}
	if len(t.Delegate) > 0 {
		tools.Delegate = t.Delegate
	}
	return tools
}

// fanout delivers each notice to every sink in order.
func fanout(sinks []engine.EventSink) engine.EventSink {
	return engine.EventSinkFunc(func(n engine.Notice) {
		for _, s := range sinks {
			if s != nil {
				s.Notify(n)
			}
		}
	})
}

