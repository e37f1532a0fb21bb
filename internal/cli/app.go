package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/alert"
	"github.com/ppiankov/toolgate/internal/approval"
	"github.com/ppiankov/toolgate/internal/audit"
	"github.com/ppiankov/toolgate/internal/config"
	"github.com/ppiankov/toolgate/internal/coordinator"
	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/logging"
	"github.com/ppiankov/toolgate/internal/planning"
	"github.com/ppiankov/toolgate/internal/routing"
	"github.com/ppiankov/toolgate/internal/sandbox"
	"github.com/ppiankov/toolgate/internal/tracer"
	"github.com/ppiankov/toolgate/internal/worker"
)

// app holds the components one command invocation needs. Each is built on
// first use so cheap commands never touch the audit store or NATS.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	dispatcher *alert.Dispatcher
	manager    *approval.Manager
	eng        *governance.Engine
	tr         *audit.Trail
	closers    []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return nil, err
	}
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if profileName != "" {
		cfg.Profile = profileName
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// Close releases everything opened through the app, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *app) alerts() *alert.Dispatcher {
	if a.dispatcher == nil {
		a.dispatcher = alert.NewDispatcher(a.cfg.Alerts, a.logger)
	}
	return a.dispatcher
}

func (a *app) approvals() (*approval.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	store, err := approval.NewFileStore(a.cfg.Approval.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	opts := []approval.Option{
		approval.WithLogger(a.logger),
		approval.WithPollInterval(a.cfg.Approval.PollInterval),
	}
	if d := a.alerts(); d != nil {
		opts = append(opts, approval.WithNotifier(d))
	}
	a.manager = approval.NewManager(store, opts...)
	return a.manager, nil
}

func (a *app) engine() (*governance.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	doc, err := governance.LoadDocument(a.cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	mgr, err := a.approvals()
	if err != nil {
		return nil, err
	}
	a.eng, err = governance.NewEngine(doc, mgr, governance.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return a.eng, nil
}

// watchRegistry hot-reloads the registry into the engine until ctx ends.
func (a *app) watchRegistry(ctx context.Context, eng *governance.Engine) error {
	r, err := governance.NewReloader(eng, a.cfg.RegistryPath, a.logger)
	if err != nil {
		return err
	}
	go func() {
		if err := r.Run(ctx); err != nil {
			a.logger.Error("registry watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *app) backend(ctx context.Context) (audit.Backend, error) {
	c := a.cfg.Audit
	switch c.Backend {
	case config.BackendMemory:
		return audit.NewMemoryLog(), nil
	case config.BackendSQLite:
		return audit.OpenSQL(ctx, audit.DialectSQLite, c.Path, a.logger)
	case config.BackendPostgres:
		return audit.OpenSQL(ctx, audit.DialectPostgres, c.DSN, a.logger)
	default:
		return audit.Open(c.Path)
	}
}

func (a *app) trail(ctx context.Context) (*audit.Trail, error) {
	if a.tr != nil {
		return a.tr, nil
	}
	b, err := a.backend(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit backend %s: %w", a.cfg.Audit.Backend, err)
	}
	a.closers = append(a.closers, b.Close)
	a.tr = audit.NewTrail(b)
	return a.tr, nil
}

// sink returns the NATS publisher when one is configured.
func (a *app) sink() (tracer.Sink, error) {
	if a.cfg.NATS.URL == "" {
		return nil, nil
	}
	pub, err := tracer.ConnectNATS(a.cfg.NATS.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// workers binds HTTP endpoints from the registry and the in-process tools.
func (a *app) workers(doc *governance.Document) (*worker.Registry, error) {
	r := worker.NewRegistry()
	if err := worker.RegisterEndpoints(r, doc, nil); err != nil {
		return nil, err
	}
	eval, err := sandbox.NewEvaluator()
	if err != nil {
		return nil, err
	}
	runner := sandbox.NewRunner(a.cfg.RunnerConfig(), a.logger)
	bound, err := worker.RegisterBuiltins(r, eval, runner)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("workers bound", zap.Strings("builtins", bound), zap.Strings("tools", r.Tools()))
	return r, nil
}

// coordinator wires every component into one executor.
func (a *app) coordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	eng, err := a.engine()
	if err != nil {
		return nil, err
	}
	tr, err := a.trail(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := a.workers(eng.Document())
	if err != nil {
		return nil, err
	}
	strategy, err := routing.New(a.cfg.Execution.Strategy)
	if err != nil {
		return nil, err
	}
	sink, err := a.sink()
	if err != nil {
		return nil, err
	}
	session, err := a.cfg.Budget(nil)
	if err != nil {
		return nil, err
	}
	return coordinator.New(coordinator.Deps{
		Engine:  eng,
		Router:  routing.NewAuthority(strategy, a.logger),
		Workers: workers,
		Trail:   tr,
		Planner: planning.NewAuthority(planning.WithLogger(a.logger)),
	},
		coordinator.WithConfig(a.cfg.CoordinatorConfig()),
		coordinator.WithLogger(a.logger),
		coordinator.WithBudget(session),
		coordinator.WithAlerts(a.alerts()),
		coordinator.WithEmitterOptions(tracer.WithSink(sink)),
	)
}
