package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/am"
	"github.com/teranos/testpulse/am/geotime"
	"github.com/teranos/testpulse/db"
	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/gate"
	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/notify"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/pulse/schedule"
	"github.com/teranos/testpulse/results"
	"github.com/teranos/testpulse/runner"
	"github.com/teranos/testpulse/testrun"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
		if dbPath == "" {
			dbPath = am.DefaultDatabasePath
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// app holds the components every command shares
type app struct {
	cfg     *am.Config
	db      *sql.DB
	graph   *graph.Graph
	results *results.Store
	gate    *gate.Evaluator
	log     *zap.SugaredLogger
}

func openApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	a := &app{
		cfg:     cfg,
		db:      database,
		graph:   graph.New(database, log),
		results: results.NewStore(database),
		log:     log,
	}
	a.gate = gate.NewEvaluator(a.graph, a.results, cfg.Gate.DefaultRecentCount, log)
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Failed to close database", logger.FieldError, err)
	}
}

func (a *app) location() (*time.Location, error) {
	if a.cfg.Pulse.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := geotime.LoadLocation(a.cfg.Pulse.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pulse.timezone")
	}
	return loc, nil
}

func (a *app) schedules() (*schedule.Manager, error) {
	loc, err := a.location()
	if err != nil {
		return nil, err
	}
	return schedule.NewManager(a.db, loc, a.log), nil
}

func (a *app) notifier() notify.Notifier {
	if a.cfg.Notify.LogResults {
		return notify.NewLogNotifier(a.log)
	}
	return notify.Noop{}
}

// resolver loads the test case manifest
func (a *app) resolver() (*runner.ManifestResolver, error) {
	r, err := runner.NewManifestResolver(a.cfg.Runner.Manifest)
	if err != nil {
		return nil, errors.WithHint(err, "set runner.manifest to a YAML or TOML test case manifest")
	}
	return r, nil
}

// dispatcher wires an executor over the manifest. Workers are not started.
func (a *app) dispatcher(ctx context.Context, poolCfg async.WorkerPoolConfig) (*async.Dispatcher, *runner.ManifestResolver, error) {
	resolver, err := a.resolver()
	if err != nil {
		return nil, nil, err
	}
	registry, err := runner.NewDefaultRegistry(a.cfg.Runner.Shell, a.cfg.Runner.Workdir, a.log)
	if err != nil {
		return nil, nil, err
	}
	n := a.notifier()
	exec := testrun.NewExecutor(resolver, registry, a.results, n, a.log)
	return async.NewDispatcher(ctx, a.db, exec, n, poolCfg, a.log), resolver, nil
}

// queueOnly is a dispatcher that only persists tasks; a running daemon adopts them
func (a *app) queueOnly(ctx context.Context) *async.Dispatcher {
	return async.NewDispatcher(ctx, a.db, nil, nil, async.WorkerPoolConfigFromAM(a.cfg), a.log)
}
