package orderflow

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/worker"
)

// Convenience aliases so applications only need this package and
// pkg/api for advanced use.
type (
	Order       = api.Order
	OrderItem   = api.OrderItem
	PaymentInfo = api.PaymentInfo

	Step         = api.Step
	Status       = api.Status
	Kernel       = api.Kernel
	Observer     = api.Observer
	ActivityFunc = api.ActivityFunc
	Invocation   = api.Invocation
	StepOptions  = api.StepOptions
	RetryPolicy  = api.RetryPolicy
)

const (
	StepValidateInventory = api.StepValidateInventory
	StepProcessPayment    = api.StepProcessPayment
	StepUpdateInventory   = api.StepUpdateInventory
	StepSendConfirmation  = api.StepSendConfirmation
	StepRefundPayment     = api.StepRefundPayment
	StepRestoreInventory  = api.StepRestoreInventory

	StatusRunning                  = api.StatusRunning
	StatusCompleted                = api.StatusCompleted
	StatusFailed                   = api.StatusFailed
	StatusTerminatedByCompensation = api.StatusTerminatedByCompensation
)

// Runtime bundles a kernel with the workers that drive it. Construct
// one with NewInMemory, NewSQLite or NewPostgres, register activities,
// then call Run.
type Runtime struct {
	Kernel api.Kernel
	Worker *worker.Worker

	workers int
	db      *sql.DB
}

type runtimeConfig struct {
	observer api.Observer
	stepOpts map[api.Step]api.StepOptions
	leaseTTL time.Duration
	workers  int
	logger   *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeConfig) error

// WithObserver attaches an observer for logging and metrics. Combine
// several with api.NewCompositeObserver.
func WithObserver(o api.Observer) RuntimeOption {
	return func(c *runtimeConfig) error {
		c.observer = o
		return nil
	}
}

// WithStepOptions replaces the per-step timeout and retry defaults.
func WithStepOptions(opts map[api.Step]api.StepOptions) RuntimeOption {
	return func(c *runtimeConfig) error {
		c.stepOpts = opts
		return nil
	}
}

// WithLeaseTTL overrides the dispatch lease time-to-live.
func WithLeaseTTL(ttl time.Duration) RuntimeOption {
	return func(c *runtimeConfig) error {
		c.leaseTTL = ttl
		return nil
	}
}

// WithWorkerCount sets how many worker goroutines Run starts.
func WithWorkerCount(n int) RuntimeOption {
	return func(c *runtimeConfig) error {
		c.workers = n
		return nil
	}
}

// WithLogger sets the logger used by the workers.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) error {
		c.logger = logger
		return nil
	}
}

// WithConfigFile loads worker count, lease TTL and per-step overrides
// from a YAML file. Explicit options given after this one win.
func WithConfigFile(path string) RuntimeOption {
	return func(c *runtimeConfig) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		c.workers = cfg.Worker.Count
		c.leaseTTL = cfg.Lease.TTL
		c.stepOpts = cfg.StepOptions()
		return nil
	}
}

func buildRuntimeConfig(opts []RuntimeOption) (*runtimeConfig, error) {
	def := config.Default()
	c := &runtimeConfig{
		stepOpts: api.DefaultStepOptions(),
		leaseTTL: def.Lease.TTL,
		workers:  def.Worker.Count,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func assemble(c *runtimeConfig, store persistence.Persistence, queue taskqueue.Queue, db *sql.DB) *Runtime {
	kernelOpts := []engine.Option{
		engine.WithStepOptions(c.stepOpts),
		engine.WithLeaseTTL(c.leaseTTL),
	}
	if c.observer != nil {
		kernelOpts = append(kernelOpts, engine.WithObserver(c.observer))
	}
	kernel := engine.New(store, queue, kernelOpts...)

	var workerOpts []worker.Option
	if c.logger != nil {
		workerOpts = append(workerOpts, worker.WithLogger(c.logger))
	}

	return &Runtime{
		Kernel:  kernel,
		Worker:  worker.New(kernel, queue, workerOpts...),
		workers: c.workers,
		db:      db,
	}
}

// NewInMemory creates a runtime with no durable storage, for tests and
// local development. Nothing survives a process restart.
func NewInMemory(opts ...RuntimeOption) (*Runtime, error) {
	c, err := buildRuntimeConfig(opts)
	if err != nil {
		return nil, err
	}
	store := persistence.NewInMemoryStore()
	return assemble(c, persistence.Persistence{
		Instances: store,
		Events:    store,
	}, taskqueue.NewInMemoryQueue(), nil), nil
}

// NewSQLite creates a durable runtime on a SQLite database file. The
// schema is created on first use. Histories, instances and pending
// timers all survive restarts; call Run (or Kernel.RecoverPending) to
// resume interrupted workflows.
func NewSQLite(path string, opts ...RuntimeOption) (*Runtime, error) {
	c, err := buildRuntimeConfig(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection avoids SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)

	instances, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return assemble(c, persistence.Persistence{
		Instances: instances,
		Events:    events,
	}, queue, db), nil
}

// NewPostgres creates a durable runtime on a PostgreSQL database,
// suitable for multiple worker processes sharing the load.
func NewPostgres(dsn string, opts ...RuntimeOption) (*Runtime, error) {
	c, err := buildRuntimeConfig(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	instances, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return assemble(c, persistence.Persistence{
		Instances: instances,
		Events:    events,
	}, queue, db), nil
}

// Run recovers pending instances, then processes tasks with the
// configured number of workers until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.Kernel.RecoverPending(ctx); err != nil {
		return err
	}
	return r.Worker.RunN(ctx, r.workers)
}

// Close releases the underlying database, if any.
func (r *Runtime) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SetupLogger installs a tinted slog handler writing to stderr as the
// default logger and returns it.
func SetupLogger(level slog.Level) *slog.Logger {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
	return logger
}
