// Package app wires the source database, intake, workers, buffer and cloud
// sync into one probe process and owns their lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/katasec/dstream-probe/internal/buffer"
	"github.com/katasec/dstream-probe/internal/cdc"
	"github.com/katasec/dstream-probe/internal/cdc/utils"
	"github.com/katasec/dstream-probe/internal/cloud"
	"github.com/katasec/dstream-probe/internal/config"
	"github.com/katasec/dstream-probe/internal/db"
	"github.com/katasec/dstream-probe/internal/handlers"
	"github.com/katasec/dstream-probe/internal/locking"
	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/internal/schema"
	"github.com/katasec/dstream-probe/internal/worker"
	pkgcdc "github.com/katasec/dstream-probe/pkg/cdc"
)

const maxRecentErrors = 10

// StartupError marks failures that prevent the probe from starting at all
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err) }

func (e *StartupError) Unwrap() error { return e.Err }

// State is the lifecycle phase of the probe
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Probe is one change-data-capture agent bound to a single source database
type Probe struct {
	cfg        *config.Config
	logger     hclog.Logger
	httpClient *http.Client

	conn     *sql.DB
	dialect  schema.SQLDialect
	manager  *schema.Manager
	buf      *buffer.Buffer
	locker   locking.DistributedLocker
	lockID   string
	lockName string
	source   string

	mu     sync.RWMutex
	state  State
	intake *cdc.Intake
	pool   *worker.Pool
	sync   *cloud.Client
	errs   []string
}

// Option customizes a Probe
type Option func(*Probe)

// WithLogger sets the root logger
func WithLogger(l hclog.Logger) Option {
	return func(p *Probe) { p.logger = l }
}

// WithHTTPClient sets the HTTP client used for cloud delivery
func WithHTTPClient(h *http.Client) Option {
	return func(p *Probe) { p.httpClient = h }
}

// New validates cfg and prepares a probe. Nothing is opened until Run or Reset.
func New(cfg *config.Config, opts ...Option) (*Probe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Stage: "config", Err: err}
	}
	p := &Probe{cfg: cfg, state: StateIdle}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	p.source = cfg.Database.ConnectionInfo().SourceName()
	return p, nil
}

// Source names the attached database, e.g. "pos-01/empresa"
func (p *Probe) Source() string { return p.source }

// open connects to the source, opens the buffer and takes the instance lock.
// It is a no-op once the resources are open.
func (p *Probe) open(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}
	p.setState(StateStarting)

	dialect, err := schema.ForDialect(p.cfg.Database.Dialect)
	if err != nil {
		return &StartupError{Stage: "dialect", Err: err}
	}

	buf, err := buffer.Open(ctx, p.cfg.Buffer.Path,
		buffer.WithLogger(p.logger),
		buffer.WithMaxAttempts(p.cfg.Buffer.MaxAttempts),
		buffer.WithRetryPolicy(utils.RetryPolicy{Base: p.cfg.Buffer.RetryBase, Max: p.cfg.Buffer.RetryMax, Jitter: 0.2}),
		buffer.WithRetention(p.cfg.Buffer.DeliveredRetention, p.cfg.Buffer.DeadLetterRetention),
	)
	if err != nil {
		return &StartupError{Stage: "buffer", Err: err}
	}

	factory := locking.NewLockerFactory(p.cfg.Lock, p.cfg.Buffer.Path, p.logger)
	lockName := factory.GetLockName(p.source)
	locker, err := factory.CreateLocker(ctx, lockName)
	if err != nil {
		buf.Close()
		return &StartupError{Stage: "lock", Err: err}
	}
	leaseID, err := locker.AcquireLock(ctx, lockName)
	if err != nil {
		buf.Close()
		return &StartupError{Stage: "lock", Err: err}
	}
	locker.StartLockRenewal(ctx, lockName)

	conn, err := db.Connect(ctx, p.cfg.Database.ConnectionInfo(), p.cfg.Database.ConnectAttempts, p.logger)
	if err != nil {
		if rerr := locker.ReleaseLock(context.WithoutCancel(ctx), lockName, leaseID); rerr != nil {
			p.logger.Warn("Failed to release lock", "error", rerr)
		}
		buf.Close()
		return &StartupError{Stage: "connect", Err: err}
	}

	p.mu.Lock()
	p.buf = buf
	p.locker = locker
	p.lockID = leaseID
	p.lockName = lockName
	p.conn = conn
	p.dialect = dialect
	p.mu.Unlock()
	p.manager = schema.NewManager(conn, dialect,
		schema.WithLogger(p.logger),
		schema.WithQueryTimeout(p.cfg.Intake.QueryTimeout))
	return nil
}

// Reset removes every probe object from the source and starts a new
// checkpoint generation. Resources stay open for a following Run; call Close
// when exiting instead.
func (p *Probe) Reset(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		return err
	}
	p.logger.Info("Resetting probe objects", "source", p.source)
	if err := p.manager.EnsureCleanSlate(ctx); err != nil {
		return &StartupError{Stage: "reset", Err: err}
	}
	if _, err := p.buf.ResetCheckpoint(ctx, p.source); err != nil {
		return &StartupError{Stage: "reset", Err: err}
	}
	return nil
}

// install sets up the change-log and triggers and checks the result
func (p *Probe) install(ctx context.Context) ([]schema.TableSpec, error) {
	result, err := p.manager.InstallSchema(ctx, p.cfg.Database.Tables)
	if err != nil {
		return nil, &StartupError{Stage: "install", Err: err}
	}
	for _, skipped := range result.Skipped {
		p.recordError(skipped)
	}
	if result.ChangeLogCreated {
		// a new change-log restarts its sequence
		if _, err := p.buf.ResetCheckpoint(ctx, p.source); err != nil {
			return nil, &StartupError{Stage: "install", Err: err}
		}
	}
	var report schema.Report
	if len(result.Installed) == 0 {
		p.logger.Warn("No tables are being captured", "requested", p.cfg.Database.Tables)
		report.ChangeLog, err = p.manager.ValidateChangeLog(ctx)
	} else {
		report, err = p.manager.ValidateInstallation(ctx, result.Installed)
	}
	if err != nil {
		return nil, &StartupError{Stage: "validate", Err: err}
	}
	if !report.AllPassed() {
		problems := append(append([]string(nil), report.ChangeLog.Problems...), report.Failed()...)
		return nil, &StartupError{Stage: "validate", Err: errors.New("invalid installation: " + strings.Join(problems, "; "))}
	}
	return result.Specs, nil
}

// Run starts the probe and blocks until ctx is cancelled or intake fails to
// start. Shutdown drains in-flight work and is bounded by ShutdownTimeout.
func (p *Probe) Run(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		p.recordError(err)
		return err
	}
	specs, err := p.install(ctx)
	if err != nil {
		p.recordError(err)
		return errors.Join(err, p.Close(context.Background()))
	}

	loc, err := p.cfg.Database.Location()
	if err != nil {
		return errors.Join(&StartupError{Stage: "config", Err: err}, p.Close(context.Background()))
	}
	registry := handlers.DefaultRegistry(specs,
		handlers.WithCharset(p.cfg.Database.Charset),
		handlers.WithLocation(loc))

	// workers outlive ctx so a cancelled intake can still flush to the buffer
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	pool := worker.NewPool(p.cfg.Workers.MaxWorkers, registry, p.buf,
		worker.WithQueueSize(p.cfg.Workers.QueueSize),
		worker.WithLogger(p.logger))
	pool.Start(workCtx)

	intake := cdc.New(p.conn, p.dialect, pool, p.buf, p.source,
		cdc.WithPollInterval(p.cfg.Intake.PollInterval, p.cfg.Intake.MaxPollInterval),
		cdc.WithPageSize(p.cfg.Intake.PageSize),
		cdc.WithSweepEvery(p.cfg.Intake.SweepEvery),
		cdc.WithQueryTimeout(p.cfg.Intake.QueryTimeout),
		cdc.WithLogger(p.logger))

	var syncClient *cloud.Client
	if p.cfg.Cloud.Enabled {
		syncClient, err = p.newSyncClient()
		if err != nil {
			pool.Close()
			pool.Wait()
			return errors.Join(&StartupError{Stage: "cloud", Err: err}, p.Close(context.Background()))
		}
	} else {
		p.logger.Warn("Cloud sync disabled; changes stay in the local buffer")
	}

	p.mu.Lock()
	p.intake, p.pool, p.sync = intake, pool, syncClient
	p.mu.Unlock()

	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	intakeDone := make(chan error, 1)
	go func() { intakeDone <- intake.Run(intakeCtx) }()

	syncCtx, stopSync := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSync()
	syncDone := make(chan error, 1)
	go func() {
		if syncClient != nil {
			syncDone <- syncClient.Run(syncCtx)
			return
		}
		syncDone <- p.logStats(syncCtx)
	}()

	p.setState(StateRunning)
	p.logger.Info("Probe running", "source", p.source, "tables", len(specs), "workers", pool.Size(), "cloud", p.cfg.Cloud.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
		p.logger.Info("Shutdown requested")
	case runErr = <-intakeDone:
		intakeDone <- nil
		if runErr != nil {
			p.recordError(runErr)
			p.logger.Error("Change intake stopped", "error", runErr)
		}
	}

	return errors.Join(runErr, p.shutdown(stopIntake, intakeDone, pool, cancelWork, stopSync, syncDone))
}

func (p *Probe) newSyncClient() (*cloud.Client, error) {
	var creds pkgcdc.CredentialProvider = cloud.StaticCredentials(p.cfg.Cloud.APIKey)
	if p.cfg.Cloud.CredentialsFile != "" {
		creds = cloud.NewFileCredentials(p.cfg.Cloud.CredentialsFile)
	}
	opts := []cloud.Option{
		cloud.WithCredentials(creds),
		cloud.WithRequestTimeout(p.cfg.Cloud.RequestTimeout),
		cloud.WithIntervals(p.cfg.Cloud.SyncInterval, p.cfg.Buffer.StatsInterval),
		cloud.WithBatchSizer(cloud.NewBatchSizer(p.cfg.Cloud.MaxRequestBytes, p.cfg.Cloud.MaxBatchSize, cloud.WithSizerLogger(p.logger))),
		cloud.WithBreaker(p.cfg.Cloud.BreakerThreshold, p.cfg.Cloud.BreakerCooldown),
		cloud.WithSource(p.source),
		cloud.WithUserAgent("dstream-probe/" + config.Version),
		cloud.WithLogger(p.logger),
	}
	if p.httpClient != nil {
		opts = append(opts, cloud.WithHTTPClient(p.httpClient))
	}
	return cloud.New(p.cfg.Cloud.Endpoint, p.buf, opts...)
}

// logStats purges and reports the buffer when no sync client does it
func (p *Probe) logStats(ctx context.Context) error {
	interval := p.cfg.Buffer.StatsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.buf.Purge(ctx, time.Now()); err != nil {
				p.logger.Warn("Failed to purge buffer", "error", err)
			}
			stats, err := p.buf.Stats(ctx)
			if err != nil {
				p.logger.Warn("Failed to read buffer stats", "error", err)
				continue
			}
			p.logger.Info("Buffer stats", "pending", stats.Pending, "delivered", stats.Delivered,
				"deadLettered", stats.DeadLettered, "fileBytes", stats.FileSize)
		}
	}
}

// shutdown stops components in dependency order: intake, workers, sync, then
// the buffer, lock and connection.
func (p *Probe) shutdown(stopIntake context.CancelFunc, intakeDone <-chan error, pool *worker.Pool,
	cancelWork, stopSync context.CancelFunc, syncDone <-chan error) error {
	p.setState(StateStopping)
	timeout := p.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs *multierror.Error
	wait := func(name string, done <-chan error) {
		select {
		case err := <-done:
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-ctx.Done():
			errs = multierror.Append(errs, fmt.Errorf("%s did not stop within %s", name, timeout))
		}
	}

	stopIntake()
	wait("intake", intakeDone)

	pool.Close()
	drained := make(chan error, 1)
	go func() {
		pool.Wait()
		drained <- nil
	}()
	wait("workers", drained)
	cancelWork()

	stopSync()
	wait("sync", syncDone)

	if err := p.Close(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	processed, deadLettered, failed := pool.Stats()
	p.logger.Info("Probe stopped", "processed", processed, "deadLettered", deadLettered, "failed", failed)
	return errs.ErrorOrNil()
}

// Close releases the buffer, lock and source connection
func (p *Probe) Close(ctx context.Context) error {
	p.mu.Lock()
	buf, locker, conn := p.buf, p.locker, p.conn
	p.buf, p.locker, p.conn = nil, nil, nil
	p.mu.Unlock()

	var errs *multierror.Error
	if buf != nil {
		if err := buf.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("buffer: %w", err))
		}
	}
	if locker != nil {
		if err := locker.ReleaseLock(ctx, p.lockName, p.lockID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lock: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("database: %w", err))
		}
	}
	p.setState(StateStopped)
	return errs.ErrorOrNil()
}

func (p *Probe) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Probe) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, time.Now().UTC().Format(time.RFC3339)+" "+err.Error())
	if len(p.errs) > maxRecentErrors {
		p.errs = p.errs[len(p.errs)-maxRecentErrors:]
	}
}
