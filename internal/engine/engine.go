// Package engine constructs every component exactly once and threads
// it through a suture.Supervisor tree, satisfying spec.md §9's
// explicit call-out: "explicit, dependency-injected components owned
// by a root Engine value... no global mutable state".
//
// Grounded on the teacher's top-level service wiring in
// cmd/syncthing/main.go (one long constructor building every
// subsystem in dependency order) generalized away from the teacher's
// package-global `model`/`cfg` variables, and on services such as
// cmd/syncthing/summaryservice.go for the supervised-service shape —
// here targeting suture/v4's context-based Service interface rather
// than v1's Supervisor-embedding pattern.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/foldersync/foldersyncd/internal/cliconfig"
	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/copydriver"
	"github.com/foldersync/foldersyncd/internal/differ"
	"github.com/foldersync/foldersyncd/internal/engerr"
	"github.com/foldersync/foldersyncd/internal/eventbus"
	"github.com/foldersync/foldersyncd/internal/keymaterial"
	"github.com/foldersync/foldersyncd/internal/logging"
	"github.com/foldersync/foldersyncd/internal/metrics"
	"github.com/foldersync/foldersyncd/internal/model"
	"github.com/foldersync/foldersyncd/internal/recovery"
	"github.com/foldersync/foldersyncd/internal/remoteexec"
	"github.com/foldersync/foldersyncd/internal/scheduler"
	"github.com/foldersync/foldersyncd/internal/statemgr"
	"github.com/foldersync/foldersyncd/internal/store"
	"github.com/foldersync/foldersyncd/internal/store/leveldb"
	"github.com/foldersync/foldersyncd/internal/txqueue"
)

// Engine owns every component, constructed once, with no package-level
// mutable state anywhere in the tree it builds.
type Engine struct {
	cfg cliconfig.Config
	log *logging.Recorder

	store    store.Store
	bus      *eventbus.Bus
	state    *statemgr.Manager
	conc     *concurrency.Controller
	keys     *keymaterial.Store
	executor *remoteexec.Executor
	driver   *copydriver.Driver
	differ   *differ.Differ
	queue    *txqueue.Queue
	recov    *recovery.Service
	sched    *scheduler.Scheduler
	metrics  *metrics.Collector

	sup *suture.Supervisor
}

// New wires every component in dependency order. It opens the store
// eagerly, so a failure here is spec.md §6's exit code 2 (store
// unavailable).
func New(cfg cliconfig.Config) (*Engine, error) {
	db, err := leveldb.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	_, recorder := logging.New(logging.ParseLevel(cfg.LogLevel), nil)

	e := &Engine{cfg: cfg, log: recorder, store: db}

	e.bus = eventbus.New(func(topic eventbus.Topic, err error) {
		e.bus.Publish(eventbus.AllJobs, eventbus.TopicLogMessage, eventbus.LogMessage{
			Level:   eventbus.LogError,
			Message: fmt.Sprintf("invalid payload for topic %s: %v", topic, err),
			Source:  "eventbus",
			Ts:      time.Now(),
		})
	})

	e.state = statemgr.New(db, e.bus)
	e.conc = concurrency.New(db)
	e.keys = keymaterial.New("")
	e.keys.InstallSignalCleanup()
	e.executor = remoteexec.New()

	e.driver = copydriver.New(copydriver.Config{
		MaxConcurrentProcesses: cfg.MaxGlobalConcurrentProcesses,
		DefaultTimeout:         cfg.TransferDefaultTimeout(),
	}, e.bus, e.keys, e.onTransferTerminal)

	e.differ = differ.New(db, e.bus, e.executor, e)

	e.queue = txqueue.New(db, e.state, e.conc, e.driver, e.bus, e.resolveEndpoints, txqueue.Policy{RefuseWhenFull: true})

	e.recov = recovery.New(db, e.state, e.conc, e.queue, e.driver, e.bus, recovery.Config{
		TickInterval: cfg.RecoveryTickInterval(),
	})

	e.sched = scheduler.New(db, e.differ, scheduler.Config{MaxConcurrentScans: cfg.ScanConcurrentMax})

	e.metrics = metrics.New(db, e.queue, e.conc, e.driver, e.recov, e.sched)

	return e, nil
}

// Enqueue satisfies differ.Enqueuer, forwarding to the Transfer Queue.
// Declared on Engine (rather than handing differ the *txqueue.Queue
// directly) only because Engine is what New builds incrementally — the
// indirection costs nothing since Queue.Enqueue already matches the
// interface shape.
func (e *Engine) Enqueue(jobID, fileID string, priority differ.Priority) (bool, error) {
	return e.queue.Enqueue(jobID, fileID, priority)
}

func (e *Engine) onTransferTerminal(o copydriver.Outcome) {
	switch o.State {
	case copydriver.Completed:
		e.queue.Complete(o.TransferID, o.FileID, o.JobID, nil)
	case copydriver.Cancelled:
		// A cancelled transfer must terminate as cancelled, not
		// auto-retry: Fail would schedule a retry via maybeScheduleRetry.
		e.queue.Cancel(o.TransferID, o.FileID, o.JobID, o.ErrorMessage)
	default:
		cause := engerr.New(engerr.Transfer, o.ErrorMessage)
		e.queue.Fail(o.TransferID, o.FileID, o.JobID, cause, map[string]string{
			"classified_error": string(o.ErrorCode),
		})
	}
}

// resolveEndpoints builds the copydriver.CopyOptions for one file:
// the remote side is always job.SourceServerID at
// job.SourcePath/relative_path; the local side is either the
// filesystem (Target.Local) or another server (Target.ServerID) at
// job.TargetPath/relative_path. The copy always runs from the source
// server to the target, whatever state the file was queued from
// (remote_only, failed or desynced) and whatever the job's configured
// `direction`, which otherwise only affects C3's classification and
// auto-queue rules.
func (e *Engine) resolveEndpoints(job model.Job, file model.FileRecord) (copydriver.CopyOptions, error) {
	src, err := e.store.Servers().Get(job.SourceServerID)
	if err != nil {
		return copydriver.CopyOptions{}, fmt.Errorf("resolve source server %s: %w", job.SourceServerID, err)
	}

	dest := copydriver.Endpoint{Path: joinRemote(job.TargetPath, file.RelativePath)}
	if job.Target.Local {
		dest = copydriver.Endpoint{Path: joinRemote(job.TargetPath, file.RelativePath)}
	} else {
		dst, err := e.store.Servers().Get(job.Target.ServerID)
		if err != nil {
			return copydriver.CopyOptions{}, fmt.Errorf("resolve target server %s: %w", job.Target.ServerID, err)
		}
		dest = copydriver.Endpoint{Server: &dst, Path: joinRemote(job.TargetPath, file.RelativePath)}
	}

	return copydriver.CopyOptions{
		Job:            job,
		Source:         copydriver.Endpoint{Server: &src, Path: joinRemote(job.SourcePath, file.RelativePath)},
		Dest:           dest,
		MaxConnections: job.Parallelism.MaxConnectionsPerTransfer,
	}, nil
}

func joinRemote(base, rel string) string {
	if base == "" {
		return rel
	}
	if base[len(base)-1] == '/' {
		return base + rel
	}
	return base + "/" + rel
}

// RunDaemon satisfies cliconfig.Engine: boots recovery once, then
// serves the scheduler and recovery ticker under a suture supervisor
// until ctx is cancelled by a termination signal.
func (e *Engine) RunDaemon(cfg cliconfig.Config) error {
	if _, err := e.recov.Boot(); err != nil {
		return fmt.Errorf("recovery boot: %w", err)
	}

	e.sup = suture.New("foldersyncd", suture.Spec{})
	e.sup.Add(schedulerService{e.sched})
	e.sup.Add(recoveryTickService{e.recov})
	e.sup.Add(metricsService{e.metrics, cfg.BindPort})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installShutdownHook(cancel)

	return e.sup.Serve(ctx)
}

// Recover satisfies cliconfig.Engine: runs Boot() once and exits.
func (e *Engine) Recover(cfg cliconfig.Config) (cliconfig.RecoveryStats, error) {
	stats, err := e.recov.Boot()
	if err != nil {
		return cliconfig.RecoveryStats{}, err
	}
	return cliconfig.RecoveryStats{
		Total:         stats.Total,
		Stuck:         stats.Stuck,
		Orphaned:      stats.Orphaned,
		Recovered:     stats.Recovered,
		Failures:      stats.Failures,
		ReleasedSlots: stats.ReleasedSlots,
	}, nil
}

// EmergencyReset satisfies cliconfig.Engine.
func (e *Engine) EmergencyReset(cfg cliconfig.Config) (int, error) {
	return e.recov.EmergencyReset()
}

// Close releases the store handle. Exported for tests and for a
// graceful non-daemon command path (recover/emergency-reset) to clean
// up after itself.
func (e *Engine) Close() error {
	e.keys.CleanupAll()
	return e.store.Close()
}

// schedulerService adapts *scheduler.Scheduler to suture's Service
// interface.
type schedulerService struct{ s *scheduler.Scheduler }

func (x schedulerService) Serve(ctx context.Context) error {
	if err := x.s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	x.s.Stop()
	return ctx.Err()
}

// recoveryTickService adapts *recovery.Service's periodic tick to
// suture's Service interface.
type recoveryTickService struct{ s *recovery.Service }

func (x recoveryTickService) Serve(ctx context.Context) error {
	x.s.Start()
	<-ctx.Done()
	x.s.Stop()
	return ctx.Err()
}

// metricsService adapts the /metrics HTTP surface and the Collector's
// sampling loop to suture's Service interface, shutting the listener
// down gracefully when ctx is cancelled.
type metricsService struct {
	m    *metrics.Collector
	port int
}

func (x metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", x.m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", x.port), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	go x.m.Run(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return err
	}
}

// installShutdownHook cancels cancel on SIGINT/SIGTERM, mirroring the
// teacher's cmd/syncthing signal handling for graceful shutdown.
func installShutdownHook(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
