// Package daemon wires the completion pipeline, the overseer bridge, and the
// work-queue workers into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/strandlabs/tiller/internal/audit"
	"github.com/strandlabs/tiller/internal/bus"
	"github.com/strandlabs/tiller/internal/config"
	"github.com/strandlabs/tiller/internal/continuation"
	"github.com/strandlabs/tiller/internal/detect"
	"github.com/strandlabs/tiller/internal/lock"
	"github.com/strandlabs/tiller/internal/logging"
	"github.com/strandlabs/tiller/internal/model"
	"github.com/strandlabs/tiller/internal/overseer"
	"github.com/strandlabs/tiller/internal/store"
	"github.com/strandlabs/tiller/internal/telemetry"
	"github.com/strandlabs/tiller/internal/worker"
)

// Daemon hosts the pipeline for one data directory.
type Daemon struct {
	cfgPath string
	cfg     config.Config
	logger  *logging.Logger
	logFile *os.File

	fileLock  *lock.FileLock
	store     *store.Store
	ledger    *overseer.Ledger
	auditLog  *audit.Logger
	bus       *bus.Bus
	detectors *detect.Registry
	manager   *continuation.Manager
	bridge    *overseer.Bridge
	emitter   *continuation.Emitter
	pool      *worker.Pool
	metrics   *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New loads the config and prepares a daemon. Nothing touches disk beyond
// the daemon log until Run.
func New(cfgPath string) (*Daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfgPath:  cfgPath,
		cfg:      cfg,
		logger:   logging.New(logFile, logging.ParseLevel(cfg.Logging.Level), "tillerd"),
		logFile:  logFile,
		fileLock: lock.NewFileLock(filepath.Join(cfg.Data.Dir, "tillerd.lock")),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Emitter exposes the completion-emission surface for in-process callers.
func (d *Daemon) Emitter() *continuation.Emitter { return d.emitter }

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("starting pid=%d data=%s", os.Getpid(), d.cfg.Data.Dir)

	// Orphan recovery runs before the first claim, and before the store is
	// held open, so a crashed predecessor's in-flight items are requeued.
	recovered, err := store.RecoverOrphanedWorkItems(d.ctx, d.cfg.QueueDBPath(), d.logger.WithScope("recovery"))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("orphan recovery: %w", err)
	}
	if recovered > 0 {
		d.logger.Infof("recovered %d orphaned work items", recovered)
	}

	if err := d.openStores(); err != nil {
		d.cleanup()
		return err
	}

	queue, err := d.ensureQueue()
	if err != nil {
		d.cleanup()
		return err
	}

	d.bus = bus.New(d.logger.WithScope("bus"))
	d.detectors = detect.NewRegistry()
	d.manager = continuation.NewManager(d.detectors, d.logger.WithScope("continuation"))
	d.manager.Attach(d.bus)
	d.emitter = continuation.NewEmitter(d.bus, d.logger.WithScope("emit"))

	if len(d.cfg.Worker.Command) > 0 {
		handler, err := worker.NewExecHandler(d.cfg.Worker.Command)
		if err != nil {
			d.cleanup()
			return err
		}
		d.pool = worker.NewPool(d.store, worker.Config{
			QueueID:      queue.ID,
			Identity:     model.Identity{AgentID: d.cfg.Queue.AgentID},
			Workstream:   d.cfg.Worker.Workstream,
			Count:        d.cfg.Worker.Count,
			PollInterval: time.Duration(d.cfg.Worker.PollIntervalSec) * time.Second,
			Handler:      handler,
		}, d.logger.WithScope("worker"))
	}

	d.bridge = overseer.NewBridge(overseer.BridgeConfig{
		Ledger:      d.ledger,
		Audit:       d.auditLog,
		Logger:      d.logger.WithScope("overseer"),
		AutoTick:    d.cfg.Overseer.AutoTick,
		RequestTick: d.requestTick,
	})
	d.bridge.Attach(d.bus)

	if d.pool != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pool.Run(d.ctx)
		}()
	}

	if d.cfg.Metrics.ListenAddr != "" {
		d.startMetrics()
	}

	stopWatch, err := config.Watch(d.cfgPath, d.onConfigChange, d.logger.WithScope("config"))
	if err != nil {
		d.logger.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	d.logger.Infof("ready queue=%s agent=%s workers=%d", queue.ID, queue.AgentID, d.cfg.Worker.Count)
	d.waitSignals()
	return nil
}

func (d *Daemon) openStores() error {
	s, err := store.Open(d.cfg.QueueDBPath())
	if err != nil {
		return fmt.Errorf("open work queue store: %w", err)
	}
	d.store = s

	ledger, err := overseer.OpenLedger(d.cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("open assignment ledger: %w", err)
	}
	d.ledger = ledger

	auditLog, err := audit.NewLogger(d.cfg.AuditLogPath(), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.auditLog = auditLog
	return nil
}

// ensureQueue creates the agent's queue on first run and applies config
// changes on later runs.
func (d *Daemon) ensureQueue() (store.WorkQueue, error) {
	ctx := d.ctx
	queue, err := d.store.GetQueueByAgent(ctx, d.cfg.Queue.AgentID)
	if err == nil {
		if queue.Name != d.cfg.Queue.Name && d.cfg.Queue.Name != "" ||
			queue.ConcurrencyLimit != d.cfg.Queue.ConcurrencyLimit ||
			queue.DefaultPriority != d.cfg.Queue.DefaultPriority {
			name := queue.Name
			if d.cfg.Queue.Name != "" {
				name = d.cfg.Queue.Name
			}
			return d.store.UpdateQueue(ctx, queue.ID, name, d.cfg.Queue.ConcurrencyLimit, d.cfg.Queue.DefaultPriority)
		}
		return queue, nil
	}
	return d.store.CreateQueue(ctx, store.CreateQueueParams{
		AgentID:          d.cfg.Queue.AgentID,
		Name:             d.cfg.Queue.Name,
		ConcurrencyLimit: d.cfg.Queue.ConcurrencyLimit,
		DefaultPriority:  d.cfg.Queue.DefaultPriority,
	})
}

func (d *Daemon) requestTick(reason string) {
	d.logger.Debugf("tick requested: %s", reason)
	if d.pool != nil {
		d.pool.Tick()
	}
}

func (d *Daemon) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	d.metrics = &http.Server{Addr: d.cfg.Metrics.ListenAddr, Handler: mux}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Infof("metrics listening on %s", d.cfg.Metrics.ListenAddr)
		if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Errorf("metrics server: %v", err)
		}
	}()
}

// onConfigChange applies what can change at runtime. Storage paths and queue
// identity need a restart.
func (d *Daemon) onConfigChange(cfg config.Config) {
	if cfg.Logging.Level != d.cfg.Logging.Level {
		d.logger.Infof("log level change to %q takes effect on restart", cfg.Logging.Level)
	}
	if cfg.Overseer.AutoTick != d.cfg.Overseer.AutoTick && d.bridge != nil {
		d.logger.Infof("overseer auto_tick now %v", cfg.Overseer.AutoTick)
		d.bridge.SetAutoTick(cfg.Overseer.AutoTick)
	}
	d.cfg.Overseer = cfg.Overseer
}

// waitSignals blocks until a shutdown signal arrives. A second signal forces
// exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Infof("received signal=%s, shutting down", sig)

	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown, idempotently.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.cancel()
		if d.manager != nil {
			d.manager.Detach()
		}
		if d.bridge != nil {
			d.bridge.Detach()
		}
		if d.metrics != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.metrics.Shutdown(shutdownCtx)
			cancel()
		}

		timeout := time.Duration(d.cfg.Worker.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all workers drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.store != nil {
		d.store.Close()
	}
	if d.ledger != nil {
		d.ledger.Close()
	}
	if d.auditLog != nil {
		d.auditLog.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
