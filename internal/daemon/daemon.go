// Package daemon assembles the steward pipeline: stores, event bus,
// ingestion queue, processor and executor pools, approval gate, watchers,
// watchdog supervision, and the gateway, all from one config.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dohr-michael/steward/internal/approval"
	"github.com/dohr-michael/steward/internal/config"
	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/executor"
	"github.com/dohr-michael/steward/internal/gateway"
	"github.com/dohr-michael/steward/internal/processor"
	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
	"github.com/dohr-michael/steward/internal/watchdog"
	"github.com/dohr-michael/steward/internal/watcher"
)

// Daemon is the assembled steward runtime.
type Daemon struct {
	cfg *config.Config

	bus     *events.Bus
	tasks   *store.TaskStore
	audit   *store.AuditLog
	queue   *queue.Queue
	gate    *approval.Gate
	archive *store.Archive
	dog     *watchdog.Watchdog
	beat    *watchdog.HeartbeatWriter
	server  *gateway.Server
}

// New builds a daemon from config. Nothing runs until Run.
func New(cfg *config.Config) (*Daemon, error) {
	audit, err := store.NewAuditLog(config.AuditPath())
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	tasks := store.NewTaskStore(config.TasksPath(), audit)
	q := queue.New(tasks, bus, cfg.Pipeline.AgingThreshold.Duration())

	ttl := approval.TTLPolicy{
		Default: cfg.Approvals.TTL.Duration(),
		ByRisk:  make(map[task.RiskLevel]time.Duration),
	}
	for risk, d := range cfg.Approvals.TTLByRisk {
		ttl.ByRisk[task.RiskLevel(risk)] = d.Duration()
	}
	gate := approval.NewGate(approval.NewFileStore(config.ApprovalsPath()), tasks, bus, ttl)

	var archive *store.Archive
	archivePath := cfg.Archive.Path
	if archivePath == "" {
		archivePath = filepath.Join(config.StewardPath(), "archive.db")
	}
	archive, err = store.OpenArchive(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	q.AttachArchive(archive)

	dog := watchdog.New(watchdog.Policy{
		PollInterval:  cfg.Watchdog.PollInterval.Duration(),
		Grace:         cfg.Watchdog.Grace.Duration(),
		RestartBase:   cfg.Watchdog.RestartBase.Duration(),
		RestartCap:    cfg.Watchdog.RestartCap.Duration(),
		MaxRestarts:   cfg.Watchdog.MaxRestarts,
		RestartWindow: cfg.Watchdog.RestartWindow.Duration(),
	}, bus)

	d := &Daemon{
		cfg:     cfg,
		bus:     bus,
		tasks:   tasks,
		audit:   audit,
		queue:   q,
		gate:    gate,
		archive: archive,
		dog:     dog,
	}

	heartbeatPath := cfg.Watchdog.HeartbeatPath
	if heartbeatPath == "" {
		heartbeatPath = filepath.Join(config.StewardPath(), "heartbeat.json")
	}
	d.beat = watchdog.NewHeartbeatWriter(heartbeatPath, 30*time.Second, dog.RestartCounts)

	d.server = gateway.NewServer(gateway.Deps{
		Bus:      bus,
		Queue:    q,
		Tasks:    tasks,
		Audit:    audit,
		Gate:     gate,
		Watchdog: dog,
		Archive:  archive,
	}, cfg.Gateway.Host, cfg.Gateway.Port)

	if err := d.registerComponents(); err != nil {
		return nil, err
	}
	return d, nil
}

// registerComponents wires the supervised pipeline components.
func (d *Daemon) registerComponents() error {
	if d.cfg.Engine.URL == "" {
		return errors.New("engine.url is required")
	}
	engine := processor.NewHTTPEngine(d.cfg.Engine.URL, d.cfg.Engine.Timeout.Duration())

	var provider executor.Provider
	if d.cfg.Actions.WebhookURL != "" {
		provider = executor.NewWebhookProvider(d.cfg.Actions.WebhookURL, d.cfg.Actions.Timeout.Duration())
	} else {
		slog.Warn("no action webhook configured, actions will only be logged")
		provider = executor.NewLogProvider()
	}

	d.dog.Register("processor", func(ctx context.Context, beat func()) error {
		pool := processor.New(processor.Config{
			Queue:          d.queue,
			Store:          d.tasks,
			Gate:           d.gate,
			Bus:            d.bus,
			Engine:         engine,
			Slots:          d.cfg.Pipeline.ProcessorSlots,
			ProcessTimeout: d.cfg.Pipeline.ProcessTimeout.Duration(),
			MaxAttempts:    d.cfg.Pipeline.MaxAttempts,
			BackoffBase:    d.cfg.Pipeline.Backoff.Base.Duration(),
			BackoffCap:     d.cfg.Pipeline.Backoff.Cap.Duration(),
			Beat:           beat,
		})
		// New work arriving wakes the pool ahead of its poll tick.
		unsubscribe := d.bus.Subscribe(func(e events.Event) {
			pool.Wake()
		}, events.EventTaskEnqueued)
		defer unsubscribe()

		pool.Start()
		<-ctx.Done()
		pool.Stop()
		return nil
	})

	d.dog.Register("executor", func(ctx context.Context, beat func()) error {
		pool := executor.New(executor.Config{
			Store:          d.tasks,
			Bus:            d.bus,
			Provider:       provider,
			Slots:          d.cfg.Pipeline.ExecutorSlots,
			ExecuteTimeout: d.cfg.Pipeline.ExecuteTimeout.Duration(),
			MaxAttempts:    d.cfg.Pipeline.MaxAttempts,
			BackoffBase:    d.cfg.Pipeline.Backoff.Base.Duration(),
			BackoffCap:     d.cfg.Pipeline.Backoff.Cap.Duration(),
			Beat:           beat,
		})
		// Tasks reaching executing wake the pool: auto-approved ones arrive
		// as transition events, human-approved ones as resolved approvals.
		unsubscribe := d.bus.Subscribe(func(e events.Event) {
			switch e.Type {
			case events.EventTaskTransition:
				if to, _ := e.Payload["to_status"].(string); to == string(task.StatusExecuting) {
					pool.Wake()
				}
			case events.EventApprovalResolved:
				if decision, _ := e.Payload["decision"].(string); decision == string(task.DecisionApproved) {
					pool.Wake()
				}
			}
		}, events.EventTaskTransition, events.EventApprovalResolved)
		defer unsubscribe()

		pool.Start()
		<-ctx.Done()
		pool.Stop()
		return nil
	})

	d.dog.Register("approval-sweeper", func(ctx context.Context, beat func()) error {
		d.gate.RunSweeper(ctx.Done(), d.cfg.Approvals.SweepInterval.Duration(), beat)
		return nil
	})

	if d.cfg.Archive.After.Duration() > 0 {
		d.dog.Register("archive-sweeper", func(ctx context.Context, beat func()) error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			// Liveness on its own short cadence; the hourly work tick would
			// starve the watchdog grace otherwise.
			beatTicker := time.NewTicker(10 * time.Second)
			defer beatTicker.Stop()
			for {
				if beat != nil {
					beat()
				}
				select {
				case <-ctx.Done():
					return nil
				case <-beatTicker.C:
				case <-ticker.C:
					n, err := store.SweepTerminal(d.tasks, d.archive, d.cfg.Archive.After.Duration())
					if err != nil {
						slog.Error("archive sweep", "error", err)
					} else if n > 0 {
						slog.Info("archived terminal tasks", "count", n)
					}
				}
			}
		})
	}

	return d.registerWatchers()
}

// registerWatchers loads watcher manifests and registers each as its own
// supervised component.
func (d *Daemon) registerWatchers() error {
	dir := d.cfg.Watchers.ManifestDir
	if dir == "" {
		dir = filepath.Join(config.StewardPath(), "watchers")
	}

	manifests, err := watcher.LoadManifests(dir)
	if err != nil {
		return fmt.Errorf("load watchers: %w", err)
	}

	for _, m := range manifests {
		switch m.Kind {
		case "file_drop":
			if m.PollInterval <= 0 {
				m.PollInterval = d.cfg.Watchers.PollInterval.Duration()
			}
			w := watcher.NewDropDir(m, d.queue)
			d.dog.Register(w.Name(), w.Run)
		case "scheduled":
			w, err := watcher.NewCron(m, d.queue)
			if err != nil {
				return err
			}
			d.dog.Register(w.Name(), w.Run)
		}
		slog.Info("watcher registered", "name", m.Name, "kind", m.Kind)
	}
	return nil
}

// Run starts the daemon and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	// Tasks left mid-flight by a previous crash go back to the queue before
	// anything starts dispatching.
	recovered, err := d.tasks.Recover()
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered in-flight tasks", "count", recovered)
	}

	d.dog.Start()
	d.beat.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		d.shutdown()
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown", "error", err)
	}
	d.beat.Stop()
	d.dog.Stop()
	if err := d.archive.Close(); err != nil {
		slog.Error("archive close", "error", err)
	}
	d.bus.Close()
}
