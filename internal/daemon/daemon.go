// Package daemon runs the kernel's background housekeeping on a cron
// scheduler: zombie reaping, memory decay, profile rebuilds after
// completed runs, and the periodic kernel.metrics event.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/memory"
	"github.com/haasonsaas/aether/internal/metrics"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/pkg/models"
)

// Job schedules.
const (
	reapSchedule    = "@every 60s"
	decaySchedule   = "@every 1h"
	metricsSchedule = "@every 30s"
)

// Daemon owns the cron scheduler and the event-driven profile rebuild.
type Daemon struct {
	mgr     *proc.Manager
	memory  *memory.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	cron    *cron.Cron
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires the housekeeping daemon. metrics may be nil.
func New(mgr *proc.Manager, mem *memory.Store, eventBus *bus.Bus, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Daemon {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		mgr:     mgr,
		memory:  mem,
		bus:     eventBus,
		metrics: m,
		clock:   clk,
		logger:  logger.With("component", "daemon"),
	}
}

// Start registers the cron jobs and the completion listener.
func (d *Daemon) Start() error {
	d.started = d.clock.Now()
	d.cron = cron.New()

	if _, err := d.cron.AddFunc(reapSchedule, d.reap); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc(decaySchedule, d.decay); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc(metricsSchedule, d.publishMetrics); err != nil {
		return err
	}
	d.cron.Start()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.watchCompletions(ctx)

	d.logger.Info("housekeeping started")
	return nil
}

// Stop halts the scheduler and the completion listener.
func (d *Daemon) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.logger.Info("housekeeping stopped")
}

// reap clears zombies past their grace period.
func (d *Daemon) reap() {
	if n := d.mgr.Reap(); n > 0 {
		d.logger.Debug("reaped zombies", "count", n)
	}
}

// decay sweeps expired memory records.
func (d *Daemon) decay() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := d.memory.Decay(ctx)
	if err != nil {
		d.logger.Warn("memory decay failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("memory records decayed", "count", n)
	}
}

// publishMetrics snapshots kernel health onto the bus and into the
// prometheus gauges.
func (d *Daemon) publishMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	states := d.mgr.CountByState()
	records, err := d.memory.Count(ctx)
	if err != nil {
		d.logger.Warn("memory count failed", "error", err)
	}

	if d.metrics != nil {
		d.metrics.SetProcessStates(states)
		d.metrics.SetBusStats(d.bus.SubscriberCount(), d.bus.Dropped())
		d.metrics.SetMemoryRecords(records)
	}

	d.bus.Publish(models.TopicKernelMetrics, models.MetricsEvent{
		Processes:     states,
		Subscribers:   d.bus.SubscriberCount(),
		DroppedEvents: d.bus.Dropped(),
		MemoryRecords: records,
		Uptime:        d.clock.Now().Sub(d.started),
	})
}

// watchCompletions rebuilds agent profiles after each finished run and
// keeps the step counter current.
func (d *Daemon) watchCompletions(ctx context.Context) {
	defer close(d.done)
	sub := d.bus.SubscribeBuffered("", 256)
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case ev := <-sub.C():
			switch ev.Topic {
			case models.TopicAgentCompleted:
				done, ok := ev.Payload.(models.CompletedEvent)
				if !ok {
					continue
				}
				rebuildCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := d.memory.RebuildProfile(rebuildCtx, done.OwnerUID); err != nil {
					d.logger.Warn("profile rebuild failed", "owner_uid", done.OwnerUID, "error", err)
				}
				cancel()
			case models.TopicAgentProgress:
				if d.metrics != nil {
					d.metrics.StepTaken()
				}
			case models.TopicProcessSpawned:
				if d.metrics != nil {
					d.metrics.ProcessSpawned()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
