// Package maintenance runs the periodic housekeeping of the coordination
// tables: expired semaphore holders, stale or orphaned queue entries, and
// store vacuuming.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/internal/logging"
	"github.com/rendis/reentry/internal/store"
	"github.com/rendis/reentry/pkg/schema"
)

const (
	DefaultPurgeSchedule  = "@every 1m"
	DefaultVacuumSchedule = "@daily"
)

// Config controls what is purged and when.
type Config struct {
	PurgeSchedule  string
	VacuumSchedule string
	// HolderGrace is how long past its expiry a holder survives.
	HolderGrace time.Duration
	// QueueMaxAge drops queue entries older than this. Zero keeps them.
	QueueMaxAge time.Duration
}

// Report summarizes one purge.
type Report struct {
	HoldersRemoved int
	QueueRemoved   int
}

// Maintainer schedules purge and vacuum runs.
type Maintainer struct {
	store  store.Store
	coord  *coordinator.Coordinator
	broker broker.Broker
	cfg    Config
	parser cron.Parser
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Maintainer. Empty schedules use the defaults. b, when not
// nil, is told about instances a purge unblocked.
func New(st store.Store, coord *coordinator.Coordinator, b broker.Broker, cfg Config, logger *slog.Logger) *Maintainer {
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = DefaultPurgeSchedule
	}
	if cfg.VacuumSchedule == "" {
		cfg.VacuumSchedule = DefaultVacuumSchedule
	}
	return &Maintainer{
		store:  st,
		coord:  coord,
		broker: b,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logging.OrDiscard(logger),
	}
}

// Validate checks both schedules.
func (m *Maintainer) Validate() error {
	for _, spec := range []string{m.cfg.PurgeSchedule, m.cfg.VacuumSchedule} {
		if _, err := m.parser.Parse(spec); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", spec, err.Error()).WithCause(err)
		}
	}
	return nil
}

// Start launches the schedules. Runs still in progress when their next
// activation comes are skipped.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("maintenance already started")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	c := cron.New(
		cron.WithParser(m.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(m.cfg.PurgeSchedule, func() { m.runPurge(ctx) }); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	if _, err := c.AddFunc(m.cfg.VacuumSchedule, func() { m.runVacuum(ctx) }); err != nil {
		return fmt.Errorf("schedule vacuum: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("maintenance started",
		slog.String("purge_schedule", m.cfg.PurgeSchedule),
		slog.String("vacuum_schedule", m.cfg.VacuumSchedule))
	return nil
}

// Stop halts the schedules and waits for running jobs.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("maintenance stopped")
}

func (m *Maintainer) runPurge(ctx context.Context) {
	rep, err := m.Purge(ctx)
	if err != nil {
		m.logger.Error("purge failed", slog.String("error", err.Error()))
		return
	}
	if rep.HoldersRemoved > 0 || rep.QueueRemoved > 0 {
		m.logger.Info("purged coordination records",
			slog.Int("holders", rep.HoldersRemoved), slog.Int("queue_entries", rep.QueueRemoved))
	}
}

func (m *Maintainer) runVacuum(ctx context.Context) {
	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Error("vacuum failed", slog.String("error", err.Error()))
	}
}

// Purge removes expired holders, then every hold and queue entry of an
// instance that will never raise again. Instances queued behind the freed
// holds are signalled ready.
func (m *Maintainer) Purge(ctx context.Context) (Report, error) {
	var rep Report
	removed, err := m.coord.PurgeExpired(ctx, m.cfg.HolderGrace, m.cfg.QueueMaxAge)
	if err != nil {
		return rep, fmt.Errorf("purge expired holders: %w", err)
	}
	rep.HoldersRemoved = removed

	holders, queued, err := m.coordinatedInstances(ctx)
	if err != nil {
		return rep, err
	}
	ids := slices.Sorted(maps.Keys(holders))
	for id := range queued {
		if _, ok := holders[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return rep, nil
	}

	finished, err := m.store.ListInstances(ctx, store.InstanceFilter{
		IDs:    ids,
		States: []schema.WorkflowState{schema.WorkflowStateSuccess, schema.WorkflowStateFailed},
	})
	if err != nil {
		return rep, fmt.Errorf("list finished instances: %w", err)
	}
	for _, inst := range finished {
		next, err := m.coord.ReleaseInstance(ctx, inst.ID)
		if err != nil {
			return rep, fmt.Errorf("release finished instance %s: %w", inst.ID, err)
		}
		rep.HoldersRemoved += holders[inst.ID]
		rep.QueueRemoved += queued[inst.ID]
		m.signalReady(ctx, next)
	}
	return rep, nil
}

// coordinatedInstances counts the holds and queue entries of every instance
// that appears on a semaphore.
func (m *Maintainer) coordinatedInstances(ctx context.Context) (holders, queued map[string]int, err error) {
	sems, err := m.store.ListSemaphores(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list semaphores: %w", err)
	}
	holders, queued = make(map[string]int), make(map[string]int)
	for _, sem := range sems {
		for _, h := range sem.Holders {
			holders[h.InstanceID]++
		}
		items, err := m.store.ListQueue(ctx, sem.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list queue of %s: %w", sem.ID, err)
		}
		for _, item := range items {
			queued[item.WorkflowInstanceID]++
		}
	}
	return holders, queued, nil
}

func (m *Maintainer) signalReady(ctx context.Context, ids []string) {
	if m.broker == nil {
		return
	}
	for _, id := range ids {
		if err := m.broker.SignalReady(ctx, id); err != nil {
			m.logger.Warn("readiness signal failed",
				slog.String("ready_instance_id", id), slog.String("error", err.Error()))
		}
	}
}
