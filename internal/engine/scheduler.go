package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/akilhane/studysync/internal/notify"
)

const (
	otelScope       = "studysync/engine"
	spanPass        = "engine.pass"
	metricPushed    = "studysync.sync.records.pushed"
	metricPulled    = "studysync.sync.records.pulled"
	metricDeduped   = "studysync.sync.records.deduped"
	metricConflicts = "studysync.sync.conflicts"
	metricErrors    = "studysync.sync.errors"
)

// Options configures [New].
type Options struct {
	// Interval between periodic passes started by [Scheduler.Start].
	Interval time.Duration

	// WriteConcurrency bounds concurrent remote creates within one pass.
	WriteConcurrency int

	Logger *slog.Logger
}

// Engine bundles the migration and synchronization entry points. The rest
// of the application talks to data movement exclusively through this type
// and the [Notifier] it publishes on.
type Engine struct {
	Migrator  *Migrator
	Scheduler *Scheduler
}

// New wires a Migrator and a Scheduler to the given adapters. They share
// per-account locks, so a migration and a sync pass for the same account
// never overlap.
func New(local LocalStore, remote RemoteStore, hub Notifier, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}

	locks := newAccountLocks()
	rec := &Reconciler{
		local:       local,
		remote:      remote,
		concurrency: opts.WriteConcurrency,
		log:         opts.Logger,
	}
	return &Engine{
		Migrator: &Migrator{
			local:  local,
			remote: remote,
			hub:    hub,
			locks:  locks,
			log:    opts.Logger,
		},
		Scheduler: newScheduler(rec, hub, locks, opts),
	}
}

// Scheduler runs reconciliation passes: on demand via [Scheduler.SyncNow]
// and periodically via [Scheduler.Start]. Only one pass per account is in
// flight at a time; triggers arriving during a pass coalesce into a single
// follow-up instead of queueing unboundedly.
type Scheduler struct {
	reconciler *Reconciler
	hub        Notifier
	locks      *accountLocks
	interval   time.Duration
	log        *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntPushed    metric.Int64Counter
	cntPulled    metric.Int64Counter
	cntDeduped   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter

	mu    sync.Mutex
	loops map[string]*accountLoop
	wg    sync.WaitGroup
}

// accountLoop is the periodic driver for one account. The trigger channel
// has capacity one: that single slot is what coalesces bursts of triggers.
// done is closed by [Scheduler.Stop] and checked only between passes, so a
// pass in flight when Stop is called runs to completion.
type accountLoop struct {
	trigger chan struct{}
	done    chan struct{}
}

func newScheduler(rec *Reconciler, hub Notifier, locks *accountLocks, opts Options) *Scheduler {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			opts.Logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Scheduler{
		reconciler: rec,
		hub:        hub,
		locks:      locks,
		interval:   opts.Interval,
		log:        opts.Logger,
		loops:      make(map[string]*accountLoop),

		tracer:       tracer,
		cntPushed:    mustCounter(metricPushed, "Records pushed to the remote store"),
		cntPulled:    mustCounter(metricPulled, "Records mirrored into the local cache"),
		cntDeduped:   mustCounter(metricDeduped, "Duplicate records collapsed during sync"),
		cntConflicts: mustCounter(metricConflicts, "Conflict resolutions during sync"),
		cntErrors:    mustCounter(metricErrors, "Errors encountered during sync"),
	}
}

// SyncNow runs one reconciliation pass for accountID, waiting for any
// in-flight pass on the same account to finish first.
func (s *Scheduler) SyncNow(ctx context.Context, accountID string) (Stats, error) {
	mu := s.locks.forAccount(accountID)
	mu.Lock()
	defer mu.Unlock()
	return s.pass(ctx, accountID)
}

// Start launches the periodic loop for accountID and triggers an immediate
// first pass. Starting an already running account is a no-op.
func (s *Scheduler) Start(ctx context.Context, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[accountID]; ok {
		return
	}

	loop := &accountLoop{
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	loop.trigger <- struct{}{} // immediate first pass
	s.loops[accountID] = loop

	s.wg.Add(1)
	go s.run(ctx, accountID, loop)
}

// Trigger requests an out-of-band pass for a started account. If a pass is
// already pending the trigger coalesces with it.
func (s *Scheduler) Trigger(accountID string) {
	s.mu.Lock()
	loop, ok := s.loops[accountID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.trigger <- struct{}{}:
	default:
	}
}

// Stop signals all periodic loops to exit and waits for in-flight passes
// to finish. Shutdown is cooperative: a pass already under way runs to
// completion, only the context passed to [Scheduler.Start] can abort it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, loop := range s.loops {
		close(loop.done)
		delete(s.loops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("sync scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, accountID string, loop *accountLoop) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	runOnce := func() {
		mu := s.locks.forAccount(accountID)
		mu.Lock()
		defer mu.Unlock()
		select {
		case <-loop.done:
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := s.pass(ctx, accountID); err != nil && ctx.Err() == nil {
			s.log.Error("sync pass failed", "account_id", accountID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync loop shutting down", "account_id", accountID)
			return
		case <-loop.done:
			s.log.Info("sync loop shutting down", "account_id", accountID)
			return
		case <-loop.trigger:
			runOnce()
		case <-ticker.C:
			runOnce()
		}
	}
}

// pass runs one reconciliation pass, recording a trace span and metrics,
// and publishes a change event when the pass mutated data. Callers must
// hold the account lock.
func (s *Scheduler) pass(ctx context.Context, accountID string) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, spanPass)
	defer span.End()

	stats, err := s.reconciler.Pass(ctx, accountID)

	if stats.Pushed > 0 {
		s.cntPushed.Add(ctx, int64(stats.Pushed))
	}
	if stats.Pulled > 0 {
		s.cntPulled.Add(ctx, int64(stats.Pulled))
	}
	if stats.Deduped > 0 {
		s.cntDeduped.Add(ctx, int64(stats.Deduped))
	}
	if stats.Conflicts > 0 {
		s.cntConflicts.Add(ctx, int64(stats.Conflicts))
	}
	if stats.Errors > 0 {
		s.cntErrors.Add(ctx, int64(stats.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.deduped", stats.Deduped),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	if stats.Changed() {
		s.hub.Publish(notify.Event{
			Scope:       notify.ScopeSync,
			EntityTypes: stats.ChangedTypes,
			OwnerID:     accountID,
		})
	}
	return stats, err
}
