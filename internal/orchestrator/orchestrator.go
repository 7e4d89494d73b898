// Package orchestrator drives trading days through their lifecycle. Start,
// End and Roll run a fixed sequence of activities against the capture
// processes and record every step as a day transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dayflow/config"
	"dayflow/internal/day"
	"dayflow/logger"
)

// SecurityMaster refreshes the instrument universe for a trading date.
type SecurityMaster interface {
	Sync(ctx context.Context, env string, date day.Date) error
}

// Service is a capture process the orchestrator starts and stops.
type Service interface {
	Start(ctx context.Context, env string, date day.Date) error
	Stop(ctx context.Context, env string) error
	Healthcheck(ctx context.Context, env string) error
}

// StatsReporter is a service that counts what it captured since its last
// Start.
type StatsReporter interface {
	DayStats(ctx context.Context, env string) (day.Stats, error)
}

// ArchiveVerifier checks that every expected archive manifest exists.
type ArchiveVerifier interface {
	Verify(ctx context.Context, env string, date day.Date) error
}

type Services struct {
	SecurityMaster SecurityMaster
	Ingestion      Service
	Archival       Service
	Gateway        Service
	Verifier       ArchiveVerifier
}

// DayStore is the day state machine as seen by the orchestrator.
type DayStore interface {
	Create(ctx context.Context, key day.Key) (day.TradingDay, error)
	Get(ctx context.Context, key day.Key) (day.TradingDay, error)
	Active(ctx context.Context, env string) (day.TradingDay, bool, error)
	Transition(ctx context.Context, key day.Key, from day.State, ev day.EventType, payload any) (day.TradingDay, error)
	RecordStats(ctx context.Context, key day.Key, stats day.Stats) (day.TradingDay, error)
	Rebuild(ctx context.Context, env string) (int, error)
}

type EndOptions struct {
	// Force skips archive verification.
	Force bool `json:"force"`
}

type RollResult struct {
	Ended   day.TradingDay  `json:"ended"`
	Started *day.TradingDay `json:"started,omitempty"`
}

// finalizeTimeout bounds the terminal transition written after a workflow
// deadline has already expired.
const finalizeTimeout = 30 * time.Second

type Orchestrator struct {
	days DayStore
	svc  Services
	cfg  config.OrchestratorConfig
	log  *logger.Log

	mu    sync.Mutex
	locks map[day.Key]*semaphore.Weighted
}

func New(days DayStore, svc Services, cfg config.OrchestratorConfig) *Orchestrator {
	if svc.SecurityMaster == nil {
		svc.SecurityMaster = noopSecurityMaster{}
	}
	if svc.Ingestion == nil {
		svc.Ingestion = noopService{}
	}
	if svc.Archival == nil {
		svc.Archival = noopService{}
	}
	if svc.Gateway == nil {
		svc.Gateway = noopService{}
	}
	if svc.Verifier == nil {
		svc.Verifier = noopVerifier{}
	}
	return &Orchestrator{
		days:  days,
		svc:   svc,
		cfg:   cfg,
		log:   logger.GetLogger(),
		locks: make(map[day.Key]*semaphore.Weighted),
	}
}

// acquire serializes workflows of the same key. Waiters are served in
// arrival order.
func (o *Orchestrator) acquire(ctx context.Context, key day.Key) (func(), error) {
	o.mu.Lock()
	sem, ok := o.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.locks[key] = sem
	}
	o.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: waiting for running workflow: %w", key, err)
	}
	return func() { sem.Release(1) }, nil
}

func (o *Orchestrator) workflowContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.WorkflowTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
}

// finalize records a failure transition even when the workflow context has
// been cancelled or has timed out.
func (o *Orchestrator) finalize(ctx context.Context, key day.Key, from day.State, ev day.EventType, cause error) (day.TradingDay, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	td, err := o.days.Transition(fctx, key, from, ev, failurePayload(cause))
	if err != nil {
		return td, errors.Join(cause, err)
	}
	return td, cause
}

func (o *Orchestrator) startActivities(key day.Key) []activity {
	env, date := key.Environment, key.Date
	return []activity{
		{config.ActivitySyncSecurityMaster, func(ctx context.Context) error { return o.svc.SecurityMaster.Sync(ctx, env, date) }},
		{config.ActivityStartIngestion, func(ctx context.Context) error { return o.svc.Ingestion.Start(ctx, env, date) }},
		{config.ActivityStartArchival, func(ctx context.Context) error { return o.svc.Archival.Start(ctx, env, date) }},
		{config.ActivityStartGateway, func(ctx context.Context) error { return o.svc.Gateway.Start(ctx, env, date) }},
		o.healthActivity(key),
	}
}

func (o *Orchestrator) endActivities(key day.Key, opts EndOptions) []activity {
	env, date := key.Environment, key.Date
	acts := []activity{
		{config.ActivityDrainConnections, func(ctx context.Context) error { return o.svc.Gateway.Stop(ctx, env) }},
		{config.ActivityFlushBuffers, func(ctx context.Context) error { return o.svc.Archival.Stop(ctx, env) }},
		{config.ActivityStopIngestion, func(ctx context.Context) error { return o.svc.Ingestion.Stop(ctx, env) }},
	}
	if !opts.Force {
		acts = append(acts, activity{config.ActivityVerifyArchive, func(ctx context.Context) error { return o.svc.Verifier.Verify(ctx, env, date) }})
	}
	return acts
}

func (o *Orchestrator) healthActivity(key day.Key) activity {
	env := key.Environment
	return activity{config.ActivityHealthCheck, func(ctx context.Context) error {
		var errs []error
		for name, svc := range map[string]Service{"ingestion": o.svc.Ingestion, "archival": o.svc.Archival, "gateway": o.svc.Gateway} {
			if err := svc.Healthcheck(ctx, env); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	}}
}

// recordStats sums the counters of the capture services that report them and
// stores the sum on the day when it differs from prev. Failures are logged
// only.
func (o *Orchestrator) recordStats(ctx context.Context, key day.Key, prev day.Stats) (day.TradingDay, bool) {
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"env": key.Environment, "date": key.Date})
	var total day.Stats
	reported := false
	for name, svc := range map[string]Service{"ingestion": o.svc.Ingestion, "archival": o.svc.Archival} {
		r, ok := svc.(StatsReporter)
		if !ok {
			continue
		}
		stats, err := r.DayStats(ctx, key.Environment)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"service": name}).Warn("failed to read service stats")
			continue
		}
		total.MessageCount += stats.MessageCount
		total.GapCount += stats.GapCount
		reported = true
	}
	if !reported || total == prev {
		return day.TradingDay{}, false
	}
	td, err := o.days.RecordStats(ctx, key, total)
	if err != nil {
		log.WithError(err).Warn("failed to record day stats")
		return day.TradingDay{}, false
	}
	log.WithFields(logger.Fields{"messages": total.MessageCount, "gaps": total.GapCount}).Debug("recorded day stats")
	return td, true
}

// Start creates the day if needed and runs the start activities. The first
// activity to exhaust its retries moves the day to FAILED; nothing started
// before it is rolled back.
func (o *Orchestrator) Start(ctx context.Context, key day.Key) (day.TradingDay, error) {
	release, err := o.acquire(ctx, key)
	if err != nil {
		return day.TradingDay{}, err
	}
	defer release()
	return o.start(ctx, key)
}

// start must be called with the lock of key held.
func (o *Orchestrator) start(ctx context.Context, key day.Key) (day.TradingDay, error) {
	wctx, cancel := o.workflowContext(ctx)
	defer cancel()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"env": key.Environment, "date": key.Date, "workflow": "start"})

	if _, err := o.days.Get(wctx, key); errors.Is(err, day.ErrDayNotFound) {
		if _, err := o.days.Create(wctx, key); err != nil {
			return day.TradingDay{}, err
		}
	} else if err != nil {
		return day.TradingDay{}, err
	}

	td, err := o.days.Transition(wctx, key, day.Pending, day.EventStartRequested, nil)
	if err != nil {
		return td, err
	}
	log.Info("start workflow running")

	for _, a := range o.startActivities(key) {
		if err := o.runActivity(wctx, key, a); err != nil {
			log.WithError(err).Error("start workflow failed")
			return o.finalize(ctx, key, day.Starting, day.EventStartFailed, err)
		}
	}

	td, err = o.days.Transition(wctx, key, day.Starting, day.EventStarted, nil)
	if err != nil {
		return td, err
	}
	log.Info("trading day active")
	return td, nil
}

// End runs the teardown activities of an ACTIVE day.
func (o *Orchestrator) End(ctx context.Context, key day.Key, opts EndOptions) (day.TradingDay, error) {
	release, err := o.acquire(ctx, key)
	if err != nil {
		return day.TradingDay{}, err
	}
	defer release()
	return o.end(ctx, key, opts)
}

// end must be called with the lock of key held.
func (o *Orchestrator) end(ctx context.Context, key day.Key, opts EndOptions) (day.TradingDay, error) {
	wctx, cancel := o.workflowContext(ctx)
	defer cancel()

	if _, err := o.days.Transition(wctx, key, day.Active, day.EventEndRequested, opts); err != nil {
		return day.TradingDay{}, err
	}
	return o.runEnd(ctx, wctx, key, opts)
}

// runEnd runs the end activities of a day already in ENDING.
func (o *Orchestrator) runEnd(parent, ctx context.Context, key day.Key, opts EndOptions) (day.TradingDay, error) {
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"env":      key.Environment,
		"date":     key.Date,
		"workflow": "end",
		"force":    opts.Force,
	})
	log.Info("end workflow running")

	for _, a := range o.endActivities(key, opts) {
		if err := o.runActivity(ctx, key, a); err != nil {
			log.WithError(err).Error("end workflow failed")
			o.recordStats(ctx, key, day.Stats{})
			return o.finalize(parent, key, day.Ending, day.EventEndFailed, err)
		}
	}
	o.recordStats(ctx, key, day.Stats{})

	td, err := o.days.Transition(ctx, key, day.Ending, day.EventCompleted, nil)
	if err != nil {
		return td, err
	}
	log.Info("trading day complete")
	return td, nil
}

// Roll ends current and, only if it reached COMPLETE, starts the next
// calendar date. Both dates stay locked for the whole roll; locks are taken
// in date order.
func (o *Orchestrator) Roll(ctx context.Context, env string, current day.Date, opts EndOptions) (RollResult, error) {
	key := day.Key{Environment: env, Date: current}
	next := day.Key{Environment: env, Date: current.Next()}
	releaseCur, err := o.acquire(ctx, key)
	if err != nil {
		return RollResult{}, fmt.Errorf("%w: %w", ErrRollAborted, err)
	}
	defer releaseCur()
	releaseNext, err := o.acquire(ctx, next)
	if err != nil {
		return RollResult{}, fmt.Errorf("%w: %w", ErrRollAborted, err)
	}
	defer releaseNext()

	ended, err := o.end(ctx, key, opts)
	res := RollResult{Ended: ended}
	if err != nil {
		return res, fmt.Errorf("%w: end %s: %w", ErrRollAborted, key, err)
	}
	if ended.State != day.Complete {
		return res, fmt.Errorf("%w: %s ended in %s", ErrRollAborted, key, ended.State)
	}

	started, err := o.start(ctx, next)
	res.Started = &started
	return res, err
}

// Check runs the health check against an ACTIVE day and marks it ERROR when
// the check exhausts its retries. A healthy day gets the current service
// stats. Days in any other state are returned as is.
func (o *Orchestrator) Check(ctx context.Context, key day.Key) (day.TradingDay, error) {
	release, err := o.acquire(ctx, key)
	if err != nil {
		return day.TradingDay{}, err
	}
	defer release()

	td, err := o.days.Get(ctx, key)
	if err != nil || td.State != day.Active {
		return td, err
	}
	if err := o.runActivity(ctx, key, o.healthActivity(key)); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{"env": key.Environment, "date": key.Date}).Warn("trading day degraded")
		return o.finalize(ctx, key, day.Active, day.EventDegraded, err)
	}
	if updated, ok := o.recordStats(ctx, key, td.Stats); ok {
		td = updated
	}
	return td, nil
}

// Recover rebuilds the projection of key's environment from the journal and
// resolves a day left in a non-steady state:
//
//	ERROR    health check; ACTIVE on success, FAILED when it stays unhealthy
//	STARTING interrupted start; FAILED
//	ENDING   interrupted end; the end activities run again
//	FAILED   best effort stop of every service
func (o *Orchestrator) Recover(ctx context.Context, key day.Key) (day.TradingDay, error) {
	release, err := o.acquire(ctx, key)
	if err != nil {
		return day.TradingDay{}, err
	}
	defer release()

	wctx, cancel := o.workflowContext(ctx)
	defer cancel()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"env": key.Environment, "date": key.Date, "workflow": "recover"})

	if _, err := o.days.Rebuild(wctx, key.Environment); err != nil {
		return day.TradingDay{}, err
	}
	td, err := o.days.Get(wctx, key)
	if err != nil {
		return td, err
	}
	log = log.WithFields(logger.Fields{"state": td.State})

	switch td.State {
	case day.Error:
		if err := o.runActivity(wctx, key, o.healthActivity(key)); err != nil {
			log.WithError(err).Error("day did not recover; abandoning")
			failed, ferr := o.finalize(ctx, key, day.Error, day.EventAbandoned, err)
			o.teardown(ctx, key)
			return failed, ferr
		}
		log.Info("day recovered")
		return o.days.Transition(wctx, key, day.Error, day.EventRecovered, nil)
	case day.Starting:
		log.Warn("start workflow was interrupted")
		return o.finalize(ctx, key, day.Starting, day.EventStartFailed, errors.New("start workflow interrupted"))
	case day.Ending:
		log.Warn("end workflow was interrupted; resuming")
		return o.runEnd(ctx, wctx, key, EndOptions{})
	case day.Failed:
		o.teardown(ctx, key)
		return td, nil
	default:
		return td, nil
	}
}

// teardown stops every service once, ignoring failures.
func (o *Orchestrator) teardown(ctx context.Context, key day.Key) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"env": key.Environment, "date": key.Date})
	for name, svc := range map[string]Service{"gateway": o.svc.Gateway, "archival": o.svc.Archival, "ingestion": o.svc.Ingestion} {
		if err := svc.Stop(tctx, key.Environment); err != nil {
			log.WithError(err).WithFields(logger.Fields{"service": name}).Warn("teardown stop failed")
		}
	}
}

// Monitor checks the active day of env every interval until ctx is done.
func (o *Orchestrator) Monitor(ctx context.Context, env string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"env": env})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			td, ok, err := o.days.Active(ctx, env)
			if err != nil {
				log.WithError(err).Warn("failed to load active day")
				continue
			}
			if !ok || td.State != day.Active {
				continue
			}
			if _, err := o.Check(ctx, td.Key()); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("health check failed")
			}
		}
	}
}
