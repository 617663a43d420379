// Package dispatch runs the master controller for one simulation: it owns
// run bookkeeping (timeout sweep, dependency cascade, retries), sizes the
// worker pool through a cluster manager, and stops when every run reached a
// terminal status. Exactly one master may control a simulation at a time;
// a redis lock enforces that across hosts.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/ensemble/internal/cluster"
	"github.com/mohammad-safakhou/ensemble/internal/store"
)

const lockTTL = 2 * time.Minute

// StoreAPI captures the store methods the master needs.
type StoreAPI interface {
	CreateRuns(ctx context.Context, simID int64, trials []int) (int64, error)
	CountByStatus(ctx context.Context, simID int64) (map[string]int, error)
	TimeoutRunning(ctx context.Context, simID int64, olderThan time.Duration) (int64, error)
	CascadeAbort(ctx context.Context, simID int64, maxRetries int) (int64, error)
	RetryFailed(ctx context.Context, simID int64, maxRetries int) (int64, error)
	AbortRuns(ctx context.Context, simID int64, statuses []string, cause string) (int64, error)
	CancelRequested(ctx context.Context, simID int64) (bool, error)
	StatusSummary(ctx context.Context, simID int64) ([]store.StatusCount, error)
	RunDurations(ctx context.Context, simID int64, endedAfter time.Time) ([]float64, error)
}

// Options are the dispatch knobs, straight from the dispatch config section.
type Options struct {
	PollInterval     time.Duration
	MinutesPerRun    int
	MaxRetries       int
	MaxWorkers       int
	SweepSchedule    string
	ShutdownWhenIdle bool
	MetricsPort      int
}

// Master drives one simulation to completion.
type Master struct {
	store   StoreAPI
	manager cluster.Manager
	rdb     *redis.Client
	opts    Options
	logger  *log.Logger
	metrics *Metrics

	sweep *cronexpr.Expression

	// jobs tracks worker jobs submitted by this master, by job id.
	jobs map[string]cluster.JobState
}

// NewMaster validates options and builds a master. rdb may be nil for
// single-host runs without a lock service.
func NewMaster(st StoreAPI, mgr cluster.Manager, rdb *redis.Client, opts Options, logger *log.Logger) (*Master, error) {
	if st == nil || mgr == nil {
		return nil, fmt.Errorf("dispatch: store and cluster manager are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[MASTER] ", log.LstdFlags)
	}
	m := &Master{
		store:   st,
		manager: mgr,
		rdb:     rdb,
		opts:    opts,
		logger:  logger,
		metrics: NewMetrics(),
		jobs:    make(map[string]cluster.JobState),
	}
	if opts.SweepSchedule != "" {
		expr, err := cronexpr.Parse(opts.SweepSchedule)
		if err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", opts.SweepSchedule, err)
		}
		m.sweep = expr
	}
	return m, nil
}

// Run controls the simulation until every run is terminal, cancellation is
// requested, or ctx ends. It creates missing runs first, so re-running a
// master after a crash resumes where the previous one stopped.
func (m *Master) Run(ctx context.Context, simID int64) error {
	unlock, err := m.acquireLock(ctx, simID)
	if err != nil {
		return err
	}
	defer unlock()

	if m.opts.MetricsPort > 0 {
		m.serveMetrics(ctx)
	}

	created, err := m.store.CreateRuns(ctx, simID, nil)
	if err != nil {
		return fmt.Errorf("create runs: %w", err)
	}
	if created > 0 {
		m.logger.Printf("sim %d: created %d runs", simID, created)
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	lastSweep := time.Time{}
	lastDurations := time.Now()
	for {
		done, err := m.tick(ctx, simID, &lastSweep, &lastDurations)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		m.refreshLock(ctx, simID)
		select {
		case <-ctx.Done():
			m.logger.Printf("sim %d: interrupted, leaving runs to a future master", simID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Master) tick(ctx context.Context, simID int64, lastSweep, lastDurations *time.Time) (bool, error) {
	m.metrics.ticks.Inc()

	cancel, err := m.store.CancelRequested(ctx, simID)
	if err != nil {
		return false, fmt.Errorf("cancel check: %w", err)
	}
	if cancel {
		return true, m.shutdownCancelled(ctx, simID)
	}

	if m.sweepDue(*lastSweep) {
		*lastSweep = time.Now()
		if m.opts.MinutesPerRun > 0 {
			n, err := m.store.TimeoutRunning(ctx, simID, time.Duration(m.opts.MinutesPerRun)*time.Minute)
			if err != nil {
				return false, fmt.Errorf("timeout sweep: %w", err)
			}
			if n > 0 {
				m.metrics.timeouts.Add(float64(n))
				m.logger.Printf("sim %d: timed out %d runs after %dm", simID, n, m.opts.MinutesPerRun)
			}
		}
	}

	cascaded, err := m.store.CascadeAbort(ctx, simID, m.opts.MaxRetries)
	if err != nil {
		return false, fmt.Errorf("cascade: %w", err)
	}
	if cascaded > 0 {
		m.metrics.cascaded.Add(float64(cascaded))
		m.logger.Printf("sim %d: aborted %d policy runs whose baseline died", simID, cascaded)
	}

	retried, err := m.store.RetryFailed(ctx, simID, m.opts.MaxRetries)
	if err != nil {
		return false, fmt.Errorf("retry: %w", err)
	}
	if retried > 0 {
		m.metrics.retries.Add(float64(retried))
		m.logger.Printf("sim %d: requeued %d failed runs", simID, retried)
	}

	counts, err := m.store.CountByStatus(ctx, simID)
	if err != nil {
		return false, fmt.Errorf("count runs: %w", err)
	}
	m.metrics.setRuns(counts)

	if durations, err := m.store.RunDurations(ctx, simID, *lastDurations); err == nil {
		for _, d := range durations {
			m.metrics.observeRun(d)
		}
		*lastDurations = time.Now()
	}

	if err := m.resizePool(ctx, simID, counts); err != nil {
		return false, err
	}

	waiting := counts[store.RunStatusPending] + counts[store.RunStatusQueued]
	if waiting+counts[store.RunStatusRunning] == 0 && retried == 0 {
		m.logger.Printf("sim %d: all runs terminal", simID)
		m.logSummary(ctx, simID)
		return true, nil
	}
	return false, nil
}

// resizePool polls submitted jobs, drops finished ones, and submits enough
// new worker jobs to cover the waiting runs, capped at MaxWorkers.
func (m *Master) resizePool(ctx context.Context, simID int64, counts map[string]int) error {
	if len(m.jobs) > 0 {
		ids := make([]string, 0, len(m.jobs))
		for id := range m.jobs {
			ids = append(ids, id)
		}
		states, err := m.manager.Poll(ctx, ids)
		if err != nil {
			return fmt.Errorf("poll jobs: %w", err)
		}
		for id, s := range states {
			if s.Live() {
				m.jobs[id] = s
			} else {
				delete(m.jobs, id)
			}
		}
	}

	waiting := counts[store.RunStatusPending] + counts[store.RunStatusQueued]
	desired := waiting
	if desired > m.opts.MaxWorkers {
		desired = m.opts.MaxWorkers
	}

	if waiting == 0 && m.opts.ShutdownWhenIdle {
		for id, s := range m.jobs {
			if s != cluster.JobQueued {
				continue
			}
			if err := m.manager.Cancel(ctx, id); err != nil {
				m.logger.Printf("sim %d: cancel idle job %s: %v", simID, id, err)
				continue
			}
			delete(m.jobs, id)
		}
	}

	for len(m.jobs) < desired {
		job := cluster.Job{SimID: simID, Name: jobName(simID)}
		id, err := m.manager.Submit(ctx, job)
		if err != nil {
			return fmt.Errorf("submit worker: %w", err)
		}
		m.jobs[id] = cluster.JobQueued
		m.metrics.submitted.Inc()
		m.logger.Printf("sim %d: submitted worker job %s (%s)", simID, id, job.Name)
	}
	m.metrics.workers.Set(float64(len(m.jobs)))
	return nil
}

func (m *Master) shutdownCancelled(ctx context.Context, simID int64) error {
	n, err := m.store.AbortRuns(ctx, simID, []string{store.RunStatusPending, store.RunStatusQueued}, "cancelled by user")
	if err != nil {
		return fmt.Errorf("abort on cancel: %w", err)
	}
	m.logger.Printf("sim %d: cancellation requested, aborted %d waiting runs", simID, n)
	for id := range m.jobs {
		if err := m.manager.Cancel(ctx, id); err != nil {
			m.logger.Printf("sim %d: cancel job %s: %v", simID, id, err)
		}
	}
	m.logSummary(ctx, simID)
	return nil
}

func (m *Master) sweepDue(last time.Time) bool {
	if m.sweep == nil {
		return true
	}
	if last.IsZero() {
		return true
	}
	return !m.sweep.Next(last).After(time.Now())
}

func (m *Master) logSummary(ctx context.Context, simID int64) {
	rows, err := m.store.StatusSummary(ctx, simID)
	if err != nil {
		m.logger.Printf("sim %d: status summary unavailable: %v", simID, err)
		return
	}
	for _, r := range rows {
		m.logger.Printf("sim %d: %s %s: %d runs", simID, r.Experiment, r.Status, r.Runs)
	}
}

func (m *Master) acquireLock(ctx context.Context, simID int64) (func(), error) {
	if m.rdb == nil {
		return func() {}, nil
	}
	key := lockKey(simID)
	holder := lockHolder()
	ok, err := m.rdb.SetNX(ctx, key, holder, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire master lock: %w", err)
	}
	if !ok {
		current, _ := m.rdb.Get(ctx, key).Result()
		return nil, fmt.Errorf("sim %d already has a master (%s)", simID, current)
	}
	return func() {
		if err := m.rdb.Del(context.Background(), key).Err(); err != nil {
			m.logger.Printf("sim %d: release master lock: %v", simID, err)
		}
	}, nil
}

func (m *Master) refreshLock(ctx context.Context, simID int64) {
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Expire(ctx, lockKey(simID), lockTTL).Err(); err != nil {
		m.logger.Printf("sim %d: refresh master lock: %v", simID, err)
	}
}

func (m *Master) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.metrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", m.opts.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Printf("metrics server error: %v", err)
		}
	}()
}

func jobName(simID int64) string {
	return fmt.Sprintf("ensemble-s%d-%s", simID, uuid.NewString()[:8])
}

func lockKey(simID int64) string { return fmt.Sprintf("master:lock:%d", simID) }

func lockHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
