// Package scheduler turns persisted jobs into executions. A periodic scan
// picks up due jobs, claims each one atomically and hands it to a bounded
// worker pool. Claiming goes through the store's conditional update, so any
// number of concurrent scans (or processes) produce at most one execution
// per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postwatch/internal/policy"
	"postwatch/internal/ref"
	"postwatch/internal/store"
	logx "postwatch/pkg/logx"
)

// Runner executes a single claimed job. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, job store.Job) (store.Execution, error)
}

// Config carries the scheduling knobs. Zero values fall back to defaults.
type Config struct {
	// Tick is how often due jobs are scanned for dispatch.
	Tick time.Duration
	// ScanInterval is how often stale running jobs are reconciled.
	ScanInterval time.Duration
	// Workers bounds concurrent executions.
	Workers int
	// QueueSize bounds claimed-but-not-yet-running jobs.
	QueueSize int
	// MinDelay is the earliest-execution floor applied when admitting jobs.
	MinDelay time.Duration
	// StaleAfter is how long a job may sit in running before it is
	// considered orphaned and requeued.
	StaleAfter time.Duration
	// DefaultPolicy applies when an admission names no policy.
	DefaultPolicy policy.Name
}

const (
	defaultTick         = 5 * time.Second
	defaultScanInterval = 30 * time.Second
	defaultWorkers      = 4
	defaultQueueSize    = 64
	defaultStaleAfter   = 30 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MinDelay <= 0 {
		c.MinDelay = policy.DefaultMinDelay
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = policy.Standard
	}
}

// Scheduler owns the scan loop and the worker pool.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	runner Runner
	clock  policy.Clock
	log    logx.Logger

	cron     *cron.Cron
	queue    chan store.Job
	wg       sync.WaitGroup
	scanBusy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, st *store.Store, runner Runner, clock policy.Clock, log logx.Logger) *Scheduler {
	cfg.applyDefaults()
	if clock == nil {
		clock = policy.SystemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		runner: runner,
		clock:  clock,
		log:    log,
		queue:  make(chan store.Job, cfg.QueueSize),
	}
}

// Start launches the workers and the periodic scan. It recovers jobs left
// in running by a previous crash before the first scan fires, so a restart
// never strands work.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())

		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker(i)
		}

		s.recoverStale(s.ctx)

		s.cron = cron.New()
		s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), func() {
			s.Scan(s.ctx)
		})
		s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.ScanInterval), func() {
			s.recoverStale(s.ctx)
		})
		s.cron.Start()

		s.log.Info("scheduler started",
			logx.Int("workers", s.cfg.Workers),
			logx.Duration("tick", s.cfg.Tick))
	})
}

// Stop halts scanning, drains the queue and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		// No scans are running past this point, so the queue only drains.
		// Cancel last so already-claimed jobs still execute cleanly.
		close(s.queue)
		s.wg.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		s.log.Info("scheduler stopped")
	})
}

// Admit creates a batch of jobs from parsed references. Each job's execution
// time comes from the named policy; refs without a publish hint count from
// admission time until the executor corrects them.
func (s *Scheduler) Admit(ctx context.Context, source string, pol policy.Name, refs []ref.Ref) (*store.Batch, error) {
	if pol == "" {
		pol = s.cfg.DefaultPolicy
	}
	b, err := s.store.CreateBatch(ctx, source, pol, refs, s.clock.Now(), s.cfg.MinDelay)
	if err != nil {
		return nil, err
	}
	s.log.Info("batch admitted",
		logx.Int64("batch", b.ID),
		logx.String("source", source),
		logx.String("policy", string(pol)),
		logx.Int("jobs", b.Total))
	return b, nil
}

// RunJobNow claims a job ahead of its scheduled time and dispatches it.
// It reports false when the job is already running or finished.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID int64) (bool, error) {
	job, err := s.store.Job(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, fmt.Errorf("job %d already %s", jobID, job.Status)
	}
	return s.claim(ctx, *job)
}

// RunBatchNow dispatches every claimable job of a batch immediately and
// returns how many were claimed.
func (s *Scheduler) RunBatchNow(ctx context.Context, batchID int64) (int, error) {
	jobs, err := s.store.BatchJobs(ctx, batchID)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, job := range jobs {
		if job.Status.Terminal() || job.Status == store.StatusRunning {
			continue
		}
		ok, err := s.claim(ctx, job)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed++
		}
	}
	return claimed, nil
}

// Scan claims every due job and hands it to the pool. Overlapping calls
// collapse to one; the claim itself is race-free either way.
func (s *Scheduler) Scan(ctx context.Context) {
	if !s.scanBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.scanBusy.Store(false)

	now := s.clock.Now()
	jobs, err := s.store.DueJobs(ctx, now)
	if err != nil {
		// Transient storage trouble must not kill the loop.
		s.log.Warn("due job scan failed", logx.Err(err))
		return
	}
	for _, job := range jobs {
		if _, err := s.claim(ctx, job); err != nil {
			s.log.Warn("job claim failed", logx.Int64("job", job.ID), logx.Err(err))
		}
	}
}

// claim flips the job to running and enqueues it. Exactly one caller wins.
func (s *Scheduler) claim(ctx context.Context, job store.Job) (bool, error) {
	ok, err := s.store.TryAcquire(ctx, job.ID, s.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	fresh, err := s.store.Job(ctx, job.ID)
	if err != nil {
		return true, err
	}
	select {
	case s.queue <- *fresh:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.With(logx.Int("worker", id))
	for job := range s.queue {
		if _, err := s.runner.Run(s.ctx, job); err != nil {
			log.Error("job execution failed", logx.Int64("job", job.ID), logx.Err(err))
		}
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	n, err := s.store.RecoverStale(ctx, s.clock.Now(), s.cfg.StaleAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("stale job recovery failed", logx.Err(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("stale jobs requeued", logx.Int64("count", n))
	}
}
