// Package scheduler runs the control loop: it watches job due times, starts
// runs with per-job mutual exclusion, and folds run outcomes back into the
// persisted state (watermark, next due time, failure streak).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"tubescribe/internal/catchup"
	"tubescribe/internal/config"
	"tubescribe/internal/eventbus"
	"tubescribe/internal/executor"
	"tubescribe/internal/fetch"
	"tubescribe/internal/jobstore"
	logx "tubescribe/pkg/logx"
)

// Bus event types emitted by the scheduler.
const (
	EventRunStarted  = "job.run.started"
	EventRunFinished = "job.run.finished"
)

// ErrNotStarted is returned by TriggerNow before the control loop is up.
var ErrNotStarted = errors.New("scheduler not started")

// Prefixer is implemented by archives that can place a job's files under its
// own folder. Archives without it store everything flat.
type Prefixer interface {
	WithPrefix(folderPrefix string) fetch.Archive
}

// Options are the resolved control-loop knobs.
type Options struct {
	// Enabled gates the periodic tick only; manual triggers always work.
	Enabled bool
	// Tick is how often due times are checked.
	Tick time.Duration
	// CatchupGrace delays a brand-new job's first run, so a mistyped job
	// can be fixed or deleted before it starts downloading.
	CatchupGrace time.Duration
}

const (
	defaultTick         = time.Minute
	defaultCatchupGrace = 30 * time.Second
)

func FromConfig(cfg config.SchedulerConfig) (Options, error) {
	var o Options
	var err error
	o.Enabled = cfg.Enabled
	if o.Tick, err = config.ParseDurationOrDefault("scheduler.tick", cfg.Tick, defaultTick); err != nil {
		return Options{}, err
	}
	if o.CatchupGrace, err = config.ParseDurationOrDefault("scheduler.catchup_grace", cfg.CatchupGrace, defaultCatchupGrace); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Scheduler owns the per-job run lifecycle. One instance per process.
type Scheduler struct {
	store   *jobstore.Store
	planner *catchup.Planner
	fetcher fetch.ItemFetcher
	archive fetch.Archive
	bus     eventbus.Bus
	log     logx.Logger
	opts    Options

	mu       sync.Mutex
	runCtx   context.Context
	execOpts executor.Options

	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup
}

func New(store *jobstore.Store, planner *catchup.Planner, fetcher fetch.ItemFetcher, archive fetch.Archive, bus eventbus.Bus, opts Options, execOpts executor.Options, log logx.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		planner:  planner,
		fetcher:  fetcher,
		archive:  archive,
		bus:      bus,
		log:      log,
		opts:     opts,
		execOpts: execOpts,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once Run has taken over and manual triggers are accepted.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// SetExecutorOptions swaps the pacing knobs for runs started after the call.
// In-flight runs keep the options they started with.
func (s *Scheduler) SetExecutorOptions(o executor.Options) {
	s.mu.Lock()
	s.execOpts = o
	s.mu.Unlock()
}

func (s *Scheduler) executorOptions() executor.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execOpts
}

// FirstDue is the due time for a freshly created job: now plus the catch-up
// grace. Calendar alignment takes over after that first run completes.
func (s *Scheduler) FirstDue(now time.Time) time.Time {
	return now.UTC().Add(s.opts.CatchupGrace)
}

// Run is the control loop. It blocks until ctx is canceled, then waits for
// in-flight runs to wind down. Meant to be supervised.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	if s.opts.Enabled {
		s.log.Info("scheduler started", logx.Duration("tick", s.opts.Tick))
		s.tick(ctx)

		t := time.NewTicker(s.opts.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return ctx.Err()
			case <-t.C:
				s.tick(ctx)
			}
		}
	}

	s.log.Info("scheduler tick disabled, serving manual triggers only")
	<-ctx.Done()
	s.wg.Wait()
	return ctx.Err()
}

// tick starts a run for every job whose due time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Error("list jobs", logx.Err(err))
		return
	}
	states, err := s.store.ListStates(ctx)
	if err != nil {
		s.log.Error("list states", logx.Err(err))
		return
	}
	for _, job := range jobs {
		st, ok := states[job.ID]
		if !ok {
			// A job without state should not exist; self-heal so it
			// is not silently never scheduled.
			st = jobstore.RunState{JobID: job.ID, NextDueAt: s.FirstDue(now)}
			if err := s.store.SaveState(ctx, st); err != nil {
				s.log.Error("repair job state", logx.String("job_id", job.ID), logx.Err(err))
			}
			continue
		}
		if st.Running || st.NextDueAt.After(now) {
			continue
		}
		if err := s.start(ctx, job); err != nil && !errors.Is(err, jobstore.ErrJobRunning) {
			s.log.Error("start run", logx.String("job_id", job.ID), logx.Err(err))
		}
	}
}

// TriggerNow starts a run for the job immediately, outside its schedule.
// Returns jobstore.ErrJobRunning if a run is already active and
// jobstore.ErrNotFound for unknown ids.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID string) error {
	s.mu.Lock()
	started := s.runCtx != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.start(ctx, job)
}

// start performs the due -> running transition. The durable flag flip in
// TryAcquireRun is the single point of mutual exclusion; timer and manual
// triggers both race through it and only one wins.
func (s *Scheduler) start(ctx context.Context, job jobstore.Job) error {
	now := time.Now().UTC()
	ok, err := s.store.TryAcquireRun(ctx, job.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return jobstore.ErrJobRunning
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(runCtx, job, now)
	}()
	return nil
}

// runJob executes one run end to end: plan, drain, report, finalize state.
func (s *Scheduler) runJob(ctx context.Context, job jobstore.Job, startedAt time.Time) {
	log := s.log.With(logx.String("job_id", job.ID), logx.String("job", job.Name))
	log.Info("run started")
	s.bus.Publish(eventbus.Event{Type: EventRunStarted, Data: map[string]any{"job_id": job.ID}})

	report := fetch.ExecutionReport{JobID: job.ID, StartedAt: startedAt}
	var res executor.Result
	canceled := false

	state, err := s.store.GetState(ctx, job.ID)
	if err != nil {
		report.Fatal = "load run state: " + err.Error()
	} else {
		items, srcErrs, perr := s.planner.Plan(ctx, job, state)
		report.SourceErrors = srcErrs
		switch {
		case perr != nil:
			if ctx.Err() != nil {
				canceled = true
			} else {
				report.Fatal = perr.Error()
			}
		case len(job.Sources) > 0 && len(srcErrs) == len(job.Sources):
			report.Fatal = "all sources failed"
		default:
			archive := s.archive
			if p, ok := archive.(Prefixer); ok && job.FolderPrefix != "" {
				archive = p.WithPrefix(job.FolderPrefix)
			}
			ex := executor.New(s.fetcher, archive, s.executorOptions(), log)
			var rerr error
			res, rerr = ex.Run(ctx, job.ID, items)
			canceled = rerr != nil
			report.Attempted = res.Attempted
			report.Succeeded = res.Succeeded
			report.SkippedDuplicate = res.SkippedDuplicate
			report.Failed = res.Failed
			report.MaxPublished = res.MaxPublished
		}
	}
	report.FinishedAt = time.Now().UTC()

	// The run ctx is canceled on shutdown; persistence still has to happen.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Even an interrupted run leaves a (partial) report so failure is never
	// silent.
	if err := s.store.AppendReport(persistCtx, report); err != nil {
		log.Error("append report", logx.Err(err))
	}
	s.finalize(persistCtx, log, job, report, res, canceled)

	log.Info("run finished",
		logx.Int("attempted", report.Attempted),
		logx.Int("succeeded", report.Succeeded),
		logx.Int("skipped", report.SkippedDuplicate),
		logx.Int("failed", len(report.Failed)),
		logx.Bool("complete", res.Complete))
	s.bus.Publish(eventbus.Event{Type: EventRunFinished, Data: map[string]any{
		"job_id":    job.ID,
		"succeeded": report.Succeeded,
		"failed":    len(report.Failed),
		"fatal":     report.Fatal,
	}})
}

// finalize releases the running flag and folds the outcome into the state.
//
// Watermark rules: advance to the latest successful publish time, and only
// when the run attempted everything it planned. An interrupted run keeps the
// old watermark so the untouched items are re-planned next time.
func (s *Scheduler) finalize(ctx context.Context, log logx.Logger, job jobstore.Job, report fetch.ExecutionReport, res executor.Result, canceled bool) {
	state, err := s.store.GetState(ctx, job.ID)
	if err != nil {
		log.Error("finalize: load state", logx.Err(err))
		return
	}
	state.Running = false
	state.StartedAt = nil

	switch {
	case canceled:
		// Shutdown mid-run. Due time stays in the past so the job is
		// picked up again on the next start.
	case report.Fatal != "":
		state.ConsecutiveFailures++
		state.NextDueAt = NextDue(job.Frequency, report.FinishedAt)
	default:
		state.ConsecutiveFailures = 0
		state.NextDueAt = NextDue(job.Frequency, report.FinishedAt)
		if res.Complete {
			t := report.FinishedAt
			state.LastCompletedAt = &t
			if !res.MaxPublished.IsZero() &&
				(state.LastWatermark == nil || res.MaxPublished.After(*state.LastWatermark)) {
				wm := res.MaxPublished
				state.LastWatermark = &wm
			}
		}
	}

	if err := s.store.SaveState(ctx, state); err != nil {
		log.Error("finalize: save state", logx.Err(err))
	}
}
