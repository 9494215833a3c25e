// Package executor drains a planned work list through a paced, bounded-retry
// fetch-and-store pipeline. One executor run corresponds to one job run.
package executor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

// Options are the resolved pacing and retry knobs for one run.
type Options struct {
	// ItemDelay is the mandatory pause between consecutive fetches.
	ItemDelay time.Duration
	// MaxAttempts bounds tries per item, including the first.
	MaxAttempts int
	// BackoffMax caps the doubling retry delay.
	BackoffMax time.Duration
	// CooldownFactor scales ItemDelay into the one-time extended pause
	// applied after the first rate-limit response of a run.
	CooldownFactor int
	// FetchTimeout bounds each individual network call.
	FetchTimeout time.Duration
}

const (
	defaultItemDelay      = 3 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffMax     = time.Minute
	defaultCooldownFactor = 10
	defaultFetchTimeout   = 30 * time.Second
)

// FromConfig resolves the executor section, filling defaults for omitted fields.
func FromConfig(cfg config.ExecutorConfig) (Options, error) {
	var o Options
	var err error
	if o.ItemDelay, err = config.ParseDurationOrDefault("executor.item_delay", cfg.ItemDelay, defaultItemDelay); err != nil {
		return Options{}, err
	}
	if o.BackoffMax, err = config.ParseDurationOrDefault("executor.backoff_max", cfg.BackoffMax, defaultBackoffMax); err != nil {
		return Options{}, err
	}
	if o.FetchTimeout, err = config.ParseDurationOrDefault("executor.fetch_timeout", cfg.FetchTimeout, defaultFetchTimeout); err != nil {
		return Options{}, err
	}
	o.MaxAttempts = cfg.MaxAttempts
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	o.CooldownFactor = cfg.CooldownFactor
	if o.CooldownFactor <= 0 {
		o.CooldownFactor = defaultCooldownFactor
	}
	return o, nil
}

// Result is what one run actually did. The scheduler folds it into the
// persisted execution report and decides watermark advancement from it.
type Result struct {
	Attempted        int
	Succeeded        int
	SkippedDuplicate int
	Failed           []fetch.ItemFailure

	// Owed counts items never attempted because the run stopped early
	// (quota exhausted or context canceled). They are not failures; the
	// unchanged watermark will surface them again next run.
	Owed int

	// Complete is true when every planned item was attempted or skipped.
	// Only a complete run may advance the watermark, otherwise owed items
	// below a later success's publish time would be orphaned.
	Complete bool

	// MaxPublished is the latest publish timestamp among succeeded items.
	MaxPublished time.Time
}

// Executor fetches and archives items one at a time, pacing between fetches.
type Executor struct {
	fetcher fetch.ItemFetcher
	archive fetch.Archive
	log     logx.Logger
	opts    Options
}

func New(fetcher fetch.ItemFetcher, archive fetch.Archive, opts Options, log logx.Logger) *Executor {
	return &Executor{fetcher: fetcher, archive: archive, opts: opts, log: log}
}

// Run drains items in order. Per-item failures are recorded and the run
// continues; only context cancellation returns a non-nil error. A quota
// response stops further fetching for the rest of the run.
func (e *Executor) Run(ctx context.Context, jobID string, items []fetch.WorkItem) (Result, error) {
	var res Result
	log := e.log.With(logx.String("job_id", jobID))

	// Burst 1 with a full initial bucket: the first Wait is free, every
	// later one enforces ItemDelay since the previous fetch.
	limiter := rate.NewLimiter(rate.Every(e.opts.ItemDelay), 1)
	cooldownUsed := false

	for i, item := range items {
		if err := limiter.Wait(ctx); err != nil {
			res.Owed = len(items) - i
			return res, ctx.Err()
		}

		// Re-check the archive: a concurrent manual run or a previous
		// partially-reported run may have stored the item after planning.
		exists, err := e.archive.Exists(ctx, item.ItemID)
		if err != nil {
			if ctx.Err() != nil {
				res.Owed = len(items) - i
				return res, ctx.Err()
			}
			res.Failed = append(res.Failed, fetch.ItemFailure{
				ItemID: item.ItemID,
				Kind:   fetch.KindOf(err),
				Detail: err.Error(),
			})
			continue
		}
		if exists {
			res.SkippedDuplicate++
			continue
		}

		res.Attempted++
		err = e.processItem(ctx, log, item, &cooldownUsed)
		switch {
		case err == nil:
			res.Succeeded++
			if item.PublishedAt.After(res.MaxPublished) {
				res.MaxPublished = item.PublishedAt
			}
		case ctx.Err() != nil:
			res.Attempted--
			res.Owed = len(items) - i
			return res, ctx.Err()
		case fetch.KindOf(err) == fetch.KindQuotaExceeded:
			// Quota will not recover within this run. The current item
			// and everything after it stay owed, not failed.
			res.Attempted--
			res.Owed = len(items) - i
			log.Warn("run.quota_stop", logx.String("item_id", item.ItemID), logx.Int("owed", res.Owed))
			return res, nil
		default:
			res.Failed = append(res.Failed, fetch.ItemFailure{
				ItemID: item.ItemID,
				Kind:   fetch.KindOf(err),
				Detail: err.Error(),
			})
			log.Warn("run.item_failed",
				logx.String("item_id", item.ItemID),
				logx.String("kind", string(fetch.KindOf(err))),
				logx.Err(err))
		}
	}

	res.Complete = true
	return res, nil
}

// processItem fetches and stores one item with bounded retries. Retry delays
// start at ItemDelay and double up to BackoffMax; the first rate-limit hit of
// the run replaces that attempt's backoff with an extended cooldown instead.
func (e *Executor) processItem(ctx context.Context, log logx.Logger, item fetch.WorkItem, cooldownUsed *bool) error {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		tr, err := e.fetchOnce(ctx, item.ItemID)
		if err == nil {
			err = e.storeOnce(ctx, item, tr)
			if err == nil {
				return nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := fetch.KindOf(lastErr)
		if !kind.Retryable() || attempt == e.opts.MaxAttempts {
			return lastErr
		}

		delay := e.backoff(attempt)
		if kind == fetch.KindRateLimited && !*cooldownUsed {
			*cooldownUsed = true
			delay = time.Duration(e.opts.CooldownFactor) * e.opts.ItemDelay
			if hint := fetch.HintOf(lastErr); hint > delay {
				delay = hint
			}
			log.Warn("run.cooldown", logx.String("item_id", item.ItemID), logx.Duration("delay", delay))
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (e *Executor) fetchOnce(ctx context.Context, itemID string) (fetch.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.fetcher.Fetch(ctx, itemID)
}

func (e *Executor) storeOnce(ctx context.Context, item fetch.WorkItem, tr fetch.Transcript) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.archive.Store(ctx, item, tr)
}

// backoff returns the delay before retry number attempt+1.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.ItemDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	if d > e.opts.BackoffMax {
		return e.opts.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
