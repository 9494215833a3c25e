// Package catchup builds the ordered work list a job still owes.
package catchup

import (
	"context"
	"fmt"
	"time"

	"tubescribe/internal/fetch"
	"tubescribe/internal/jobstore"
	logx "tubescribe/pkg/logx"
)

type Planner struct {
	lister  fetch.SourceLister
	archive fetch.Archive
	log     logx.Logger
}

func New(lister fetch.SourceLister, archive fetch.Archive, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{lister: lister, archive: archive, log: log}
}

// Plan computes the ordered set of items still owed for one run.
//
// The listing floor is max(lastWatermark, startDate); a job that never ran
// catches up all the way back to its start date. Per-source chronological
// order is preserved and sources are concatenated in the job's source order
// (sources are independent, so no cross-source merge by timestamp).
//
// A source whose listing fails is skipped and reported in the returned
// failures; remaining sources are still planned. An empty plan is success.
// The returned error is job-fatal (cancellation or dedup store unavailable).
func (p *Planner) Plan(ctx context.Context, job jobstore.Job, state jobstore.RunState) ([]fetch.WorkItem, []fetch.SourceFailure, error) {
	floor := Floor(job, state)

	var (
		items    []fetch.WorkItem
		failures []fetch.SourceFailure
	)
	for _, src := range job.Sources {
		listed, err := p.lister.List(ctx, src, floor)
		if err != nil {
			if ctx.Err() != nil {
				return nil, failures, ctx.Err()
			}
			// One bad source (renamed, deleted) must not abort the whole job.
			p.log.Warn("source listing failed",
				logx.String("job", job.ID),
				logx.String("source", src),
				logx.Err(err),
			)
			failures = append(failures, fetch.SourceFailure{SourceID: src, Err: err.Error()})
			continue
		}

		kept := 0
		for _, it := range listed {
			seen, err := p.archive.Exists(ctx, it.ItemID)
			if err != nil {
				if ctx.Err() != nil {
					return nil, failures, ctx.Err()
				}
				return nil, failures, fmt.Errorf("dedup check %s: %w", it.ItemID, err)
			}
			if seen {
				continue
			}
			items = append(items, it)
			kept++
		}
		p.log.Debug("source planned",
			logx.String("job", job.ID),
			logx.String("source", src),
			logx.Int("listed", len(listed)),
			logx.Int("owed", kept),
			logx.Time("floor", floor),
		)
	}
	return items, failures, nil
}

// Floor exposes the effective listing floor for diagnostics.
func Floor(job jobstore.Job, state jobstore.RunState) time.Time {
	if state.LastWatermark != nil && state.LastWatermark.After(job.StartDate) {
		return *state.LastWatermark
	}
	return job.StartDate
}
