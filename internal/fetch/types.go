package fetch

import (
	"context"
	"time"
)

// WorkItem is one planned, not-yet-fetched unit of retrieval.
// It is produced by the planner and consumed by the executor; never persisted on its own.
type WorkItem struct {
	ItemID      string    `json:"item_id"`
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Transcript is the retrieved content for one item.
type Transcript struct {
	ItemID   string
	Language string
	Kind     string // "manual" | "generated"
	Text     string
}

// ItemFetcher retrieves one item's content by id.
// Failures must be classified via ItemError so the executor can apply its retry policy.
type ItemFetcher interface {
	Fetch(ctx context.Context, itemID string) (Transcript, error)
}

// SourceLister enumerates candidate items for a source in publish order (oldest first).
// A zero since means "no floor".
type SourceLister interface {
	List(ctx context.Context, sourceID string, since time.Time) ([]WorkItem, error)
}

// Archive is the deduplicating final store for fetched transcripts.
//
// Exists is consulted during planning and re-checked by the executor to guard
// races with concurrent runs. Store must record the item so a later Exists
// returns true.
type Archive interface {
	Exists(ctx context.Context, itemID string) (bool, error)
	Store(ctx context.Context, item WorkItem, tr Transcript) error
}

// ItemFailure is one permanently failed item within a run.
type ItemFailure struct {
	ItemID string    `json:"item_id"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// SourceFailure records a source whose listing failed during planning.
// The run continues with the remaining sources.
type SourceFailure struct {
	SourceID string `json:"source_id"`
	Err      string `json:"err"`
}

// ExecutionReport is the immutable outcome of one job run.
type ExecutionReport struct {
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Attempted        int `json:"attempted"`
	Succeeded        int `json:"succeeded"`
	SkippedDuplicate int `json:"skipped_duplicate"`

	Failed       []ItemFailure   `json:"failed,omitempty"`
	SourceErrors []SourceFailure `json:"source_errors,omitempty"`

	// Fatal is set only for job-level failures (all sources failed,
	// persistence unavailable). Per-item and per-source errors never set it.
	Fatal string `json:"fatal,omitempty"`

	// MaxPublished is the latest publish timestamp among successfully
	// processed items this run. The watermark never advances past it.
	MaxPublished time.Time `json:"max_published,omitzero"`
}
