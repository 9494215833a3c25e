package jobstore

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is how often a job is due. Trigger points are calendar-aligned
// (next midnight / next Monday midnight / next 1st-of-month midnight), not
// fixed durations.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FreqDaily, FreqWeekly, FreqMonthly:
		return true
	}
	return false
}

// Job is a recurring download job over a set of sources (channels).
// Immutable except by explicit edit; ID is stable for the job's lifetime.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Sources      []string  `json:"sources"`
	Frequency    Frequency `json:"frequency"`
	StartDate    time.Time `json:"start_date"`
	FolderPrefix string    `json:"folder_prefix,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if len(j.Sources) == 0 {
		return fmt.Errorf("job needs at least one source")
	}
	for i, s := range j.Sources {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("source %d is empty", i)
		}
	}
	if !j.Frequency.Valid() {
		return fmt.Errorf("invalid frequency %q (want daily, weekly or monthly)", j.Frequency)
	}
	if j.StartDate.IsZero() {
		return fmt.Errorf("start date is required")
	}
	return nil
}

// RunState is the mutable scheduling state of a job (1:1 with Job).
//
// Running is the mutual-exclusion flag: at most one active execution per job.
// NextDueAt is recomputed only after a run finishes, never while Running.
type RunState struct {
	JobID string `json:"job_id"`

	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`

	// LastWatermark is the latest publish date successfully processed.
	// It bounds future catch-up windows and never advances past failed or
	// unvisited items.
	LastWatermark *time.Time `json:"last_watermark,omitempty"`

	NextDueAt           time.Time  `json:"next_due_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Running             bool       `json:"running"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
}
