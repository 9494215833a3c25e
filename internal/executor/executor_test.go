package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tubescribe/internal/config"
	"tubescribe/internal/fetch"
	logx "tubescribe/pkg/logx"
)

// fastOpts keeps the pacing machinery active but sub-millisecond so tests
// exercise the real code paths without real waits.
func fastOpts() Options {
	return Options{
		ItemDelay:      time.Millisecond,
		MaxAttempts:    3,
		BackoffMax:     5 * time.Millisecond,
		CooldownFactor: 4,
		FetchTimeout:   time.Second,
	}
}

type scriptFetcher struct {
	mu sync.Mutex
	// scripts maps item id to the sequence of errors returned before
	// success. An entry of nil means succeed on that attempt.
	scripts map[string][]error
	calls   map[string]int
}

func newScriptFetcher() *scriptFetcher {
	return &scriptFetcher{scripts: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptFetcher) Fetch(_ context.Context, itemID string) (fetch.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[itemID]
	s.calls[itemID] = n + 1
	seq := s.scripts[itemID]
	if n < len(seq) && seq[n] != nil {
		return fetch.Transcript{}, seq[n]
	}
	return fetch.Transcript{ItemID: itemID, Text: "ok"}, nil
}

type memArchive struct {
	mu     sync.Mutex
	stored map[string]bool
	fail   error
}

func newMemArchive() *memArchive { return &memArchive{stored: map[string]bool{}} }

func (m *memArchive) Exists(_ context.Context, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored[itemID], nil
}

func (m *memArchive) Store(_ context.Context, item fetch.WorkItem, _ fetch.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.stored[item.ItemID] = true
	return nil
}

func items(ids ...string) []fetch.WorkItem {
	out := make([]fetch.WorkItem, len(ids))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		out[i] = fetch.WorkItem{ItemID: id, SourceID: "src", PublishedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	a := newMemArchive()
	ex := New(f, a, fastOpts(), logx.Nop())

	work := items("v1", "v2", "v3")
	res, err := ex.Run(context.Background(), "j1", work)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Complete || res.Succeeded != 3 || res.Attempted != 3 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.MaxPublished.Equal(work[2].PublishedAt) {
		t.Fatalf("MaxPublished = %v, want %v", res.MaxPublished, work[2].PublishedAt)
	}
	for _, it := range work {
		if !a.stored[it.ItemID] {
			t.Fatalf("%s not archived", it.ItemID)
		}
	}
}

func TestRunIsolatesItemFailure(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v2"] = []error{fetch.NotFound("v2", errors.New("no captions"))}
	a := newMemArchive()
	ex := New(f, a, fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1", "v2", "v3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 || len(res.Failed) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Failed[0].ItemID != "v2" || res.Failed[0].Kind != fetch.KindNotFound {
		t.Fatalf("failure = %+v", res.Failed[0])
	}
	if f.calls["v2"] != 1 {
		t.Fatalf("not_found retried %d times, must never be retried", f.calls["v2"])
	}
	if !res.Complete {
		t.Fatal("per-item failure must not mark the run incomplete")
	}
}

func TestRunWatermarkExcludesFailedLatestItem(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v3"] = []error{fetch.NotFound("v3", errors.New("no captions"))}
	a := newMemArchive()
	ex := New(f, a, fastOpts(), logx.Nop())

	// v3 is the latest-published item; its failure must not pull the
	// watermark forward past the items that actually landed.
	work := items("v1", "v2", "v3")
	res, err := ex.Run(context.Background(), "j1", work)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 || len(res.Failed) != 1 || res.Failed[0].ItemID != "v3" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.MaxPublished.Equal(work[1].PublishedAt) {
		t.Fatalf("MaxPublished = %v, want %v (last success)", res.MaxPublished, work[1].PublishedAt)
	}
}

func TestRunRetriesTransient(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v1"] = []error{
		fetch.Transient("v1", errors.New("502")),
		fetch.Transient("v1", errors.New("502")),
		nil,
	}
	ex := New(f, newMemArchive(), fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.calls["v1"] != 3 {
		t.Fatalf("calls = %d, want 3", f.calls["v1"])
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v1"] = []error{
		fetch.Transient("v1", errors.New("502")),
		fetch.Transient("v1", errors.New("502")),
		fetch.Transient("v1", errors.New("502")),
		nil, // would succeed, but MaxAttempts=3 must stop first
	}
	ex := New(f, newMemArchive(), fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 0 || len(res.Failed) != 1 || res.Failed[0].Kind != fetch.KindTransient {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.calls["v1"] != 3 {
		t.Fatalf("calls = %d, want exactly MaxAttempts", f.calls["v1"])
	}
}

func TestRunRateLimitCooldownOncePerRun(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v1"] = []error{fetch.RateLimited("v1", errors.New("429"), 0), nil}
	f.scripts["v2"] = []error{fetch.RateLimited("v2", errors.New("429"), 0), nil}

	opts := fastOpts()
	opts.ItemDelay = 2 * time.Millisecond
	opts.CooldownFactor = 20
	opts.BackoffMax = 100 * time.Millisecond
	ex := New(f, newMemArchive(), opts, logx.Nop())

	start := time.Now()
	res, err := ex.Run(context.Background(), "j1", items("v1", "v2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// One cooldown of 20*2ms plus ordinary delays. Two cooldowns would be
	// at least 80ms; assert well under that to prove the second rate-limit
	// fell back to ordinary backoff.
	if elapsed := time.Since(start); elapsed > 70*time.Millisecond {
		t.Fatalf("run took %v, cooldown appears to have fired more than once", elapsed)
	}
}

func TestRunQuotaStopsIssuingFetches(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	f.scripts["v2"] = []error{fetch.QuotaExceeded("v2", errors.New("daily quota"))}
	ex := New(f, newMemArchive(), fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1", "v2", "v3", "v4"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("quota stop must not record failures, got %v", res.Failed)
	}
	if res.Owed != 3 {
		t.Fatalf("Owed = %d, want 3 (v2 and everything after)", res.Owed)
	}
	if res.Complete {
		t.Fatal("quota-stopped run must not be complete")
	}
	if f.calls["v3"] != 0 || f.calls["v4"] != 0 {
		t.Fatal("items after the quota hit must never be fetched")
	}
}

func TestRunCancellationLeavesItemsOwed(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	ex := New(f, newMemArchive(), Options{
		ItemDelay:      50 * time.Millisecond,
		MaxAttempts:    3,
		BackoffMax:     time.Second,
		CooldownFactor: 4,
		FetchTimeout:   time.Second,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := ex.Run(ctx, "j1", items("v1", "v2", "v3"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Complete {
		t.Fatal("canceled run must not be complete")
	}
	if res.Succeeded+res.Owed != 3 && res.Succeeded+res.Owed+len(res.Failed) != 3 {
		t.Fatalf("items unaccounted for: %+v", res)
	}
	if res.Owed == 0 {
		t.Fatalf("expected owed items after cancellation, got %+v", res)
	}
}

func TestRunSkipsAlreadyArchived(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	a := newMemArchive()
	a.stored["v1"] = true
	ex := New(f, a, fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1", "v2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SkippedDuplicate != 1 || res.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.calls["v1"] != 0 {
		t.Fatal("archived item must not be fetched")
	}
}

func TestRunRetriesStoreFailure(t *testing.T) {
	t.Parallel()
	f := newScriptFetcher()
	a := newMemArchive()
	a.fail = errors.New("github 500")
	ex := New(f, a, fastOpts(), logx.Nop())

	res, err := ex.Run(context.Background(), "j1", items("v1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Kind != fetch.KindTransient {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.calls["v1"] != 3 {
		t.Fatalf("store failure should be retried, calls = %d", f.calls["v1"])
	}
}

func TestFromConfigDefaults(t *testing.T) {
	t.Parallel()
	o, err := FromConfig(config.ExecutorConfig{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if o.ItemDelay != 3*time.Second || o.MaxAttempts != 3 || o.BackoffMax != time.Minute ||
		o.CooldownFactor != 10 || o.FetchTimeout != 30*time.Second {
		t.Fatalf("defaults = %+v", o)
	}
}

func TestFromConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()
	if _, err := FromConfig(config.ExecutorConfig{ItemDelay: "soon"}); err == nil {
		t.Fatal("expected error for unparsable item_delay")
	}
}
