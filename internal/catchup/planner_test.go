package catchup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tubescribe/internal/fetch"
	"tubescribe/internal/jobstore"
	logx "tubescribe/pkg/logx"
)

type fakeLister struct {
	items map[string][]fetch.WorkItem
	fail  map[string]error

	// floors records the since argument per source for assertions.
	floors map[string]time.Time
}

func (f *fakeLister) List(_ context.Context, sourceID string, since time.Time) ([]fetch.WorkItem, error) {
	if f.floors == nil {
		f.floors = map[string]time.Time{}
	}
	f.floors[sourceID] = since
	if err := f.fail[sourceID]; err != nil {
		return nil, err
	}
	var out []fetch.WorkItem
	for _, it := range f.items[sourceID] {
		if it.PublishedAt.After(since) {
			out = append(out, it)
		}
	}
	return out, nil
}

type fakeArchive struct {
	stored  map[string]bool
	existsE error
}

func (f *fakeArchive) Exists(_ context.Context, itemID string) (bool, error) {
	if f.existsE != nil {
		return false, f.existsE
	}
	return f.stored[itemID], nil
}

func (f *fakeArchive) Store(_ context.Context, item fetch.WorkItem, _ fetch.Transcript) error {
	if f.stored == nil {
		f.stored = map[string]bool{}
	}
	f.stored[item.ItemID] = true
	return nil
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC)
}

func item(src string, n, d int) fetch.WorkItem {
	return fetch.WorkItem{ItemID: fmt.Sprintf("%s-%d", src, n), SourceID: src, PublishedAt: day(d)}
}

func TestPlanFirstRunUsesStartDate(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{items: map[string][]fetch.WorkItem{
		"a": {item("a", 1, 2), item("a", 2, 5)},
		"b": {item("b", 1, 3)},
	}}
	p := New(lister, &fakeArchive{}, logx.Nop())

	job := jobstore.Job{ID: "j1", Sources: []string{"a", "b"}, StartDate: day(1)}
	items, srcErrs, err := p.Plan(context.Background(), job, jobstore.RunState{JobID: "j1"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(srcErrs) != 0 {
		t.Fatalf("unexpected source errors: %v", srcErrs)
	}
	want := []string{"a-1", "a-2", "b-1"}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, id := range want {
		if items[i].ItemID != id {
			t.Fatalf("items[%d] = %s, want %s (order must be source order, per-source chronological)", i, items[i].ItemID, id)
		}
	}
	if !lister.floors["a"].Equal(day(1)) {
		t.Fatalf("floor for a = %v, want start date %v", lister.floors["a"], day(1))
	}
}

func TestPlanUsesWatermarkWhenNewer(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{items: map[string][]fetch.WorkItem{
		"a": {item("a", 1, 2), item("a", 2, 5), item("a", 3, 8)},
	}}
	p := New(lister, &fakeArchive{}, logx.Nop())

	wm := day(5)
	job := jobstore.Job{ID: "j1", Sources: []string{"a"}, StartDate: day(1)}
	state := jobstore.RunState{JobID: "j1", LastWatermark: &wm}

	items, _, err := p.Plan(context.Background(), job, state)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "a-3" {
		t.Fatalf("items = %v, want only a-3", items)
	}
	if !lister.floors["a"].Equal(wm) {
		t.Fatalf("floor = %v, want watermark %v", lister.floors["a"], wm)
	}
}

func TestPlanFiltersStoredItems(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{items: map[string][]fetch.WorkItem{
		"a": {item("a", 1, 2), item("a", 2, 3), item("a", 3, 4)},
	}}
	arch := &fakeArchive{stored: map[string]bool{"a-2": true}}
	p := New(lister, arch, logx.Nop())

	job := jobstore.Job{ID: "j1", Sources: []string{"a"}, StartDate: day(1)}
	items, _, err := p.Plan(context.Background(), job, jobstore.RunState{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 2 || items[0].ItemID != "a-1" || items[1].ItemID != "a-3" {
		t.Fatalf("items = %v, want a-1 and a-3", items)
	}
}

func TestPlanIsIdempotentWithoutExecution(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{items: map[string][]fetch.WorkItem{
		"a": {item("a", 1, 2), item("a", 2, 3)},
	}}
	p := New(lister, &fakeArchive{}, logx.Nop())
	job := jobstore.Job{ID: "j1", Sources: []string{"a"}, StartDate: day(1)}

	first, _, err := p.Plan(context.Background(), job, jobstore.RunState{})
	if err != nil {
		t.Fatalf("Plan #1: %v", err)
	}
	second, _, err := p.Plan(context.Background(), job, jobstore.RunState{})
	if err != nil {
		t.Fatalf("Plan #2: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("plans differ in size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ItemID != second[i].ItemID {
			t.Fatalf("plans differ at %d: %s vs %s", i, first[i].ItemID, second[i].ItemID)
		}
	}
}

func TestPlanIsolatesSourceFailure(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{
		items: map[string][]fetch.WorkItem{
			"good": {item("good", 1, 2)},
			"also": {item("also", 1, 3)},
		},
		fail: map[string]error{"gone": errors.New("channel not found")},
	}
	p := New(lister, &fakeArchive{}, logx.Nop())

	job := jobstore.Job{ID: "j1", Sources: []string{"good", "gone", "also"}, StartDate: day(1)}
	items, srcErrs, err := p.Plan(context.Background(), job, jobstore.RunState{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (failing source must not abort the job)", len(items))
	}
	if len(srcErrs) != 1 || srcErrs[0].SourceID != "gone" {
		t.Fatalf("source errors = %v, want one for 'gone'", srcErrs)
	}
}

func TestPlanEmptyIsSuccess(t *testing.T) {
	t.Parallel()
	p := New(&fakeLister{}, &fakeArchive{}, logx.Nop())
	job := jobstore.Job{ID: "j1", Sources: []string{"a"}, StartDate: day(1)}
	items, srcErrs, err := p.Plan(context.Background(), job, jobstore.RunState{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 0 || len(srcErrs) != 0 {
		t.Fatalf("expected empty plan, got items=%v errs=%v", items, srcErrs)
	}
}

func TestPlanFatalOnDedupError(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{items: map[string][]fetch.WorkItem{
		"a": {item("a", 1, 2)},
	}}
	p := New(lister, &fakeArchive{existsE: errors.New("store offline")}, logx.Nop())
	job := jobstore.Job{ID: "j1", Sources: []string{"a"}, StartDate: day(1)}
	if _, _, err := p.Plan(context.Background(), job, jobstore.RunState{}); err == nil {
		t.Fatal("expected job-fatal error when the dedup store is unavailable")
	}
}
