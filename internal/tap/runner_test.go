package tap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/kalambet/claritap/internal/storage"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeRecord struct {
	id       string
	modified time.Time // zero means unparsed
}

func (r *fakeRecord) PrimaryKey() string { return r.id }

// fakeParent serves records in skip/limit pages.
type fakeParent struct {
	records   []*fakeRecord
	paginator OffsetPaginator
	requests  []Request
	err       error
}

func (p *fakeParent) Name() string { return "parent" }

func (p *fakeParent) FetchPage(_ context.Context, req Request) (Page, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return Page{}, p.err
	}
	var page Page
	end := min(req.Cursor+p.paginator.Limit, len(p.records))
	for _, r := range p.records[min(req.Cursor, end):end] {
		page.Records = append(page.Records, r)
	}
	page.Next, page.More = p.paginator.Next(req.Cursor, len(page.Records))
	return page, nil
}

func (p *fakeParent) ChildContexts(rec Record) []FetchContext {
	return []FetchContext{{"parent_id": rec.PrimaryKey()}}
}

func (p *fakeParent) ReplicationKey() string { return "modified" }

func (p *fakeParent) ReplicationValue(rec Record) (time.Time, bool) {
	r := rec.(*fakeRecord)
	return r.modified, !r.modified.IsZero()
}

// fakeChild returns one record per context, or an error for ids in fail.
type fakeChild struct {
	contexts []FetchContext
	fail     map[string]error
	empty    map[string]bool
}

func (c *fakeChild) Name() string { return "child" }

func (c *fakeChild) FetchPage(_ context.Context, req Request) (Page, error) {
	c.contexts = append(c.contexts, req.Context)
	id := req.Context["parent_id"]
	if err := c.fail[id]; err != nil {
		return Page{}, err
	}
	if c.empty[id] {
		return Page{}, nil
	}
	return Page{Records: []Record{&fakeRecord{id: "detail-" + id}}}, nil
}

func (c *fakeChild) ChildContexts(Record) []FetchContext { return nil }

type memorySink struct {
	events []string
	states []State
	// stateErr fails every WriteState after the first okStates.
	stateErr error
	okStates int
}

func (s *memorySink) WriteSchema(schema Schema) error {
	s.events = append(s.events, "schema:"+schema.Stream)
	return nil
}

func (s *memorySink) WriteRecord(stream string, rec Record, _ time.Time) error {
	s.events = append(s.events, "record:"+stream+":"+rec.PrimaryKey())
	return nil
}

func (s *memorySink) WriteState(st State) error {
	if s.stateErr != nil && len(s.states) >= s.okStates {
		return s.stateErr
	}
	s.events = append(s.events, "state")
	s.states = append(s.states, st)
	return nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestGraph(t *testing.T, parent *fakeParent, child *fakeChild) *Graph {
	t.Helper()
	g := NewGraph()
	if err := g.Add(parent, ""); err != nil {
		t.Fatalf("Add(parent): %v", err)
	}
	if err := g.Add(child, "parent"); err != nil {
		t.Fatalf("Add(child): %v", err)
	}
	return g
}

func records(n int) []*fakeRecord {
	out := make([]*fakeRecord, n)
	for i := range out {
		out[i] = &fakeRecord{id: fmt.Sprintf("r%d", i+1), modified: t0.Add(time.Duration(i+1) * time.Hour)}
	}
	return out
}

func TestSync_FanOutOrder(t *testing.T) {
	parent := &fakeParent{records: records(2), paginator: NewOffsetPaginator(10)}
	child := &fakeChild{}
	store := openStore(t)
	sink := &memorySink{}

	r, err := NewRunner(newTestGraph(t, parent, child), store, sink, Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []string{
		"schema:parent", "schema:child",
		"record:parent:r1", "record:child:detail-r1",
		"record:parent:r2", "record:child:detail-r2",
		"state", "state",
	}
	if !slices.Equal(sink.events, want) {
		t.Errorf("events = %v\nwant     %v", sink.events, want)
	}
	if res.Records["parent"] != 2 || res.Records["child"] != 2 {
		t.Errorf("Records = %v", res.Records)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
}

func TestSync_PersistsBookmarkAndEmitsState(t *testing.T) {
	parent := &fakeParent{records: records(3), paginator: NewOffsetPaginator(10)}
	store := openStore(t)
	sink := &memorySink{}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, sink, Options{})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	b, err := store.GetBookmark("parent")
	if err != nil {
		t.Fatalf("GetBookmark: %v", err)
	}
	if want := t0.Add(3 * time.Hour); !b.Value.Equal(want) {
		t.Errorf("bookmark = %v, want %v", b.Value, want)
	}
	if b.ReplicationKey != "modified" {
		t.Errorf("ReplicationKey = %q, want %q", b.ReplicationKey, "modified")
	}

	last := sink.states[len(sink.states)-1]
	got := last.Bookmarks["parent"]
	if got.ReplicationKey != "modified" || got.Value != "2024-01-01T03:00:00Z" {
		t.Errorf("state bookmark = %+v", got)
	}
}

func TestSync_FlushesAfterEveryPage(t *testing.T) {
	parent := &fakeParent{records: records(5), paginator: NewOffsetPaginator(2)}
	store := openStore(t)
	sink := &memorySink{}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, sink, Options{Streams: []string{"parent"}})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(parent.requests) != 3 {
		t.Fatalf("got %d page requests, want 3", len(parent.requests))
	}
	cursors := []int{parent.requests[0].Cursor, parent.requests[1].Cursor, parent.requests[2].Cursor}
	if !slices.Equal(cursors, []int{0, 2, 4}) {
		t.Errorf("cursors = %v, want [0 2 4]", cursors)
	}

	var values []string
	for _, st := range sink.states {
		values = append(values, st.Bookmarks["parent"].Value)
	}
	want := []string{"2024-01-01T02:00:00Z", "2024-01-01T04:00:00Z", "2024-01-01T05:00:00Z", "2024-01-01T05:00:00Z"}
	if !slices.Equal(values, want) {
		t.Errorf("state values = %v, want %v", values, want)
	}
}

func TestSync_UsesStoredBookmark(t *testing.T) {
	parent := &fakeParent{paginator: NewOffsetPaginator(10)}
	store := openStore(t)
	if err := store.SetBookmark(storage.Bookmark{Stream: "parent", ReplicationKey: "modified", Value: t0}); err != nil {
		t.Fatalf("SetBookmark: %v", err)
	}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{StartDate: t0.Add(-24 * time.Hour)})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !parent.requests[0].Since.Equal(t0) {
		t.Errorf("Since = %v, want stored bookmark %v", parent.requests[0].Since, t0)
	}
}

func TestSync_StartDateAndFirstRun(t *testing.T) {
	store := openStore(t)

	parent := &fakeParent{paginator: NewOffsetPaginator(10)}
	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !parent.requests[0].Since.IsZero() {
		t.Errorf("first run Since = %v, want zero", parent.requests[0].Since)
	}

	start := t0.Add(-48 * time.Hour)
	parent = &fakeParent{paginator: NewOffsetPaginator(10)}
	r, _ = NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{StartDate: start})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !parent.requests[0].Since.Equal(start) {
		t.Errorf("Since = %v, want start date %v", parent.requests[0].Since, start)
	}
}

func TestSync_FullRefreshIgnoresBookmark(t *testing.T) {
	parent := &fakeParent{records: records(1), paginator: NewOffsetPaginator(10)}
	store := openStore(t)
	later := t0.Add(100 * time.Hour)
	store.SetBookmark(storage.Bookmark{Stream: "parent", ReplicationKey: "modified", Value: later})

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{FullRefresh: true})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !parent.requests[0].Since.IsZero() {
		t.Errorf("Since = %v, want zero on full refresh", parent.requests[0].Since)
	}
	b, _ := store.GetBookmark("parent")
	if want := t0.Add(time.Hour); !b.Value.Equal(want) {
		t.Errorf("bookmark = %v, want %v", b.Value, want)
	}
}

func TestSync_BookmarkNeverMovesBackwards(t *testing.T) {
	recs := []*fakeRecord{
		{id: "r1", modified: t0.Add(5 * time.Hour)},
		{id: "r2", modified: t0.Add(2 * time.Hour)},
		{id: "r3"},
	}
	parent := &fakeParent{records: recs, paginator: NewOffsetPaginator(10)}
	store := openStore(t)

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	b, _ := store.GetBookmark("parent")
	if want := t0.Add(5 * time.Hour); !b.Value.Equal(want) {
		t.Errorf("bookmark = %v, want %v", b.Value, want)
	}
}

func TestSync_ChildNotFoundContinues(t *testing.T) {
	parent := &fakeParent{records: records(2), paginator: NewOffsetPaginator(10)}
	child := &fakeChild{empty: map[string]bool{"r1": true}}
	sink := &memorySink{}

	r, _ := NewRunner(newTestGraph(t, parent, child), openStore(t), sink, Options{})
	res, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Records["parent"] != 2 || res.Records["child"] != 1 {
		t.Errorf("Records = %v, want parent 2, child 1", res.Records)
	}
	if len(child.contexts) != 2 {
		t.Errorf("child fetched %d times, want 2", len(child.contexts))
	}
}

func TestSync_FatalChildErrorKeepsProgress(t *testing.T) {
	fatal := errors.New("HTTP 401")
	parent := &fakeParent{records: records(3), paginator: NewOffsetPaginator(10)}
	child := &fakeChild{fail: map[string]error{"r2": fatal}}
	store := openStore(t)
	sink := &memorySink{}

	r, _ := NewRunner(newTestGraph(t, parent, child), store, sink, Options{})
	_, err := r.Sync(context.Background())
	if !errors.Is(err, fatal) {
		t.Fatalf("Sync error = %v, want %v", err, fatal)
	}

	// r1 completed with its child; r2's child failed so the bookmark stops at r1.
	b, err := store.GetBookmark("parent")
	if err != nil {
		t.Fatalf("GetBookmark: %v", err)
	}
	if want := t0.Add(time.Hour); !b.Value.Equal(want) {
		t.Errorf("bookmark = %v, want %v", b.Value, want)
	}
	if len(sink.states) == 0 {
		t.Error("no state emitted before failing")
	}

	runs, err := store.RecentRuns(1)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if runs[0].Status != storage.RunFailed || runs[0].LastError == "" {
		t.Errorf("run = %+v, want failed with error", runs[0])
	}
}

func TestSync_RecordsRun(t *testing.T) {
	parent := &fakeParent{records: records(1), paginator: NewOffsetPaginator(10)}
	store := openStore(t)

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, &memorySink{}, Options{})
	res, err := r.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	runs, err := store.RecentRuns(5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != res.RunID || got.Status != storage.RunCompleted {
		t.Errorf("run = %+v, want id %s completed", got, res.RunID)
	}
	if got.Records["parent"] != 1 || got.Records["child"] != 1 {
		t.Errorf("run records = %v", got.Records)
	}
}

func TestSync_ChildOnlySelection(t *testing.T) {
	parent := &fakeParent{records: records(2), paginator: NewOffsetPaginator(10)}
	child := &fakeChild{}
	sink := &memorySink{}

	r, err := NewRunner(newTestGraph(t, parent, child), openStore(t), sink, Options{Streams: []string{"child"}})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for _, e := range sink.events {
		if e == "schema:parent" || e == "record:parent:r1" || e == "record:parent:r2" {
			t.Errorf("unselected parent emitted %q", e)
		}
	}
	if len(child.contexts) != 2 {
		t.Errorf("child fetched %d times, want 2", len(child.contexts))
	}
}

func TestSync_ParentOnlySkipsChildren(t *testing.T) {
	parent := &fakeParent{records: records(2), paginator: NewOffsetPaginator(10)}
	child := &fakeChild{}

	r, _ := NewRunner(newTestGraph(t, parent, child), openStore(t), &memorySink{}, Options{Streams: []string{"parent"}})
	if _, err := r.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(child.contexts) != 0 {
		t.Errorf("child fetched %d times, want 0", len(child.contexts))
	}
}

func TestNewRunner_UnknownStream(t *testing.T) {
	g := newTestGraph(t, &fakeParent{paginator: NewOffsetPaginator(10)}, &fakeChild{})
	if _, err := NewRunner(g, openStore(t), &memorySink{}, Options{Streams: []string{"nope"}}); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestSync_ParentFetchError(t *testing.T) {
	fatal := errors.New("boom")
	parent := &fakeParent{paginator: NewOffsetPaginator(10), err: fatal}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), openStore(t), &memorySink{}, Options{})
	if _, err := r.Sync(context.Background()); !errors.Is(err, fatal) {
		t.Errorf("Sync error = %v, want %v", err, fatal)
	}
}

func TestSync_ContextCanceled(t *testing.T) {
	parent := &fakeParent{records: records(1), paginator: NewOffsetPaginator(10)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), openStore(t), &memorySink{}, Options{})
	if _, err := r.Sync(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sync error = %v, want context.Canceled", err)
	}
	if len(parent.requests) != 0 {
		t.Errorf("got %d requests after cancel, want 0", len(parent.requests))
	}
}

func TestSync_FailedCheckpointStoresNoBookmark(t *testing.T) {
	publishErr := errors.New("publish failed")
	parent := &fakeParent{records: records(2), paginator: NewOffsetPaginator(10)}
	store := openStore(t)
	sink := &memorySink{stateErr: publishErr}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, sink, Options{})
	if _, err := r.Sync(context.Background()); !errors.Is(err, publishErr) {
		t.Fatalf("Sync error = %v, want %v", err, publishErr)
	}
	if b, err := store.GetBookmark("parent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetBookmark = %v, %v; want ErrNotFound", b.Value, err)
	}
}

func TestSync_FailedCheckpointKeepsPreviousBookmark(t *testing.T) {
	publishErr := errors.New("publish failed")
	parent := &fakeParent{records: records(4), paginator: NewOffsetPaginator(2)}
	store := openStore(t)
	sink := &memorySink{stateErr: publishErr, okStates: 1}

	r, _ := NewRunner(newTestGraph(t, parent, &fakeChild{}), store, sink, Options{})
	if _, err := r.Sync(context.Background()); !errors.Is(err, publishErr) {
		t.Fatalf("Sync error = %v, want %v", err, publishErr)
	}
	b, err := store.GetBookmark("parent")
	if err != nil {
		t.Fatalf("GetBookmark: %v", err)
	}
	if want := t0.Add(2 * time.Hour); !b.Value.Equal(want) {
		t.Errorf("bookmark = %v, want first page checkpoint %v", b.Value, want)
	}
}
