package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/claritap/internal/storage"
)

// StateStore persists bookmarks and run history.
type StateStore interface {
	GetBookmark(stream string) (storage.Bookmark, error)
	SetBookmark(b storage.Bookmark) error
	StartRun(r storage.SyncRun) error
	FinishRun(r storage.SyncRun) error
}

// Options tunes a Runner.
type Options struct {
	// Streams selects the streams whose records are emitted. Empty selects all.
	Streams []string
	// StartDate is the lower bound used when a stream has no bookmark.
	StartDate time.Time
	// FullRefresh ignores stored bookmarks.
	FullRefresh bool
	Catalog     Catalog
	Logger      *slog.Logger
}

// Result summarizes a completed or aborted run.
type Result struct {
	RunID   string
	Records map[string]int
}

// Runner syncs a Graph into a Sink. It is single-threaded: each parent
// record's children are fetched before the next parent record is handled.
type Runner struct {
	graph       *Graph
	store       StateStore
	sink        Sink
	catalog     Catalog
	selected    map[string]bool
	startDate   time.Time
	fullRefresh bool
	logger      *slog.Logger
	now         func() time.Time

	// per-run state
	bookmarks map[string]time.Time
	dirty     map[string]bool
	records   map[string]int
}

// NewRunner validates the stream selection against graph and returns a Runner.
func NewRunner(graph *Graph, store StateStore, sink Sink, opts Options) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var selected map[string]bool
	if len(opts.Streams) > 0 {
		selected = make(map[string]bool, len(opts.Streams))
		for _, name := range opts.Streams {
			if _, ok := graph.Get(name); !ok {
				return nil, fmt.Errorf("unknown stream %q", name)
			}
			selected[name] = true
		}
	}
	return &Runner{
		graph:       graph,
		store:       store,
		sink:        sink,
		catalog:     opts.Catalog,
		selected:    selected,
		startDate:   opts.StartDate,
		fullRefresh: opts.FullRefresh,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (r *Runner) isSelected(name string) bool {
	return r.selected == nil || r.selected[name]
}

// needed reports whether name must be traversed: it is selected itself or
// feeds a selected descendant.
func (r *Runner) needed(name string) bool {
	if r.isSelected(name) {
		return true
	}
	for _, d := range r.graph.Descendants(name) {
		if r.isSelected(d) {
			return true
		}
	}
	return false
}

// Sync runs every root stream to completion. On a fatal error the bookmarks
// reached so far are persisted before the error is returned.
func (r *Runner) Sync(ctx context.Context) (Result, error) {
	runID := uuid.NewString()
	r.bookmarks = make(map[string]time.Time)
	r.dirty = make(map[string]bool)
	r.records = make(map[string]int)
	logger := r.logger.With("run_id", runID)

	if err := r.store.StartRun(storage.SyncRun{ID: runID, StartedAt: r.now()}); err != nil {
		return Result{RunID: runID}, fmt.Errorf("recording sync run: %w", err)
	}
	logger.Info("sync started", "streams", r.selectedNames(), "full_refresh", r.fullRefresh)

	err := r.run(ctx, logger)

	run := storage.SyncRun{ID: runID, FinishedAt: r.now(), Status: storage.RunCompleted, Records: r.records}
	if err != nil {
		run.Status = storage.RunFailed
		run.LastError = err.Error()
	}
	if ferr := r.store.FinishRun(run); ferr != nil {
		logger.Error("recording sync run result", "error", ferr)
	}

	res := Result{RunID: runID, Records: r.records}
	if err != nil {
		logger.Error("sync failed", "error", err, "records", r.records)
		return res, err
	}
	logger.Info("sync completed", "records", r.records)
	return res, nil
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger) error {
	if err := r.writeSchemas(); err != nil {
		return err
	}
	for _, name := range r.graph.Roots() {
		if !r.needed(name) {
			continue
		}
		since, err := r.loadBookmark(name)
		if err != nil {
			return err
		}
		err = r.syncStream(ctx, logger, name, nil, since)
		if ferr := r.flush(name); ferr != nil {
			if err == nil {
				return ferr
			}
			logger.Error("persisting bookmark", "stream", name, "error", ferr)
		}
		if err != nil {
			return err
		}
	}
	if len(r.bookmarks) > 0 {
		return r.sink.WriteState(r.state())
	}
	return nil
}

func (r *Runner) selectedNames() []string {
	var names []string
	for _, name := range r.graph.Names() {
		if r.isSelected(name) {
			names = append(names, name)
		}
	}
	return names
}

func (r *Runner) writeSchemas() error {
	for _, name := range r.graph.Names() {
		if !r.isSelected(name) {
			continue
		}
		schema := Schema{Stream: name, KeyProperties: []string{"id"}}
		if r.catalog != nil {
			if s, ok := r.catalog.Schema(name); ok {
				schema = s
			}
		}
		ext, _ := r.graph.Get(name)
		if inc, ok := ext.(Incremental); ok && len(schema.BookmarkProperties) == 0 {
			schema.BookmarkProperties = []string{inc.ReplicationKey()}
		}
		if err := r.sink.WriteSchema(schema); err != nil {
			return fmt.Errorf("writing schema for %s: %w", name, err)
		}
	}
	return nil
}

// loadBookmark returns the starting timestamp for a root stream: the stored
// bookmark, else the configured start date, else zero.
func (r *Runner) loadBookmark(name string) (time.Time, error) {
	ext, _ := r.graph.Get(name)
	if _, ok := ext.(Incremental); !ok {
		return time.Time{}, nil
	}
	if !r.fullRefresh {
		b, err := r.store.GetBookmark(name)
		switch {
		case err == nil:
			r.bookmarks[name] = b.Value
			return b.Value, nil
		case !errors.Is(err, storage.ErrNotFound):
			return time.Time{}, fmt.Errorf("loading bookmark for %s: %w", name, err)
		}
	}
	return r.startDate, nil
}

func (r *Runner) syncStream(ctx context.Context, logger *slog.Logger, name string, fctx FetchContext, since time.Time) error {
	ext, _ := r.graph.Get(name)
	inc, incremental := ext.(Incremental)
	// Bookmarks are tracked for root streams only.
	incremental = incremental && fctx == nil
	emit := r.isSelected(name)

	req := Request{Context: fctx, Since: since}
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := ext.FetchPage(ctx, req)
		if err != nil {
			return fmt.Errorf("fetching %s page %d: %w", name, page, err)
		}
		logger.Debug("page fetched", "stream", name, "page", page, "cursor", req.Cursor, "records", len(p.Records))

		for _, rec := range p.Records {
			if emit {
				if err := r.emit(logger, name, rec); err != nil {
					return err
				}
			}
			for _, child := range r.graph.Children(name) {
				if !r.needed(child) {
					continue
				}
				for _, cctx := range ext.ChildContexts(rec) {
					if err := r.syncStream(ctx, logger, child, cctx, time.Time{}); err != nil {
						return err
					}
				}
			}
			if incremental {
				if v, ok := inc.ReplicationValue(rec); ok {
					r.advance(name, v)
				}
			}
		}

		if incremental {
			if err := r.flush(name); err != nil {
				return err
			}
		}
		if !p.More {
			return nil
		}
		req.Cursor = p.Next
	}
}

func (r *Runner) emit(logger *slog.Logger, name string, rec Record) error {
	if r.catalog != nil {
		if err := r.catalog.Validate(name, rec); err != nil {
			logger.Warn("record does not match schema", "stream", name, "id", rec.PrimaryKey(), "error", err)
		}
	}
	if err := r.sink.WriteRecord(name, rec, r.now()); err != nil {
		return fmt.Errorf("writing %s record %s: %w", name, rec.PrimaryKey(), err)
	}
	r.records[name]++
	return nil
}

func (r *Runner) advance(name string, v time.Time) {
	if cur, ok := r.bookmarks[name]; ok && !v.After(cur) {
		return
	}
	r.bookmarks[name] = v
	r.dirty[name] = true
}

// flush checkpoints a changed bookmark. The sink gets the state first, which
// commits the records written before it; the bookmark is stored only after
// that succeeds, so it never gets ahead of delivered records.
func (r *Runner) flush(name string) error {
	if !r.dirty[name] {
		return nil
	}
	if err := r.sink.WriteState(r.state()); err != nil {
		return fmt.Errorf("checkpointing %s: %w", name, err)
	}
	ext, _ := r.graph.Get(name)
	inc := ext.(Incremental)
	err := r.store.SetBookmark(storage.Bookmark{
		Stream:         name,
		ReplicationKey: inc.ReplicationKey(),
		Value:          r.bookmarks[name],
	})
	if err != nil {
		return fmt.Errorf("saving bookmark for %s: %w", name, err)
	}
	r.dirty[name] = false
	return nil
}

func (r *Runner) state() State {
	st := State{Bookmarks: make(map[string]StreamBookmark, len(r.bookmarks))}
	for name, v := range r.bookmarks {
		key := ""
		if ext, ok := r.graph.Get(name); ok {
			if inc, ok := ext.(Incremental); ok {
				key = inc.ReplicationKey()
			}
		}
		st.Bookmarks[name] = StreamBookmark{ReplicationKey: key, Value: v.UTC().Format(time.RFC3339Nano)}
	}
	return st
}
