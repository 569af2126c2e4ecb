// Package streams implements the Clari Copilot extractors: the paginated,
// incremental calls listing and the per-call details fetch.
package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/kalambet/claritap/internal/clari"
	"github.com/kalambet/claritap/internal/normalize"
	"github.com/kalambet/claritap/internal/tap"
)

const (
	CallsStream       = "calls"
	CallDetailsStream = "call_details"

	// CallIDKey is the fetch context key carrying a parent call id.
	CallIDKey = "call_id"

	replicationKey = "last_modified_time"
	callsPath      = "/calls"
)

// Only calls that finished processing are listed.
var callStatuses = []string{"PROCESSED", "POST_PROCESSING_DONE"}

// Getter performs an upstream GET. *clari.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, path string, params url.Values, validate clari.ValidateFunc) (*clari.Response, error)
}

// Calls lists calls page by page, filtered on last modification time.
type Calls struct {
	client    Getter
	paginator tap.OffsetPaginator
	logger    *slog.Logger
}

// NewCalls creates the calls extractor. pageSize <= 0 uses tap.DefaultPageSize.
func NewCalls(client Getter, pageSize int, logger *slog.Logger) *Calls {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calls{
		client:    client,
		paginator: tap.NewOffsetPaginator(pageSize),
		logger:    logger.With("stream", CallsStream),
	}
}

// Name returns the stream name.
func (c *Calls) Name() string { return CallsStream }

// ReplicationKey names the field bookmarks are taken from.
func (c *Calls) ReplicationKey() string { return replicationKey }

// ReplicationValue returns the parsed last_modified_time. Unparsed values do
// not move the bookmark.
func (c *Calls) ReplicationValue(rec tap.Record) (time.Time, bool) {
	call, ok := rec.(*CallRecord)
	if !ok {
		return time.Time{}, false
	}
	return call.LastModifiedTime.Time()
}

// RequestParams builds the query for one page. A zero cursor omits skip and a
// zero since omits the modified-after filter.
func (c *Calls) RequestParams(cursor int, since time.Time) url.Values {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.paginator.Limit))
	params.Set("includePagination", "false")
	params.Set("includePrivate", "false")
	for _, status := range callStatuses {
		params.Add("filterStatus", status)
	}
	if cursor > 0 {
		params.Set("skip", strconv.Itoa(cursor))
	}
	if !since.IsZero() {
		params.Set("filterModifiedGt", since.UTC().Format(normalize.BookmarkLayout))
	}
	return params
}

// FetchPage requests one page of calls starting at req.Cursor.
func (c *Calls) FetchPage(ctx context.Context, req tap.Request) (tap.Page, error) {
	resp, err := c.client.Get(ctx, callsPath, c.RequestParams(req.Cursor, req.Since), nil)
	if err != nil {
		return tap.Page{}, err
	}
	calls, count, err := c.ParseResponse(resp.Body)
	if err != nil {
		return tap.Page{}, err
	}

	page := tap.Page{Records: make([]tap.Record, 0, len(calls))}
	for _, call := range calls {
		page.Records = append(page.Records, call)
	}
	page.Next, page.More = c.paginator.Next(req.Cursor, count)
	return page, nil
}

// ParseResponse decodes a calls page. It returns the normalized records and
// the raw length of the calls array, which drives pagination. Records that
// are not JSON objects are logged and skipped; an undecodable page is an error.
func (c *Calls) ParseResponse(body []byte) ([]*CallRecord, int, error) {
	var page struct {
		Calls []json.RawMessage `json:"calls"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, fmt.Errorf("decoding calls page: %w", err)
	}

	calls := make([]*CallRecord, 0, len(page.Calls))
	for i, raw := range page.Calls {
		call, dropped, err := decodeRecord[CallRecord](raw)
		if err != nil {
			c.logger.Warn("skipping undecodable call record", "index", i, "error", err)
			continue
		}
		if len(dropped) > 0 {
			c.logger.Warn("dropped fields with unexpected types", "id", call.ID, "fields", dropped)
		}
		if err := call.LastModifiedTime.Normalize(); err != nil {
			c.logger.Warn("could not parse last_modified_time, keeping original value",
				"id", call.ID, "value", call.LastModifiedTime.String(), "error", err)
		}
		encodeMetrics(c.logger, call)
		calls = append(calls, call)
	}
	return calls, len(page.Calls), nil
}

// ChildContexts hands the call id to call_details.
func (c *Calls) ChildContexts(rec tap.Record) []tap.FetchContext {
	fctx := tap.FetchContext{}
	if id := rec.PrimaryKey(); id != "" {
		fctx[CallIDKey] = id
	}
	return []tap.FetchContext{fctx}
}

// decodeRecord decodes one record object. A field whose value does not fit
// its Go type is dropped and reported instead of failing the record; only a
// value that is not a JSON object is an error.
func decodeRecord[T any](raw json.RawMessage) (*T, []string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, fmt.Errorf("record is not a JSON object")
	}
	rec := new(T)
	err := json.Unmarshal(trimmed, rec)
	if err == nil {
		return rec, nil, nil
	}

	var fields map[string]json.RawMessage
	if ferr := json.Unmarshal(trimmed, &fields); ferr != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec = new(T)
	var dropped []string
	for _, k := range keys {
		single, merr := json.Marshal(map[string]json.RawMessage{k: fields[k]})
		if merr != nil {
			dropped = append(dropped, k)
			continue
		}
		var trial T
		if json.Unmarshal(single, &trial) != nil {
			dropped = append(dropped, k)
			continue
		}
		if json.Unmarshal(single, rec) != nil {
			dropped = append(dropped, k)
		}
	}
	return rec, dropped, nil
}

// encodeMetrics turns the metrics payload into JSON text, dropping the field
// when it cannot be encoded.
func encodeMetrics(logger *slog.Logger, call *CallRecord) {
	if call.Metrics == nil {
		return
	}
	if err := call.Metrics.Encode(); err != nil {
		logger.Warn("failed to serialize metrics, removing field", "id", call.ID, "error", err)
		call.Metrics = nil
	}
}
