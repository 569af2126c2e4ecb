package streams

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/kalambet/claritap/internal/clari"
	"github.com/kalambet/claritap/internal/tap"
)

const (
	callDetailsPath = "/call-details"
	maxLoggedBody   = 500
)

// CallDetails fetches the transcript, summary and sentiment of one call per
// fetch context. A 404 is an empty result rather than an error.
type CallDetails struct {
	client Getter
	logger *slog.Logger
}

// NewCallDetails creates the call details extractor.
func NewCallDetails(client Getter, logger *slog.Logger) *CallDetails {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallDetails{client: client, logger: logger.With("stream", CallDetailsStream)}
}

// Name returns the stream name.
func (d *CallDetails) Name() string { return CallDetailsStream }

// RequestParams builds the details query. The context's call_id maps to the
// upstream "id" parameter.
func (d *CallDetails) RequestParams(fctx tap.FetchContext) url.Values {
	params := url.Values{}
	params.Set("includeTranscript", "true")
	params.Set("includeSummary", "true")
	if id := fctx[CallIDKey]; id != "" {
		params.Set("id", id)
		d.logger.Debug("fetching call details", "call_id", id)
	} else {
		d.logger.Warn("no call_id in context, fetching call details without id filter")
	}
	return params
}

// Validate accepts 404 and defers everything else to the transport defaults.
func (d *CallDetails) Validate(resp *clari.Response) error {
	return clari.AcceptStatus(http.StatusNotFound)(resp)
}

// FetchPage fetches the details of the call named in req.Context.
func (d *CallDetails) FetchPage(ctx context.Context, req tap.Request) (tap.Page, error) {
	resp, err := d.client.Get(ctx, callDetailsPath, d.RequestParams(req.Context), d.Validate)
	if err != nil {
		return tap.Page{}, err
	}
	var page tap.Page
	if rec := d.ParseResponse(resp); rec != nil {
		page.Records = []tap.Record{rec}
	}
	return page, nil
}

// ParseResponse returns the single detail record in resp, or nil when the call
// was not found or the body is unusable. It never fails.
func (d *CallDetails) ParseResponse(resp *clari.Response) *CallDetailRecord {
	if resp.StatusCode == http.StatusNotFound {
		d.logger.Info("call details not found, skipping", "url", resp.URL)
		return nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		d.logger.Error("error processing call details response", "error", err, "body", truncate(resp.Body, maxLoggedBody))
		return nil
	}
	raw, ok := body["call"]
	if !ok {
		d.logger.Warn("no 'call' key found in response", "url", resp.URL)
		return nil
	}

	rec, dropped, err := decodeRecord[CallDetailRecord](raw)
	if err != nil {
		d.logger.Error("error processing call details response", "error", err, "body", truncate(resp.Body, maxLoggedBody))
		return nil
	}
	if len(dropped) > 0 {
		d.logger.Warn("dropped fields with unexpected types", "id", rec.ID, "fields", dropped)
	}
	encodeMetrics(d.logger, &rec.CallRecord)
	return rec
}

// ChildContexts returns nothing; call_details has no children.
func (d *CallDetails) ChildContexts(tap.Record) []tap.FetchContext {
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
