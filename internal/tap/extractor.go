// Package tap drives extractors over a parent/child dependency graph,
// maintaining replication bookmarks and writing records to a sink.
package tap

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one normalized record produced by an extractor.
type Record interface {
	PrimaryKey() string
}

// FetchContext parameterizes a child fetch. It is derived from one parent
// record and consumed by exactly one child invocation.
type FetchContext map[string]string

// Request describes one page fetch.
type Request struct {
	// Context is nil for root streams.
	Context FetchContext
	// Cursor is the pagination offset; 0 on the first page.
	Cursor int
	// Since is the incremental lower bound; zero means a full sync.
	Since time.Time
}

// Page is the normalized result of one fetch.
type Page struct {
	Records []Record
	// Next is the cursor of the following page when More is set.
	Next int
	More bool
}

// Extractor fetches and normalizes one category of record.
type Extractor interface {
	Name() string
	FetchPage(ctx context.Context, req Request) (Page, error)
	// ChildContexts returns the contexts handed to child extractors for rec.
	ChildContexts(rec Record) []FetchContext
}

// Incremental is implemented by extractors that replicate on a timestamp key.
type Incremental interface {
	ReplicationKey() string
	// ReplicationValue returns the record's replication timestamp, or false
	// when the record has none or it could not be parsed.
	ReplicationValue(rec Record) (time.Time, bool)
}

// Schema describes a stream for the sink.
type Schema struct {
	Stream             string
	JSON               json.RawMessage
	KeyProperties      []string
	BookmarkProperties []string
}

// Catalog supplies stream schemas and validates records against them.
type Catalog interface {
	Schema(stream string) (Schema, bool)
	Validate(stream string, rec Record) error
}

// StreamBookmark is the serialized bookmark of one stream.
type StreamBookmark struct {
	ReplicationKey string `json:"replication_key"`
	Value          string `json:"replication_key_value"`
}

// State is the replication state emitted to sinks.
type State struct {
	Bookmarks map[string]StreamBookmark `json:"bookmarks"`
}

// Sink receives schemas, records and state in emission order. WriteState is
// a checkpoint: when it returns nil, every record written before it has been
// delivered.
type Sink interface {
	WriteSchema(s Schema) error
	WriteRecord(stream string, rec Record, extractedAt time.Time) error
	WriteState(st State) error
}
