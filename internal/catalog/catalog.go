// Package catalog holds the stream schemas, renders the discovery catalog and
// validates records against their schema.
package catalog

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kalambet/claritap/internal/tap"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// StreamInfo describes one stream of the catalog.
type StreamInfo struct {
	Name           string
	Parent         string
	KeyProperties  []string
	ReplicationKey string
}

// Streams lists the streams known to the catalog in sync order.
var Streams = []StreamInfo{
	{Name: "calls", KeyProperties: []string{"id"}, ReplicationKey: "last_modified_time"},
	{Name: "call_details", Parent: "calls", KeyProperties: []string{"id"}},
}

// Catalog serves schemas and compiled validators for Streams.
type Catalog struct {
	raw      map[string]json.RawMessage
	info     map[string]StreamInfo
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// Load reads the embedded schemas.
func Load() (*Catalog, error) {
	c := &Catalog{
		raw:      make(map[string]json.RawMessage),
		info:     make(map[string]StreamInfo),
		compiled: make(map[string]*jsonschema.Schema),
	}
	for _, s := range Streams {
		b, err := schemasFS.ReadFile("schemas/" + s.Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("reading schema for %s: %w", s.Name, err)
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("schema for %s is not valid JSON", s.Name)
		}
		c.raw[s.Name] = json.RawMessage(bytes.TrimSpace(b))
		c.info[s.Name] = s
	}
	return c, nil
}

// Schema implements tap.Catalog.
func (c *Catalog) Schema(stream string) (tap.Schema, bool) {
	raw, ok := c.raw[stream]
	if !ok {
		return tap.Schema{}, false
	}
	info := c.info[stream]
	s := tap.Schema{Stream: stream, JSON: raw, KeyProperties: info.KeyProperties}
	if info.ReplicationKey != "" {
		s.BookmarkProperties = []string{info.ReplicationKey}
	}
	return s, true
}

// Validate checks rec against the stream schema.
func (c *Catalog) Validate(stream string, rec tap.Record) error {
	schema, err := c.compile(stream)
	if err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}
	return nil
}

func (c *Catalog) compile(stream string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[stream]; ok {
		return s, nil
	}
	raw, ok := c.raw[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	url := stream + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.compiled[stream] = s
	return s, nil
}

type discoveredStream struct {
	TapStreamID       string          `json:"tap_stream_id"`
	Stream            string          `json:"stream"`
	Schema            json.RawMessage `json:"schema"`
	KeyProperties     []string        `json:"key_properties"`
	ReplicationKey    string          `json:"replication_key,omitempty"`
	ReplicationMethod string          `json:"replication_method"`
	Metadata          []metadataEntry `json:"metadata"`
}

type metadataEntry struct {
	Breadcrumb []string       `json:"breadcrumb"`
	Metadata   map[string]any `json:"metadata"`
}

// Discover renders the Singer catalog document.
func (c *Catalog) Discover() ([]byte, error) {
	doc := struct {
		Streams []discoveredStream `json:"streams"`
	}{}
	for _, s := range Streams {
		method := "FULL_TABLE"
		if s.ReplicationKey != "" {
			method = "INCREMENTAL"
		}
		md := map[string]any{
			"selected":                  true,
			"table-key-properties":      s.KeyProperties,
			"forced-replication-method": method,
		}
		if s.ReplicationKey != "" {
			md["valid-replication-keys"] = []string{s.ReplicationKey}
		}
		if s.Parent != "" {
			md["parent-tap-stream-id"] = s.Parent
		}
		doc.Streams = append(doc.Streams, discoveredStream{
			TapStreamID:       s.Name,
			Stream:            s.Name,
			Schema:            c.raw[s.Name],
			KeyProperties:     s.KeyProperties,
			ReplicationKey:    s.ReplicationKey,
			ReplicationMethod: method,
			Metadata:          []metadataEntry{{Breadcrumb: []string{}, Metadata: md}},
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}
