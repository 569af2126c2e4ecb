// Package sink writes tap output either as a Singer message stream or to
// Kafka topics.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kalambet/claritap/internal/tap"
)

type schemaMessage struct {
	Type               string          `json:"type"`
	Stream             string          `json:"stream"`
	Schema             json.RawMessage `json:"schema"`
	KeyProperties      []string        `json:"key_properties"`
	BookmarkProperties []string        `json:"bookmark_properties,omitempty"`
}

type recordMessage struct {
	Type          string     `json:"type"`
	Stream        string     `json:"stream"`
	Record        tap.Record `json:"record"`
	TimeExtracted string     `json:"time_extracted"`
}

type stateMessage struct {
	Type  string    `json:"type"`
	Value tap.State `json:"value"`
}

// Singer writes SCHEMA, RECORD and STATE messages as JSON lines.
type Singer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewSinger(w io.Writer) *Singer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Singer{enc: enc}
}

func (s *Singer) WriteSchema(schema tap.Schema) error {
	keys := schema.KeyProperties
	if keys == nil {
		keys = []string{}
	}
	raw := schema.JSON
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return s.write(schemaMessage{
		Type:               "SCHEMA",
		Stream:             schema.Stream,
		Schema:             raw,
		KeyProperties:      keys,
		BookmarkProperties: schema.BookmarkProperties,
	})
}

func (s *Singer) WriteRecord(stream string, rec tap.Record, extractedAt time.Time) error {
	return s.write(recordMessage{
		Type:          "RECORD",
		Stream:        stream,
		Record:        rec,
		TimeExtracted: extractedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Singer) WriteState(st tap.State) error {
	if st.Bookmarks == nil {
		st.Bookmarks = map[string]tap.StreamBookmark{}
	}
	return s.write(stateMessage{Type: "STATE", Value: st})
}

// Close is a no-op; the underlying writer belongs to the caller.
func (s *Singer) Close() error { return nil }

func (s *Singer) write(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("writing singer message: %w", err)
	}
	return nil
}
