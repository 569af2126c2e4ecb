package sink

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/claritap/internal/tap"
)

type testRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (r *testRecord) PrimaryKey() string { return r.ID }

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestSinger_Messages(t *testing.T) {
	var buf bytes.Buffer
	s := NewSinger(&buf)

	schema := tap.Schema{
		Stream:             "calls",
		JSON:               json.RawMessage(`{"type":"object"}`),
		KeyProperties:      []string{"id"},
		BookmarkProperties: []string{"last_modified_time"},
	}
	if err := s.WriteSchema(schema); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	extracted := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.WriteRecord("calls", &testRecord{ID: "c1", Title: "Q&A <demo>"}, extracted); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	st := tap.State{Bookmarks: map[string]tap.StreamBookmark{
		"calls": {ReplicationKey: "last_modified_time", Value: "2024-01-01T00:00:00Z"},
	}}
	if err := s.WriteState(st); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	if strings.Contains(buf.String(), `<`) {
		t.Errorf("output escapes HTML: %s", buf.String())
	}

	msgs := decodeLines(t, buf.String())
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	if msgs[0]["type"] != "SCHEMA" || msgs[0]["stream"] != "calls" {
		t.Errorf("schema message = %v", msgs[0])
	}
	if keys := msgs[0]["key_properties"].([]any); len(keys) != 1 || keys[0] != "id" {
		t.Errorf("key_properties = %v", keys)
	}

	if msgs[1]["type"] != "RECORD" || msgs[1]["time_extracted"] != "2024-01-02T03:04:05Z" {
		t.Errorf("record message = %v", msgs[1])
	}
	if rec := msgs[1]["record"].(map[string]any); rec["title"] != "Q&A <demo>" {
		t.Errorf("record = %v", rec)
	}

	value := msgs[2]["value"].(map[string]any)
	calls := value["bookmarks"].(map[string]any)["calls"].(map[string]any)
	if calls["replication_key_value"] != "2024-01-01T00:00:00Z" || calls["replication_key"] != "last_modified_time" {
		t.Errorf("state = %v", value)
	}
}

func TestSinger_EmptyStateAndSchema(t *testing.T) {
	var buf bytes.Buffer
	s := NewSinger(&buf)

	if err := s.WriteSchema(tap.Schema{Stream: "x"}); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}
	if err := s.WriteState(tap.State{}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != `{"type":"SCHEMA","stream":"x","schema":{},"key_properties":[]}` {
		t.Errorf("schema line = %s", lines[0])
	}
	if lines[1] != `{"type":"STATE","value":{"bookmarks":{}}}` {
		t.Errorf("state line = %s", lines[1])
	}
}
