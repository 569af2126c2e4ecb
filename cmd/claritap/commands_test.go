package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/claritap/internal/claritest"
	"github.com/kalambet/claritap/internal/config"
	"github.com/kalambet/claritap/internal/storage"
)

var ctx = context.Background()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, srv *claritest.Server) config.Config {
	t.Helper()
	return config.Config{
		API: config.APIConfig{
			Key:        claritest.DefaultAPIKey,
			Password:   claritest.DefaultAPIPassword,
			URL:        srv.URL,
			UserAgent:  "claritap/test",
			PageSize:   2,
			Timeout:    "5s",
			MaxRetries: 1,
		},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Log:     config.LogConfig{Level: "info"},
		Sink:    config.SinkConfig{Type: config.SinkSinger},
	}
}

type message struct {
	Type   string          `json:"type"`
	Stream string          `json:"stream"`
	Record json.RawMessage `json:"record"`
	Value  struct {
		Bookmarks map[string]struct {
			ReplicationKey string `json:"replication_key"`
			Value          string `json:"replication_key_value"`
		} `json:"bookmarks"`
	} `json:"value"`
}

func parseMessages(t *testing.T, out *bytes.Buffer) []message {
	t.Helper()
	var msgs []message
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var m message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid message %q: %v", sc.Text(), err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func countMessages(msgs []message, typ, stream string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ && (stream == "" || m.Stream == stream) {
			n++
		}
	}
	return n
}

func newFixtureServer(t *testing.T) *claritest.Server {
	t.Helper()
	srv := claritest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddCalls(
		`{"id": "c1", "status": "PROCESSED", "last_modified_time": "2024-01-01T10:00:00Z"}`,
		`{"id": "c2", "status": "PROCESSED", "last_modified_time": "2024-01-03T10:00:00Z"}`,
		`{"id": "c3", "status": "POST_PROCESSING_DONE", "last_modified_time": "2024-01-02T10:00:00Z"}`,
	)
	srv.SetDetails("c1", `{"call": {"id": "c1", "metrics": {"talk_ratio": 0.5}}}`)
	return srv
}

func TestRunSync_EndToEnd(t *testing.T) {
	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)

	var out bytes.Buffer
	res, err := runSync(ctx, cfg, syncOptions{}, &out, discardLogger())
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if res.Records["calls"] != 3 || res.Records["call_details"] != 1 {
		t.Errorf("records = %v, want calls=3 call_details=1", res.Records)
	}

	msgs := parseMessages(t, &out)
	if len(msgs) == 0 || msgs[0].Type != "SCHEMA" {
		t.Fatalf("first message = %+v, want SCHEMA", msgs)
	}
	if n := countMessages(msgs, "SCHEMA", ""); n != 2 {
		t.Errorf("SCHEMA messages = %d, want 2", n)
	}
	if n := countMessages(msgs, "RECORD", "calls"); n != 3 {
		t.Errorf("calls RECORD messages = %d, want 3", n)
	}
	if n := countMessages(msgs, "RECORD", "call_details"); n != 1 {
		t.Errorf("call_details RECORD messages = %d, want 1", n)
	}

	last := msgs[len(msgs)-1]
	if last.Type != "STATE" {
		t.Fatalf("last message type = %q, want STATE", last.Type)
	}
	bm := last.Value.Bookmarks["calls"]
	if bm.ReplicationKey != "last_modified_time" || bm.Value != "2024-01-03T10:00:00Z" {
		t.Errorf("calls bookmark = %+v, want last_modified_time 2024-01-03T10:00:00Z", bm)
	}

	if n := len(srv.Requests("/calls")); n != 2 {
		t.Errorf("/calls requests = %d, want 2 with page size 2", n)
	}

	// The second run resumes from the stored bookmark.
	out.Reset()
	res, err = runSync(ctx, cfg, syncOptions{}, &out, discardLogger())
	if err != nil {
		t.Fatalf("second runSync: %v", err)
	}
	if res.Records["calls"] != 0 {
		t.Errorf("second run records = %v, want no calls", res.Records)
	}
	reqs := srv.Requests("/calls")
	lastReq := reqs[len(reqs)-1]
	if got := lastReq.Query.Get("filterModifiedGt"); got != "2024-01-03T10:00:00Z" {
		t.Errorf("filterModifiedGt = %q, want 2024-01-03T10:00:00Z", got)
	}
}

func TestRunSync_FullRefreshIgnoresBookmark(t *testing.T) {
	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)

	if _, err := runSync(ctx, cfg, syncOptions{}, io.Discard, discardLogger()); err != nil {
		t.Fatalf("runSync: %v", err)
	}
	res, err := runSync(ctx, cfg, syncOptions{FullRefresh: true}, io.Discard, discardLogger())
	if err != nil {
		t.Fatalf("full refresh: %v", err)
	}
	if res.Records["calls"] != 3 {
		t.Errorf("records = %v, want calls=3", res.Records)
	}
	reqs := srv.Requests("/calls")
	if reqs[len(reqs)-1].Query.Has("filterModifiedGt") {
		t.Error("full refresh sent filterModifiedGt")
	}
}

func TestRunSync_ChildOnlySelection(t *testing.T) {
	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)

	var out bytes.Buffer
	if _, err := runSync(ctx, cfg, syncOptions{Streams: []string{"call_details"}}, &out, discardLogger()); err != nil {
		t.Fatalf("runSync: %v", err)
	}
	msgs := parseMessages(t, &out)
	if n := countMessages(msgs, "RECORD", "calls"); n != 0 {
		t.Errorf("calls RECORD messages = %d, want 0", n)
	}
	if n := countMessages(msgs, "SCHEMA", "calls"); n != 0 {
		t.Errorf("calls SCHEMA messages = %d, want 0", n)
	}
	if n := countMessages(msgs, "RECORD", "call_details"); n != 1 {
		t.Errorf("call_details RECORD messages = %d, want 1", n)
	}
}

func TestRunSync_UnknownStream(t *testing.T) {
	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)

	_, err := runSync(ctx, cfg, syncOptions{Streams: []string{"meetings"}}, io.Discard, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "unknown stream") {
		t.Errorf("error = %v, want unknown stream", err)
	}
}

func TestRunSync_BadCredentialsRecordsFailedRun(t *testing.T) {
	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)
	cfg.API.Password = "wrong"

	_, err := runSync(ctx, cfg, syncOptions{}, io.Discard, discardLogger())
	if err == nil {
		t.Fatal("expected error for rejected credentials")
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.RecentRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != storage.RunFailed || runs[0].LastError == "" {
		t.Errorf("runs = %+v, want one failed run with an error", runs)
	}
	if n := len(srv.Requests("/calls")); n != 1 {
		t.Errorf("/calls requests = %d, want 1 (401 is not retried)", n)
	}
}

func TestNewSink(t *testing.T) {
	cfg := config.Config{Sink: config.SinkConfig{Type: config.SinkKafka, KafkaBrokers: " , "}}
	if _, err := newSink(cfg, io.Discard, discardLogger()); err == nil {
		t.Error("expected error for empty broker list")
	}
	cfg.Sink.Type = "s3"
	if _, err := newSink(cfg, io.Discard, discardLogger()); err == nil {
		t.Error("expected error for unknown sink type")
	}
}

func openTempStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStateSetAndShow(t *testing.T) {
	store := openTempStore(t)

	b, err := setState(store, "calls", "2024-05-01T12:30:00+02:00")
	if err != nil {
		t.Fatalf("setState: %v", err)
	}
	if b.ReplicationKey != "last_modified_time" {
		t.Errorf("ReplicationKey = %q, want last_modified_time", b.ReplicationKey)
	}

	var out bytes.Buffer
	if err := showState(&out, store); err != nil {
		t.Fatalf("showState: %v", err)
	}
	var st struct {
		Bookmarks map[string]map[string]string `json:"bookmarks"`
	}
	if err := json.Unmarshal(out.Bytes(), &st); err != nil {
		t.Fatalf("state output %q: %v", out.String(), err)
	}
	if got := st.Bookmarks["calls"]["replication_key_value"]; got != "2024-05-01T10:30:00Z" {
		t.Errorf("replication_key_value = %q, want 2024-05-01T10:30:00Z", got)
	}
}

func TestStateSet_Errors(t *testing.T) {
	store := openTempStore(t)

	cases := []struct {
		stream, value, want string
	}{
		{"call_details", "2024-01-01T00:00:00Z", "not incremental"},
		{"meetings", "2024-01-01T00:00:00Z", "unknown stream"},
		{"calls", "last tuesday", "invalid timestamp"},
	}
	for _, tc := range cases {
		_, err := setState(store, tc.stream, tc.value)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("setState(%q, %q) = %v, want error containing %q", tc.stream, tc.value, err, tc.want)
		}
	}
	if _, err := store.GetBookmark("calls"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetBookmark after failed sets = %v, want ErrNotFound", err)
	}
}

func TestShowState_Empty(t *testing.T) {
	store := openTempStore(t)
	var out bytes.Buffer
	if err := showState(&out, store); err != nil {
		t.Fatalf("showState: %v", err)
	}
	if strings.TrimSpace(out.String()) != "{\n  \"bookmarks\": {}\n}" {
		t.Errorf("output = %q, want empty bookmarks", out.String())
	}
}

func TestPrintRuns(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printRuns(&out, nil)
	if !strings.Contains(out.String(), "No sync runs") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	printRuns(&out, []storage.SyncRun{{
		ID:        "run-1",
		Status:    storage.RunFailed,
		Records:   map[string]int{"calls": 2},
		LastError: "boom",
	}})
	for _, want := range []string{"run-1", "failed", "calls=2", "boom"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output = %q, want it to contain %q", out.String(), want)
		}
	}
}

func TestRunChecks(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	srv := newFixtureServer(t)
	cfg := testConfig(t, srv)

	results := runChecks(ctx, cfg, discardLogger())
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	var out bytes.Buffer
	if err := reportChecks(&out, results); err != nil {
		t.Errorf("reportChecks: %v\n%s", err, out.String())
	}
	reqs := srv.Requests("/calls")
	if len(reqs) != 1 || reqs[0].Query.Get("limit") != "1" {
		t.Errorf("requests = %+v, want one /calls?limit=1", reqs)
	}

	cfg.API.Key = "wrong"
	results = runChecks(ctx, cfg, discardLogger())
	out.Reset()
	err := reportChecks(&out, results)
	if err == nil || err.Error() != "1 check failed" {
		t.Errorf("reportChecks = %v, want 1 check failed", err)
	}
	if !strings.Contains(out.String(), "✗ api") {
		t.Errorf("output = %q, want failed api line", out.String())
	}
	if !strings.Contains(out.String(), "✓ state store") {
		t.Errorf("output = %q, want passing state store line", out.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "no records" {
		t.Errorf("formatCounts(nil) = %q", got)
	}
	got := formatCounts(map[string]int{"calls": 3, "call_details": 1})
	if got != "call_details=1 calls=3" {
		t.Errorf("formatCounts = %q, want %q", got, "call_details=1 calls=3")
	}
	if got := plural(1, "check"); got != "1 check" {
		t.Errorf("plural(1) = %q", got)
	}
	if got := plural(2, "bookmark"); got != "2 bookmarks" {
		t.Errorf("plural(2) = %q", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" calls, ,call_details ")
	if len(got) != 2 || got[0] != "calls" || got[1] != "call_details" {
		t.Errorf("splitList = %q", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %q, want nil", got)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.API.PageSize = 250

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "api.page_size" && k.Value == "250" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find api.page_size=250 in ShowAll output")
	}
}
