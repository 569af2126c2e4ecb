// Package claritest provides an in-memory Clari Copilot API for tests.
package claritest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/claritap/internal/normalize"
)

const (
	DefaultAPIKey      = "test-key"
	DefaultAPIPassword = "test-password"
)

// Request is a recorded inbound request.
type Request struct {
	Path   string
	Query  url.Values
	Header http.Header
}

// Server serves /calls and /call-details from fixtures and records every
// request it receives.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []json.RawMessage
	details  map[string][]byte
	failures map[string][]int
	requests []Request
}

// NewServer starts a fake upstream accepting DefaultAPIKey/DefaultAPIPassword.
func NewServer() *Server {
	s := &Server{
		details:  make(map[string][]byte),
		failures: make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(keyAuth(DefaultAPIKey, DefaultAPIPassword))
	r.Use(s.injectFailures)
	r.Get("/calls", s.handleCalls)
	r.Get("/call-details", s.handleCallDetails)

	s.Server = httptest.NewServer(r)
	return s
}

// AddCalls appends raw call objects to the /calls listing.
func (s *Server) AddCalls(raw ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range raw {
		s.calls = append(s.calls, json.RawMessage(c))
	}
}

// SetDetails sets the raw /call-details body returned for id. Ids without a
// body get a 404.
func (s *Server) SetDetails(id, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[id] = []byte(body)
}

// FailNext makes the next requests to path answer with statuses, in order.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// Requests returns the recorded requests to path, or all requests when path
// is empty.
func (s *Server) Requests(path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone()})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func keyAuth(key, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okKey := subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), []byte(key)) == 1
			okPassword := subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Password")), []byte(password)) == 1
			if !okKey || !okPassword {
				httpError(w, http.StatusUnauthorized, "invalid api credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		queue := s.failures[r.URL.Path]
		status := 0
		if len(queue) > 0 {
			status = queue[0]
			s.failures[r.URL.Path] = queue[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			httpError(w, status, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	skip := 0
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid skip")
			return
		}
		skip = n
	}
	var since time.Time
	if v := q.Get("filterModifiedGt"); v != "" {
		t, err := time.Parse(normalize.BookmarkLayout, v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid filterModifiedGt")
			return
		}
		since = t
	}
	statuses := q["filterStatus"]

	s.mu.Lock()
	var matched []json.RawMessage
	for _, raw := range s.calls {
		if callMatches(raw, since, statuses) {
			matched = append(matched, raw)
		}
	}
	s.mu.Unlock()

	page := []json.RawMessage{}
	if skip < len(matched) {
		page = matched[skip:min(skip+limit, len(matched))]
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": page})
}

// callMatches applies the status and modified-after filters. Fixtures that
// are not objects, or whose fields cannot be read, always match.
func callMatches(raw json.RawMessage, since time.Time, statuses []string) bool {
	var fields struct {
		Status           *string `json:"status"`
		LastModifiedTime *string `json:"last_modified_time"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return true
	}
	if len(statuses) > 0 && fields.Status != nil && !slices.Contains(statuses, *fields.Status) {
		return false
	}
	if !since.IsZero() && fields.LastModifiedTime != nil {
		if t, err := normalize.ParseTimestamp(*fields.LastModifiedTime); err == nil && !t.After(since) {
			return false
		}
	}
	return true
}

func (s *Server) handleCallDetails(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	s.mu.Lock()
	body, ok := s.details[id]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("call %q not found", id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
