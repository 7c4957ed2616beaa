package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"nostr-mirror/pkg/mirror"
	"nostr-mirror/poll"
	"nostr-mirror/scheduler"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

type fakeTrigger struct {
	res *poll.CycleResult
	err error
}

func (f *fakeTrigger) Run(context.Context) (*poll.CycleResult, error) {
	return f.res, f.err
}

type fakeStore struct {
	cursor    time.Time
	hasCursor bool
	recent    []mirror.Replication
	err       error
}

func (f *fakeStore) Cursor(context.Context) (time.Time, bool, error) {
	return f.cursor, f.hasCursor, f.err
}

func (f *fakeStore) RecentReplicated(_ context.Context, limit int) ([]mirror.Replication, error) {
	if len(f.recent) > limit {
		return f.recent[:limit], f.err
	}
	return f.recent, f.err
}

func newTestServer(trigger Trigger, store Store) *Server {
	return New(&Config{
		Trigger:   trigger,
		Store:     store,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "mirror_cycles_total 1\n") }),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Handle:    "alice",
		PublicKey: "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9",
		NPub:      "npub1lycg5qvjtrp3qjf5f7zl382j9x6nrjz9sdhenvyxq8c380qrdmusv5fqlx",
		Relays:    []string{"wss://relay.damus.io", "wss://nos.lol"},
		DryRun:    true,
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeTrigger{}, &fakeStore{})

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodPost, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/health", nil))
		if rec.Code != tt.want {
			t.Errorf("%s /health = %d, want %d", tt.method, rec.Code, tt.want)
		}
	}
}

func TestPoll(t *testing.T) {
	cursor := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		method     string
		trigger    *fakeTrigger
		wantStatus int
		wantBody   string
	}{
		{
			name:   "completed",
			method: http.MethodPost,
			trigger: &fakeTrigger{res: &poll.CycleResult{
				ID: "abc", Outcome: poll.OutcomeCompleted, Cursor: cursor, Fetched: 3, Skipped: 1, Published: 2,
			}},
			wantStatus: http.StatusOK,
			wantBody:   "completed",
		},
		{
			name:       "busy",
			method:     http.MethodPost,
			trigger:    &fakeTrigger{err: scheduler.ErrCycleInProgress},
			wantStatus: http.StatusConflict,
			wantBody:   "busy",
		},
		{
			name:       "failed",
			method:     http.MethodPost,
			trigger:    &fakeTrigger{err: errors.New("fetch: boom")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Cycle failed",
		},
		{
			name:       "get not allowed",
			method:     http.MethodGet,
			trigger:    &fakeTrigger{},
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.trigger, &fakeStore{})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "/pollz", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestPollReportsCycle(t *testing.T) {
	cursor := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)
	s := newTestServer(&fakeTrigger{res: &poll.CycleResult{
		ID: "abc", Outcome: poll.OutcomeCompleted, Cursor: cursor, Fetched: 3, Skipped: 1, Published: 2,
	}}, &fakeStore{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))

	var got pollResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := pollResponse{Status: "completed", CycleID: "abc", Outcome: "completed", Cursor: "2025-10-25T12:00:00Z", Fetched: 3, Skipped: 1, Published: 2}
	if got != want {
		t.Errorf("response = %+v, want %+v", got, want)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(&fakeTrigger{}, &fakeStore{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mirror_cycles_total") {
		t.Errorf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusPage(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		cursor:    now.Add(-5 * time.Minute),
		hasCursor: true,
		recent: []mirror.Replication{
			{SourceID: "1982153643512959441", Permalink: "https://twitter.com/alice/status/1982153643512959441", EventID: "e1", PublishedAt: now.Add(-2 * time.Hour)},
			{SourceID: "1982045360643080372", EventID: "e2", PublishedAt: now.Add(-3 * 24 * time.Hour)},
		},
	}
	s := newTestServer(&fakeTrigger{}, store)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}

	doc, err := goquery.NewDocumentFromReader(rec.Body)
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}

	if got := doc.Find("#pubkey").Text(); got != s.publicKey {
		t.Errorf("pubkey = %q, want %q", got, s.publicKey)
	}
	if got := doc.Find("#npub").Text(); got != s.npub {
		t.Errorf("npub = %q, want %q", got, s.npub)
	}
	if doc.Find("#dry-run").Length() != 1 {
		t.Error("dry run badge missing")
	}
	if got := doc.Find("#cursor").Text(); !strings.Contains(got, "5m ago") {
		t.Errorf("cursor = %q, want it to show 5m ago", got)
	}
	if n := doc.Find("#relays li").Length(); n != 2 {
		t.Errorf("relay list has %d entries, want 2", n)
	}

	rows := doc.Find("#recent tbody tr")
	if rows.Length() != 2 {
		t.Fatalf("recent table has %d rows, want 2", rows.Length())
	}
	link := rows.First().Find("a")
	if href, _ := link.Attr("href"); href != store.recent[0].Permalink {
		t.Errorf("first row link = %q, want %q", href, store.recent[0].Permalink)
	}
	if got := rows.Eq(1).Find("td").First().Text(); got != "3d ago" {
		t.Errorf("second row age = %q, want 3d ago", got)
	}
}

func TestStatusPageEmpty(t *testing.T) {
	s := newTestServer(&fakeTrigger{}, &fakeStore{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	doc, err := goquery.NewDocumentFromReader(rec.Body)
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	if got := doc.Find("#cursor").Text(); got != "not initialized" {
		t.Errorf("cursor = %q, want not initialized", got)
	}
	if doc.Find("#empty").Length() != 1 {
		t.Error("empty state missing")
	}
}

func TestStatusPageErrors(t *testing.T) {
	s := newTestServer(&fakeTrigger{}, &fakeStore{err: errors.New("db closed")})

	tests := []struct {
		path string
		want int
	}{
		{"/", http.StatusInternalServerError},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2025, 10, 25, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{72 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		if got := ago(now, now.Add(-tt.d)); got != tt.want {
			t.Errorf("ago(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
