package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sreenivasanac/quora-analysis/pkg/store"
	"github.com/sreenivasanac/quora-analysis/pkg/timezone"
)

func newTestServer(t *testing.T) (*server, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newServer(db, logger), db
}

func seedAnswer(t *testing.T, db *store.DB, url, questionText string, postedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.InsertURLBatch(ctx, []string{url}); err != nil {
		t.Fatalf("InsertURLBatch() error = %v", err)
	}
	patch := store.AnswerPatch{PostedAt: &postedAt}
	if questionText != "" {
		patch.QuestionText = &questionText
	}
	if err := db.UpdateAnswer(ctx, url, patch); err != nil {
		t.Fatalf("UpdateAnswer() error = %v", err)
	}
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (map[string]any, *http.Response) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s response: %v", path, err)
	}
	return body, resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, resp := getJSON(t, ts, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestPreflightHandled(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/stats", http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestStatsBusiestHour(t *testing.T) {
	srv, db := newTestServer(t)
	ist, err := timezone.Location("IST")
	if err != nil {
		t.Fatal(err)
	}

	// 30 answers: 5 posted in the 22:00 IST hour, the rest spread so no
	// other hour exceeds 4.
	n := 0
	seed := func(day, hour int) {
		n++
		seedAnswer(t, db, fmt.Sprintf("https://www.quora.com/q-%d/answer/U", n), "q",
			time.Date(2025, 6, day, hour, 15, 0, 0, ist))
	}
	for i := range 5 {
		seed(2+i, 22)
	}
	for hour := range 5 { // hours 0..4, 4 answers each
		for j := range 4 {
			seed(9+j, hour)
		}
	}
	for hour := 5; hour < 10; hour++ { // hours 5..9, 1 answer each
		seed(16, hour)
	}

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, resp := getJSON(t, ts, "/stats?timezone=IST")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success = %v, want true", body["success"])
	}

	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("stats field missing: %v", body)
	}
	if got := stats["total_count"]; got != float64(30) {
		t.Errorf("total_count = %v, want 30", got)
	}
	if got := stats["busiest_hour"]; got != float64(22) {
		t.Errorf("busiest_hour = %v, want 22", got)
	}
	if got := stats["timezone"]; got != "IST" {
		t.Errorf("timezone = %v, want IST", got)
	}

	hourly, ok := stats["hourly_distribution"].(map[string]any)
	if !ok {
		t.Fatalf("hourly_distribution missing: %v", stats)
	}
	if got := hourly["22"]; got != float64(5) {
		t.Errorf("hourly_distribution[22] = %v, want 5", got)
	}
	if len(hourly) != 24 {
		t.Errorf("hourly_distribution has %d buckets, want 24", len(hourly))
	}
	weekday, ok := stats["weekday_distribution"].(map[string]any)
	if !ok || len(weekday) != 7 {
		t.Errorf("weekday_distribution = %v, want 7 buckets", stats["weekday_distribution"])
	}
	if stats["earliest_date"] == nil || stats["latest_date"] == nil {
		t.Errorf("date range missing: earliest=%v latest=%v", stats["earliest_date"], stats["latest_date"])
	}
}

func TestStatsUnknownTimezoneFallsBackToIST(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, _ := getJSON(t, ts, "/stats?timezone=Mars")
	stats := body["stats"].(map[string]any)
	if got := stats["timezone"]; got != "IST" {
		t.Errorf("timezone = %v, want IST fallback", got)
	}
}

func TestTimestampsDefaultWeekWindow(t *testing.T) {
	srv, db := newTestServer(t)
	ist, err := timezone.Location("IST")
	if err != nil {
		t.Fatal(err)
	}

	// Fixed "now": Wednesday 2025-06-25 in IST. The default window is
	// Monday 2025-06-23 00:00 to Monday 2025-06-30 00:00 IST.
	srv.now = func() time.Time { return time.Date(2025, 6, 25, 12, 0, 0, 0, ist) }

	inWeek := time.Date(2025, 6, 27, 22, 26, 56, 0, ist)
	outOfWeek := time.Date(2025, 6, 15, 10, 0, 0, 0, ist)
	seedAnswer(t, db, "https://www.quora.com/in-week/answer/U", "In-week question?", inWeek)
	seedAnswer(t, db, "https://www.quora.com/old/answer/U", "Old question?", outOfWeek)

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, _ := getJSON(t, ts, "/timestamps?timezone=IST")
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if got := body["count"]; got != float64(1) {
		t.Fatalf("count = %v, want 1 (only the in-week answer)", got)
	}

	items := body["timestamps"].([]any)
	item := items[0].(map[string]any)
	if got := item["day"]; got != "Friday" {
		t.Errorf("day = %v, want Friday", got)
	}
	if got := item["hour"]; got != float64(22) {
		t.Errorf("hour = %v, want 22", got)
	}
	if got := item["minute"]; got != float64(26) {
		t.Errorf("minute = %v, want 26", got)
	}
	if got := item["date"]; got != "2025-06-27" {
		t.Errorf("date = %v, want 2025-06-27", got)
	}
	if got := item["question_text"]; got != "In-week question?" {
		t.Errorf("question_text = %v", got)
	}
}

func TestTimestampsExplicitRangeAndFallbackText(t *testing.T) {
	srv, db := newTestServer(t)
	ist, err := timezone.Location("IST")
	if err != nil {
		t.Fatal(err)
	}

	seedAnswer(t, db, "https://www.quora.com/untitled/answer/U", "",
		time.Date(2025, 3, 10, 9, 30, 0, 0, ist))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, _ := getJSON(t, ts, "/timestamps?timezone=IST&start_date=2025-03-10&end_date=2025-03-11")
	if got := body["count"]; got != float64(1) {
		t.Fatalf("count = %v, want 1", got)
	}
	item := body["timestamps"].([]any)[0].(map[string]any)
	if got := item["question_text"]; got != "No question text" {
		t.Errorf("question_text = %v, want fallback", got)
	}
	if got := item["answer_url"]; got != "https://www.quora.com/untitled/answer/U" {
		t.Errorf("answer_url = %v", got)
	}

	// Half-open range: an end_date equal to the posting date excludes it.
	body, _ = getJSON(t, ts, "/timestamps?timezone=IST&start_date=2025-03-09&end_date=2025-03-10")
	if got := body["count"]; got != float64(0) {
		t.Errorf("count = %v, want 0 for half-open exclusion", got)
	}
}

func TestTimestampsAllProjectsZone(t *testing.T) {
	srv, db := newTestServer(t)
	// 2025-06-27 16:56:56 UTC is 09:56:56 in Pacific daylight time.
	seedAnswer(t, db, "https://www.quora.com/q/answer/U", "q",
		time.Date(2025, 6, 27, 16, 56, 56, 0, time.UTC))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, _ := getJSON(t, ts, "/timestamps/all?timezone=PST")
	if got := body["count"]; got != float64(1) {
		t.Fatalf("count = %v, want 1", got)
	}
	values := body["timestamps"].([]any)
	if got := values[0].(string); got != "2025-06-27T09:56:56-07:00" {
		t.Errorf("timestamp = %q, want 2025-06-27T09:56:56-07:00", got)
	}
}

func TestHandlerErrorReturnsJSONEnvelope(t *testing.T) {
	srv, db := newTestServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	// Closing the database forces the stats query to fail.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	body, resp := getJSON(t, ts, "/stats")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if body["error"] == "" || body["error"] == nil {
		t.Errorf("error field missing: %v", body)
	}
}

func TestResponseCacheHit(t *testing.T) {
	srv, db := newTestServer(t)
	ist, err := timezone.Location("IST")
	if err != nil {
		t.Fatal(err)
	}
	seedAnswer(t, db, "https://www.quora.com/q/answer/U", "q",
		time.Date(2025, 6, 27, 22, 0, 0, 0, ist))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	_, first := getJSON(t, ts, "/stats?timezone=IST")
	if got := first.Header.Get("X-Cache"); got != "miss" {
		t.Errorf("first X-Cache = %q, want miss", got)
	}
	_, second := getJSON(t, ts, "/stats?timezone=IST")
	if got := second.Header.Get("X-Cache"); got != "hit" {
		t.Errorf("second X-Cache = %q, want hit", got)
	}
}

func TestUnparsableBoundFails(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	body, resp := getJSON(t, ts, "/timestamps?start_date=not-a-date")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
}
