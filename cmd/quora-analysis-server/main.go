// Package main implements the read-only JSON API over the answers database:
// posting statistics and timestamp listings re-bucketed into a caller-selected
// display timezone.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/sreenivasanac/quora-analysis/pkg/store"
	"github.com/sreenivasanac/quora-analysis/pkg/timezone"
)

var (
	port    = flag.String("port", "8080", "Port for web server")
	dbPath  = flag.String("db", "", "SQLite database path (or set QUORA_DB_PATH)")
	verbose = flag.Bool("verbose", false, "Enable verbose logging")
	version = flag.Bool("version", false, "Show version")
)

type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	var valid []time.Time
	for _, t := range rl.requests[ip] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	// Rate limit: 60 requests per minute per IP
	if len(valid) >= 60 {
		rl.requests[ip] = valid
		return false
	}

	rl.requests[ip] = append(valid, now)
	return true
}

func main() {
	flag.Parse()

	if *version {
		fmt.Println("quora-analysis-server v1.2.0")
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *dbPath == "" {
		*dbPath = os.Getenv("QUORA_DB_PATH")
	}
	if *dbPath == "" {
		*dbPath = "quora_answers.db"
	}

	logger.Info("Server configuration", "port", *port, "db", *dbPath, "verbose", *verbose)

	db, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	server := newServer(db, logger)

	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           server.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", *port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", "error", err)
	}
	logger.Info("Server stopped")
}

type server struct {
	db      *store.DB
	cache   *otter.Cache[string, []byte]
	limiter *rateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

func newServer(db *store.DB, logger *slog.Logger) *server {
	cache := otter.Must(&otter.Options[string, []byte]{
		MaximumSize:      1_000,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](time.Minute),
	})
	return &server{
		db:      db,
		cache:   cache,
		limiter: newRateLimiter(),
		logger:  logger,
		now:     time.Now,
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.cached(s.handleStats))
	mux.HandleFunc("/timestamps", s.cached(s.handleTimestamps))
	mux.HandleFunc("/timestamps/all", s.cached(s.handleTimestampsAll))
	return s.wrap(mux)
}

// wrap applies the outer middleware: panic recovery, security headers, and
// the open CORS policy the dashboard frontend relies on. OPTIONS preflights
// are answered here and never reach the handlers.
func (s *server) wrap(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := fmt.Sprintf("%d-%d", time.Now().Unix(), time.Now().Nanosecond())
		w.Header().Set("X-Request-ID", requestID)

		defer func() {
			if err := recover(); err != nil {
				const size = 64 << 10
				buf := make([]byte, size)
				buf = buf[:runtime.Stack(buf, false)]

				s.logger.Error("PANIC: Request handler crashed",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"request_id", requestID,
					"client_ip", clientIP(r),
					"stack", string(buf))
				writeError(w, s.logger, fmt.Errorf("internal server error"))
			}
		}()

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !s.limiter.allow(clientIP(r)) {
			s.logger.Error("Rate limit exceeded",
				"request_id", requestID,
				"client_ip", clientIP(r),
				"path", r.URL.Path)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

// cached serves repeated identical queries from the in-memory response cache.
// Only 200 responses are cached; a failed handler run is retried on the next
// request.
func (s *server) cached(handle func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + "?" + r.URL.RawQuery
		if data, ok := s.cache.GetIfPresent(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			if _, err := w.Write(data); err != nil {
				s.logger.Error("Failed to write cached response", "error", err, "path", r.URL.Path)
			}
			return
		}

		payload, err := handle(r)
		if err != nil {
			s.logger.Error("Handler failed", "path", r.URL.Path, "error", err)
			writeError(w, s.logger, err)
			return
		}

		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("JSON encoding failed", "path", r.URL.Path, "error", err)
			writeError(w, s.logger, err)
			return
		}
		s.cache.Set(key, data)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "miss")
		if _, err := w.Write(data); err != nil {
			s.logger.Error("Failed to write response", "error", err, "path", r.URL.Path)
		}
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "quora-analysis-api",
	}); err != nil {
		s.logger.Error("Failed to encode health response", "error", err)
	}
}

func (s *server) handleStats(r *http.Request) (any, error) {
	label := timezone.Normalize(r.URL.Query().Get("timezone"))

	stats, err := s.db.Statistics(r.Context())
	if err != nil {
		return nil, err
	}
	dist, err := timezone.Bucket(stats.Instants, label)
	if err != nil {
		return nil, err
	}
	loc, err := timezone.Location(label)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"total_count":          stats.TotalCount,
		"earliest_date":        nil,
		"latest_date":          nil,
		"busiest_hour":         dist.BusiestHour,
		"busiest_day":          dist.BusiestDay,
		"hourly_distribution":  dist.HourlyMap(),
		"weekday_distribution": dist.WeekdayMap(),
		"timezone":             label,
	}
	if stats.Earliest != nil {
		body["earliest_date"] = stats.Earliest.In(loc).Format(time.RFC3339)
	}
	if stats.Latest != nil {
		body["latest_date"] = stats.Latest.In(loc).Format(time.RFC3339)
	}

	return map[string]any{"success": true, "stats": body}, nil
}

func (s *server) handleTimestamps(r *http.Request) (any, error) {
	query := r.URL.Query()
	label := timezone.Normalize(query.Get("timezone"))
	loc, err := timezone.Location(label)
	if err != nil {
		return nil, err
	}

	// Omitted bounds default to the current week in the display zone.
	start, end, err := timezone.DefaultWeekWindow(s.now(), label)
	if err != nil {
		return nil, err
	}
	if raw := query.Get("start_date"); raw != "" {
		if start, err = timezone.ParseRangeBound(raw, label); err != nil {
			return nil, err
		}
	}
	if raw := query.Get("end_date"); raw != "" {
		if end, err = timezone.ParseRangeBound(raw, label); err != nil {
			return nil, err
		}
	}

	answers, err := s.db.PostedBetween(r.Context(), start, end)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(answers))
	for _, answer := range answers {
		local := answer.PostedAt.In(loc)

		questionText := answer.QuestionText
		if questionText == "" {
			questionText = "No question text"
		}
		answerURL := answer.AnswerURL
		if answerURL == "" {
			answerURL = "#"
		}

		items = append(items, map[string]any{
			"datetime":      local.Format(time.RFC3339),
			"day":           timezone.DayNames[(int(local.Weekday())+6)%7],
			"hour":          local.Hour(),
			"minute":        local.Minute(),
			"date":          local.Format("2006-01-02"),
			"question_text": questionText,
			"answer_url":    answerURL,
		})
	}

	return map[string]any{
		"success":    true,
		"count":      len(items),
		"timezone":   label,
		"start_date": start.In(loc).Format(time.RFC3339),
		"end_date":   end.In(loc).Format(time.RFC3339),
		"timestamps": items,
	}, nil
}

func (s *server) handleTimestampsAll(r *http.Request) (any, error) {
	label := timezone.Normalize(r.URL.Query().Get("timezone"))
	loc, err := timezone.Location(label)
	if err != nil {
		return nil, err
	}

	instants, err := s.db.AllPostedAt(r.Context())
	if err != nil {
		return nil, err
	}

	timestamps := make([]string, 0, len(instants))
	for _, instant := range instants {
		timestamps = append(timestamps, instant.In(loc).Format(time.RFC3339))
	}

	return map[string]any{
		"success":    true,
		"count":      len(timestamps),
		"timezone":   label,
		"timestamps": timestamps,
	}, nil
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if encErr := json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
	}); encErr != nil {
		logger.Error("Failed to encode error response", "error", encErr)
	}
}

func clientIP(r *http.Request) string {
	return strings.Split(r.RemoteAddr, ":")[0]
}
