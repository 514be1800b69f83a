// Package main implements the quora-analysis CLI: collect answer URLs from a
// profile page, enrich the stored rows, and report on what is stored.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/sreenivasanac/quora-analysis/pkg/browser"
	"github.com/sreenivasanac/quora-analysis/pkg/collector"
	"github.com/sreenivasanac/quora-analysis/pkg/histogram"
	"github.com/sreenivasanac/quora-analysis/pkg/processor"
	"github.com/sreenivasanac/quora-analysis/pkg/store"
	"github.com/sreenivasanac/quora-analysis/pkg/timezone"
)

// envConfig is the environment layer; flags override whatever it loads.
type envConfig struct {
	ProfileURL     string `env:"QUORA_PROFILE_URL"`
	DBPath         string `env:"QUORA_DB_PATH" env-default:"quora_answers.db"`
	ChromeEndpoint string `env:"CHROME_ENDPOINT" env-default:"http://127.0.0.1:9222"`
	ChromeBasePort int    `env:"CHROME_BASE_PORT" env-default:"9222"`
	DisplayZone    string `env:"DISPLAY_TIMEZONE" env-default:"IST"`
	Workers        int    `env:"PROCESS_WORKERS" env-default:"1"`
}

var (
	profileURL = flag.String("profile", "", "Quora profile answers URL (or set QUORA_PROFILE_URL)")
	dbPath     = flag.String("db", "", "SQLite database path (or set QUORA_DB_PATH)")
	endpoint   = flag.String("chrome", "", "Chrome DevTools endpoint (or set CHROME_ENDPOINT)")
	basePort   = flag.Int("base-port", 0, "first DevTools port for parallel workers (or set CHROME_BASE_PORT)")
	workers    = flag.Int("workers", 0, "parallel processing workers, one Chrome instance each (or set PROCESS_WORKERS)")
	limit      = flag.Int("limit", 0, "max rows to process this run (0 = all)")
	display    = flag.String("timezone", "", "display timezone for stats: IST, CST, PST, EST (or set DISPLAY_TIMEZONE)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	version    = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("quora-analysis v1.2.0")
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <collect|process|status|stats>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	mode := args[0]

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	var env envConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		logger.Error("reading environment", "error", err)
		os.Exit(1)
	}
	if *profileURL == "" {
		*profileURL = env.ProfileURL
	}
	if *dbPath == "" {
		*dbPath = env.DBPath
	}
	if *endpoint == "" {
		*endpoint = env.ChromeEndpoint
	}
	if *basePort == 0 {
		*basePort = env.ChromeBasePort
	}
	if *workers == 0 {
		*workers = env.Workers
	}
	if *display == "" {
		*display = env.DisplayZone
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case "collect":
		err = runCollect(ctx, logger)
	case "process":
		err = runProcess(ctx, logger)
	case "status":
		err = runStatus(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want collect, process, status, or stats)\n", mode)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("run failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func runCollect(ctx context.Context, logger *slog.Logger) error {
	if *profileURL == "" {
		return fmt.Errorf("collect requires -profile or QUORA_PROFILE_URL")
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	session, err := browser.Connect(ctx, *endpoint, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if !session.Authenticated(ctx) {
		logger.Warn("no logged-in session detected; older answers may not load")
	}

	if err := session.Navigate(ctx, *profileURL, 5*time.Second); err != nil {
		return err
	}

	source := browser.NewScrollSource(session, browser.AnswerLinkSelector, 2*time.Second)
	c := collector.New(source, db, logger, collector.Config{BaseURL: *profileURL})

	stats, err := c.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nCollection finished\n")
	fmt.Printf("  probes:     %d (%d failed)\n", stats.Probes, stats.ProbeFailures)
	fmt.Printf("  discovered: %d new URLs (%d already stored)\n", stats.Discovered, stats.Skipped)
	fmt.Printf("  flushed:    %d rows\n", stats.Flushed)
	if stats.Interrupted {
		fmt.Println("  run was interrupted; re-run to resume where it left off")
	}
	return nil
}

func runProcess(ctx context.Context, logger *slog.Logger) error {
	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	var stats processor.Stats
	if *workers <= 1 {
		session, err := browser.Connect(ctx, *endpoint, logger)
		if err != nil {
			return err
		}
		defer session.Close()

		proc := processor.New(session, db, logger, processor.Config{Limit: *limit})
		stats, err = proc.Run(ctx)
		if err != nil {
			return err
		}
	} else {
		backlog, err := db.IncompleteAnswers(ctx, *limit)
		if err != nil {
			return err
		}

		sessions := func(ctx context.Context, port int) (processor.Page, func(), error) {
			session, err := browser.Connect(ctx, fmt.Sprintf("http://127.0.0.1:%d", port), logger)
			if err != nil {
				return nil, nil, err
			}
			return session, session.Close, nil
		}
		stores := func() (processor.Store, func() error, error) {
			worker, err := store.Open(*dbPath)
			if err != nil {
				return nil, nil, err
			}
			return worker, worker.Close, nil
		}

		stats, err = processor.RunParallel(ctx, backlog, sessions, stores, logger, processor.ParallelConfig{
			Workers:  *workers,
			BasePort: *basePort,
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("\nProcessing finished\n")
	fmt.Printf("  processed: %d\n", stats.Processed)
	fmt.Printf("  succeeded: %d\n", stats.Succeeded)
	if len(stats.FailedURLs) > 0 {
		fmt.Printf("  failed:    %d\n", len(stats.FailedURLs))
		for _, url := range stats.FailedURLs {
			fmt.Printf("    %s\n", url)
		}
	}
	return nil
}

func runStatus(ctx context.Context) error {
	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	total, complete, incomplete, err := db.Counts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("  total:      %d answers\n", total)
	fmt.Printf("  complete:   %d\n", complete)
	fmt.Printf("  incomplete: %d\n", incomplete)
	return nil
}

func runStats(ctx context.Context) error {
	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	stats, err := db.Statistics(ctx)
	if err != nil {
		return err
	}

	label := timezone.Normalize(*display)
	fmt.Printf("Stored answers: %d (%d with normalized timestamps)\n",
		stats.TotalCount, len(stats.Instants))
	if stats.Earliest != nil && stats.Latest != nil {
		loc, err := timezone.Location(label)
		if err != nil {
			return err
		}
		fmt.Printf("Range: %s → %s (%s)\n",
			stats.Earliest.In(loc).Format("2006-01-02 15:04"),
			stats.Latest.In(loc).Format("2006-01-02 15:04"),
			label)
	}
	fmt.Println()

	dist, err := timezone.Bucket(stats.Instants, label)
	if err != nil {
		return err
	}
	fmt.Print(histogram.Render(dist, label))
	return nil
}
