package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sreenivasanac/quora-analysis/pkg/store"
)

// SessionFactory attaches the page capability for one worker. port selects
// which Chrome debug instance the worker owns; the returned func releases the
// attachment.
type SessionFactory func(ctx context.Context, port int) (Page, func(), error)

// StoreFactory opens a dedicated store handle for one worker. Workers share
// nothing in memory; concurrent writers are safe because every write is
// keyed by the unique answer_url constraint.
type StoreFactory func() (Store, func() error, error)

// ParallelConfig sizes the worker fan-out.
type ParallelConfig struct {
	Processor Config
	Workers   int
	BasePort  int
}

// RunParallel splits the backlog into contiguous per-worker shards (static
// partition by index range, no work stealing) and processes the shards
// concurrently, one browser session and one store handle per worker. The
// merged stats cover every worker; the error aggregates whatever the workers
// surfaced.
func RunParallel(ctx context.Context, backlog []store.IncompleteAnswer,
	sessions SessionFactory, stores StoreFactory, logger *slog.Logger, cfg ParallelConfig,
) (Stats, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(backlog) {
		workers = len(backlog)
	}
	if len(backlog) == 0 {
		return Stats{}, nil
	}

	shardSize := (len(backlog) + workers - 1) / workers
	logger.Info("starting parallel processing",
		"backlog", len(backlog), "workers", workers, "shard_size", shardSize)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		merged  Stats
		runErrs []error
	)

	for w := range workers {
		lo := w * shardSize
		hi := min(lo+shardSize, len(backlog))
		if lo >= hi {
			break
		}
		shard := backlog[lo:hi]
		port := cfg.BasePort + w
		workerLogger := logger.With("worker", w, "port", port)

		wg.Add(1)
		go func() {
			defer wg.Done()

			page, release, err := sessions(ctx, port)
			if err != nil {
				workerLogger.Error("session attach failed", "error", err)
				mu.Lock()
				runErrs = append(runErrs, fmt.Errorf("worker %d: %w", w, err))
				mu.Unlock()
				return
			}
			defer release()

			st, closeStore, err := stores()
			if err != nil {
				workerLogger.Error("store open failed", "error", err)
				mu.Lock()
				runErrs = append(runErrs, fmt.Errorf("worker %d: %w", w, err))
				mu.Unlock()
				return
			}
			defer closeStore() //nolint:errcheck

			proc := New(page, st, workerLogger, cfg.Processor)
			stats, err := proc.ProcessEntries(ctx, shard)

			mu.Lock()
			merged.Processed += stats.Processed
			merged.Succeeded += stats.Succeeded
			merged.FailedURLs = append(merged.FailedURLs, stats.FailedURLs...)
			if err != nil {
				runErrs = append(runErrs, fmt.Errorf("worker %d: %w", w, err))
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	logger.Info("parallel processing finished",
		"processed", merged.Processed,
		"succeeded", merged.Succeeded,
		"failed", len(merged.FailedURLs))
	return merged, errors.Join(runErrs...)
}
