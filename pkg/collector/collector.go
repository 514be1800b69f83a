// Package collector discovers answer URLs from an infinite-scroll profile
// page and persists the ones not already stored. It is a set-reconciliation
// loop: load the stored URL set once, probe the page for visible links,
// buffer the unseen residue, and flush in batches. The loop is resumable --
// interruption flushes the partial batch, and nothing already flushed is ever
// re-emitted because membership in the dedup index prevents re-buffering.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Source is the content-discovery capability: report the candidate links
// visible right now, and advance (scroll) reporting whether more content
// appeared.
type Source interface {
	VisibleLinks(ctx context.Context) ([]string, error)
	Advance(ctx context.Context) (grew bool, err error)
}

// Store is the slice of the persistence layer the collector needs.
type Store interface {
	AnswerURLs(ctx context.Context) (map[string]struct{}, error)
	InsertURLBatch(ctx context.Context, urls []string) (int64, error)
}

// State names the collector's position in its run loop, exposed for logging.
type State int

const (
	Idle State = iota
	LoadingIndex
	Scanning
	Flushing
	Draining
	Interrupted
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingIndex:
		return "loading-index"
	case Scanning:
		return "scanning"
	case Flushing:
		return "flushing"
	case Draining:
		return "draining"
	case Interrupted:
		return "interrupted"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes the run loop. Zero values fall back to the defaults observed
// to work against the profile page.
type Config struct {
	// BaseURL resolves relative candidate links. Optional; links that are
	// already absolute pass through untouched.
	BaseURL string

	// BatchSize is the unsaved-buffer size that triggers a flush.
	BatchSize int

	// HeightStableProbes is how many consecutive probes the scroll height
	// must stay unchanged before the height signal counts as stable.
	HeightStableProbes int

	// LinkStableProbes is how many consecutive probes may pass without a
	// new unseen link before the link signal counts as stable. Both
	// signals must be stable simultaneously to stop: content can stop
	// growing in height while still injecting links, and vice versa.
	LinkStableProbes int

	// ProbeInterval is the pause between probes, giving the page time to
	// load newly revealed content.
	ProbeInterval time.Duration

	// AllowEmptyIndex lets a run proceed with an empty dedup index when
	// the initial index load fails. Duplicate writes are then possible but
	// harmless (batch insert is idempotent); without it an index-load
	// failure is fatal.
	AllowEmptyIndex bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
	if c.HeightStableProbes == 0 {
		c.HeightStableProbes = 30
	}
	if c.LinkStableProbes == 0 {
		c.LinkStableProbes = 50
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Second
	}
	return c
}

// Stats summarizes a collection run.
type Stats struct {
	Probes        int
	ProbeFailures int
	Skipped       int   // candidates already in the dedup index at load time
	Discovered    int   // unseen candidates buffered this run
	Flushed       int64 // rows actually inserted
	Interrupted   bool
}

// Collector runs the discovery loop. Not safe for concurrent use; one
// collector per run.
type Collector struct {
	source  Source
	store   Store
	logger  *slog.Logger
	index   map[string]struct{}
	unsaved []string
	cfg     Config
	state   State
	stats   Stats
}

// New returns a collector over the given source and store.
func New(source Source, store Store, logger *slog.Logger, cfg Config) *Collector {
	return &Collector{
		source: source,
		store:  store,
		logger: logger,
		cfg:    cfg.withDefaults(),
		state:  Idle,
	}
}

// State returns the current run-loop state.
func (c *Collector) State() State { return c.state }

// IndexSize returns the current dedup index size (stored plus buffered).
func (c *Collector) IndexSize() int { return len(c.index) }

// Run executes one collection pass: load the dedup index, scan until both
// stability conditions hold or ctx is cancelled, then drain the remaining
// buffer. Cancellation is observed between probes and batches, never
// mid-write; the final flush runs on a detached context so an interrupt
// cannot drop discovered URLs.
func (c *Collector) Run(ctx context.Context) (Stats, error) {
	c.setState(LoadingIndex)
	index, err := c.store.AnswerURLs(ctx)
	if err != nil {
		if !c.cfg.AllowEmptyIndex {
			c.setState(Closed)
			return c.stats, fmt.Errorf("loading dedup index: %w", err)
		}
		c.logger.Warn("dedup index load failed, proceeding with empty index",
			"error", err)
		index = make(map[string]struct{})
	}
	c.index = index
	c.logger.Info("dedup index loaded", "known_urls", len(c.index))

	scanErr := c.scan(ctx)

	// Drain: flush whatever remains, even a partial batch, regardless of
	// how scanning ended. A cancelled ctx must not abort this write.
	c.setState(Draining)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	flushErr := c.flush(flushCtx)

	c.setState(Closed)
	c.logger.Info("collection run finished",
		"probes", c.stats.Probes,
		"probe_failures", c.stats.ProbeFailures,
		"discovered", c.stats.Discovered,
		"flushed", c.stats.Flushed,
		"interrupted", c.stats.Interrupted)

	if scanErr != nil {
		return c.stats, scanErr
	}
	return c.stats, flushErr
}

// scan probes the source until both stability counters are satisfied at the
// same time, or ctx is cancelled. Returns nil on interruption; interruption
// is a normal exit that still drains.
func (c *Collector) scan(ctx context.Context) error {
	heightStable := 0
	linkStable := 0

	for {
		if ctx.Err() != nil {
			c.setState(Interrupted)
			c.stats.Interrupted = true
			c.logger.Info("scan interrupted", "buffered", len(c.unsaved))
			return nil
		}

		c.stats.Probes++

		links, err := c.source.VisibleLinks(ctx)
		newLinks := 0
		if err != nil {
			// A single probe failure is not fatal: treat it as "no new
			// content" and let the stability counters decide.
			c.stats.ProbeFailures++
			c.logger.Warn("link probe failed", "probe", c.stats.Probes, "error", err)
			linkStable++
		} else {
			newLinks = c.buffer(links)
			if newLinks > 0 {
				linkStable = 0
			} else {
				linkStable++
			}
		}

		if len(c.unsaved) >= c.cfg.BatchSize {
			c.setState(Flushing)
			if err := c.flush(ctx); err != nil {
				return err
			}
			c.setState(Scanning)
		}

		grew, err := c.source.Advance(ctx)
		switch {
		case err != nil:
			c.stats.ProbeFailures++
			c.logger.Warn("advance probe failed", "probe", c.stats.Probes, "error", err)
			heightStable++
		case grew:
			heightStable = 0
		default:
			heightStable++
		}

		c.logger.Debug("probe complete",
			"probe", c.stats.Probes,
			"visible_links", len(links),
			"new_links", newLinks,
			"buffered", len(c.unsaved),
			"height_stable", heightStable,
			"link_stable", linkStable)

		if heightStable >= c.cfg.HeightStableProbes && linkStable >= c.cfg.LinkStableProbes {
			c.logger.Info("content stabilized, stopping scan",
				"probes", c.stats.Probes,
				"height_stable", heightStable,
				"link_stable", linkStable)
			return nil
		}

		select {
		case <-ctx.Done():
			// Handled at the top of the loop.
		case <-time.After(c.cfg.ProbeInterval):
		}
	}
}

// buffer adds unseen candidates to the unsaved buffer and the dedup index,
// returning how many were new. Index membership is granted immediately so a
// candidate rediscovered before the next flush is not double-buffered.
func (c *Collector) buffer(links []string) int {
	added := 0
	for _, link := range links {
		candidate := c.absolute(link)
		if candidate == "" {
			continue
		}
		if _, seen := c.index[candidate]; seen {
			c.stats.Skipped++
			continue
		}
		c.index[candidate] = struct{}{}
		c.unsaved = append(c.unsaved, candidate)
		c.stats.Discovered++
		added++
	}
	return added
}

// flush batch-inserts the unsaved buffer. The buffer is cleared only after a
// successful write; on failure it is preserved so no discovered URL is
// dropped.
func (c *Collector) flush(ctx context.Context) error {
	if len(c.unsaved) == 0 {
		return nil
	}
	inserted, err := c.store.InsertURLBatch(ctx, c.unsaved)
	if err != nil {
		return fmt.Errorf("flushing %d urls: %w", len(c.unsaved), err)
	}
	c.logger.Info("batch flushed", "buffered", len(c.unsaved), "inserted", inserted)
	c.stats.Flushed += inserted
	c.unsaved = c.unsaved[:0]
	return nil
}

func (c *Collector) absolute(link string) string {
	if link == "" {
		return ""
	}
	if c.cfg.BaseURL == "" {
		return link
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func (c *Collector) setState(s State) {
	c.state = s
	c.logger.Debug("state transition", "state", s.String())
}
