// Package processor enriches stored answer rows. For every incomplete row
// (missing question text or answer content) it renders the answer page and
// its /log revision page through the browser capability, extracts the
// question, answer body, revision link, and raw posted-at timestamp, converts
// the answer HTML to Markdown, normalizes the timestamp, and merges the
// fields into the row. Each row is written at most once per run; completed
// rows are never selected again, which is what makes re-running the pass a
// no-op.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/codeGROOVE-dev/retry"

	"github.com/sreenivasanac/quora-analysis/pkg/browser"
	"github.com/sreenivasanac/quora-analysis/pkg/store"
	"github.com/sreenivasanac/quora-analysis/pkg/timestamp"
)

// CSS selectors for the answer and revision-log pages.
const (
	questionLinkSelector  = `a.puppeteer_test_link:has(.puppeteer_test_question_title)`
	questionTextSelector  = `.puppeteer_test_question_title span`
	answerContentSelector = `div.q-text[style*='max-width: 100%'] span.q-box.qu-userSelect--text`
	revisionLinkSelector  = `a.puppeteer_test_link[href*='/log/revision/']`
	postTimestampSelector = `span.c1h7helg.c8970ew:last-child`
)

// Page is the rendered-page capability the processor scrapes through.
// *browser.Session implements it.
type Page interface {
	Navigate(ctx context.Context, url string, settle time.Duration) error
	Text(ctx context.Context, sel string, timeout time.Duration) (string, error)
	Attribute(ctx context.Context, sel, name string, timeout time.Duration) (string, error)
	InnerHTML(ctx context.Context, sel string, timeout time.Duration) (string, error)
	Health(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Store is the slice of the persistence layer the processor needs.
type Store interface {
	IncompleteAnswers(ctx context.Context, limit int) ([]store.IncompleteAnswer, error)
	UpdateAnswer(ctx context.Context, answerURL string, patch store.AnswerPatch) error
}

// Config tunes page settling and pacing. Zero values fall back to defaults
// that are polite to the site.
type Config struct {
	// AnswerSettle is the wait after loading an answer page.
	AnswerSettle time.Duration
	// LogSettle is the wait after loading a revision-log page.
	LogSettle time.Duration
	// ExtractTimeout bounds each selector query; a missing optional
	// element costs at most this long.
	ExtractTimeout time.Duration
	// Delay is the pause between rows.
	Delay time.Duration
	// RetryDelay is the base backoff between navigation retries.
	RetryDelay time.Duration
	// Limit caps how many incomplete rows one run selects; 0 means all.
	Limit int
}

func (c Config) withDefaults() Config {
	if c.AnswerSettle == 0 {
		c.AnswerSettle = 3 * time.Second
	}
	if c.LogSettle == 0 {
		c.LogSettle = 2 * time.Second
	}
	if c.ExtractTimeout == 0 {
		c.ExtractTimeout = 5 * time.Second
	}
	if c.Delay == 0 {
		c.Delay = 2 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Stats summarizes an enrichment run.
type Stats struct {
	FailedURLs []string
	Processed  int
	Succeeded  int
}

// Processor runs the enrichment pass over one page session and one store
// handle.
type Processor struct {
	page   Page
	store  Store
	logger *slog.Logger
	cfg    Config
}

// New returns a processor scraping through page and writing through st.
func New(page Page, st Store, logger *slog.Logger, cfg Config) *Processor {
	return &Processor{
		page:   page,
		store:  st,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Run selects the incomplete rows and processes them in id order.
func (p *Processor) Run(ctx context.Context) (Stats, error) {
	entries, err := p.store.IncompleteAnswers(ctx, p.cfg.Limit)
	if err != nil {
		return Stats{}, fmt.Errorf("selecting incomplete answers: %w", err)
	}
	if len(entries) == 0 {
		p.logger.Info("no incomplete answers to process")
		return Stats{}, nil
	}
	p.logger.Info("processing incomplete answers", "count", len(entries))
	return p.ProcessEntries(ctx, entries)
}

// ProcessEntries processes an explicit backlog slice. Parallel mode hands
// each worker its own disjoint shard through this entry point. Cancellation
// is observed between rows; a row in flight always finishes its write.
func (p *Processor) ProcessEntries(ctx context.Context, entries []store.IncompleteAnswer) (Stats, error) {
	var stats Stats
	for i, entry := range entries {
		if ctx.Err() != nil {
			p.logger.Info("processing interrupted",
				"processed", stats.Processed, "remaining", len(entries)-i)
			return stats, nil
		}

		stats.Processed++
		if err := p.processOne(ctx, entry.AnswerURL); err != nil {
			if errors.Is(err, browser.ErrUnavailable) {
				// Session is gone and could not be reattached; nothing
				// further can succeed this run.
				stats.FailedURLs = append(stats.FailedURLs, entry.AnswerURL)
				return stats, err
			}
			stats.FailedURLs = append(stats.FailedURLs, entry.AnswerURL)
			p.logger.Warn("answer failed", "url", entry.AnswerURL, "error", err)
		} else {
			stats.Succeeded++
		}

		if stats.Processed%50 == 0 {
			p.logger.Info("progress",
				"processed", stats.Processed,
				"total", len(entries),
				"succeeded", stats.Succeeded,
				"failed", len(stats.FailedURLs))
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.Delay):
		}
	}

	p.logger.Info("processing complete",
		"processed", stats.Processed,
		"succeeded", stats.Succeeded,
		"failed", len(stats.FailedURLs))
	return stats, nil
}

// processOne scrapes one answer and merges the extracted fields into its
// row. Rows missing either critical field (question text, answer content)
// are not written at all.
func (p *Processor) processOne(ctx context.Context, answerURL string) error {
	if err := p.navigate(ctx, answerURL, p.cfg.AnswerSettle); err != nil {
		return err
	}

	var patch store.AnswerPatch

	if href, err := p.page.Attribute(ctx, questionLinkSelector, "href", p.cfg.ExtractTimeout); err == nil && href != "" {
		patch.QuestionURL = &href
	} else if err != nil {
		p.logger.Debug("question url not found", "url", answerURL, "error", err)
	}

	questionText, err := p.page.Text(ctx, questionTextSelector, p.cfg.ExtractTimeout)
	if err != nil {
		p.logger.Debug("question text not found", "url", answerURL, "error", err)
	}
	questionText = strings.TrimSpace(questionText)

	answerMarkdown := ""
	if html, err := p.page.InnerHTML(ctx, answerContentSelector, p.cfg.ExtractTimeout); err != nil {
		p.logger.Debug("answer content not found", "url", answerURL, "error", err)
	} else if converted, err := md.ConvertString(html); err != nil {
		p.logger.Warn("markdown conversion failed", "url", answerURL, "error", err)
	} else {
		answerMarkdown = strings.TrimSpace(converted)
	}

	// Critical-field gate: without both, the row stays incomplete and a
	// later run retries it.
	if questionText == "" || answerMarkdown == "" {
		return fmt.Errorf("critical fields missing (question_text=%t, answer_content=%t)",
			questionText != "", answerMarkdown != "")
	}
	patch.QuestionText = &questionText
	patch.AnswerContent = &answerMarkdown

	p.extractRevision(ctx, answerURL, &patch)

	if err := p.store.UpdateAnswer(ctx, answerURL, patch); err != nil {
		return fmt.Errorf("updating row: %w", err)
	}
	return nil
}

// extractRevision scrapes the /log page for the revision link and raw
// posted-at timestamp. Everything here is optional: a missing log page or an
// unparsable timestamp degrades the row, it does not fail it. The raw string
// is persisted even when normalization fails, so the instant can be
// backfilled once the parser understands the format.
func (p *Processor) extractRevision(ctx context.Context, answerURL string, patch *store.AnswerPatch) {
	logURL := answerURL + "/log"
	if err := p.navigate(ctx, logURL, p.cfg.LogSettle); err != nil {
		p.logger.Debug("revision log unreachable", "url", logURL, "error", err)
		return
	}

	if href, err := p.page.Attribute(ctx, revisionLinkSelector, "href", p.cfg.ExtractTimeout); err == nil && href != "" {
		patch.RevisionLink = &href
	} else if err != nil {
		p.logger.Debug("revision link not found", "url", logURL, "error", err)
	}

	raw, err := p.page.Text(ctx, postTimestampSelector, p.cfg.ExtractTimeout)
	if err != nil {
		p.logger.Debug("posted-at timestamp not found", "url", logURL, "error", err)
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	patch.RawTimestamp = &raw

	instant, err := timestamp.Parse(raw)
	if err != nil {
		var parseErr *timestamp.ParseError
		if errors.As(err, &parseErr) {
			p.logger.Warn("unparsable posted-at timestamp", "url", logURL, "raw", raw)
			return
		}
		p.logger.Error("timestamp normalization failed", "url", logURL, "error", err)
		return
	}
	patch.PostedAt = &instant
}

// navigate loads a page with jittered backoff. A navigation failure on a
// dead session triggers one reattach before the next attempt; a session that
// stays unreachable surfaces as ErrUnavailable.
func (p *Processor) navigate(ctx context.Context, url string, settle time.Duration) error {
	return retry.Do(
		func() error {
			err := p.page.Navigate(ctx, url, settle)
			if err == nil {
				return nil
			}
			if herr := p.page.Health(ctx); herr != nil {
				if rerr := p.page.Reconnect(ctx); rerr != nil {
					return fmt.Errorf("%w: reconnect failed: %v", browser.ErrUnavailable, rerr)
				}
			}
			return err
		},
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Attempts(3),
		retry.Delay(p.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("retrying navigation", "attempt", n+1, "url", url, "error", err)
		}),
	)
}
