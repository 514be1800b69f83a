package browser

import (
	"context"
	"time"
)

// AnswerLinkSelector matches the per-answer timestamp anchor Quora renders on
// a profile's answers page; its href is the answer URL.
const AnswerLinkSelector = "a.answer_timestamp"

// ScrollSource adapts a Session into the collector's discovery capability:
// VisibleLinks reads the anchors currently in the DOM, Advance scrolls to the
// bottom and reports whether the document grew.
type ScrollSource struct {
	session    *Session
	selector   string
	settle     time.Duration
	lastHeight float64
}

// NewScrollSource returns a source scraping anchors matching selector,
// waiting settle after each scroll for lazy content to load.
func NewScrollSource(session *Session, selector string, settle time.Duration) *ScrollSource {
	return &ScrollSource{
		session:  session,
		selector: selector,
		settle:   settle,
	}
}

// VisibleLinks returns the hrefs of every matching anchor currently loaded.
func (s *ScrollSource) VisibleLinks(ctx context.Context) ([]string, error) {
	return s.session.Hrefs(ctx, s.selector)
}

// Advance scrolls to the bottom of the document and reports whether the
// scroll height changed, the signal infinite scroll gives when it injected
// more content.
func (s *ScrollSource) Advance(ctx context.Context) (bool, error) {
	if err := s.session.ScrollToBottom(ctx); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(s.settle):
	}

	height, err := s.session.ScrollHeight(ctx)
	if err != nil {
		return false, err
	}
	grew := height != s.lastHeight
	s.lastHeight = height
	return grew, nil
}
