// Package browser wraps an already-running Chrome instance exposed over the
// DevTools protocol. The operator starts Chrome with remote debugging and
// logs into Quora by hand; the scraper only attaches to that authenticated
// session. Sessions are explicit values handed to the collector and
// processor, never process-global state, and the capability boundary is
// narrow: given a URL, render the page and answer selector queries, or fail.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
)

// ErrUnavailable reports that the Chrome session cannot be reached. Fatal to
// the current run; callers may attempt Reconnect before giving up.
var ErrUnavailable = errors.New("browser: chrome session unavailable")

// Session is one attached DevTools connection. Not safe for concurrent use;
// parallel workers each attach their own session on their own debug port.
type Session struct {
	logger      *slog.Logger
	httpClient  *http.Client
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	endpoint    string
	timeout     time.Duration
}

// Connect attaches to the Chrome instance listening on endpoint (for example
// "http://127.0.0.1:9222"). The endpoint is health-checked first so a dead
// session fails fast with ErrUnavailable instead of hanging in the dial.
func Connect(ctx context.Context, endpoint string, logger *slog.Logger) (*Session, error) {
	s := &Session{
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoint:   endpoint,
		timeout:    30 * time.Second,
	}
	if err := s.Health(ctx); err != nil {
		return nil, err
	}
	if err := s.attach(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) attach(ctx context.Context) error {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), s.endpoint)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// Force target creation now so attachment failures surface here.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("%w: attaching to %s: %v", ErrUnavailable, s.endpoint, err)
	}

	s.ctx = tabCtx
	s.cancelTab = cancelTab
	s.cancelAlloc = cancelAlloc
	s.logger.Info("attached to chrome session", "endpoint", s.endpoint)
	return nil
}

// Health checks the DevTools HTTP endpoint. A failure means the session is
// gone (crashed tab, closed browser), not a transient page error.
func (s *Session) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/json/version", http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: devtools endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}
	var version struct {
		Browser string `json:"Browser"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return fmt.Errorf("%w: decoding version: %v", ErrUnavailable, err)
	}
	s.logger.Debug("chrome session healthy", "endpoint", s.endpoint, "browser", version.Browser)
	return nil
}

// Reconnect tears down the current attachment and attaches again. Called by
// the processor when a navigation fails with ErrUnavailable mid-run.
func (s *Session) Reconnect(ctx context.Context) error {
	s.logger.Warn("reconnecting chrome session", "endpoint", s.endpoint)
	s.release()
	if err := s.Health(ctx); err != nil {
		return err
	}
	return s.attach(ctx)
}

// Close releases the DevTools attachment. The browser itself keeps running;
// its lifecycle belongs to the operator.
func (s *Session) Close() {
	s.release()
	s.logger.Debug("chrome session released", "endpoint", s.endpoint)
}

func (s *Session) release() {
	if s.cancelTab != nil {
		s.cancelTab()
		s.cancelTab = nil
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
		s.cancelAlloc = nil
	}
}

// run executes actions against the attached tab with a deadline, propagating
// cancellation from the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.ctx == nil {
		return ErrUnavailable
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits settle for dynamically injected content.
func (s *Session) Navigate(ctx context.Context, url string, settle time.Duration) error {
	err := s.run(ctx, s.timeout,
		chromedp.Navigate(url),
		chromedp.Sleep(settle),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Text returns the visible text of the first node matching sel. Missing
// nodes surface as a deadline error within timeout rather than blocking the
// whole run.
func (s *Session) Text(ctx context.Context, sel string, timeout time.Duration) (string, error) {
	var text string
	if err := s.run(ctx, timeout, chromedp.Text(sel, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text of %q: %w", sel, err)
	}
	return text, nil
}

// Attribute returns the named attribute of the first node matching sel.
func (s *Session) Attribute(ctx context.Context, sel, name string, timeout time.Duration) (string, error) {
	var value string
	var ok bool
	if err := s.run(ctx, timeout, chromedp.AttributeValue(sel, name, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("attribute %s of %q: %w", name, sel, err)
	}
	if !ok {
		return "", fmt.Errorf("attribute %s of %q: not present", name, sel)
	}
	return value, nil
}

// InnerHTML returns the inner HTML of the first node matching sel.
func (s *Session) InnerHTML(ctx context.Context, sel string, timeout time.Duration) (string, error) {
	var html string
	if err := s.run(ctx, timeout, chromedp.InnerHTML(sel, &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("inner html of %q: %w", sel, err)
	}
	return html, nil
}

// Hrefs returns the href of every anchor currently matching sel. The query
// runs in page JavaScript so zero matches is an empty slice, not a wait.
func (s *Session) Hrefs(ctx context.Context, sel string) ([]string, error) {
	var hrefs []string
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(a => a.href).filter(h => h)`, sel)
	if err := s.run(ctx, s.timeout, chromedp.Evaluate(script, &hrefs)); err != nil {
		return nil, fmt.Errorf("hrefs of %q: %w", sel, err)
	}
	return hrefs, nil
}

// ScrollToBottom scrolls the window to the current bottom of the document.
func (s *Session) ScrollToBottom(ctx context.Context) error {
	var height float64
	err := s.run(ctx, s.timeout,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`, &height))
	if err != nil {
		return fmt.Errorf("scroll to bottom: %w", err)
	}
	return nil
}

// ScrollHeight returns the document's current scroll height.
func (s *Session) ScrollHeight(ctx context.Context) (float64, error) {
	var height float64
	if err := s.run(ctx, s.timeout, chromedp.Evaluate(`document.body.scrollHeight`, &height)); err != nil {
		return 0, fmt.Errorf("scroll height: %w", err)
	}
	return height, nil
}

// Authenticated reports whether the current session carries a logged-in
// Quora identity, checked by the presence of any logged-in-only element.
func (s *Session) Authenticated(ctx context.Context) bool {
	indicators := []string{
		`img[alt*='Profile photo for']`,
		`.puppeteer_test_add_question_button`,
		`a[aria-label='Account menu']`,
		`a[href*='/notifications']`,
	}
	for _, sel := range indicators {
		var found bool
		script := fmt.Sprintf(`document.querySelector(%q) !== null`, sel)
		if err := s.run(ctx, 5*time.Second, chromedp.Evaluate(script, &found)); err != nil {
			continue
		}
		if found {
			s.logger.Debug("authenticated session detected", "indicator", sel)
			return true
		}
	}
	return false
}
