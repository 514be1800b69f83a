package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sreenivasanac/quora-analysis/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		AnswerSettle:   time.Millisecond,
		LogSettle:      time.Millisecond,
		ExtractTimeout: time.Millisecond,
		Delay:          time.Millisecond,
		RetryDelay:     time.Millisecond,
	}
}

type pageContent struct {
	questionURL  string
	questionText string
	answerHTML   string
	revisionLink string
	rawTimestamp string
}

type fakePage struct {
	pages     map[string]pageContent
	navErr    map[string]error
	healthErr error
	current   string
	navCount  int
	reconnects int
}

func (f *fakePage) Navigate(_ context.Context, url string, _ time.Duration) error {
	f.navCount++
	if err := f.navErr[url]; err != nil {
		return err
	}
	f.current = url
	return nil
}

func (f *fakePage) content() pageContent {
	return f.pages[f.current]
}

func (f *fakePage) Text(_ context.Context, sel string, _ time.Duration) (string, error) {
	switch sel {
	case questionTextSelector:
		if c := f.content().questionText; c != "" {
			return c, nil
		}
	case postTimestampSelector:
		if c := f.content().rawTimestamp; c != "" {
			return c, nil
		}
	}
	return "", fmt.Errorf("text of %q: deadline exceeded", sel)
}

func (f *fakePage) Attribute(_ context.Context, sel, _ string, _ time.Duration) (string, error) {
	switch sel {
	case questionLinkSelector:
		if c := f.content().questionURL; c != "" {
			return c, nil
		}
	case revisionLinkSelector:
		if c := f.content().revisionLink; c != "" {
			return c, nil
		}
	}
	return "", fmt.Errorf("attribute of %q: deadline exceeded", sel)
}

func (f *fakePage) InnerHTML(_ context.Context, sel string, _ time.Duration) (string, error) {
	if sel == answerContentSelector {
		if c := f.content().answerHTML; c != "" {
			return c, nil
		}
	}
	return "", fmt.Errorf("inner html of %q: deadline exceeded", sel)
}

func (f *fakePage) Health(_ context.Context) error { return f.healthErr }

func (f *fakePage) Reconnect(_ context.Context) error {
	f.reconnects++
	return f.healthErr
}

type fakeStore struct {
	mu         sync.Mutex
	incomplete []store.IncompleteAnswer
	patches    map[string][]store.AnswerPatch
}

func newFakeStore(urls ...string) *fakeStore {
	fs := &fakeStore{patches: make(map[string][]store.AnswerPatch)}
	for i, url := range urls {
		fs.incomplete = append(fs.incomplete, store.IncompleteAnswer{ID: int64(i + 1), AnswerURL: url})
	}
	return fs
}

func (f *fakeStore) IncompleteAnswers(_ context.Context, limit int) ([]store.IncompleteAnswer, error) {
	if limit > 0 && limit < len(f.incomplete) {
		return f.incomplete[:limit], nil
	}
	return f.incomplete, nil
}

func (f *fakeStore) UpdateAnswer(_ context.Context, answerURL string, patch store.AnswerPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[answerURL] = append(f.patches[answerURL], patch)
	return nil
}

const answerURL = "https://www.quora.com/Why-do-rivers-bend/answer/Some-User"

func fullPage() *fakePage {
	return &fakePage{
		pages: map[string]pageContent{
			answerURL: {
				questionURL:  "https://www.quora.com/Why-do-rivers-bend",
				questionText: "Why do rivers bend?",
				answerHTML:   "<p>Because of <strong>erosion</strong> over time.</p>",
			},
			answerURL + "/log": {
				revisionLink: answerURL + "/log/revision/12345",
				rawTimestamp: "June 27, 2025 at 10:26:56 PM",
			},
		},
		navErr: map[string]error{},
	}
}

func TestProcessOneSuccess(t *testing.T) {
	page := fullPage()
	st := newFakeStore(answerURL)
	p := New(page, st, testLogger(), fastConfig())

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Processed != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v, want 1 processed, 1 succeeded", stats)
	}

	patches := st.patches[answerURL]
	if len(patches) != 1 {
		t.Fatalf("got %d patches, want 1", len(patches))
	}
	patch := patches[0]
	if patch.QuestionText == nil || *patch.QuestionText != "Why do rivers bend?" {
		t.Errorf("QuestionText = %v", patch.QuestionText)
	}
	if patch.QuestionURL == nil || *patch.QuestionURL != "https://www.quora.com/Why-do-rivers-bend" {
		t.Errorf("QuestionURL = %v", patch.QuestionURL)
	}
	if patch.AnswerContent == nil || !strings.Contains(*patch.AnswerContent, "**erosion**") {
		t.Errorf("AnswerContent = %v, want markdown with **erosion**", patch.AnswerContent)
	}
	if patch.RevisionLink == nil || !strings.Contains(*patch.RevisionLink, "/log/revision/") {
		t.Errorf("RevisionLink = %v", patch.RevisionLink)
	}
	if patch.RawTimestamp == nil || *patch.RawTimestamp != "June 27, 2025 at 10:26:56 PM" {
		t.Errorf("RawTimestamp = %v", patch.RawTimestamp)
	}
	if patch.PostedAt == nil {
		t.Fatal("PostedAt = nil, want normalized instant")
	}
	if got := patch.PostedAt.UTC(); got.Hour() != 16 || got.Minute() != 56 {
		t.Errorf("PostedAt UTC = %v, want 16:56:56 (IST 22:26:56)", got)
	}
}

func TestMissingCriticalFieldsSkipsWrite(t *testing.T) {
	page := fullPage()
	content := page.pages[answerURL]
	content.questionText = ""
	page.pages[answerURL] = content

	st := newFakeStore(answerURL)
	p := New(page, st, testLogger(), fastConfig())

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Succeeded != 0 {
		t.Errorf("Succeeded = %d, want 0", stats.Succeeded)
	}
	if len(stats.FailedURLs) != 1 {
		t.Errorf("FailedURLs = %v, want the answer url", stats.FailedURLs)
	}
	if len(st.patches) != 0 {
		t.Errorf("patches written = %v, want none (critical-field gate)", st.patches)
	}
}

func TestUnparsableTimestampKeepsRawString(t *testing.T) {
	page := fullPage()
	content := page.pages[answerURL+"/log"]
	content.rawTimestamp = "Updated 2y ago"
	page.pages[answerURL+"/log"] = content

	st := newFakeStore(answerURL)
	p := New(page, st, testLogger(), fastConfig())

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1 (parse failure is non-fatal)", stats.Succeeded)
	}

	patch := st.patches[answerURL][0]
	if patch.RawTimestamp == nil || *patch.RawTimestamp != "Updated 2y ago" {
		t.Errorf("RawTimestamp = %v, want raw string persisted", patch.RawTimestamp)
	}
	if patch.PostedAt != nil {
		t.Errorf("PostedAt = %v, want nil for unparsable raw string", patch.PostedAt)
	}
}

func TestLogPageUnreachableStillCompletesRow(t *testing.T) {
	page := fullPage()
	page.navErr[answerURL+"/log"] = errors.New("net::ERR_TIMED_OUT")

	st := newFakeStore(answerURL)
	p := New(page, st, testLogger(), fastConfig())

	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", stats.Succeeded)
	}
	patch := st.patches[answerURL][0]
	if patch.RevisionLink != nil || patch.RawTimestamp != nil || patch.PostedAt != nil {
		t.Errorf("revision fields = %+v, want absent when log page unreachable", patch)
	}
	if patch.QuestionText == nil || patch.AnswerContent == nil {
		t.Error("critical fields missing from patch")
	}
}

func TestCancellationStopsBetweenRows(t *testing.T) {
	page := fullPage()
	st := newFakeStore(answerURL, answerURL+"-2", answerURL+"-3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(page, st, testLogger(), fastConfig())
	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("Processed = %d, want 0 under pre-cancelled context", stats.Processed)
	}
}

func TestRunParallelShardsBacklog(t *testing.T) {
	// 7 answers across 3 workers: contiguous shards of 3/3/1, every row
	// processed exactly once.
	var backlog []store.IncompleteAnswer
	pages := map[string]pageContent{}
	for i := range 7 {
		url := fmt.Sprintf("https://www.quora.com/q-%d/answer/User", i)
		backlog = append(backlog, store.IncompleteAnswer{ID: int64(i + 1), AnswerURL: url})
		pages[url] = pageContent{
			questionText: fmt.Sprintf("Question %d?", i),
			answerHTML:   "<p>Answer.</p>",
		}
		pages[url+"/log"] = pageContent{rawTimestamp: "June 27, 2025 at 10:26:56 PM"}
	}

	shared := newFakeStore()
	var portsMu sync.Mutex
	var ports []int

	sessions := func(_ context.Context, port int) (Page, func(), error) {
		portsMu.Lock()
		ports = append(ports, port)
		portsMu.Unlock()
		return &fakePage{pages: pages, navErr: map[string]error{}}, func() {}, nil
	}
	stores := func() (Store, func() error, error) {
		return shared, func() error { return nil }, nil
	}

	stats, err := RunParallel(context.Background(), backlog, sessions, stores, testLogger(), ParallelConfig{
		Processor: fastConfig(),
		Workers:   3,
		BasePort:  9222,
	})
	if err != nil {
		t.Fatalf("RunParallel() error = %v", err)
	}
	if stats.Processed != 7 || stats.Succeeded != 7 {
		t.Errorf("stats = %+v, want 7 processed, 7 succeeded", stats)
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()
	if len(shared.patches) != 7 {
		t.Errorf("patched rows = %d, want 7", len(shared.patches))
	}
	for url, patches := range shared.patches {
		if len(patches) != 1 {
			t.Errorf("%s patched %d times, want exactly once", url, len(patches))
		}
	}

	if len(ports) != 3 {
		t.Errorf("sessions attached = %d, want 3 (one per worker)", len(ports))
	}
	for _, port := range ports {
		if port < 9222 || port > 9224 {
			t.Errorf("worker port = %d, want base+worker offset", port)
		}
	}
}

func TestRunParallelEmptyBacklog(t *testing.T) {
	stats, err := RunParallel(context.Background(), nil,
		func(context.Context, int) (Page, func(), error) { t.Fatal("session created for empty backlog"); return nil, nil, nil },
		func() (Store, func() error, error) { return nil, nil, nil },
		testLogger(), ParallelConfig{Workers: 4})
	if err != nil {
		t.Fatalf("RunParallel() error = %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("Processed = %d, want 0", stats.Processed)
	}
}
