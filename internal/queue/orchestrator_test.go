package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
	"fetchqueue/internal/probecache"
	"fetchqueue/internal/restriction"
)

type fetchCall struct {
	url      string
	selector string
}

// scriptPort is a scriptable engine double. Probe answers from a fixed
// url map; Fetch reports progress once, consults an optional hook, and
// otherwise writes a small artifact into the output dir. A hook returning
// an empty path with a nil error falls through to the default artifact.
type scriptPort struct {
	mu      sync.Mutex
	probes  map[string]*domain.MediaInfo
	onFetch func(url string, req extractor.FormatRequest, outputDir string) (string, error)
	fetches []fetchCall
}

func (p *scriptPort) Probe(ctx context.Context, url string, opts extractor.ProbeOptions) (*domain.MediaInfo, error) {
	p.mu.Lock()
	info, ok := p.probes[url]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no probe scripted for %s", url)
	}
	return info, nil
}

func (p *scriptPort) Fetch(ctx context.Context, url string, req extractor.FormatRequest, outputDir string, progress extractor.ProgressFunc) (string, error) {
	p.mu.Lock()
	p.fetches = append(p.fetches, fetchCall{url: url, selector: req.Selector})
	hook := p.onFetch
	p.mu.Unlock()
	if err := progress(extractor.Progress{Percent: 50}); err != nil {
		return "", err
	}
	if hook != nil {
		path, err := hook(url, req, outputDir)
		if err != nil || path != "" {
			return path, err
		}
	}
	path := filepath.Join(outputDir, "artifact.mp4")
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (p *scriptPort) fetchCalls() []fetchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]fetchCall, len(p.fetches))
	copy(out, p.fetches)
	return out
}

func singleVideo(id, url string, heights ...int) *domain.MediaInfo {
	info := &domain.MediaInfo{ID: id, Title: "title " + id, SourceURL: url}
	for _, h := range heights {
		info.Streams = append(info.Streams, domain.StreamInfo{Height: h, HasVideo: true, HasAudio: true, DirectURL: true})
	}
	return info
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestOrchestrator(t *testing.T, port *scriptPort, ledger Ledger) *Orchestrator {
	t.Helper()
	cache := probecache.New(port, probecache.Config{Logger: quietLogger()})
	o := New(Config{
		DataDir:     t.TempDir(),
		StopTimeout: 200 * time.Millisecond,
		Logger:      quietLogger(),
	}, port, cache, nil, ledger)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(o.Shutdown)
	return o
}

// drainUntilRunFinished consumes the event stream until a run-finished
// event arrives, returning every event seen including it.
func drainUntilRunFinished(t *testing.T, o *Orchestrator) []domain.Event {
	t.Helper()
	var events []domain.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			events = append(events, ev)
			if ev.Type == domain.EventRunFinished {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
		}
	}
}

func statusOf(t *testing.T, o *Orchestrator, key string) domain.ItemStatus {
	t.Helper()
	it, ok := o.Item(key)
	if !ok {
		t.Fatalf("item %s not found", key)
	}
	return it.Status
}

func TestRunProcessesQueueInOrder(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 1080, 360),
		"https://v/b": singleVideo("b", "https://v/b", 720),
	}}
	o := newTestOrchestrator(t, port, nil)

	for _, url := range []string{"https://v/a", "https://v/b"} {
		if _, err := o.Enqueue(context.Background(), url, domain.VideoQuality(domain.Tier720p)); err != nil {
			t.Fatalf("enqueue %s: %v", url, err)
		}
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	events := drainUntilRunFinished(t, o)

	if got := statusOf(t, o, "a"); got != domain.StatusDone {
		t.Fatalf("item a status = %s, want Done", got)
	}
	if got := statusOf(t, o, "b"); got != domain.StatusDone {
		t.Fatalf("item b status = %s, want Done", got)
	}
	calls := port.fetchCalls()
	if len(calls) != 2 || calls[0].url != "https://v/a" || calls[1].url != "https://v/b" {
		t.Fatalf("fetch order = %+v", calls)
	}
	last := events[len(events)-1]
	if last.Stopped {
		t.Fatal("run should finish naturally, not stopped")
	}

	// 720p requested, only 1080 and 360 available: closest above wins.
	it, _ := o.Item("a")
	if !it.ResolvedQuality.Equal(domain.VideoQuality(domain.Tier1080p)) {
		t.Fatalf("item a resolved = %s, want 1080p", it.ResolvedQuality)
	}
}

func TestStopMidQueueReturnsItemToPending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
		"https://v/b": singleVideo("b", "https://v/b", 720),
	}}
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		close(started)
		<-release
		return "", extractor.ErrCancelled
	}
	o := newTestOrchestrator(t, port, nil)

	for _, url := range []string{"https://v/a", "https://v/b"} {
		if _, err := o.Enqueue(context.Background(), url, domain.VideoQuality(domain.TierBest)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopErr := make(chan error, 1)
	go func() { stopErr <- o.StopRun(stopCtx) }()
	close(release)
	if err := <-stopErr; err != nil {
		t.Fatalf("stop run: %v", err)
	}
	events := drainUntilRunFinished(t, o)
	if !events[len(events)-1].Stopped {
		t.Fatal("run-finished event should be marked stopped")
	}

	if got := statusOf(t, o, "a"); got != domain.StatusPending {
		t.Fatalf("cancelled item status = %s, want Pending", got)
	}
	if got := statusOf(t, o, "b"); got != domain.StatusPending {
		t.Fatalf("untouched item status = %s, want Pending", got)
	}
	if len(port.fetchCalls()) != 1 {
		t.Fatalf("worker must not advance past the stop, fetches = %d", len(port.fetchCalls()))
	}
}

func TestEnqueueExpandsPlaylistAndDedupes(t *testing.T) {
	playlist := &domain.MediaInfo{
		ID: "list1",
		Entries: []domain.MediaInfo{
			{ID: "a", Title: "A", SourceURL: "https://v/a"},
			{ID: "b", Title: "B", SourceURL: "https://v/b"},
			{ID: "a", Title: "A again", SourceURL: "https://v/a2"},
		},
	}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{"https://list": playlist}}
	o := newTestOrchestrator(t, port, nil)

	added, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.Tier480p))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("added %d items, want 2 (duplicate id dropped)", len(added))
	}

	again, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.Tier480p))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-enqueue added %d items, want 0", len(again))
	}
	if got := o.Summary().Total; got != 2 {
		t.Fatalf("queue total = %d, want 2", got)
	}
}

type mapLedger map[string]bool

func (l mapLedger) Contains(ctx context.Context, id string) (bool, error) {
	return l[id], nil
}

func TestEnqueueMarksLedgeredEntriesSkipped(t *testing.T) {
	playlist := &domain.MediaInfo{
		ID: "list1",
		Entries: []domain.MediaInfo{
			{ID: "a", SourceURL: "https://v/a"},
			{ID: "b", SourceURL: "https://v/b"},
		},
	}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{"https://list": playlist}}
	o := newTestOrchestrator(t, port, mapLedger{"a": true})

	if _, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := statusOf(t, o, "a"); got != domain.StatusSkipped {
		t.Fatalf("ledgered item status = %s, want Skipped", got)
	}
	if got := statusOf(t, o, "b"); got != domain.StatusPending {
		t.Fatalf("new item status = %s, want Pending", got)
	}
}

func TestQualityBlockDowngradesOnceThenSucceeds(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 1080, 720, 360),
	}}
	var calls int
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("HTTP Error 403: Forbidden")
		}
		return "", nil
	}
	o := newTestOrchestrator(t, port, nil)

	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.Tier1080p)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	drainUntilRunFinished(t, o)

	it, _ := o.Item("a")
	if it.Status != domain.StatusDone {
		t.Fatalf("status = %s, want Done", it.Status)
	}
	if !it.ResolvedQuality.Equal(domain.VideoQuality(domain.Tier720p)) {
		t.Fatalf("resolved = %s, want 720p after one downgrade", it.ResolvedQuality)
	}
	if it.RequestedQuality.String() != "1080p" {
		t.Fatalf("requested quality mutated to %s", it.RequestedQuality)
	}
}

func TestQualityBlockTwiceMarksQualityBlocked(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 1080),
	}}
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		return "", errors.New("HTTP Error 403: Forbidden")
	}
	o := newTestOrchestrator(t, port, nil)

	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.Tier1080p)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	drainUntilRunFinished(t, o)

	if got := statusOf(t, o, "a"); got != domain.StatusQualityBlocked {
		t.Fatalf("status = %s, want QualityBlocked", got)
	}
	if got := len(port.fetchCalls()); got != 2 {
		t.Fatalf("fetch attempts = %d, want exactly 2", got)
	}
}

func TestWarningActivationClampsPending(t *testing.T) {
	infoA := singleVideo("a", "https://v/a", 1080, 360)
	infoA.RawWarnings = []string{"Some web client https formats have been skipped as they are missing a url"}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a":    infoA,
		"https://v/b":    singleVideo("b", "https://v/b", 1080, 360),
		"https://v/test": singleVideo("test", "https://v/test", 720),
	}}
	cache := probecache.New(port, probecache.Config{Logger: quietLogger()})
	detector := restriction.New(port, restriction.Options{TestURL: "https://v/test"}, quietLogger())
	o := New(Config{
		DataDir:     t.TempDir(),
		StopTimeout: 200 * time.Millisecond,
		Logger:      quietLogger(),
	}, port, cache, detector, nil)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(o.Shutdown)

	for _, url := range []string{"https://v/a", "https://v/b"} {
		if _, err := o.Enqueue(context.Background(), url, domain.VideoQuality(domain.Tier1080p)); err != nil {
			t.Fatalf("enqueue %s: %v", url, err)
		}
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	events := drainUntilRunFinished(t, o)

	if !detector.Active() {
		t.Fatal("probe warning should flip the detector to restricted")
	}
	var batch *domain.Event
	for i := range events {
		if events[i].Type == domain.EventBatchQualityRewritten {
			batch = &events[i]
		}
	}
	if batch == nil {
		t.Fatal("activation must emit a batch rewrite event for the pending queue")
	}
	if len(batch.ItemKeys) != 1 || batch.ItemKeys[0] != "b" || !batch.NewQuality.Equal(domain.VideoQuality(domain.Tier360p)) {
		t.Fatalf("batch event = %+v", batch)
	}

	b, _ := o.Item("b")
	if !b.ResolvedQuality.Equal(domain.VideoQuality(domain.Tier360p)) {
		t.Fatalf("pending item resolved = %s, want clamped 360p", b.ResolvedQuality)
	}
	if !b.RequestedQuality.Equal(domain.VideoQuality(domain.Tier1080p)) {
		t.Fatal("requested quality must survive the clamp")
	}
	// The item whose probe carried the warning keeps its in-flight quality.
	a, _ := o.Item("a")
	if a.Status != domain.StatusDone || !a.ResolvedQuality.Equal(domain.VideoQuality(domain.Tier1080p)) {
		t.Fatalf("in-flight item = %s at %s", a.Status, a.ResolvedQuality)
	}
}

func TestConcurrentEnqueueKeepsIDUnique(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
	}}
	o := newTestOrchestrator(t, port, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.TierBest)); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := o.Summary().Total; got != 1 {
		t.Fatalf("queue total after concurrent enqueues = %d, want 1", got)
	}
	if got := len(o.Items()); got != 1 {
		t.Fatalf("items length = %d, want 1", got)
	}
}

func TestEmptyArtifactMarksFailed(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
	}}
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		path := filepath.Join(outputDir, "truncated.mp4")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	o := newTestOrchestrator(t, port, nil)

	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	drainUntilRunFinished(t, o)

	it, _ := o.Item("a")
	if it.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want Failed for empty artifact", it.Status)
	}
	if it.ArtifactPath != "" {
		t.Fatalf("failed item must not keep an artifact path, got %q", it.ArtifactPath)
	}
}

func TestAgeRestrictedClassification(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
	}}
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		return "", errors.New("Sign in to confirm your age. This video may be inappropriate for some users")
	}
	o := newTestOrchestrator(t, port, nil)

	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	drainUntilRunFinished(t, o)

	if got := statusOf(t, o, "a"); got != domain.StatusAgeRestricted {
		t.Fatalf("status = %s, want AgeRestricted", got)
	}
	if got := len(port.fetchCalls()); got != 1 {
		t.Fatalf("age restriction must not trigger a downgrade retry, fetches = %d", got)
	}
}

func TestReorderValidatesPermutation(t *testing.T) {
	playlist := &domain.MediaInfo{Entries: []domain.MediaInfo{
		{ID: "a", SourceURL: "https://v/a"},
		{ID: "b", SourceURL: "https://v/b"},
		{ID: "c", SourceURL: "https://v/c"},
	}}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{"https://list": playlist}}
	o := newTestOrchestrator(t, port, nil)
	if _, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := o.Reorder([]string{"c", "a", "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	items := o.Items()
	if items[0].Key != "c" || items[1].Key != "a" || items[2].Key != "b" {
		t.Fatalf("order = %s,%s,%s", items[0].Key, items[1].Key, items[2].Key)
	}

	if err := o.Reorder([]string{"a", "b"}); !errors.Is(err, ErrBadOrdering) {
		t.Fatalf("short ordering err = %v, want ErrBadOrdering", err)
	}
	if err := o.Reorder([]string{"a", "a", "b"}); !errors.Is(err, ErrBadOrdering) {
		t.Fatalf("duplicate ordering err = %v, want ErrBadOrdering", err)
	}
	if err := o.Reorder([]string{"a", "b", "x"}); !errors.Is(err, ErrBadOrdering) {
		t.Fatalf("unknown key ordering err = %v, want ErrBadOrdering", err)
	}
}

func TestResetClearsOutcomeAndRunsCleanup(t *testing.T) {
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
	}}
	o := newTestOrchestrator(t, port, nil)
	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	drainUntilRunFinished(t, o)
	if got := statusOf(t, o, "a"); got != domain.StatusDone {
		t.Fatalf("status = %s, want Done before reset", got)
	}

	var cleaned []string
	err := o.Reset([]string{"a"}, func(it domain.QueueItem) error {
		if it.ArtifactPath == "" {
			t.Error("cleanup snapshot should carry the artifact path")
		}
		cleaned = append(cleaned, it.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "a" {
		t.Fatalf("cleanup calls = %v", cleaned)
	}

	it, _ := o.Item("a")
	if it.Status != domain.StatusPending || it.ArtifactPath != "" || it.ErrorMessage != "" {
		t.Fatalf("reset item = %+v", it)
	}
}

func TestSkipAndRemove(t *testing.T) {
	playlist := &domain.MediaInfo{Entries: []domain.MediaInfo{
		{ID: "a", SourceURL: "https://v/a"},
		{ID: "b", SourceURL: "https://v/b"},
	}}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{"https://list": playlist}}
	o := newTestOrchestrator(t, port, nil)
	if _, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := o.Skip("a"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := statusOf(t, o, "a"); got != domain.StatusSkipped {
		t.Fatalf("status = %s, want Skipped", got)
	}

	if err := o.Remove("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := o.Item("b"); ok {
		t.Fatal("removed item still present")
	}
	if err := o.Remove("nope"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("remove unknown err = %v, want ErrUnknownItem", err)
	}
}

func TestRewritePendingEmitsBatchEvent(t *testing.T) {
	playlist := &domain.MediaInfo{Entries: []domain.MediaInfo{
		{ID: "a", SourceURL: "https://v/a"},
		{ID: "b", SourceURL: "https://v/b"},
	}}
	port := &scriptPort{probes: map[string]*domain.MediaInfo{"https://list": playlist}}
	o := newTestOrchestrator(t, port, nil)
	if _, err := o.Enqueue(context.Background(), "https://list", domain.VideoQuality(domain.Tier1080p)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n := o.RewritePending(func(q domain.Quality) (domain.Quality, bool) {
		return domain.VideoQuality(domain.Tier360p), true
	})
	if n != 2 {
		t.Fatalf("rewrote %d items, want 2", n)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.Type != domain.EventBatchQualityRewritten {
				continue
			}
			if len(ev.ItemKeys) != 2 || !ev.NewQuality.Equal(domain.VideoQuality(domain.Tier360p)) {
				t.Fatalf("batch event = %+v", ev)
			}
			it, _ := o.Item("a")
			if !it.ResolvedQuality.Equal(domain.VideoQuality(domain.Tier360p)) {
				t.Fatalf("resolved = %s, want 360p", it.ResolvedQuality)
			}
			if !it.RequestedQuality.Equal(domain.VideoQuality(domain.Tier1080p)) {
				t.Fatal("requested quality must not be rewritten")
			}
			return
		case <-deadline:
			t.Fatal("no batch rewrite event")
		}
	}
}

func TestStartRunTwiceFails(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	port := &scriptPort{probes: map[string]*domain.MediaInfo{
		"https://v/a": singleVideo("a", "https://v/a", 720),
	}}
	port.onFetch = func(url string, req extractor.FormatRequest, outputDir string) (string, error) {
		close(started)
		<-release
		return "", nil
	}
	o := newTestOrchestrator(t, port, nil)
	if _, err := o.Enqueue(context.Background(), "https://v/a", domain.VideoQuality(domain.TierBest)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.StartRun(); err != nil {
		t.Fatalf("start run: %v", err)
	}
	<-started
	if err := o.StartRun(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	close(release)
	drainUntilRunFinished(t, o)
	if err := o.StopRun(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop idle err = %v, want ErrNotRunning", err)
	}
}
