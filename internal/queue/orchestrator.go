package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
	"fetchqueue/internal/probecache"
	"fetchqueue/internal/quality"
	"fetchqueue/internal/restriction"
)

var (
	ErrAlreadyRunning = errors.New("queue run already in progress")
	ErrNotRunning     = errors.New("no queue run in progress")
	ErrUnknownItem    = errors.New("unknown queue item")
	ErrBadOrdering    = errors.New("ordering is not a permutation of the queue")
)

// RunState is the worker lifecycle phase.
type RunState string

const (
	RunIdle     RunState = "idle"
	RunActive   RunState = "running"
	RunStopping RunState = "stopping"
)

// Ledger answers whether a platform id has already been fetched in an
// earlier session. A nil ledger means no dedup across sessions.
type Ledger interface {
	Contains(ctx context.Context, id string) (bool, error)
}

type Config struct {
	// DataDir receives fetched artifacts.
	DataDir string
	// StopTimeout bounds how long a stop waits for the engine to release
	// a cancelled fetch before the worker abandons it.
	StopTimeout time.Duration
	// EnqueueChunkSize is the insertion batch size for playlist expansion.
	EnqueueChunkSize int
	// EventBuffer sizes the event stream channel.
	EventBuffer int
	Logger      *logrus.Logger
}

// Orchestrator owns the ordered download queue and its single sequential
// worker. All mutation goes through it; persistence hangs off the event
// stream.
type Orchestrator struct {
	cfg      Config
	port     extractor.Port
	probes   *probecache.Cache
	detector *restriction.Detector
	ledger   Ledger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	items   []*domain.QueueItem
	byKey   map[string]*domain.QueueItem
	state   RunState
	runStop context.CancelFunc
	runDone chan struct{}

	events chan domain.Event
}

func New(cfg Config, port extractor.Port, probes *probecache.Cache, detector *restriction.Detector, ledger Ledger) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.EnqueueChunkSize <= 0 {
		cfg.EnqueueChunkSize = 300
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	o := &Orchestrator{
		cfg:      cfg,
		port:     port,
		probes:   probes,
		detector: detector,
		ledger:   ledger,
		byKey:    make(map[string]*domain.QueueItem),
		state:    RunIdle,
		events:   make(chan domain.Event, cfg.EventBuffer),
	}
	if detector != nil {
		// Every Normal->Restricted transition clamps the pending queue,
		// regardless of which signal flipped the detector.
		detector.OnActivate(func() {
			if n := o.RewritePending(detector.ClampQuality); n > 0 {
				cfg.Logger.Infof("clamped %d pending items to the safe quality subset", n)
			}
		})
	}
	return o
}

// Start prepares the data directory and binds the orchestrator lifetime.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.cfg.Logger.Infof("queue orchestrator started, data dir: %s", o.cfg.DataDir)
	return nil
}

// Shutdown stops any active run and waits for worker quiescence.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.cfg.Logger.Info("queue orchestrator stopped")
}

// Events exposes the orchestrator's event stream. There is a single
// consumer; events overflowing the buffer are dropped with a warning.
func (o *Orchestrator) Events() <-chan domain.Event {
	return o.events
}

// State reports the worker phase.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Items returns an ordered snapshot of the queue.
func (o *Orchestrator) Items() []*domain.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*domain.QueueItem, len(o.items))
	for i, it := range o.items {
		out[i] = it.Clone()
	}
	return out
}

// Item returns a snapshot of one item.
func (o *Orchestrator) Item(key string) (*domain.QueueItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it, ok := o.byKey[key]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// Summary tallies the queue by status.
func (o *Orchestrator) Summary() domain.StatusCounts {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.countsLocked()
}

// Restore seeds the queue from persisted rows. Any row persisted
// mid-download comes back as Pending.
func (o *Orchestrator) Restore(items []*domain.QueueItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range items {
		cp := it.Clone()
		if cp.Status == domain.StatusDownloading {
			cp.Status = domain.StatusPending
		}
		if _, dup := o.byKey[cp.Key]; dup {
			continue
		}
		o.items = append(o.items, cp)
		o.byKey[cp.Key] = cp
	}
}

// Enqueue probes the URL, expands playlists, and appends the resulting
// items in insertion chunks. Entries already queued (by platform id, then
// by URL) are skipped; entries recorded in the fetched ledger are appended
// as Skipped.
func (o *Orchestrator) Enqueue(ctx context.Context, url string, q domain.Quality) ([]*domain.QueueItem, error) {
	handle, err := o.probes.Probe(ctx, url, q, extractor.ProbeOptions{FlatPlaylist: true})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	info := handle.Info

	entries := info.Entries
	if len(entries) == 0 {
		entries = []domain.MediaInfo{*info}
	}

	now := time.Now()
	var added []*domain.QueueItem
	pending := make([]*domain.QueueItem, 0, len(entries))
	flush := func() {
		if len(pending) == 0 {
			return
		}
		o.mu.Lock()
		for _, it := range pending {
			// Re-check under the lock: a concurrent Enqueue may have
			// inserted the same entry since the unlocked pre-check.
			if o.queuedLocked(it.ID, it.SourceURL) {
				continue
			}
			o.items = append(o.items, it)
			o.byKey[it.Key] = it
			added = append(added, it.Clone())
		}
		counts := o.countsLocked()
		o.mu.Unlock()
		o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
		pending = pending[:0]
	}

	for i := range entries {
		entry := &entries[i]
		sourceURL := entry.SourceURL
		if sourceURL == "" {
			sourceURL = url
		}
		if o.alreadyQueued(entry.ID, sourceURL, pending) {
			continue
		}
		key := entry.ID
		if key == "" {
			key = uuid.NewString()
		}
		it := &domain.QueueItem{
			Key:              key,
			ID:               entry.ID,
			Title:            entry.Title,
			DurationSeconds:  entry.DurationSeconds,
			SourceURL:        sourceURL,
			RequestedQuality: q,
			ResolvedQuality:  q,
			Status:           domain.StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if o.ledger != nil && entry.ID != "" {
			fetched, lerr := o.ledger.Contains(ctx, entry.ID)
			if lerr != nil {
				o.cfg.Logger.WithError(lerr).Warn("ledger lookup failed, treating entry as new")
			} else if fetched {
				it.Status = domain.StatusSkipped
			}
		}
		pending = append(pending, it)
		if len(pending) >= o.cfg.EnqueueChunkSize {
			flush()
		}
	}
	flush()
	return added, nil
}

func (o *Orchestrator) alreadyQueued(id, url string, pending []*domain.QueueItem) bool {
	for _, it := range pending {
		if id != "" && it.ID == id {
			return true
		}
		if it.SourceURL == url {
			return true
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queuedLocked(id, url)
}

// queuedLocked reports whether an item with the given platform id or source
// URL is already in the queue. Callers hold o.mu.
func (o *Orchestrator) queuedLocked(id, url string) bool {
	if id != "" {
		if _, ok := o.byKey[id]; ok {
			return true
		}
	}
	for _, it := range o.items {
		if id != "" && it.ID == id {
			return true
		}
		if it.SourceURL == url {
			return true
		}
	}
	return false
}

// Remove drops items from the queue. The item currently downloading
// cannot be removed; stop the run first.
func (o *Orchestrator) Remove(keys ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	drop := make(map[string]bool, len(keys))
	for _, key := range keys {
		it, ok := o.byKey[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownItem, key)
		}
		if it.Status == domain.StatusDownloading {
			return fmt.Errorf("item %s is downloading, stop the run first", key)
		}
		drop[key] = true
	}
	kept := o.items[:0]
	for _, it := range o.items {
		if drop[it.Key] {
			delete(o.byKey, it.Key)
			continue
		}
		kept = append(kept, it)
	}
	o.items = kept
	o.emitSummaryLocked()
	return nil
}

// Skip marks pending items as Skipped so the worker passes over them.
func (o *Orchestrator) Skip(keys ...string) error {
	o.mu.Lock()
	var changed []*domain.QueueItem
	for _, key := range keys {
		it, ok := o.byKey[key]
		if !ok {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownItem, key)
		}
		if it.Status != domain.StatusPending {
			continue
		}
		it.Status = domain.StatusSkipped
		it.UpdatedAt = time.Now()
		changed = append(changed, it.Clone())
	}
	counts := o.countsLocked()
	o.mu.Unlock()
	for _, it := range changed {
		o.emitItem(it)
	}
	if len(changed) > 0 {
		o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
	}
	return nil
}

// Reorder replaces the queue order with the given key sequence, which must
// be a permutation of the current queue. The worker reads the live order,
// so reordering mid-run redirects it after the current item.
func (o *Orchestrator) Reorder(orderedKeys []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(orderedKeys) != len(o.items) {
		return ErrBadOrdering
	}
	next := make([]*domain.QueueItem, 0, len(orderedKeys))
	seen := make(map[string]bool, len(orderedKeys))
	for _, key := range orderedKeys {
		it, ok := o.byKey[key]
		if !ok || seen[key] {
			return ErrBadOrdering
		}
		seen[key] = true
		next = append(next, it)
	}
	o.items = next
	return nil
}

// Reset returns terminal items to Pending, clearing their outcome. The
// cleanup callback runs outside the lock, once per reset item, with a
// snapshot taken before the reset; it removes artifacts and ledger rows.
func (o *Orchestrator) Reset(keys []string, cleanup func(domain.QueueItem) error) error {
	o.mu.Lock()
	var snapshots []domain.QueueItem
	var changed []*domain.QueueItem
	for _, key := range keys {
		it, ok := o.byKey[key]
		if !ok {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownItem, key)
		}
		if !it.Status.IsTerminal() {
			continue
		}
		snapshots = append(snapshots, *it.Clone())
		it.Status = domain.StatusPending
		it.ResolvedQuality = it.RequestedQuality
		it.ErrorMessage = ""
		it.ArtifactPath = ""
		it.SetProbeHandle(nil)
		it.UpdatedAt = time.Now()
		changed = append(changed, it.Clone())
	}
	counts := o.countsLocked()
	o.mu.Unlock()

	for _, snap := range snapshots {
		if cleanup == nil {
			continue
		}
		if err := cleanup(snap); err != nil {
			o.cfg.Logger.WithField("item", snap.Key).WithError(err).Warn("reset cleanup failed")
		}
	}
	for _, it := range changed {
		o.emitItem(it)
	}
	if len(changed) > 0 {
		o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
	}
	return nil
}

// RewritePending applies a quality transform to every pending item,
// emitting one rewrite event per resulting quality. Used when restricted
// mode flips on and queued requests must be clamped to the safe subset.
func (o *Orchestrator) RewritePending(transform func(domain.Quality) (domain.Quality, bool)) int {
	o.mu.Lock()
	groups := make(map[domain.Quality][]string)
	total := 0
	for _, it := range o.items {
		if it.Status != domain.StatusPending {
			continue
		}
		next, changed := transform(it.ResolvedQuality)
		if !changed {
			continue
		}
		it.ResolvedQuality = next
		it.UpdatedAt = time.Now()
		groups[next] = append(groups[next], it.Key)
		total++
	}
	o.mu.Unlock()
	for q, itemKeys := range groups {
		o.emit(domain.Event{Type: domain.EventBatchQualityRewritten, ItemKeys: itemKeys, NewQuality: q})
	}
	return total
}

// StartRun launches the sequential worker. Only one run may be active.
func (o *Orchestrator) StartRun() error {
	o.mu.Lock()
	if o.state != RunIdle {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, stop := context.WithCancel(o.ctx)
	done := make(chan struct{})
	o.state = RunActive
	o.runStop = stop
	o.runDone = done
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, done)
	}()
	return nil
}

// StopRun requests a graceful stop and waits for the worker to yield, up
// to the caller's deadline. The in-flight fetch is cancelled; its item
// returns to Pending.
func (o *Orchestrator) StopRun(ctx context.Context) error {
	o.mu.Lock()
	if o.state == RunIdle {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.state = RunStopping
	stop := o.runStop
	done := o.runDone
	o.mu.Unlock()

	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, done chan struct{}) {
	stopped := false
	defer func() {
		o.mu.Lock()
		o.state = RunIdle
		o.runStop = nil
		o.runDone = nil
		counts := o.countsLocked()
		o.mu.Unlock()
		close(done)
		o.emit(domain.Event{Type: domain.EventRunFinished, Stopped: stopped})
		o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
	}()

	if o.detector != nil && o.detector.ShouldAutoCheck() {
		if _, err := o.detector.Check(ctx, false); err != nil {
			o.cfg.Logger.WithError(err).Warn("restriction auto-check failed")
		}
	}

	for {
		if ctx.Err() != nil {
			stopped = true
			return
		}
		it := o.nextPending()
		if it == nil {
			return
		}
		if cancelled := o.process(ctx, it); cancelled {
			stopped = true
			return
		}
	}
}

// nextPending returns the first Pending item in the live order.
func (o *Orchestrator) nextPending() *domain.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, it := range o.items {
		if it.Status == domain.StatusPending {
			return it
		}
	}
	return nil
}

// process fetches one item end to end. It returns true when the run was
// cancelled mid-item, in which case the item is back to Pending.
func (o *Orchestrator) process(ctx context.Context, it *domain.QueueItem) bool {
	logger := o.cfg.Logger.WithField("item", it.Key)

	requested := it.RequestedQuality
	if o.detector != nil {
		if clamped, changed := o.detector.ClampQuality(requested); changed {
			logger.Infof("clamping %s to %s under restricted mode", requested, clamped)
			requested = clamped
		}
	}
	o.setStatus(it, domain.StatusDownloading, "")

	handle, err := o.probes.Probe(ctx, it.SourceURL, requested, extractor.ProbeOptions{})
	if err != nil {
		if ctx.Err() != nil || extractor.Classify(err) == extractor.ClassCancelled {
			o.setStatus(it, domain.StatusPending, "")
			return true
		}
		o.failItem(it, err)
		return false
	}
	o.mu.Lock()
	it.SetProbeHandle(handle)
	if handle.Info.Title != "" {
		it.Title = handle.Info.Title
	}
	if handle.Info.DurationSeconds > 0 {
		it.DurationSeconds = handle.Info.DurationSeconds
	}
	if it.ID == "" && handle.Info.ID != "" {
		it.ID = handle.Info.ID
	}
	o.mu.Unlock()
	if o.detector != nil {
		o.detector.Observe(handle.Info.RawWarnings)
	}

	current := quality.AdjustSingle(requested, handle.Info.Streams)
	o.setResolved(it, current)

	for attempt := 0; attempt < 2; attempt++ {
		path, err := o.fetchItem(ctx, it, quality.BuildRequest(current))
		if err == nil {
			if verr := validateArtifact(path); verr != nil {
				o.failItem(it, verr)
				return false
			}
			o.mu.Lock()
			it.ArtifactPath = path
			o.mu.Unlock()
			o.setStatus(it, domain.StatusDone, "")
			logger.Infof("fetched %s at %s", it.SourceURL, current)
			return false
		}
		if ctx.Err() != nil || errors.Is(err, extractor.ErrCancelled) {
			o.setStatus(it, domain.StatusPending, "")
			return true
		}
		switch extractor.Classify(err) {
		case extractor.ClassQualityBlocked:
			next, ok := quality.Downgrade(current)
			if attempt == 0 && ok {
				logger.Warnf("quality %s blocked, retrying at %s", current, next)
				current = next
				o.setResolved(it, current)
				continue
			}
			o.setStatus(it, domain.StatusQualityBlocked, err.Error())
			if o.detector != nil {
				o.detector.ArmRecheck()
			}
			logger.WithError(err).Warn("quality blocked after downgrade retry")
			return false
		case extractor.ClassAgeRestricted:
			o.setStatus(it, domain.StatusAgeRestricted, err.Error())
			logger.WithError(err).Warn("age restricted")
			return false
		case extractor.ClassFormatUnavailable:
			if o.detector != nil {
				o.detector.ArmRecheck()
			}
			o.failItem(it, err)
			return false
		default:
			o.failItem(it, err)
			return false
		}
	}
	return false
}

// fetchItem runs one engine fetch with cooperative cancellation. The
// engine gets its own context so an abandoned process cannot leak the run
// context; cancellation is signalled via the progress callback, and once
// the run is cancelled the wait for engine release is bounded by
// StopTimeout.
func (o *Orchestrator) fetchItem(ctx context.Context, it *domain.QueueItem, req extractor.FormatRequest) (string, error) {
	fetchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := func(p extractor.Progress) error {
		if ctx.Err() != nil {
			return extractor.ErrCancelled
		}
		return nil
	}

	type result struct {
		path string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		path, err := o.port.Fetch(fetchCtx, it.SourceURL, req, o.cfg.DataDir, progress)
		resCh <- result{path: path, err: err}
	}()

	select {
	case res := <-resCh:
		return res.path, res.err
	case <-ctx.Done():
	}

	cancel()
	select {
	case res := <-resCh:
		return res.path, res.err
	case <-time.After(o.cfg.StopTimeout):
		o.cfg.Logger.WithField("item", it.Key).Warn("engine did not release fetch in time, abandoning")
		return "", extractor.ErrCancelled
	}
}

// validateArtifact confirms the engine produced a non-empty file at the
// reported path. Engines occasionally report success on truncated output.
func validateArtifact(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact missing after fetch: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("artifact %s is empty", path)
	}
	return nil
}

func (o *Orchestrator) failItem(it *domain.QueueItem, err error) {
	o.setStatus(it, domain.StatusFailed, err.Error())
	o.cfg.Logger.WithField("item", it.Key).WithError(err).Error("fetch failed")
}

func (o *Orchestrator) setStatus(it *domain.QueueItem, status domain.ItemStatus, errMsg string) {
	o.mu.Lock()
	it.Status = status
	it.ErrorMessage = errMsg
	it.UpdatedAt = time.Now()
	snap := it.Clone()
	counts := o.countsLocked()
	o.mu.Unlock()
	o.emitItem(snap)
	o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
}

func (o *Orchestrator) setResolved(it *domain.QueueItem, q domain.Quality) {
	o.mu.Lock()
	it.ResolvedQuality = q
	it.UpdatedAt = time.Now()
	snap := it.Clone()
	o.mu.Unlock()
	o.emitItem(snap)
}

func (o *Orchestrator) emitItem(it *domain.QueueItem) {
	o.emit(domain.Event{
		Type:            domain.EventItemStatusChanged,
		ItemKey:         it.Key,
		ItemID:          it.ID,
		Status:          it.Status,
		ResolvedQuality: it.ResolvedQuality,
		ErrorMessage:    it.ErrorMessage,
	})
}

func (o *Orchestrator) emit(ev domain.Event) {
	select {
	case o.events <- ev:
	default:
		o.cfg.Logger.WithField("event", string(ev.Type)).Warn("event buffer full, dropping event")
	}
}

func (o *Orchestrator) countsLocked() domain.StatusCounts {
	var counts domain.StatusCounts
	for _, it := range o.items {
		counts.Add(it.Status)
	}
	return counts
}

func (o *Orchestrator) emitSummaryLocked() {
	counts := o.countsLocked()
	o.emit(domain.Event{Type: domain.EventQueueSummaryChanged, Counts: counts})
}
