package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/queue"
	"fetchqueue/internal/repository"
	"fetchqueue/internal/restriction"
	"fetchqueue/internal/storage"
)

// ArchiveOptions configures the optional artifact archive. An empty bucket
// disables archiving.
type ArchiveOptions struct {
	Bucket    string
	KeyPrefix string
}

// QueueService fronts the orchestrator for the HTTP layer and keeps the
// durable state (queue rows, fetched ledger, archive) in sync with the
// orchestrator's event stream.
type QueueService interface {
	Start(ctx context.Context) error
	Close()

	Enqueue(ctx context.Context, url string, q domain.Quality) ([]*domain.QueueItem, error)
	Items() []*domain.QueueItem
	Summary() domain.StatusCounts
	Remove(ctx context.Context, keys ...string) error
	Skip(ctx context.Context, keys ...string) error
	Reorder(ctx context.Context, orderedKeys []string) error
	Reset(ctx context.Context, keys []string) error

	StartRun() error
	StopRun(ctx context.Context) error
	RunState() queue.RunState

	Subscribe() (<-chan domain.Event, func())

	Restriction() restriction.Status
	RecheckRestriction(ctx context.Context, force bool) (restriction.Status, error)
	ForceRestriction() restriction.Status
	ClearRestriction() restriction.Status
}

type queueService struct {
	orch     *queue.Orchestrator
	items    repository.ItemRepository
	ledger   repository.LedgerRepository
	detector *restriction.Detector
	archiver storage.Archiver
	archive  ArchiveOptions
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
}

func NewQueueService(
	orch *queue.Orchestrator,
	items repository.ItemRepository,
	ledger repository.LedgerRepository,
	detector *restriction.Detector,
	archiver storage.Archiver,
	archive ArchiveOptions,
	logger *logrus.Logger,
) QueueService {
	if logger == nil {
		logger = logrus.New()
	}
	return &queueService{
		orch:     orch,
		items:    items,
		ledger:   ledger,
		detector: detector,
		archiver: archiver,
		archive:  archive,
		logger:   logger,
		subs:     make(map[int]chan domain.Event),
	}
}

// Start restores the persisted queue into the orchestrator and launches
// the event loop.
func (s *queueService) Start(ctx context.Context) error {
	rows, err := s.items.List(ctx)
	if err != nil {
		return err
	}
	restored := make([]*domain.QueueItem, len(rows))
	for i := range rows {
		restored[i] = &rows[i]
	}
	s.orch.Restore(restored)
	if len(restored) > 0 {
		s.logger.Infof("restored %d queue items", len(restored))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.eventLoop()
	return nil
}

func (s *queueService) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

func (s *queueService) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.orch.Events():
			s.handleEvent(ev)
			s.broadcast(ev)
		}
	}
}

func (s *queueService) handleEvent(ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Type {
	case domain.EventItemStatusChanged:
		it, ok := s.orch.Item(ev.ItemKey)
		if !ok {
			return
		}
		if err := s.items.Update(ctx, it); err != nil {
			s.logger.WithField("item", it.Key).WithError(err).Warn("persist item update failed")
		}
		if it.Status == domain.StatusDone {
			s.recordDone(ctx, it)
		}
	case domain.EventBatchQualityRewritten, domain.EventRunFinished:
		s.persistAll(ctx)
	}
}

// recordDone writes the ledger row and ships the artifact to the archive
// when one is configured.
func (s *queueService) recordDone(ctx context.Context, it *domain.QueueItem) {
	if it.ID != "" {
		if err := s.ledger.Add(ctx, it.ID, it.Title); err != nil {
			s.logger.WithField("item", it.Key).WithError(err).Warn("ledger add failed")
		}
	}
	if s.archiver == nil || s.archive.Bucket == "" || it.ArtifactPath == "" {
		return
	}
	dest, err := s.archiver.UploadArtifact(ctx, it.ArtifactPath, storage.UploadOptions{
		Bucket:    s.archive.Bucket,
		KeyPrefix: s.archive.KeyPrefix,
	})
	if err != nil {
		s.logger.WithField("item", it.Key).WithError(err).Warn("archive upload failed")
		return
	}
	s.logger.WithField("item", it.Key).Infof("archived to %s", dest)
}

func (s *queueService) persistAll(ctx context.Context) {
	snapshot := s.orch.Items()
	rows := make([]domain.QueueItem, len(snapshot))
	for i, it := range snapshot {
		rows[i] = *it
	}
	if err := s.items.ReplaceAll(ctx, rows); err != nil {
		s.logger.WithError(err).Warn("persist queue snapshot failed")
	}
}

func (s *queueService) Enqueue(ctx context.Context, url string, q domain.Quality) ([]*domain.QueueItem, error) {
	added, err := s.orch.Enqueue(ctx, url, q)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.persistAll(ctx)
	}
	return added, nil
}

func (s *queueService) Items() []*domain.QueueItem {
	return s.orch.Items()
}

func (s *queueService) Summary() domain.StatusCounts {
	return s.orch.Summary()
}

func (s *queueService) Remove(ctx context.Context, keys ...string) error {
	if err := s.orch.Remove(trimKeys(keys)...); err != nil {
		return err
	}
	s.persistAll(ctx)
	return nil
}

func (s *queueService) Skip(ctx context.Context, keys ...string) error {
	if err := s.orch.Skip(trimKeys(keys)...); err != nil {
		return err
	}
	s.persistAll(ctx)
	return nil
}

func (s *queueService) Reorder(ctx context.Context, orderedKeys []string) error {
	if err := s.orch.Reorder(orderedKeys); err != nil {
		return err
	}
	s.persistAll(ctx)
	return nil
}

// Reset returns terminal items to Pending. Each reset item's artifact is
// removed from disk and the archive, and its ledger row dropped, so a
// rerun fetches it again from scratch.
func (s *queueService) Reset(ctx context.Context, keys []string) error {
	err := s.orch.Reset(trimKeys(keys), func(it domain.QueueItem) error {
		if it.ArtifactPath != "" {
			if rmErr := os.Remove(it.ArtifactPath); rmErr != nil && !os.IsNotExist(rmErr) {
				s.logger.WithField("item", it.Key).WithError(rmErr).Warn("remove artifact failed")
			}
			if s.archiver != nil && s.archive.Bucket != "" {
				if dErr := s.archiver.DeleteObject(ctx, s.archive.Bucket, s.archiveKey(it.ArtifactPath)); dErr != nil {
					s.logger.WithField("item", it.Key).WithError(dErr).Warn("archive delete failed")
				}
			}
		}
		if it.ID != "" {
			if lErr := s.ledger.Remove(ctx, it.ID); lErr != nil {
				return lErr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.persistAll(ctx)
	return nil
}

func (s *queueService) StartRun() error {
	return s.orch.StartRun()
}

func (s *queueService) StopRun(ctx context.Context) error {
	return s.orch.StopRun(ctx)
}

func (s *queueService) RunState() queue.RunState {
	return s.orch.State()
}

// Subscribe registers an event listener. Slow listeners lose events rather
// than stall the loop.
func (s *queueService) Subscribe() (<-chan domain.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan domain.Event, 64)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *queueService) broadcast(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *queueService) Restriction() restriction.Status {
	return s.detector.Snapshot()
}

// RecheckRestriction probes the detector's test URL. When the check lands
// in restricted mode, pending requests outside the safe subset are clamped
// in place.
func (s *queueService) RecheckRestriction(ctx context.Context, force bool) (restriction.Status, error) {
	st, err := s.detector.Check(ctx, force)
	if err != nil {
		return st, err
	}
	if st.State == restriction.StateRestricted {
		s.clampPending(ctx)
	}
	return st, nil
}

func (s *queueService) ForceRestriction() restriction.Status {
	s.detector.ForceActive()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.clampPending(ctx)
	return s.detector.Snapshot()
}

func (s *queueService) ClearRestriction() restriction.Status {
	s.detector.Clear()
	return s.detector.Snapshot()
}

func (s *queueService) clampPending(ctx context.Context) {
	n := s.orch.RewritePending(s.detector.ClampQuality)
	if n > 0 {
		s.logger.Infof("clamped %d pending items to the safe quality subset", n)
		s.persistAll(ctx)
	}
}

// archiveKey reproduces the object key UploadArtifact derives for a local
// artifact path.
func (s *queueService) archiveKey(path string) string {
	key := filepath.ToSlash(filepath.Base(path))
	if prefix := strings.Trim(s.archive.KeyPrefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// trimKeys drops empty entries, the usual artifact of sloppy clients.
func trimKeys(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	return out
}
