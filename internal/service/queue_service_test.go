package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
	"fetchqueue/internal/probecache"
	"fetchqueue/internal/queue"
	"fetchqueue/internal/storage"
)

type nullPort struct{}

func (nullPort) Probe(ctx context.Context, url string, opts extractor.ProbeOptions) (*domain.MediaInfo, error) {
	return nil, errors.New("no probes in this test")
}

func (nullPort) Fetch(ctx context.Context, url string, req extractor.FormatRequest, outputDir string, progress extractor.ProgressFunc) (string, error) {
	return "", errors.New("no fetches in this test")
}

type memItemRepo struct {
	rows []domain.QueueItem
}

func (r *memItemRepo) Init(ctx context.Context) error { return nil }

func (r *memItemRepo) ReplaceAll(ctx context.Context, items []domain.QueueItem) error {
	r.rows = append([]domain.QueueItem(nil), items...)
	return nil
}

func (r *memItemRepo) Update(ctx context.Context, item *domain.QueueItem) error {
	for i := range r.rows {
		if r.rows[i].Key == item.Key {
			r.rows[i] = *item
		}
	}
	return nil
}

func (r *memItemRepo) List(ctx context.Context) ([]domain.QueueItem, error) {
	return append([]domain.QueueItem(nil), r.rows...), nil
}

type memLedger struct {
	ids     map[string]string
	removed []string
}

func newMemLedger() *memLedger { return &memLedger{ids: make(map[string]string)} }

func (l *memLedger) Init(ctx context.Context) error { return nil }

func (l *memLedger) Add(ctx context.Context, mediaID, title string) error {
	l.ids[mediaID] = title
	return nil
}

func (l *memLedger) Contains(ctx context.Context, mediaID string) (bool, error) {
	_, ok := l.ids[mediaID]
	return ok, nil
}

func (l *memLedger) Remove(ctx context.Context, mediaID string) error {
	delete(l.ids, mediaID)
	l.removed = append(l.removed, mediaID)
	return nil
}

func (l *memLedger) List(ctx context.Context) ([]domain.LedgerEntry, error) { return nil, nil }

type fakeArchiver struct {
	deleted []string
}

func (a *fakeArchiver) UploadArtifact(ctx context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	return "s3://" + opts.Bucket + "/" + filepath.Base(localPath), nil
}

func (a *fakeArchiver) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (a *fakeArchiver) DeleteObject(ctx context.Context, bucket, key string) error {
	a.deleted = append(a.deleted, bucket+"/"+key)
	return nil
}

func (a *fakeArchiver) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestResetDeletesArchivedObject(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "My Clip.mp4")
	if err := os.WriteFile(artifact, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}

	port := nullPort{}
	orch := queue.New(
		queue.Config{DataDir: dir, Logger: quietLogger()},
		port,
		probecache.New(port, probecache.Config{Logger: quietLogger()}),
		nil, nil,
	)
	orch.Restore([]*domain.QueueItem{{
		Key:              "a",
		ID:               "a",
		Title:            "My Clip",
		SourceURL:        "https://v/a",
		RequestedQuality: domain.VideoQuality(domain.Tier1080p),
		ResolvedQuality:  domain.VideoQuality(domain.Tier1080p),
		Status:           domain.StatusDone,
		ArtifactPath:     artifact,
	}})

	items := &memItemRepo{}
	ledger := newMemLedger()
	ledger.ids["a"] = "My Clip"
	arch := &fakeArchiver{}
	svc := NewQueueService(orch, items, ledger, nil, arch, ArchiveOptions{
		Bucket:    "media",
		KeyPrefix: "fetchqueue",
	}, quietLogger())

	if err := svc.Reset(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if len(arch.deleted) != 1 || arch.deleted[0] != "media/fetchqueue/My Clip.mp4" {
		t.Fatalf("archive deletes = %v, want the uploaded object key", arch.deleted)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatalf("local artifact should be gone, stat err = %v", err)
	}
	if len(ledger.removed) != 1 || ledger.removed[0] != "a" {
		t.Fatalf("ledger removals = %v, want [a]", ledger.removed)
	}

	got := svc.Items()
	if len(got) != 1 || got[0].Status != domain.StatusPending || got[0].ArtifactPath != "" {
		t.Fatalf("item after reset = %+v, want pending with no artifact", got[0])
	}
}
