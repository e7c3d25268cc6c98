package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/repository"
)

const createQueueItemsTable = `
CREATE TABLE IF NOT EXISTS queue_items (
	item_key TEXT PRIMARY KEY,
	media_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	source_url TEXT NOT NULL,
	requested_quality TEXT NOT NULL,
	resolved_quality TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) repository.ItemRepository {
	return &ItemRepository{db: db}
}

func (r *ItemRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createQueueItemsTable); err != nil {
		return fmt.Errorf("create queue_items table: %w", err)
	}
	return nil
}

func (r *ItemRepository) ReplaceAll(ctx context.Context, items []domain.QueueItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue_items: %w", err)
	}
	for i := range items {
		it := &items[i]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_items (item_key, media_id, title, duration_seconds, source_url, requested_quality, resolved_quality, status, error_message, artifact_path, position, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.Key,
			it.ID,
			it.Title,
			it.DurationSeconds,
			it.SourceURL,
			it.RequestedQuality.String(),
			it.ResolvedQuality.String(),
			string(persistStatus(it.Status)),
			it.ErrorMessage,
			it.ArtifactPath,
			i,
			it.CreatedAt.UTC(),
			it.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert queue item %s: %w", it.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue replace: %w", err)
	}
	return nil
}

func (r *ItemRepository) Update(ctx context.Context, item *domain.QueueItem) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE queue_items
SET media_id=?, title=?, duration_seconds=?, resolved_quality=?, status=?, error_message=?, artifact_path=?, updated_at=?
WHERE item_key=?`,
		item.ID,
		item.Title,
		item.DurationSeconds,
		item.ResolvedQuality.String(),
		string(persistStatus(item.Status)),
		item.ErrorMessage,
		item.ArtifactPath,
		time.Now().UTC(),
		item.Key,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue item rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("queue item %s: %w", item.Key, repository.ErrNotFound)
	}
	return nil
}

func (r *ItemRepository) List(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT item_key, media_id, title, duration_seconds, source_url, requested_quality, resolved_quality, status, error_message, artifact_path, created_at, updated_at
FROM queue_items
ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// persistStatus maps the in-memory status onto its durable form. A row
// persisted mid-download comes back as Pending on the next start.
func persistStatus(s domain.ItemStatus) domain.ItemStatus {
	if s == domain.StatusDownloading {
		return domain.StatusPending
	}
	return s
}

func scanItem(scanner interface {
	Scan(dest ...any) error
}) (*domain.QueueItem, error) {
	var (
		item      domain.QueueItem
		requested string
		resolved  string
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := scanner.Scan(
		&item.Key,
		&item.ID,
		&item.Title,
		&item.DurationSeconds,
		&item.SourceURL,
		&requested,
		&resolved,
		&status,
		&item.ErrorMessage,
		&item.ArtifactPath,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan queue item: %w", err)
	}

	q, err := domain.ParseQuality(requested)
	if err != nil {
		return nil, fmt.Errorf("parse requested quality: %w", err)
	}
	item.RequestedQuality = q
	q, err = domain.ParseQuality(resolved)
	if err != nil {
		return nil, fmt.Errorf("parse resolved quality: %w", err)
	}
	item.ResolvedQuality = q
	item.Status = domain.ItemStatus(status)
	item.CreatedAt = createdAt.Local()
	item.UpdatedAt = updatedAt.Local()
	return &item, nil
}
