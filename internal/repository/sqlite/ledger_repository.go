package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/repository"
)

const createFetchedMediaTable = `
CREATE TABLE IF NOT EXISTS fetched_media (
	media_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	fetched_at DATETIME NOT NULL
);
`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) repository.LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createFetchedMediaTable); err != nil {
		return fmt.Errorf("create fetched_media table: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Add(ctx context.Context, mediaID, title string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO fetched_media (media_id, title, fetched_at)
VALUES (?, ?, ?)
ON CONFLICT(media_id) DO UPDATE SET title=excluded.title, fetched_at=excluded.fetched_at`,
		mediaID,
		title,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fetched media: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Contains(ctx context.Context, mediaID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM fetched_media WHERE media_id=?`, mediaID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query fetched media: %w", err)
	}
	return n > 0, nil
}

func (r *LedgerRepository) Remove(ctx context.Context, mediaID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM fetched_media WHERE media_id=?`, mediaID); err != nil {
		return fmt.Errorf("delete fetched media: %w", err)
	}
	return nil
}

func (r *LedgerRepository) List(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT media_id, title, fetched_at
FROM fetched_media
ORDER BY fetched_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query fetched media: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			entry     domain.LedgerEntry
			fetchedAt time.Time
		)
		if err := rows.Scan(&entry.MediaID, &entry.Title, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetched media: %w", err)
		}
		entry.FetchedAt = fetchedAt.Local()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

var _ repository.LedgerRepository = (*LedgerRepository)(nil)
