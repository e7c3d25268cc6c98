package repository

import (
	"context"
	"errors"

	"fetchqueue/internal/domain"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness rule.
	ErrConflict = errors.New("already exists")
)

// ItemRepository persists the ordered queue. Order is a position column
// owned by ReplaceAll; single-row updates never move an item.
type ItemRepository interface {
	Init(ctx context.Context) error
	// ReplaceAll rewrites the whole queue, including order, in one
	// transaction.
	ReplaceAll(ctx context.Context, items []domain.QueueItem) error
	// Update persists one item's mutable fields by key.
	Update(ctx context.Context, item *domain.QueueItem) error
	// List returns the queue in persisted order.
	List(ctx context.Context) ([]domain.QueueItem, error)
}

// LedgerRepository records media ids that have been fetched to completion,
// across sessions.
type LedgerRepository interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, mediaID, title string) error
	Contains(ctx context.Context, mediaID string) (bool, error)
	Remove(ctx context.Context, mediaID string) error
	List(ctx context.Context) ([]domain.LedgerEntry, error)
}
