package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/events"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (id, event_type, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	fetchPendingOutboxSQL = `SELECT id, event_type, key, payload, created_at FROM outbox
		WHERE sent_at IS NULL ORDER BY created_at LIMIT $1`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = now() WHERE id = ANY($1)`
)

// Outbox reads and acknowledges events written by FulfillmentStore.
type Outbox struct {
	pool *pgxpool.Pool
}

// NewOutbox returns an Outbox that uses the given pool.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// FetchPending returns up to limit unsent records, oldest first.
func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]events.Record, error) {
	rows, err := o.pool.Query(ctx, fetchPendingOutboxSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching pending outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Record, error) {
		var r events.Record
		err := row.Scan(&r.ID, &r.Type, &r.Key, &r.Payload, &r.CreatedAt)
		return r, err
	})
}

// MarkSent acknowledges published records.
func (o *Outbox) MarkSent(ctx context.Context, ids []string) error {
	if _, err := o.pool.Exec(ctx, markOutboxSentSQL, ids); err != nil {
		return fmt.Errorf("marking outbox sent: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, q dbtx, r events.Record) error {
	if _, err := q.Exec(ctx, insertOutboxSQL, r.ID, r.Type, r.Key, r.Payload, r.CreatedAt); err != nil {
		return fmt.Errorf("writing outbox record: %w", err)
	}
	return nil
}
