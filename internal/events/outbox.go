package events

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/sberrors"
)

// Publisher pushes one serialized event to the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// InsertTx stages events in the outbox within the caller's transaction,
// so "state changed" and "event will be delivered" commit atomically.
func InsertTx(ctx context.Context, tx *database.Tx, evts ...Event) error {
	for _, evt := range evts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (id, subject, payload, created_at)
			VALUES (?, ?, ?, ?)
		`, evt.ID, evt.Subject, string(evt.Payload), evt.CreatedAt)
		if err != nil {
			return sberrors.Wrapf(err, sberrors.ErrCodeTransient, "failed to stage event %s", evt.Subject)
		}
	}
	return nil
}

// Relay drains unpublished outbox rows to the bus, oldest first.
// Delivery is at-least-once: a row is marked published only after the
// bus accepted it, so a crash in between re-publishes.
type Relay struct {
	db        *database.DB
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewRelay creates an outbox relay.
func NewRelay(db *database.DB, publisher Publisher, interval time.Duration) *Relay {
	return &Relay{
		db:        db,
		publisher: publisher,
		interval:  interval,
		batchSize: 100,
		logger:    slog.Default().With("component", "outbox-relay"),
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("Outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("Published outbox events", "count", n)
			}
		}
	}
}

// DrainOnce publishes up to one batch of pending rows and returns how
// many were published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT ?
	`, r.batchSize)
	if err != nil {
		return 0, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to query outbox")
	}

	type pending struct {
		id      string
		subject string
		payload []byte
	}
	var batch []pending
	for rows.Next() {
		var p pending
		var payload string
		if err := rows.Scan(&p.id, &p.subject, &payload); err != nil {
			rows.Close()
			return 0, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to scan outbox row")
		}
		p.payload = []byte(payload)
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to iterate outbox rows")
	}
	rows.Close()

	published := 0
	for _, p := range batch {
		if err := r.publisher.Publish(ctx, p.subject, p.payload); err != nil {
			// Stop at the first failure to preserve per-subject order.
			return published, sberrors.Wrapf(err, sberrors.ErrCodeTransient, "failed to publish %s", p.subject)
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE outbox SET published_at = ? WHERE id = ?`,
			time.Now().UTC(), p.id,
		); err != nil {
			return published, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to mark event published")
		}
		published++
	}
	return published, nil
}

// PendingCount reports unpublished rows, for metrics.
func (r *Relay) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`,
	).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, sberrors.Wrap(err, sberrors.ErrCodeTransient, "failed to count outbox")
	}
	return n, nil
}
