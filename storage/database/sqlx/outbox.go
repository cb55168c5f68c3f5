package sqlxrepos

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
)

// OutboxEntry is a gradebook update waiting for delivery.
type OutboxEntry struct {
	ID        int64
	Update    core.GradeUpdate
	CreatedAt time.Time
}

// Outbox records gradebook updates in the database; a separate process delivers and marks them.
type Outbox struct {
	db core.DB
}

var _ core.GradebookPublisher = (*Outbox)(nil)

func NewOutbox(db core.DB) *Outbox {
	return &Outbox{db: db}
}

func (ob *Outbox) Publish(ctx context.Context, upd core.GradeUpdate) error {
	_, err := ob.db.ExecContext(ctx, `
		INSERT INTO gradebook_outbox (activity_id, user_id, attempt, grade, created_at) VALUES ($1, $2, $3, $4, $5)`,
		upd.ActivityID, upd.UserID, upd.Attempt, upd.Grade, core.Now(),
	)
	return errors.Wrap(err, "inserting gradebook update")
}

// Pending returns up to limit undelivered updates, oldest first.
func (ob *Outbox) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var rows []struct {
		ID         int64        `db:"id"`
		ActivityID int64        `db:"activity_id"`
		UserID     int64        `db:"user_id"`
		Attempt    int          `db:"attempt"`
		Grade      null.Float64 `db:"grade"`
		CreatedAt  time.Time    `db:"created_at"`
	}
	err := ob.db.SelectContext(ctx, &rows, `
		SELECT id, activity_id, user_id, attempt, grade, created_at FROM gradebook_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting pending gradebook updates")
	}
	entries := make([]OutboxEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, OutboxEntry{
			ID: r.ID,
			Update: core.GradeUpdate{
				ActivityID: r.ActivityID,
				UserID:     r.UserID,
				Attempt:    r.Attempt,
				Grade:      r.Grade,
			},
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

func (ob *Outbox) MarkPublished(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ob.db.ExecContext(ctx, `
		UPDATE gradebook_outbox SET published_at = $1 WHERE id = ANY($2)`,
		core.Now(), pq.Array(ids),
	)
	return errors.Wrap(err, "marking gradebook updates published")
}

// Relay delivers pending updates to pub in order, stopping at the first failure.
func (ob *Outbox) Relay(ctx context.Context, pub core.GradebookPublisher, limit int) (int, error) {
	entries, err := ob.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := pub.Publish(ctx, e.Update); err != nil {
			return i, errors.Wrapf(err, "publishing gradebook update %d", e.ID)
		}
		if err := ob.MarkPublished(ctx, e.ID); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
