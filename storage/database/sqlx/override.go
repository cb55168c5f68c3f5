package sqlxrepos

import (
	"context"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/override"
)

const overrideColumns = `id, activity_id, user_id, group_id, opens_at, due_at, cutoff_at, sort_order`

type overrideRow struct {
	ID         int64      `db:"id"`
	ActivityID int64      `db:"activity_id"`
	UserID     null.Int64 `db:"user_id"`
	GroupID    null.Int64 `db:"group_id"`
	OpensAt    null.Time  `db:"opens_at"`
	DueAt      null.Time  `db:"due_at"`
	CutoffAt   null.Time  `db:"cutoff_at"`
	SortOrder  int        `db:"sort_order"`
}

func (r overrideRow) toOverride() override.Override {
	return override.Override{
		ID:         r.ID,
		ActivityID: r.ActivityID,
		UserID:     r.UserID,
		GroupID:    r.GroupID,
		OpensAt:    utcTime(r.OpensAt),
		DueAt:      utcTime(r.DueAt),
		CutoffAt:   utcTime(r.CutoffAt),
		SortOrder:  r.SortOrder,
	}
}

type overrideRepository struct {
	db core.DB
}

var _ override.Repository = (*overrideRepository)(nil)

func NewOverrideRepository(db core.DB) override.Repository {
	return &overrideRepository{db: db}
}

func (repo *overrideRepository) SaveOverride(ctx context.Context, o override.Override) (override.Override, error) {
	var row overrideRow
	if o.ID == 0 {
		err := repo.db.GetContext(ctx, &row, `
			INSERT INTO overrides (activity_id, user_id, group_id, opens_at, due_at, cutoff_at, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+overrideColumns,
			o.ActivityID, o.UserID, o.GroupID, o.OpensAt, o.DueAt, o.CutoffAt, o.SortOrder,
		)
		if err != nil {
			return override.Override{}, errors.Wrap(err, "inserting override")
		}
		return row.toOverride(), nil
	}

	err := repo.db.GetContext(ctx, &row, `
		UPDATE overrides SET opens_at = $1, due_at = $2, cutoff_at = $3, sort_order = $4
		WHERE id = $5
		RETURNING `+overrideColumns,
		o.OpensAt, o.DueAt, o.CutoffAt, o.SortOrder, o.ID,
	)
	if err != nil {
		return override.Override{}, notFound(err, "override %d", o.ID)
	}
	return row.toOverride(), nil
}

func (repo *overrideRepository) GetOverride(ctx context.Context, id int64) (override.Override, error) {
	var row overrideRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+overrideColumns+` FROM overrides WHERE id = $1`, id); err != nil {
		return override.Override{}, notFound(err, "override %d", id)
	}
	return row.toOverride(), nil
}

func (repo *overrideRepository) DeleteOverride(ctx context.Context, id int64) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM overrides WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deleting override")
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "deleting override")
	} else if n == 0 {
		return errors.Wrapf(core.ErrNotFound, "override %d", id)
	}
	return nil
}

func (repo *overrideRepository) QueryOverrides(ctx context.Context, activityID int64) ([]override.Override, error) {
	var rows []overrideRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT `+overrideColumns+` FROM overrides WHERE activity_id = $1 ORDER BY id`,
		activityID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting overrides")
	}
	overrides := make([]override.Override, 0, len(rows))
	for _, r := range rows {
		overrides = append(overrides, r.toOverride())
	}
	return overrides, nil
}
