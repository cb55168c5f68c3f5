package sqlxrepos

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/identity"
)

type identityRepository struct {
	db core.DB
}

var _ identity.Repository = (*identityRepository)(nil)

func NewIdentityRepository(db core.DB) identity.Repository {
	return &identityRepository{db: db}
}

// GetOrAssignIdentity serializes assignments per activity by locking the activity row.
func (repo *identityRepository) GetOrAssignIdentity(ctx context.Context, activityID, userID int64) (int, error) {
	var number int
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		var id int64
		if err := tx.GetContext(ctx, &id, `SELECT id FROM activities WHERE id = $1 FOR UPDATE`, activityID); err != nil {
			return notFound(err, "activity %d", activityID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (activity_id, user_id, number)
			SELECT $1, $2, COALESCE(MAX(number), 0) + 1 FROM identities WHERE activity_id = $1
			ON CONFLICT (activity_id, user_id) DO NOTHING`,
			activityID, userID,
		)
		if err != nil {
			return errors.Wrap(err, "assigning identity")
		}
		err = tx.GetContext(ctx, &number, `
			SELECT number FROM identities WHERE activity_id = $1 AND user_id = $2`,
			activityID, userID,
		)
		return errors.Wrap(err, "selecting identity")
	})
	return number, err
}

func (repo *identityRepository) QueryIdentities(ctx context.Context, activityID int64) (map[int64]int, error) {
	var rows []struct {
		UserID int64 `db:"user_id"`
		Number int   `db:"number"`
	}
	if err := repo.db.SelectContext(ctx, &rows, `SELECT user_id, number FROM identities WHERE activity_id = $1`, activityID); err != nil {
		return nil, errors.Wrap(err, "selecting identities")
	}
	ids := make(map[int64]int, len(rows))
	for _, r := range rows {
		ids[r.UserID] = r.Number
	}
	return ids, nil
}

func (repo *identityRepository) RevealIdentities(ctx context.Context, activityID int64) error {
	res, err := repo.db.ExecContext(ctx, `
		UPDATE activities SET identities_revealed = TRUE, updated_at = $1 WHERE id = $2`,
		core.Now(), activityID,
	)
	if err != nil {
		return errors.Wrap(err, "revealing identities")
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "revealing identities")
	} else if n == 0 {
		return errors.Wrapf(core.ErrNotFound, "activity %d", activityID)
	}
	return nil
}
