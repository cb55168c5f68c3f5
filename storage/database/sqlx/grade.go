package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/marking"
)

const gradeColumns = `id, activity_id, user_id, attempt, grade, grader_id, workflow_state, publish_pending, created_at, updated_at`

const uniqueViolation = "23505"

type gradeRow struct {
	ID             int64        `db:"id"`
	ActivityID     int64        `db:"activity_id"`
	UserID         int64        `db:"user_id"`
	Attempt        int          `db:"attempt"`
	Grade          null.Float64 `db:"grade"`
	GraderID       null.Int64   `db:"grader_id"`
	WorkflowState  string       `db:"workflow_state"`
	PublishPending bool         `db:"publish_pending"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r gradeRow) toGrade() (marking.Grade, error) {
	state, err := marking.ParseWorkflowState(r.WorkflowState)
	if err != nil {
		return marking.Grade{}, err
	}
	return marking.Grade{
		ID:             r.ID,
		ActivityID:     r.ActivityID,
		UserID:         r.UserID,
		Attempt:        r.Attempt,
		Value:          r.Grade,
		GraderID:       r.GraderID,
		State:          state,
		PublishPending: r.PublishPending,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

type gradeRepository struct {
	db core.DB
}

var _ marking.Repository = (*gradeRepository)(nil)

func NewGradeRepository(db core.DB) marking.Repository {
	return &gradeRepository{db: db}
}

func (repo *gradeRepository) GetGrade(ctx context.Context, activityID, userID int64, attempt int) (marking.Grade, error) {
	var row gradeRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT `+gradeColumns+` FROM grades WHERE activity_id = $1 AND user_id = $2 AND attempt = $3`,
		activityID, userID, attempt,
	)
	if err != nil {
		return marking.Grade{}, notFound(err, "grade of user %d (attempt %d)", userID, attempt)
	}
	return row.toGrade()
}

func (repo *gradeRepository) QueryGrades(ctx context.Context, activityID int64) ([]marking.Grade, error) {
	var rows []gradeRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT `+gradeColumns+` FROM grades WHERE activity_id = $1 ORDER BY id`, activityID); err != nil {
		return nil, errors.Wrap(err, "selecting grades")
	}
	grades := make([]marking.Grade, 0, len(rows))
	for _, r := range rows {
		g, err := r.toGrade()
		if err != nil {
			return nil, err
		}
		grades = append(grades, g)
	}
	return grades, nil
}

// SaveGrades locks the stored rows, compares them with the expected modification times, then writes
// the whole batch. A concurrent first write of the same grade surfaces as a stale error too.
func (repo *gradeRepository) SaveGrades(ctx context.Context, writes ...marking.GradeWrite) ([]marking.Grade, error) {
	type key struct {
		userID  int64
		attempt int
	}
	seen := make(map[key]bool, len(writes))
	for _, w := range writes {
		k := key{w.Grade.UserID, w.Grade.Attempt}
		if seen[k] {
			return nil, errors.Errorf("duplicate grade write for user %d (attempt %d)", k.userID, k.attempt)
		}
		seen[k] = true
	}

	saved := make([]marking.Grade, 0, len(writes))
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		now := core.Now()
		for _, w := range writes {
			g := w.Grade
			var stored gradeRow
			err := tx.GetContext(ctx, &stored, `
				SELECT `+gradeColumns+` FROM grades
				WHERE activity_id = $1 AND user_id = $2 AND attempt = $3
				FOR UPDATE`,
				g.ActivityID, g.UserID, g.Attempt,
			)
			exists := true
			if errors.Is(err, sql.ErrNoRows) {
				exists = false
			} else if err != nil {
				return errors.Wrap(err, "locking grade")
			}
			if w.Expected.IsZero() && exists || !w.Expected.IsZero() && (!exists || !stored.UpdatedAt.Equal(w.Expected)) {
				return core.NewStaleGradeError(g.UserID, g.Attempt)
			}

			updatedAt := now
			if exists && !updatedAt.After(stored.UpdatedAt) {
				updatedAt = stored.UpdatedAt.Add(time.Microsecond)
			}
			createdAt := g.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}

			var row gradeRow
			if exists {
				err = tx.GetContext(ctx, &row, `
					UPDATE grades SET grade = $1, grader_id = $2, workflow_state = $3, publish_pending = $4, updated_at = $5
					WHERE id = $6
					RETURNING `+gradeColumns,
					g.Value, g.GraderID, g.State.String(), g.PublishPending, updatedAt, stored.ID,
				)
			} else {
				err = tx.GetContext(ctx, &row, `
					INSERT INTO grades (activity_id, user_id, attempt, grade, grader_id, workflow_state, publish_pending, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
					RETURNING `+gradeColumns,
					g.ActivityID, g.UserID, g.Attempt, g.Value, g.GraderID, g.State.String(), g.PublishPending, createdAt, updatedAt,
				)
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return core.NewStaleGradeError(g.UserID, g.Attempt)
			} else if err != nil {
				return errors.Wrap(err, "saving grade")
			}

			savedGrade, err := row.toGrade()
			if err != nil {
				return err
			}
			saved = append(saved, savedGrade)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
