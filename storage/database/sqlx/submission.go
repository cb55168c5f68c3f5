package sqlxrepos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/submission"
)

const submissionColumns = `id, activity_id, user_id, group_id, team, attempt, status, latest, content,
	submitted_at, created_at, updated_at`

type submissionRow struct {
	ID          int64          `db:"id"`
	ActivityID  int64          `db:"activity_id"`
	UserID      int64          `db:"user_id"`
	GroupID     int64          `db:"group_id"`
	Team        bool           `db:"team"`
	Attempt     int            `db:"attempt"`
	Status      string         `db:"status"`
	Latest      bool           `db:"latest"`
	Content     types.JSONText `db:"content"`
	SubmittedAt null.Time      `db:"submitted_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r submissionRow) toSubmission() (submission.Submission, error) {
	status, err := submission.ParseStatus(r.Status)
	if err != nil {
		return submission.Submission{}, err
	}
	content := make(submission.Content)
	if err := r.Content.Unmarshal(&content); err != nil {
		return submission.Submission{}, errors.Wrap(err, "decoding content")
	}
	return submission.Submission{
		ID:          r.ID,
		ActivityID:  r.ActivityID,
		Author:      submission.Author{UserID: r.UserID, GroupID: r.GroupID, Team: r.Team},
		Attempt:     r.Attempt,
		Status:      status,
		Latest:      r.Latest,
		Content:     content,
		SubmittedAt: utcTime(r.SubmittedAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}, nil
}

func toSubmissions(rows []submissionRow) ([]submission.Submission, error) {
	subs := make([]submission.Submission, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toSubmission()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func encodeContent(c submission.Content) (types.JSONText, error) {
	if c == nil {
		c = submission.Content{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding content")
	}
	return types.JSONText(b), nil
}

type submissionRepository struct {
	db core.DB
}

var _ submission.Repository = (*submissionRepository)(nil)

func NewSubmissionRepository(db core.DB) submission.Repository {
	return &submissionRepository{db: db}
}

func (repo *submissionRepository) GetLatest(ctx context.Context, activityID int64, author submission.Author) (submission.Submission, error) {
	var row submissionRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE activity_id = $1 AND user_id = $2 AND group_id = $3 AND team = $4 AND latest`,
		activityID, author.UserID, author.GroupID, author.Team,
	)
	if err != nil {
		return submission.Submission{}, notFound(err, "submission of %s", author)
	}
	return row.toSubmission()
}

func (repo *submissionRepository) GetAttempt(ctx context.Context, activityID int64, author submission.Author, attempt int) (submission.Submission, error) {
	var row submissionRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE activity_id = $1 AND user_id = $2 AND group_id = $3 AND team = $4 AND attempt = $5`,
		activityID, author.UserID, author.GroupID, author.Team, attempt,
	)
	if err != nil {
		return submission.Submission{}, notFound(err, "attempt %d of %s", attempt, author)
	}
	return row.toSubmission()
}

func (repo *submissionRepository) QueryAttempts(ctx context.Context, activityID int64, author submission.Author) ([]submission.Submission, error) {
	var rows []submissionRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE activity_id = $1 AND user_id = $2 AND group_id = $3 AND team = $4
		ORDER BY attempt`,
		activityID, author.UserID, author.GroupID, author.Team,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting attempts")
	}
	return toSubmissions(rows)
}

func (repo *submissionRepository) QueryLatest(ctx context.Context, activityID int64) ([]submission.Submission, error) {
	var rows []submissionRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT `+submissionColumns+` FROM submissions WHERE activity_id = $1 AND latest ORDER BY id`,
		activityID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting latest submissions")
	}
	return toSubmissions(rows)
}

func insertSubmission(ctx context.Context, q sqlx.QueryerContext, sub submission.Submission) (submission.Submission, error) {
	content, err := encodeContent(sub.Content)
	if err != nil {
		return submission.Submission{}, err
	}
	var row submissionRow
	err = sqlx.GetContext(ctx, q, &row, `
		INSERT INTO submissions (activity_id, user_id, group_id, team, attempt, status, latest, content,
			submitted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9, $10)
		RETURNING `+submissionColumns,
		sub.ActivityID, sub.Author.UserID, sub.Author.GroupID, sub.Author.Team, sub.Attempt,
		sub.Status.String(), content, sub.SubmittedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return submission.Submission{}, errors.Wrap(err, "inserting submission")
	}
	return row.toSubmission()
}

func (repo *submissionRepository) CreateSubmission(ctx context.Context, sub submission.Submission) (submission.Submission, error) {
	sub.Attempt = 0
	return insertSubmission(ctx, repo.db, sub)
}

func (repo *submissionRepository) UpdateSubmission(ctx context.Context, sub submission.Submission) (submission.Submission, error) {
	content, err := encodeContent(sub.Content)
	if err != nil {
		return submission.Submission{}, err
	}
	var row submissionRow
	err = repo.db.GetContext(ctx, &row, `
		UPDATE submissions SET status = $1, content = $2, submitted_at = $3, updated_at = $4
		WHERE activity_id = $5 AND user_id = $6 AND group_id = $7 AND team = $8 AND attempt = $9
		RETURNING `+submissionColumns,
		sub.Status.String(), content, sub.SubmittedAt, sub.UpdatedAt,
		sub.ActivityID, sub.Author.UserID, sub.Author.GroupID, sub.Author.Team, sub.Attempt,
	)
	if err != nil {
		return submission.Submission{}, notFound(err, "attempt %d of %s", sub.Attempt, sub.Author)
	}
	return row.toSubmission()
}

// CreateAttempt clears prev's latest flag and inserts next in one transaction. The partial unique
// index on latest rejects a concurrent insert that raced past the update.
func (repo *submissionRepository) CreateAttempt(ctx context.Context, prev, next submission.Submission) (submission.Submission, error) {
	if next.Attempt != prev.Attempt+1 {
		return submission.Submission{}, errors.Wrapf(core.ErrInvalidTransition, "attempt %d does not follow %d", next.Attempt, prev.Attempt)
	}

	var created submission.Submission
	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE submissions SET latest = FALSE
			WHERE activity_id = $1 AND user_id = $2 AND group_id = $3 AND team = $4 AND attempt = $5 AND latest`,
			prev.ActivityID, prev.Author.UserID, prev.Author.GroupID, prev.Author.Team, prev.Attempt,
		)
		if err != nil {
			return errors.Wrap(err, "clearing latest attempt")
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "clearing latest attempt")
		} else if n == 0 {
			return errors.Wrapf(core.ErrInvalidTransition, "attempt %d of %s is no longer the latest", prev.Attempt, prev.Author)
		}
		created, err = insertSubmission(ctx, tx, next)
		return err
	})
	return created, err
}

func (repo *submissionRepository) SetReady(ctx context.Context, flag submission.ReadyFlag) error {
	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO ready_flags (activity_id, group_id, attempt, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		flag.ActivityID, flag.GroupID, flag.Attempt, flag.UserID, flag.CreatedAt,
	)
	return errors.Wrap(err, "inserting ready flag")
}

func (repo *submissionRepository) ClearReady(ctx context.Context, activityID, groupID int64, attempt int) error {
	_, err := repo.db.ExecContext(ctx, `
		DELETE FROM ready_flags WHERE activity_id = $1 AND group_id = $2 AND attempt = $3`,
		activityID, groupID, attempt,
	)
	return errors.Wrap(err, "deleting ready flags")
}

func (repo *submissionRepository) QueryReady(ctx context.Context, activityID, groupID int64, attempt int) ([]submission.ReadyFlag, error) {
	var rows []struct {
		ActivityID int64     `db:"activity_id"`
		GroupID    int64     `db:"group_id"`
		Attempt    int       `db:"attempt"`
		UserID     int64     `db:"user_id"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT activity_id, group_id, attempt, user_id, created_at FROM ready_flags
		WHERE activity_id = $1 AND group_id = $2 AND attempt = $3
		ORDER BY user_id`,
		activityID, groupID, attempt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting ready flags")
	}
	flags := make([]submission.ReadyFlag, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, submission.ReadyFlag{
			ActivityID: r.ActivityID,
			GroupID:    r.GroupID,
			Attempt:    r.Attempt,
			UserID:     r.UserID,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return flags, nil
}
