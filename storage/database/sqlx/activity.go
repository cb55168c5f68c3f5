package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

const activityColumns = `id, name, opens_at, due_at, cutoff_at, require_content, require_statement, plugins,
	team_submission, require_all_team_members_submit, prevent_submission_not_in_group,
	blind_marking, identities_revealed, hide_grader, marking_workflow, marking_allocation,
	reopen_method, max_attempts, pass_grade, max_grade, created_at, updated_at`

type activityRow struct {
	ID                          int64          `db:"id"`
	Name                        string         `db:"name"`
	OpensAt                     null.Time      `db:"opens_at"`
	DueAt                       null.Time      `db:"due_at"`
	CutoffAt                    null.Time      `db:"cutoff_at"`
	RequireContent              bool           `db:"require_content"`
	RequireStatement            bool           `db:"require_statement"`
	Plugins                     pq.StringArray `db:"plugins"`
	TeamSubmission              bool           `db:"team_submission"`
	RequireAllTeamMembersSubmit bool           `db:"require_all_team_members_submit"`
	PreventSubmissionNotInGroup bool           `db:"prevent_submission_not_in_group"`
	BlindMarking                bool           `db:"blind_marking"`
	IdentitiesRevealed          bool           `db:"identities_revealed"`
	HideGrader                  bool           `db:"hide_grader"`
	MarkingWorkflow             bool           `db:"marking_workflow"`
	MarkingAllocation           bool           `db:"marking_allocation"`
	ReopenMethod                string         `db:"reopen_method"`
	MaxAttempts                 int            `db:"max_attempts"`
	PassGrade                   null.Float64   `db:"pass_grade"`
	MaxGrade                    float64        `db:"max_grade"`
	CreatedAt                   time.Time      `db:"created_at"`
	UpdatedAt                   time.Time      `db:"updated_at"`
}

func (r activityRow) toActivity() activity.Activity {
	return activity.Activity{
		ID:                          r.ID,
		Name:                        r.Name,
		OpensAt:                     utcTime(r.OpensAt),
		DueAt:                       utcTime(r.DueAt),
		CutoffAt:                    utcTime(r.CutoffAt),
		RequireContent:              r.RequireContent,
		RequireStatement:            r.RequireStatement,
		Plugins:                     []string(r.Plugins),
		TeamSubmission:              r.TeamSubmission,
		RequireAllTeamMembersSubmit: r.RequireAllTeamMembersSubmit,
		PreventSubmissionNotInGroup: r.PreventSubmissionNotInGroup,
		BlindMarking:                r.BlindMarking,
		IdentitiesRevealed:          r.IdentitiesRevealed,
		HideGrader:                  r.HideGrader,
		MarkingWorkflow:             r.MarkingWorkflow,
		MarkingAllocation:           r.MarkingAllocation,
		ReopenMethod:                activity.ReopenMethod(r.ReopenMethod),
		MaxAttempts:                 r.MaxAttempts,
		PassGrade:                   r.PassGrade,
		MaxGrade:                    r.MaxGrade,
		CreatedAt:                   r.CreatedAt.UTC(),
		UpdatedAt:                   r.UpdatedAt.UTC(),
	}
}

func utcTime(t null.Time) null.Time {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}

type activityRepository struct {
	db core.DB
}

var _ activity.Repository = (*activityRepository)(nil)

func NewActivityRepository(db core.DB) activity.Repository {
	return &activityRepository{db: db}
}

func activityArgs(act activity.Activity) []interface{} {
	return []interface{}{
		act.Name, act.OpensAt, act.DueAt, act.CutoffAt, act.RequireContent, act.RequireStatement,
		pq.StringArray(act.Plugins), act.TeamSubmission, act.RequireAllTeamMembersSubmit,
		act.PreventSubmissionNotInGroup, act.BlindMarking, act.IdentitiesRevealed, act.HideGrader,
		act.MarkingWorkflow, act.MarkingAllocation, string(act.ReopenMethod), act.MaxAttempts,
		act.PassGrade, act.MaxGrade, act.CreatedAt, act.UpdatedAt,
	}
}

func (repo *activityRepository) CreateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	var row activityRow
	err := repo.db.GetContext(ctx, &row, `
		INSERT INTO activities (name, opens_at, due_at, cutoff_at, require_content, require_statement, plugins,
			team_submission, require_all_team_members_submit, prevent_submission_not_in_group,
			blind_marking, identities_revealed, hide_grader, marking_workflow, marking_allocation,
			reopen_method, max_attempts, pass_grade, max_grade, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING `+activityColumns,
		activityArgs(act)...,
	)
	if err != nil {
		return activity.Activity{}, errors.Wrap(err, "inserting activity")
	}
	return row.toActivity(), nil
}

func (repo *activityRepository) GetActivity(ctx context.Context, id int64) (activity.Activity, error) {
	var row activityRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id); err != nil {
		return activity.Activity{}, notFound(err, "activity %d", id)
	}
	return row.toActivity(), nil
}

func (repo *activityRepository) QueryActivities(ctx context.Context) ([]activity.Activity, error) {
	var rows []activityRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT `+activityColumns+` FROM activities ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "selecting activities")
	}
	acts := make([]activity.Activity, 0, len(rows))
	for _, r := range rows {
		acts = append(acts, r.toActivity())
	}
	return acts, nil
}

func (repo *activityRepository) UpdateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	var row activityRow
	args := append(activityArgs(act), act.ID)
	err := repo.db.GetContext(ctx, &row, `
		UPDATE activities SET name = $1, opens_at = $2, due_at = $3, cutoff_at = $4, require_content = $5,
			require_statement = $6, plugins = $7, team_submission = $8, require_all_team_members_submit = $9,
			prevent_submission_not_in_group = $10, blind_marking = $11, identities_revealed = $12,
			hide_grader = $13, marking_workflow = $14, marking_allocation = $15, reopen_method = $16,
			max_attempts = $17, pass_grade = $18, max_grade = $19, created_at = $20, updated_at = $21
		WHERE id = $22
		RETURNING `+activityColumns,
		args...,
	)
	if err != nil {
		return activity.Activity{}, notFound(err, "activity %d", act.ID)
	}
	return row.toActivity(), nil
}

type participantRow struct {
	ActivityID int64  `db:"activity_id"`
	UserID     int64  `db:"user_id"`
	Role       string `db:"role"`
	Suspended  bool   `db:"suspended"`
}

func (r participantRow) toParticipant() activity.Participant {
	return activity.Participant{ActivityID: r.ActivityID, UserID: r.UserID, Role: r.Role, Suspended: r.Suspended}
}

func (repo *activityRepository) SaveParticipant(ctx context.Context, p activity.Participant) (activity.Participant, error) {
	var row participantRow
	err := repo.db.GetContext(ctx, &row, `
		INSERT INTO participants (activity_id, user_id, role, suspended) VALUES ($1, $2, $3, $4)
		ON CONFLICT (activity_id, user_id) DO UPDATE SET role = EXCLUDED.role, suspended = EXCLUDED.suspended
		RETURNING activity_id, user_id, role, suspended`,
		p.ActivityID, p.UserID, p.Role, p.Suspended,
	)
	if err != nil {
		return activity.Participant{}, errors.Wrap(err, "upserting participant")
	}
	return row.toParticipant(), nil
}

func (repo *activityRepository) GetParticipant(ctx context.Context, activityID, userID int64) (activity.Participant, error) {
	var row participantRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT activity_id, user_id, role, suspended FROM participants WHERE activity_id = $1 AND user_id = $2`,
		activityID, userID,
	)
	if err != nil {
		return activity.Participant{}, notFound(err, "participant %d in activity %d", userID, activityID)
	}
	return row.toParticipant(), nil
}

func (repo *activityRepository) QueryParticipants(ctx context.Context, activityID int64, includeSuspended bool) ([]activity.Participant, error) {
	var rows []participantRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT activity_id, user_id, role, suspended FROM participants
		WHERE activity_id = $1 AND ($2 OR NOT suspended)
		ORDER BY user_id`,
		activityID, includeSuspended,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting participants")
	}
	ps := make([]activity.Participant, 0, len(rows))
	for _, r := range rows {
		ps = append(ps, r.toParticipant())
	}
	return ps, nil
}

type groupRow struct {
	ID         int64  `db:"id"`
	ActivityID int64  `db:"activity_id"`
	Name       string `db:"name"`
}

type memberRow struct {
	GroupID int64 `db:"group_id"`
	UserID  int64 `db:"user_id"`
}

func (repo *activityRepository) CreateGroup(ctx context.Context, grp activity.Group) (activity.Group, error) {
	var row groupRow
	err := repo.db.GetContext(ctx, &row, `
		INSERT INTO activity_groups (activity_id, name) VALUES ($1, $2) RETURNING id, activity_id, name`,
		grp.ActivityID, grp.Name,
	)
	if err != nil {
		return activity.Group{}, errors.Wrap(err, "inserting group")
	}
	return activity.Group{ID: row.ID, ActivityID: row.ActivityID, Name: row.Name, Members: []int64{}}, nil
}

// withMembers loads the members of the groups, ordered by user ID.
func (repo *activityRepository) withMembers(ctx context.Context, rows []groupRow) ([]activity.Group, error) {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var members []memberRow
	err := repo.db.SelectContext(ctx, &members, `
		SELECT group_id, user_id FROM group_members WHERE group_id = ANY($1) ORDER BY user_id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting group members")
	}
	byGroup := make(map[int64][]int64, len(rows))
	for _, m := range members {
		byGroup[m.GroupID] = append(byGroup[m.GroupID], m.UserID)
	}

	grps := make([]activity.Group, 0, len(rows))
	for _, r := range rows {
		grp := activity.Group{ID: r.ID, ActivityID: r.ActivityID, Name: r.Name, Members: byGroup[r.ID]}
		if grp.Members == nil {
			grp.Members = []int64{}
		}
		grps = append(grps, grp)
	}
	return grps, nil
}

func (repo *activityRepository) GetGroup(ctx context.Context, id int64) (activity.Group, error) {
	var row groupRow
	if err := repo.db.GetContext(ctx, &row, `SELECT id, activity_id, name FROM activity_groups WHERE id = $1`, id); err != nil {
		return activity.Group{}, notFound(err, "group %d", id)
	}
	grps, err := repo.withMembers(ctx, []groupRow{row})
	if err != nil {
		return activity.Group{}, err
	}
	return grps[0], nil
}

func (repo *activityRepository) QueryGroups(ctx context.Context, activityID int64) ([]activity.Group, error) {
	var rows []groupRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT id, activity_id, name FROM activity_groups WHERE activity_id = $1 ORDER BY id`,
		activityID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting groups")
	}
	return repo.withMembers(ctx, rows)
}

func (repo *activityRepository) QueryUserGroups(ctx context.Context, activityID, userID int64) ([]activity.Group, error) {
	var rows []groupRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT g.id, g.activity_id, g.name FROM activity_groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE g.activity_id = $1 AND gm.user_id = $2
		ORDER BY g.id`,
		activityID, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "selecting user groups")
	}
	return repo.withMembers(ctx, rows)
}

func (repo *activityRepository) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupID, userID,
	)
	return errors.Wrap(err, "inserting group member")
}

func (repo *activityRepository) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	return errors.Wrap(err, "deleting group member")
}

type flagsRow struct {
	ActivityID        int64      `db:"activity_id"`
	UserID            int64      `db:"user_id"`
	Locked            bool       `db:"locked"`
	ExtensionDueAt    null.Time  `db:"extension_due_at"`
	Mailed            bool       `db:"mailed"`
	AllocatedMarkerID null.Int64 `db:"allocated_marker_id"`
}

func (r flagsRow) toFlags() activity.UserFlags {
	return activity.UserFlags{
		ActivityID:        r.ActivityID,
		UserID:            r.UserID,
		Locked:            r.Locked,
		ExtensionDueAt:    utcTime(r.ExtensionDueAt),
		Mailed:            r.Mailed,
		AllocatedMarkerID: r.AllocatedMarkerID,
	}
}

const flagsColumns = `activity_id, user_id, locked, extension_due_at, mailed, allocated_marker_id`

func (repo *activityRepository) GetUserFlags(ctx context.Context, activityID, userID int64) (activity.UserFlags, error) {
	var row flagsRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT `+flagsColumns+` FROM user_flags WHERE activity_id = $1 AND user_id = $2`,
		activityID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.UserFlags{ActivityID: activityID, UserID: userID}, nil
	} else if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "selecting user flags")
	}
	return row.toFlags(), nil
}

func (repo *activityRepository) SaveUserFlags(ctx context.Context, flags activity.UserFlags) (activity.UserFlags, error) {
	var row flagsRow
	err := repo.db.GetContext(ctx, &row, `
		INSERT INTO user_flags (`+flagsColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (activity_id, user_id) DO UPDATE SET locked = EXCLUDED.locked,
			extension_due_at = EXCLUDED.extension_due_at, mailed = EXCLUDED.mailed,
			allocated_marker_id = EXCLUDED.allocated_marker_id
		RETURNING `+flagsColumns,
		flags.ActivityID, flags.UserID, flags.Locked, flags.ExtensionDueAt, flags.Mailed, flags.AllocatedMarkerID,
	)
	if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "upserting user flags")
	}
	return row.toFlags(), nil
}
