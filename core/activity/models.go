package activity

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
)

type ReopenMethod string

const (
	ReopenNone      ReopenMethod = "none"
	ReopenManual    ReopenMethod = "manual"
	ReopenUntilPass ReopenMethod = "untilpass"
)

// UnlimitedAttempts is the MaxAttempts value that disables the attempts bound.
const UnlimitedAttempts = -1

// Participant roles, scoped to one activity.
const (
	RoleLearner = "learner"
	RoleMarker  = "marker"
	RoleTeacher = "teacher"
)

var ParticipantRoles = []string{RoleLearner, RoleMarker, RoleTeacher}

// DefaultGroupID is the shared author for ungrouped users of a team activity.
const DefaultGroupID int64 = 0

type Activity struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	OpensAt  null.Time `json:"opens_at"`
	DueAt    null.Time `json:"due_at"`
	CutoffAt null.Time `json:"cutoff_at"`

	RequireContent   bool     `json:"require_content"`
	RequireStatement bool     `json:"require_statement"`
	Plugins          []string `json:"plugins"`

	TeamSubmission              bool `json:"team_submission"`
	RequireAllTeamMembersSubmit bool `json:"require_all_team_members_submit"`
	PreventSubmissionNotInGroup bool `json:"prevent_submission_not_in_group"`

	BlindMarking       bool `json:"blind_marking"`
	IdentitiesRevealed bool `json:"identities_revealed"`
	HideGrader         bool `json:"hide_grader"`
	MarkingWorkflow    bool `json:"marking_workflow"`
	MarkingAllocation  bool `json:"marking_allocation"`

	ReopenMethod ReopenMethod `json:"reopen_method"`
	MaxAttempts  int          `json:"max_attempts"`
	PassGrade    null.Float64 `json:"pass_grade"`
	MaxGrade     float64      `json:"max_grade"`

	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}

func (a Activity) HasUnlimitedAttempts() bool {
	return a.MaxAttempts == UnlimitedAttempts
}

// AttemptsExhausted reports whether an author whose latest attempt is `attempt` may not get another one.
func (a Activity) AttemptsExhausted(attempt int) bool {
	return !a.HasUnlimitedAttempts() && attempt+1 >= a.MaxAttempts
}

// ManualReopenAllowed reports whether a grading actor may reopen a submission explicitly.
func (a Activity) ManualReopenAllowed() bool {
	return a.ReopenMethod == ReopenManual || a.ReopenMethod == ReopenUntilPass
}

// IsBlind reports whether grader-facing displays must hide real identities.
func (a Activity) IsBlind() bool {
	return a.BlindMarking && !a.IdentitiesRevealed
}

type Group struct {
	ID         int64   `json:"id"`
	ActivityID int64   `json:"activity_id"`
	Name       string  `json:"name"`
	Members    []int64 `json:"members"`
}

func (g Group) HasMember(userID int64) bool {
	for _, id := range g.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant is a user's enrolment in an activity.
type Participant struct {
	ActivityID int64  `json:"activity_id"`
	UserID     int64  `json:"user_id"`
	Role       string `json:"role"`
	Suspended  bool   `json:"suspended"`
}

func (p Participant) IsLearner() bool { return p.Role == RoleLearner }

// UserFlags holds per (activity, user) state set by staff. A zero value is returned for users without a row.
type UserFlags struct {
	ActivityID        int64      `json:"activity_id"`
	UserID            int64      `json:"user_id"`
	Locked            bool       `json:"locked"`
	ExtensionDueAt    null.Time  `json:"extension_due_at"`
	Mailed            bool       `json:"mailed"`
	AllocatedMarkerID null.Int64 `json:"allocated_marker_id"`
}

type GroupMode int

const (
	AllGroups GroupMode = iota
	SingleGroup
	NoGroup
)

// GroupContext is the active-group selection a caller reads through.
type GroupContext struct {
	Mode    GroupMode
	GroupID int64
}

func AllGroupsContext() GroupContext       { return GroupContext{Mode: AllGroups} }
func GroupOnly(groupID int64) GroupContext { return GroupContext{Mode: SingleGroup, GroupID: groupID} }
func NoGroupContext() GroupContext         { return GroupContext{Mode: NoGroup} }

// NewActivity contains the settings needed to create an Activity.
type NewActivity struct {
	Name     string    `json:"name" validate:"required"`
	OpensAt  null.Time `json:"opens_at"`
	DueAt    null.Time `json:"due_at"`
	CutoffAt null.Time `json:"cutoff_at"`

	RequireContent   bool     `json:"require_content"`
	RequireStatement bool     `json:"require_statement"`
	Plugins          []string `json:"plugins" validate:"omitempty,dive,required"`

	TeamSubmission              bool `json:"team_submission"`
	RequireAllTeamMembersSubmit bool `json:"require_all_team_members_submit"`
	PreventSubmissionNotInGroup bool `json:"prevent_submission_not_in_group"`

	BlindMarking      bool `json:"blind_marking"`
	HideGrader        bool `json:"hide_grader"`
	MarkingWorkflow   bool `json:"marking_workflow"`
	MarkingAllocation bool `json:"marking_allocation"`

	ReopenMethod ReopenMethod `json:"reopen_method" validate:"omitempty,reopenmethod"`
	MaxAttempts  *int         `json:"max_attempts" validate:"omitempty,min=-1,ne=0"`
	PassGrade    null.Float64 `json:"pass_grade"`
	MaxGrade     float64      `json:"max_grade" validate:"gt=0"`
}

func (na *NewActivity) Clean() {
	for i, p := range na.Plugins {
		na.Plugins[i] = strings.TrimSpace(p)
	}
	na.Name = core.CleanString(na.Name)
}

func (na *NewActivity) Validate(validate *validator.Validate) error {
	na.Clean()
	return validate.Struct(na)
}

type NewParticipant struct {
	UserID    int64  `json:"user_id" validate:"required"`
	Role      string `json:"role" validate:"required,participantrole"`
	Suspended bool   `json:"suspended"`
}

func (np NewParticipant) Validate(validate *validator.Validate) error { return validate.Struct(np) }

type NewGroup struct {
	Name string `json:"name" validate:"required"`
}

func (ng *NewGroup) Validate(validate *validator.Validate) error {
	ng.Name = core.CleanString(ng.Name)
	return validate.Struct(ng)
}
