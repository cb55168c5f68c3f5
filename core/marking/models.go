package marking

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core/activity"
)

type WorkflowState int

const (
	StateNotMarked WorkflowState = iota
	StateInMarking
	StateReadyForReview
	StateInReview
	StateReadyForRelease
	StateReleased
)

var stateNames = []string{"notmarked", "inmarking", "readyforreview", "inreview", "readyforrelease", "released"}

func (s WorkflowState) String() string {
	if s < StateNotMarked || s > StateReleased {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func ParseWorkflowState(name string) (WorkflowState, error) {
	for i, n := range stateNames {
		if n == name {
			return WorkflowState(i), nil
		}
	}
	return StateNotMarked, errors.Errorf("unknown marking workflow state %q", name)
}

func (s WorkflowState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WorkflowState) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkflowState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// HiddenGraderID is shown instead of the grader to readers who may not see who graded.
const HiddenGraderID int64 = -1

type Grade struct {
	ID                int64         `json:"id"`
	ActivityID        int64         `json:"activity_id"`
	UserID            int64         `json:"user_id"`
	Attempt           int           `json:"attempt"`
	Value             null.Float64  `json:"grade"`
	GraderID          null.Int64    `json:"grader_id"`
	State             WorkflowState `json:"workflow_state"`
	AllocatedMarkerID null.Int64    `json:"allocated_marker_id"`
	// Participant replaces UserID in listings of a blind-marked activity.
	Participant       int           `json:"participant,omitempty"`
	// PublishPending is set while the gradebook has not yet received what it should show for this
	// grade: its value once publishable, a retraction otherwise.
	PublishPending    bool          `json:"publish_pending"`
	CreatedAt         time.Time     `json:"created_at"` // UTC
	UpdatedAt         time.Time     `json:"updated_at"` // UTC
}

// Publishable reports whether the grade may reach the gradebook: always without marking workflow,
// only once Released with it.
func (g Grade) Publishable(act activity.Activity) bool {
	return !act.MarkingWorkflow || g.State == StateReleased
}

// GradeWrite is one row of an atomic grade commit. Expected is the UpdatedAt the writer last saw;
// zero means the grade must not exist yet.
type GradeWrite struct {
	Grade    Grade
	Expected time.Time
}

type SetGradeRequest struct {
	Grade null.Float64 `json:"grade"`
}

type WorkflowRequest struct {
	State WorkflowState `json:"workflow_state"`
}

// QuickGradeRow is one line of a batch, carrying the attempt and modification time it was displayed with.
type QuickGradeRow struct {
	UserID       int64        `json:"user_id" validate:"required"`
	Attempt      int          `json:"attempt" validate:"min=0"`
	LastModified time.Time    `json:"last_modified"`
	Grade        null.Float64 `json:"grade"`
}

type QuickGradeRequest struct {
	Rows []QuickGradeRow `json:"rows" validate:"required,dive"`
}

type AllocateRequest struct {
	MarkerID null.Int64 `json:"marker_id"`
}
