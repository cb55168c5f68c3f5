package user

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

// ParticipantFinder looks up a user's enrolment; activity.Repository satisfies it.
type ParticipantFinder interface {
	GetParticipant(ctx context.Context, activityID, userID int64) (activity.Participant, error)
}

var participantActions = map[string][]core.Action{
	activity.RoleLearner: {core.ActionView, core.ActionSubmit},
	activity.RoleMarker:  {core.ActionView, core.ActionGrade},
	activity.RoleTeacher: {
		core.ActionView,
		core.ActionGrade,
		core.ActionEditOthers,
		core.ActionRelease,
		core.ActionRevealIdentities,
		core.ActionManageOverrides,
		core.ActionGrantExtension,
		core.ActionManageAllocation,
		core.ActionManageActivities,
	},
}

// RoleCapabilities grants actions from the user's global roles and their role in the activity.
// Admins can do everything; global teachers may create activities (activity 0); inactive users and
// suspended participants can do nothing.
type RoleCapabilities struct {
	users        Repository
	participants ParticipantFinder
}

var _ core.CapabilityChecker = (*RoleCapabilities)(nil)

func NewRoleCapabilities(users Repository, participants ParticipantFinder) *RoleCapabilities {
	return &RoleCapabilities{users: users, participants: participants}
}

func (rc *RoleCapabilities) Can(ctx context.Context, actorID int64, action core.Action, activityID int64) (bool, error) {
	usr, err := rc.users.GetUser(ctx, GetFilter{ID: actorID})
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "getting actor")
	}
	if !usr.IsActive {
		return false, nil
	}
	if usr.IsAdmin() {
		return true, nil
	}
	if activityID == 0 {
		return action == core.ActionManageActivities && usr.IsTeacher(), nil
	}

	p, err := rc.participants.GetParticipant(ctx, activityID, actorID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrap(err, "getting participant")
	}
	if p.Suspended {
		return false, nil
	}
	for _, a := range participantActions[p.Role] {
		if a == action {
			return true, nil
		}
	}
	return false, nil
}
