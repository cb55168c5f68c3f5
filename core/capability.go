package core

import (
	"context"

	"github.com/pkg/errors"
)

// Action is a permission checked against the CapabilityChecker.
type Action string

const (
	ActionView             Action = "view"
	ActionSubmit           Action = "submit"
	ActionGrade            Action = "grade"
	ActionEditOthers       Action = "editothersubmission"
	ActionOverrideWindow   Action = "overridewindow"
	ActionRelease          Action = "releasegrades"
	ActionRevealIdentities Action = "revealidentities"
	ActionManageOverrides  Action = "manageoverrides"
	ActionGrantExtension   Action = "grantextension"
	ActionManageAllocation Action = "manageallocations"
	ActionManageActivities Action = "manageactivities"
)

// CapabilityChecker answers whether an actor may perform an action within an activity.
type CapabilityChecker interface {
	Can(ctx context.Context, actorID int64, action Action, activityID int64) (bool, error)
}

// Require returns ErrCapabilityDenied when the actor lacks the action.
func Require(ctx context.Context, caps CapabilityChecker, actorID int64, action Action, activityID int64) error {
	ok, err := caps.Can(ctx, actorID, action, activityID)
	if err != nil {
		return errors.Wrapf(err, "checking %s capability", action)
	}
	if !ok {
		return errors.Wrapf(ErrCapabilityDenied, "%s", action)
	}
	return nil
}

// RequireVisible reports a missing view capability as ErrNotFound, so that callers cannot tell an
// inaccessible activity from one that does not exist.
func RequireVisible(ctx context.Context, caps CapabilityChecker, actorID int64, activityID int64) error {
	ok, err := caps.Can(ctx, actorID, ActionView, activityID)
	if err != nil {
		return errors.Wrap(err, "checking view capability")
	}
	if !ok {
		return errors.Wrap(ErrNotFound, "activity")
	}
	return nil
}
