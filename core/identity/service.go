package identity

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

type (
	Repository interface {
		// GetOrAssignIdentity returns the user's number, assigning the next unused one (from 1) atomically
		// when the user has none yet.
		GetOrAssignIdentity(ctx context.Context, activityID, userID int64) (int, error)
		// QueryIdentities returns the issued numbers by user ID.
		QueryIdentities(ctx context.Context, activityID int64) (map[int64]int, error)
		// RevealIdentities flips the activity's reveal flag; issued numbers are kept.
		RevealIdentities(ctx context.Context, activityID int64) error
	}

	// Identity is how a user is shown to a reader. UserID is null while the activity is blind.
	Identity struct {
		UserID null.Int64 `json:"user_id"`
		Number int        `json:"number,omitempty"`
		Label  string     `json:"label"`
	}

	Mapper struct {
		repo       Repository
		activities activity.Repository
		caps       core.CapabilityChecker
		events     core.EventSink
	}
)

func NewMapper(repo Repository, activities activity.Repository, caps core.CapabilityChecker, events core.EventSink) *Mapper {
	return &Mapper{repo: repo, activities: activities, caps: caps, events: events}
}

func Label(number int) string {
	return fmt.Sprintf("Participant %d", number)
}

// GetOrAssign is idempotent: the same (activity, user) always gets the same number.
func (m *Mapper) GetOrAssign(ctx context.Context, activityID, userID int64) (int, error) {
	n, err := m.repo.GetOrAssignIdentity(ctx, activityID, userID)
	return n, errors.Wrap(err, "assigning identity")
}

// Reveal is one-way; revealing twice is a no-op.
func (m *Mapper) Reveal(ctx context.Context, actorID, activityID int64) error {
	if err := core.RequireVisible(ctx, m.caps, actorID, activityID); err != nil {
		return err
	}
	if err := core.Require(ctx, m.caps, actorID, core.ActionRevealIdentities, activityID); err != nil {
		return err
	}
	act, err := m.activities.GetActivity(ctx, activityID)
	if err != nil {
		return errors.Wrap(err, "getting activity")
	}
	if !act.BlindMarking {
		return errors.Wrap(core.ErrInvalidTransition, "activity is not blind marked")
	}
	if act.IdentitiesRevealed {
		return nil
	}
	if err := m.repo.RevealIdentities(ctx, activityID); err != nil {
		return errors.Wrap(err, "revealing identities")
	}
	m.events.Emit(ctx, core.NewWorkflowEvent(core.EventIdentitiesRevealed, activityID, actorID))
	return nil
}

// Display returns the identity a reader sees for the user: a numbered label while the activity is
// blind, the real user otherwise. Learners always see themselves.
func (m *Mapper) Display(ctx context.Context, actorID, activityID, userID int64) (Identity, error) {
	if err := core.RequireVisible(ctx, m.caps, actorID, activityID); err != nil {
		return Identity{}, err
	}
	act, err := m.activities.GetActivity(ctx, activityID)
	if err != nil {
		return Identity{}, errors.Wrap(err, "getting activity")
	}
	if !act.IsBlind() || actorID == userID {
		return Identity{UserID: null.Int64From(userID), Label: fmt.Sprintf("User %d", userID)}, nil
	}
	n, err := m.GetOrAssign(ctx, activityID, userID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Number: n, Label: Label(n)}, nil
}

// FindUser resolves a participant number back to the user, for actors allowed to reveal identities.
func (m *Mapper) FindUser(ctx context.Context, actorID, activityID int64, number int) (int64, error) {
	if err := core.RequireVisible(ctx, m.caps, actorID, activityID); err != nil {
		return 0, err
	}
	if err := core.Require(ctx, m.caps, actorID, core.ActionRevealIdentities, activityID); err != nil {
		return 0, err
	}
	ids, err := m.repo.QueryIdentities(ctx, activityID)
	if err != nil {
		return 0, errors.Wrap(err, "querying identities")
	}
	for usrID, n := range ids {
		if n == number {
			return usrID, nil
		}
	}
	return 0, errors.Wrapf(core.ErrNotFound, "participant %d", number)
}
