package submission

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

// TeamAggregator coordinates a group's shared submission when every member must submit.
// All its writes run under the group author's lock.
type TeamAggregator struct {
	svc *Service
}

var _ activity.MembershipListener = (*TeamAggregator)(nil)

// markReady records the member's ready flag, then submits the shared attempt if every current member
// is ready. The caller holds the group's lock.
func (ta *TeamAggregator) markReady(ctx context.Context, actorID int64, act activity.Activity, sub Submission) (Submission, error) {
	flag := ReadyFlag{
		ActivityID: act.ID,
		GroupID:    sub.Author.GroupID,
		Attempt:    sub.Attempt,
		UserID:     actorID,
		CreatedAt:  core.Now(),
	}
	if err := ta.svc.repo.SetReady(ctx, flag); err != nil {
		return Submission{}, errors.Wrap(err, "setting ready flag")
	}
	ev := core.NewWorkflowEvent(core.EventSubmissionReady, act.ID, actorID)
	ev.UserID = actorID
	ev.GroupID = sub.Author.GroupID
	ev.Team = true
	ev.Attempt = sub.Attempt
	ev.OldStatus = sub.Status.String()
	ev.NewStatus = sub.Status.String()
	ta.svc.events.Emit(ctx, ev)

	return ta.evaluate(ctx, actorID, act, sub)
}

// evaluate submits a Draft once all current members are ready. A group without members never submits.
func (ta *TeamAggregator) evaluate(ctx context.Context, actorID int64, act activity.Activity, sub Submission) (Submission, error) {
	if sub.Status != StatusDraft {
		return sub, nil
	}
	members, err := ta.members(ctx, act.ID, sub.Author.GroupID)
	if err != nil {
		return Submission{}, err
	}
	if len(members) == 0 {
		return sub, nil
	}
	ready, err := ta.readySet(ctx, act.ID, sub.Author.GroupID, sub.Attempt)
	if err != nil {
		return Submission{}, err
	}
	for _, m := range members {
		if !ready[m] {
			return sub, nil
		}
	}
	return ta.svc.markSubmitted(ctx, actorID, sub)
}

// members returns the group's active learners.
func (ta *TeamAggregator) members(ctx context.Context, activityID, groupID int64) ([]int64, error) {
	grp, err := ta.svc.activities.GetGroup(ctx, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "getting group")
	}
	members := make([]int64, 0, len(grp.Members))
	for _, usrID := range grp.Members {
		p, err := ta.svc.activities.GetParticipant(ctx, activityID, usrID)
		if errors.Is(err, core.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, errors.Wrap(err, "getting participant")
		}
		if p.IsLearner() && !p.Suspended {
			members = append(members, usrID)
		}
	}
	return members, nil
}

func (ta *TeamAggregator) readySet(ctx context.Context, activityID, groupID int64, attempt int) (map[int64]bool, error) {
	flags, err := ta.svc.repo.QueryReady(ctx, activityID, groupID, attempt)
	if err != nil {
		return nil, errors.Wrap(err, "querying ready flags")
	}
	ready := make(map[int64]bool, len(flags))
	for _, f := range flags {
		ready[f.UserID] = true
	}
	return ready, nil
}

// MembershipChanged re-evaluates the group's shared submission after a member joined or left:
// removing the last member who was not ready submits it.
func (ta *TeamAggregator) MembershipChanged(ctx context.Context, activityID, groupID int64) error {
	act, err := ta.svc.activities.GetActivity(ctx, activityID)
	if err != nil {
		return errors.Wrap(err, "getting activity")
	}
	author := GroupAuthor(groupID)
	if !act.TeamSubmission || !isTeamAllMembers(act, author) {
		return nil
	}

	unlock := ta.svc.locks.Lock(authorKey(activityID, author))
	defer unlock()

	sub, err := ta.svc.repo.GetLatest(ctx, activityID, author)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "getting latest submission")
	}
	if _, err := ta.evaluate(ctx, 0, act, sub); err != nil {
		return err
	}
	return nil
}

// ReadyMembers lists the current members flagged ready on the group's latest attempt.
func (ta *TeamAggregator) ReadyMembers(ctx context.Context, actorID, activityID, groupID int64) ([]int64, error) {
	if err := core.RequireVisible(ctx, ta.svc.caps, actorID, activityID); err != nil {
		return nil, err
	}
	sub, err := ta.svc.repo.GetLatest(ctx, activityID, GroupAuthor(groupID))
	if errors.Is(err, core.ErrNotFound) {
		return []int64{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "getting latest submission")
	}
	members, err := ta.members(ctx, activityID, groupID)
	if err != nil {
		return nil, err
	}
	ready, err := ta.readySet(ctx, activityID, groupID, sub.Attempt)
	if err != nil {
		return nil, err
	}
	readyMembers := make([]int64, 0, len(members))
	for _, m := range members {
		if ready[m] {
			readyMembers = append(readyMembers, m)
		}
	}
	return readyMembers, nil
}
