package activity

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
)

type (
	Repository interface {
		CreateActivity(ctx context.Context, act Activity) (Activity, error)
		GetActivity(ctx context.Context, id int64) (Activity, error)
		QueryActivities(ctx context.Context) ([]Activity, error)
		UpdateActivity(ctx context.Context, act Activity) (Activity, error)

		// SaveParticipant enrols a user, or updates their role and suspension when already enrolled.
		SaveParticipant(ctx context.Context, p Participant) (Participant, error)
		GetParticipant(ctx context.Context, activityID, userID int64) (Participant, error)
		QueryParticipants(ctx context.Context, activityID int64, includeSuspended bool) ([]Participant, error)

		CreateGroup(ctx context.Context, grp Group) (Group, error)
		GetGroup(ctx context.Context, id int64) (Group, error)
		// QueryGroups returns the activity's groups ordered by ID.
		QueryGroups(ctx context.Context, activityID int64) ([]Group, error)
		// QueryUserGroups returns the groups the user belongs to, ordered by ID.
		QueryUserGroups(ctx context.Context, activityID, userID int64) ([]Group, error)
		AddGroupMember(ctx context.Context, groupID, userID int64) error
		RemoveGroupMember(ctx context.Context, groupID, userID int64) error

		// GetUserFlags returns the stored flags, or zero flags for the pair when none were saved yet.
		GetUserFlags(ctx context.Context, activityID, userID int64) (UserFlags, error)
		SaveUserFlags(ctx context.Context, flags UserFlags) (UserFlags, error)
	}

	// MembershipListener is told after a group gained or lost a member.
	MembershipListener interface {
		MembershipChanged(ctx context.Context, activityID, groupID int64) error
	}

	Service struct {
		repo      Repository
		caps      core.CapabilityChecker
		conf      *core.Config
		listeners []MembershipListener
	}
)

func NewService(repo Repository, caps core.CapabilityChecker, conf *core.Config) *Service {
	return &Service{repo: repo, caps: caps, conf: conf}
}

func (svc *Service) Repository() Repository { return svc.repo }

// OnMembershipChange registers a listener called after AddMember and RemoveMember.
func (svc *Service) OnMembershipChange(l MembershipListener) {
	svc.listeners = append(svc.listeners, l)
}

func (svc *Service) Create(ctx context.Context, actorID int64, na NewActivity) (Activity, error) {
	if err := core.Require(ctx, svc.caps, actorID, core.ActionManageActivities, 0); err != nil {
		return Activity{}, err
	}

	now := core.Now()
	act := Activity{CreatedAt: now}
	svc.apply(&act, na)
	act, err := svc.repo.CreateActivity(ctx, act)
	if err != nil {
		return Activity{}, errors.Wrap(err, "creating activity")
	}
	return act, nil
}

func (svc *Service) Update(ctx context.Context, actorID, activityID int64, na NewActivity) (Activity, error) {
	act, err := svc.Get(ctx, actorID, activityID)
	if err != nil {
		return Activity{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionManageActivities, activityID); err != nil {
		return Activity{}, err
	}
	svc.apply(&act, na)
	act, err = svc.repo.UpdateActivity(ctx, act)
	return act, errors.Wrap(err, "updating activity")
}

// apply copies the settings in na onto act; configured defaults fill the unset attempt settings.
func (svc *Service) apply(act *Activity, na NewActivity) {
	act.Name = na.Name
	act.OpensAt, act.DueAt, act.CutoffAt = na.OpensAt, na.DueAt, na.CutoffAt
	act.RequireContent = na.RequireContent
	act.RequireStatement = na.RequireStatement
	act.Plugins = na.Plugins
	act.TeamSubmission = na.TeamSubmission
	act.RequireAllTeamMembersSubmit = na.RequireAllTeamMembersSubmit
	act.PreventSubmissionNotInGroup = na.PreventSubmissionNotInGroup
	act.BlindMarking = na.BlindMarking
	act.HideGrader = na.HideGrader
	act.MarkingWorkflow = na.MarkingWorkflow
	act.MarkingAllocation = na.MarkingAllocation
	act.PassGrade = na.PassGrade
	act.MaxGrade = na.MaxGrade

	act.ReopenMethod = na.ReopenMethod
	if act.ReopenMethod == "" {
		act.ReopenMethod = ReopenMethod(svc.conf.Coursework.DefaultReopenMethod)
	}
	if na.MaxAttempts != nil {
		act.MaxAttempts = *na.MaxAttempts
	} else {
		act.MaxAttempts = svc.conf.Coursework.DefaultMaxAttempts
	}
	act.UpdatedAt = core.Now()
}

// Get returns the activity; callers without the view capability get core.ErrNotFound.
func (svc *Service) Get(ctx context.Context, actorID, activityID int64) (Activity, error) {
	if err := core.RequireVisible(ctx, svc.caps, actorID, activityID); err != nil {
		return Activity{}, err
	}
	act, err := svc.repo.GetActivity(ctx, activityID)
	return act, errors.Wrap(err, "getting activity")
}

func (svc *Service) Enrol(ctx context.Context, actorID, activityID int64, np NewParticipant) (Participant, error) {
	if _, err := svc.Get(ctx, actorID, activityID); err != nil {
		return Participant{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionManageActivities, activityID); err != nil {
		return Participant{}, err
	}
	p, err := svc.repo.SaveParticipant(ctx, Participant{
		ActivityID: activityID,
		UserID:     np.UserID,
		Role:       np.Role,
		Suspended:  np.Suspended,
	})
	return p, errors.Wrap(err, "saving participant")
}

func (svc *Service) QueryParticipants(ctx context.Context, actorID, activityID int64, includeSuspended bool) ([]Participant, error) {
	if _, err := svc.Get(ctx, actorID, activityID); err != nil {
		return nil, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionGrade, activityID); err != nil {
		return nil, err
	}
	ps, err := svc.repo.QueryParticipants(ctx, activityID, includeSuspended)
	return ps, errors.Wrap(err, "querying participants")
}

func (svc *Service) CreateGroup(ctx context.Context, actorID, activityID int64, ng NewGroup) (Group, error) {
	if _, err := svc.Get(ctx, actorID, activityID); err != nil {
		return Group{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionManageActivities, activityID); err != nil {
		return Group{}, err
	}
	grp, err := svc.repo.CreateGroup(ctx, Group{ActivityID: activityID, Name: ng.Name})
	return grp, errors.Wrap(err, "creating group")
}

func (svc *Service) QueryGroups(ctx context.Context, actorID, activityID int64) ([]Group, error) {
	if _, err := svc.Get(ctx, actorID, activityID); err != nil {
		return nil, err
	}
	grps, err := svc.repo.QueryGroups(ctx, activityID)
	return grps, errors.Wrap(err, "querying groups")
}

func (svc *Service) AddMember(ctx context.Context, actorID, groupID, userID int64) error {
	return svc.changeMembership(ctx, actorID, groupID, userID, svc.repo.AddGroupMember)
}

func (svc *Service) RemoveMember(ctx context.Context, actorID, groupID, userID int64) error {
	return svc.changeMembership(ctx, actorID, groupID, userID, svc.repo.RemoveGroupMember)
}

func (svc *Service) changeMembership(
	ctx context.Context,
	actorID, groupID, userID int64,
	change func(ctx context.Context, groupID, userID int64) error,
) error {
	grp, err := svc.repo.GetGroup(ctx, groupID)
	if err != nil {
		return errors.Wrap(err, "getting group")
	}
	if _, err := svc.Get(ctx, actorID, grp.ActivityID); err != nil {
		return err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionManageActivities, grp.ActivityID); err != nil {
		return err
	}
	if err := change(ctx, groupID, userID); err != nil {
		return errors.Wrap(err, "changing group membership")
	}
	for _, l := range svc.listeners {
		if err := l.MembershipChanged(ctx, grp.ActivityID, groupID); err != nil {
			return errors.Wrapf(err, "re-evaluating group %d", groupID)
		}
	}
	return nil
}

// AuthorGroups returns the user's groups, lowest ID first.
func AuthorGroups(ctx context.Context, repo Repository, activityID, userID int64) ([]Group, error) {
	grps, err := repo.QueryUserGroups(ctx, activityID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "querying user groups")
	}
	sort.Slice(grps, func(i, j int) bool { return grps[i].ID < grps[j].ID })
	return grps, nil
}
