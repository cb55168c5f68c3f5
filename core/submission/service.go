package submission

import (
	"context"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/override"
)

type (
	Repository interface {
		// GetLatest returns the author's latest attempt, or core.ErrNotFound.
		GetLatest(ctx context.Context, activityID int64, author Author) (Submission, error)
		GetAttempt(ctx context.Context, activityID int64, author Author, attempt int) (Submission, error)
		// QueryAttempts returns every attempt of the author, oldest first.
		QueryAttempts(ctx context.Context, activityID int64, author Author) ([]Submission, error)
		// QueryLatest returns the latest attempt of every author of the activity.
		QueryLatest(ctx context.Context, activityID int64) ([]Submission, error)
		// CreateSubmission stores the author's first attempt, flagged latest.
		CreateSubmission(ctx context.Context, sub Submission) (Submission, error)
		UpdateSubmission(ctx context.Context, sub Submission) (Submission, error)
		// CreateAttempt stores next as the author's latest attempt and clears prev's latest flag as one
		// atomic step. It fails with core.ErrInvalidTransition when prev is no longer the latest.
		CreateAttempt(ctx context.Context, prev, next Submission) (Submission, error)

		SetReady(ctx context.Context, flag ReadyFlag) error
		ClearReady(ctx context.Context, activityID, groupID int64, attempt int) error
		QueryReady(ctx context.Context, activityID, groupID int64, attempt int) ([]ReadyFlag, error)
	}

	WindowResolver interface {
		ResolveWindow(ctx context.Context, activityID, userID int64) (override.Window, error)
	}

	Service struct {
		repo       Repository
		activities activity.Repository
		windows    WindowResolver
		caps       core.CapabilityChecker
		events     core.EventSink
		plugins    *Plugins
		logger     core.Logger
		locks      *keyedMutex
		team       *TeamAggregator
	}

	// target is the submission a request acts on.
	target struct {
		act    activity.Activity
		author Author
		userID int64
		own    bool // the actor is the learner, or a learner of the same team
	}
)

func NewService(
	repo Repository,
	activities activity.Repository,
	windows WindowResolver,
	caps core.CapabilityChecker,
	events core.EventSink,
	plugins *Plugins,
	logger core.Logger,
) *Service {
	svc := &Service{
		repo:       repo,
		activities: activities,
		windows:    windows,
		caps:       caps,
		events:     events,
		plugins:    plugins,
		logger:     logger,
		locks:      newKeyedMutex(),
	}
	svc.team = &TeamAggregator{svc: svc}
	return svc
}

func (svc *Service) Team() *TeamAggregator { return svc.team }

// AuthorFor returns who owns the user's submission: the user, or on team activities the user's
// lowest-ID group (the default group when ungrouped and allowed).
func (svc *Service) AuthorFor(ctx context.Context, act activity.Activity, userID int64) (Author, error) {
	if !act.TeamSubmission {
		return UserAuthor(userID), nil
	}
	grps, err := activity.AuthorGroups(ctx, svc.activities, act.ID, userID)
	if err != nil {
		return Author{}, err
	}
	if len(grps) == 0 {
		if act.PreventSubmissionNotInGroup {
			return Author{}, errors.Wrapf(core.ErrNotInGroup, "user %d", userID)
		}
		return GroupAuthor(activity.DefaultGroupID), nil
	}
	return GroupAuthor(grps[0].ID), nil
}

// Latest returns the author's latest attempt, or core.ErrNotFound.
func (svc *Service) Latest(ctx context.Context, activityID int64, author Author) (Submission, error) {
	sub, err := svc.repo.GetLatest(ctx, activityID, author)
	return sub, errors.Wrap(err, "getting latest submission")
}

func (svc *Service) resolve(ctx context.Context, actorID, activityID, userID int64) (target, error) {
	if err := core.RequireVisible(ctx, svc.caps, actorID, activityID); err != nil {
		return target{}, err
	}
	act, err := svc.activities.GetActivity(ctx, activityID)
	if err != nil {
		return target{}, errors.Wrap(err, "getting activity")
	}
	author, err := svc.AuthorFor(ctx, act, userID)
	if err != nil {
		return target{}, err
	}

	t := target{act: act, author: author, userID: userID, own: actorID == userID}
	if !t.own && author.Team {
		p, err := svc.activities.GetParticipant(ctx, act.ID, actorID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return target{}, errors.Wrap(err, "getting participant")
		}
		if err == nil && p.IsLearner() {
			if actorAuthor, err := svc.AuthorFor(ctx, act, actorID); err == nil && actorAuthor == author {
				t.own = true
			}
		}
	}
	return t, nil
}

func (svc *Service) authorizeWrite(ctx context.Context, actorID int64, t target) error {
	if t.own {
		return core.Require(ctx, svc.caps, actorID, core.ActionSubmit, t.act.ID)
	}
	return core.Require(ctx, svc.caps, actorID, core.ActionEditOthers, t.act.ID)
}

func (svc *Service) authorizeRead(ctx context.Context, actorID int64, t target) error {
	if t.own {
		return nil
	}
	return core.Require(ctx, svc.caps, actorID, core.ActionGrade, t.act.ID)
}

// checkLearnerRules applies the lock and window rules to a learner acting on their own submission.
func (svc *Service) checkLearnerRules(ctx context.Context, actorID int64, t target) error {
	flags, err := svc.activities.GetUserFlags(ctx, t.act.ID, actorID)
	if err != nil {
		return errors.Wrap(err, "getting user flags")
	}
	if flags.Locked {
		return errors.Wrapf(core.ErrLocked, "user %d", actorID)
	}

	canOverride, err := svc.caps.Can(ctx, actorID, core.ActionOverrideWindow, t.act.ID)
	if err != nil {
		return errors.Wrap(err, "checking overridewindow capability")
	}
	if canOverride {
		return nil
	}
	win, err := svc.windows.ResolveWindow(ctx, t.act.ID, actorID)
	if err != nil {
		return errors.Wrap(err, "resolving window")
	}
	if !win.IsOpen(core.Now()) {
		return errors.Wrapf(core.ErrWindowClosed, "user %d", actorID)
	}
	return nil
}

// latest returns the author's latest attempt, or an unsaved attempt-0 New submission.
// found reports whether it is stored.
func (svc *Service) latest(ctx context.Context, activityID int64, author Author) (sub Submission, found bool, err error) {
	sub, err = svc.repo.GetLatest(ctx, activityID, author)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return Submission{}, false, errors.Wrap(err, "getting latest submission")
	}
	now := core.Now()
	return Submission{
		ActivityID: activityID,
		Author:     author,
		Status:     StatusNew,
		Latest:     true,
		Content:    Content{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, false, nil
}

func (svc *Service) store(ctx context.Context, sub Submission, found bool) (Submission, error) {
	sub.UpdatedAt = core.Now()
	if found {
		sub, err := svc.repo.UpdateSubmission(ctx, sub)
		return sub, errors.Wrap(err, "updating submission")
	}
	sub, err := svc.repo.CreateSubmission(ctx, sub)
	return sub, errors.Wrap(err, "creating submission")
}

func (svc *Service) emit(ctx context.Context, action string, actorID int64, sub Submission, old Status) {
	ev := core.NewWorkflowEvent(action, sub.ActivityID, actorID)
	ev.UserID = sub.Author.UserID
	ev.GroupID = sub.Author.GroupID
	ev.Team = sub.Author.Team
	ev.Attempt = sub.Attempt
	ev.OldStatus = old.String()
	ev.NewStatus = sub.Status.String()
	svc.events.Emit(ctx, ev)
}

// GetLatest returns the latest attempt of the user's submission. The owner's first read creates the
// attempt-0 New row; other readers get an unsaved New value.
func (svc *Service) GetLatest(ctx context.Context, actorID, activityID, userID int64) (Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return Submission{}, err
	}
	if err := svc.authorizeRead(ctx, actorID, t); err != nil {
		return Submission{}, err
	}

	unlock := svc.locks.Lock(authorKey(activityID, t.author))
	defer unlock()

	sub, found, err := svc.latest(ctx, activityID, t.author)
	if err != nil || found || !t.own {
		return sub, err
	}
	return svc.store(ctx, sub, false)
}

func (svc *Service) QueryAttempts(ctx context.Context, actorID, activityID, userID int64) ([]Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return nil, err
	}
	if err := svc.authorizeRead(ctx, actorID, t); err != nil {
		return nil, err
	}
	subs, err := svc.repo.QueryAttempts(ctx, activityID, t.author)
	return subs, errors.Wrap(err, "querying attempts")
}

// Save stores content as a draft: New, Draft or Reopened -> Draft.
func (svc *Service) Save(ctx context.Context, actorID, activityID, userID int64, content Content) (Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return Submission{}, err
	}
	if err := svc.authorizeWrite(ctx, actorID, t); err != nil {
		return Submission{}, err
	}

	unlock := svc.locks.Lock(authorKey(activityID, t.author))
	defer unlock()

	sub, found, err := svc.latest(ctx, activityID, t.author)
	if err != nil {
		return Submission{}, err
	}
	if sub.Status == StatusSubmitted {
		return Submission{}, core.NewTransitionError(sub.Status, StatusDraft)
	}
	if t.own {
		if err := svc.checkLearnerRules(ctx, actorID, t); err != nil {
			return Submission{}, err
		}
	}
	if t.act.RequireContent && svc.plugins.IsEmpty(t.act.Plugins, content) {
		return Submission{}, errors.Wrap(core.ErrContentRequired, "saving")
	}
	if content == nil {
		content = Content{}
	}

	old := sub.Status
	sub.Content = content
	sub.Status = StatusDraft
	if sub, err = svc.store(ctx, sub, found); err != nil {
		return Submission{}, err
	}
	svc.emit(ctx, core.EventSubmissionSaved, actorID, sub, old)
	return sub, nil
}

// Submit moves a Draft to Submitted. On all-members team activities a learner's submit only records
// their ready flag until every current member is ready.
func (svc *Service) Submit(ctx context.Context, actorID, activityID, userID int64, req SubmitRequest) (Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return Submission{}, err
	}
	if err := svc.authorizeWrite(ctx, actorID, t); err != nil {
		return Submission{}, err
	}

	unlock := svc.locks.Lock(authorKey(activityID, t.author))
	defer unlock()

	sub, _, err := svc.latest(ctx, activityID, t.author)
	if err != nil {
		return Submission{}, err
	}
	if sub.Status == StatusNew {
		return Submission{}, errors.Wrap(core.ErrContentRequired, "submitting")
	}
	if sub.Status != StatusDraft {
		return Submission{}, core.NewTransitionError(sub.Status, StatusSubmitted)
	}
	if t.own {
		if err := svc.checkLearnerRules(ctx, actorID, t); err != nil {
			return Submission{}, err
		}
		if t.act.RequireStatement && !req.AcceptStatement {
			return Submission{}, errors.Wrap(core.ErrStatementRequired, "submitting")
		}
	}
	if t.act.RequireContent && svc.plugins.IsEmpty(t.act.Plugins, sub.Content) {
		return Submission{}, errors.Wrap(core.ErrContentRequired, "submitting")
	}

	if t.own && isTeamAllMembers(t.act, t.author) {
		return svc.team.markReady(ctx, actorID, t.act, sub)
	}
	return svc.markSubmitted(ctx, actorID, sub)
}

// markSubmitted transitions a Draft; the caller holds the author's lock.
func (svc *Service) markSubmitted(ctx context.Context, actorID int64, sub Submission) (Submission, error) {
	old := sub.Status
	sub.Status = StatusSubmitted
	sub.SubmittedAt = null.TimeFrom(core.Now())
	sub, err := svc.store(ctx, sub, true)
	if err != nil {
		return Submission{}, err
	}
	svc.emit(ctx, core.EventSubmissionSubmitted, actorID, sub, old)
	return sub, nil
}

// Lock blocks the learner from editing, whatever the submission status.
func (svc *Service) Lock(ctx context.Context, actorID, activityID, userID int64) (activity.UserFlags, error) {
	return svc.setLocked(ctx, actorID, activityID, userID, true)
}

func (svc *Service) Unlock(ctx context.Context, actorID, activityID, userID int64) (activity.UserFlags, error) {
	return svc.setLocked(ctx, actorID, activityID, userID, false)
}

func (svc *Service) setLocked(ctx context.Context, actorID, activityID, userID int64, locked bool) (activity.UserFlags, error) {
	if err := core.RequireVisible(ctx, svc.caps, actorID, activityID); err != nil {
		return activity.UserFlags{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionGrade, activityID); err != nil {
		return activity.UserFlags{}, err
	}
	flags, err := svc.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "getting user flags")
	}
	if flags.Locked == locked {
		return flags, nil
	}
	flags.Locked = locked
	if flags, err = svc.activities.SaveUserFlags(ctx, flags); err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "saving user flags")
	}

	action := core.EventSubmissionUnlocked
	if locked {
		action = core.EventSubmissionLocked
	}
	ev := core.NewWorkflowEvent(action, activityID, actorID)
	ev.UserID = userID
	svc.events.Emit(ctx, ev)
	return flags, nil
}

// RevertToDraft moves a Submitted (staff with editothersubmission only) or Reopened submission back
// to Draft. Team ready flags of the attempt are cleared.
func (svc *Service) RevertToDraft(ctx context.Context, actorID, activityID, userID int64) (Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return Submission{}, err
	}

	unlock := svc.locks.Lock(authorKey(activityID, t.author))
	defer unlock()

	sub, _, err := svc.latest(ctx, activityID, t.author)
	if err != nil {
		return Submission{}, err
	}
	switch sub.Status {
	case StatusSubmitted:
		if err := core.Require(ctx, svc.caps, actorID, core.ActionEditOthers, activityID); err != nil {
			return Submission{}, err
		}
	case StatusReopened:
		if err := svc.authorizeWrite(ctx, actorID, t); err != nil {
			return Submission{}, err
		}
	default:
		return Submission{}, core.NewTransitionError(sub.Status, StatusDraft)
	}

	old := sub.Status
	sub.Status = StatusDraft
	sub.SubmittedAt = null.Time{}
	if sub, err = svc.store(ctx, sub, true); err != nil {
		return Submission{}, err
	}
	if sub.Author.Team {
		if err := svc.repo.ClearReady(ctx, activityID, sub.Author.GroupID, sub.Attempt); err != nil {
			return Submission{}, errors.Wrap(err, "clearing ready flags")
		}
	}
	svc.emit(ctx, core.EventSubmissionReverted, actorID, sub, old)
	return sub, nil
}

// Reopen lets a grading actor start the next attempt of a Submitted submission.
func (svc *Service) Reopen(ctx context.Context, actorID, activityID, userID int64, opts ReopenOptions) (Submission, error) {
	t, err := svc.resolve(ctx, actorID, activityID, userID)
	if err != nil {
		return Submission{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, core.ActionGrade, activityID); err != nil {
		return Submission{}, err
	}
	if !t.act.ManualReopenAllowed() {
		return Submission{}, errors.Wrapf(core.ErrReopenDisabled, "reopen method %q", t.act.ReopenMethod)
	}
	return svc.ReopenAttempt(ctx, actorID, t.act, t.author, opts)
}

// ReopenAttempt creates the author's next attempt and moves the latest pointer to it atomically.
// Capability and reopen-mode checks are the caller's.
func (svc *Service) ReopenAttempt(ctx context.Context, actorID int64, act activity.Activity, author Author, opts ReopenOptions) (Submission, error) {
	unlock := svc.locks.Lock(authorKey(act.ID, author))
	defer unlock()

	prev, found, err := svc.latest(ctx, act.ID, author)
	if err != nil {
		return Submission{}, err
	}
	if !found || prev.Status != StatusSubmitted {
		return Submission{}, core.NewTransitionError(prev.Status, StatusReopened)
	}
	if act.AttemptsExhausted(prev.Attempt) {
		return Submission{}, errors.Wrapf(core.ErrMaxAttempts, "%d of %d attempts used", prev.Attempt+1, act.MaxAttempts)
	}

	now := core.Now()
	next := Submission{
		ActivityID: act.ID,
		Author:     author,
		Attempt:    prev.Attempt + 1,
		Status:     StatusReopened,
		Latest:     true,
		Content:    Content{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.CopyContent {
		if next.Content, err = prev.Content.Clone(); err != nil {
			return Submission{}, err
		}
	}
	next, err = svc.repo.CreateAttempt(ctx, prev, next)
	if err != nil {
		return Submission{}, errors.Wrap(err, "creating attempt")
	}
	svc.emit(ctx, core.EventSubmissionReopened, actorID, next, prev.Status)
	return next, nil
}
