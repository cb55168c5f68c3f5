package marking

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/submission"
)

var (
	errGradeRange    = errors.New("grade must be between 0 and the maximum grade")
	errMarkerNoGrade = errors.New("the marker cannot grade this activity")
	errDuplicateRow  = errors.New("a user appears more than once in the batch")
)

type (
	Repository interface {
		// GetGrade returns the grade of the attempt, or core.ErrNotFound.
		GetGrade(ctx context.Context, activityID, userID int64, attempt int) (Grade, error)
		QueryGrades(ctx context.Context, activityID int64) ([]Grade, error)
		// SaveGrades commits every write or none, stamping UpdatedAt. A write whose Expected does not
		// match the stored UpdatedAt fails the batch with a *core.StaleGradeError.
		SaveGrades(ctx context.Context, writes ...GradeWrite) ([]Grade, error)
	}

	// IdentityAssigner hands out the participant numbers shown while an activity is blind.
	IdentityAssigner interface {
		GetOrAssign(ctx context.Context, activityID, userID int64) (int, error)
	}

	Service struct {
		repo        Repository
		activities  activity.Repository
		submissions *submission.Service
		caps        core.CapabilityChecker
		events      core.EventSink
		gradebook   core.GradebookPublisher
		identities  IdentityAssigner
		logger      core.Logger
		policy      *ReopenPolicy
	}
)

func NewService(
	repo Repository,
	activities activity.Repository,
	submissions *submission.Service,
	caps core.CapabilityChecker,
	events core.EventSink,
	gradebook core.GradebookPublisher,
	identities IdentityAssigner,
	logger core.Logger,
) *Service {
	return &Service{
		repo:        repo,
		activities:  activities,
		submissions: submissions,
		caps:        caps,
		events:      events,
		gradebook:   gradebook,
		identities:  identities,
		logger:      logger,
		policy:      NewReopenPolicy(submissions, logger),
	}
}

func (svc *Service) Policy() *ReopenPolicy { return svc.policy }

func (svc *Service) authorize(ctx context.Context, actorID, activityID int64, action core.Action) (activity.Activity, error) {
	if err := core.RequireVisible(ctx, svc.caps, actorID, activityID); err != nil {
		return activity.Activity{}, err
	}
	if err := core.Require(ctx, svc.caps, actorID, action, activityID); err != nil {
		return activity.Activity{}, err
	}
	act, err := svc.activities.GetActivity(ctx, activityID)
	return act, errors.Wrap(err, "getting activity")
}

func validateValue(act activity.Activity, value null.Float64) error {
	if value.Valid && (value.Float64 < 0 || value.Float64 > act.MaxGrade) {
		return core.NewValidationError(errGradeRange, core.FieldError{Field: "grade", Error: errGradeRange.Error()})
	}
	return nil
}

// latestAttempt is the attempt a new grade applies to: the user's latest submission attempt, or 0
// when nothing was submitted yet.
func (svc *Service) latestAttempt(ctx context.Context, act activity.Activity, userID int64) (int, error) {
	author, err := svc.submissions.AuthorFor(ctx, act, userID)
	if errors.Is(err, core.ErrNotInGroup) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	sub, err := svc.submissions.Latest(ctx, act.ID, author)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return sub.Attempt, nil
}

// current returns the stored grade of the attempt, or a new NotMarked one, with the UpdatedAt a write
// must expect.
func (svc *Service) current(ctx context.Context, act activity.Activity, userID int64, attempt int) (Grade, time.Time, error) {
	g, err := svc.repo.GetGrade(ctx, act.ID, userID, attempt)
	if err == nil {
		return g, g.UpdatedAt, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return Grade{}, time.Time{}, errors.Wrap(err, "getting grade")
	}
	return Grade{
		ActivityID: act.ID,
		UserID:     userID,
		Attempt:    attempt,
		State:      StateNotMarked,
		CreatedAt:  core.Now(),
	}, time.Time{}, nil
}

func (svc *Service) emit(ctx context.Context, action string, actorID int64, g Grade, from, to WorkflowState) {
	ev := core.NewWorkflowEvent(action, g.ActivityID, actorID)
	ev.UserID = g.UserID
	ev.Attempt = g.Attempt
	ev.OldStatus = from.String()
	ev.NewStatus = to.String()
	svc.events.Emit(ctx, ev)
}

func (svc *Service) publish(ctx context.Context, g Grade, value null.Float64) error {
	upd := core.GradeUpdate{ActivityID: g.ActivityID, UserID: g.UserID, Attempt: g.Attempt, Grade: value}
	return errors.Wrap(svc.gradebook.Publish(ctx, upd), "publishing grade")
}

func (svc *Service) resetMailed(ctx context.Context, activityID, userID int64) error {
	flags, err := svc.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return errors.Wrap(err, "getting user flags")
	}
	if !flags.Mailed {
		return nil
	}
	flags.Mailed = false
	_, err = svc.activities.SaveUserFlags(ctx, flags)
	return errors.Wrap(err, "saving user flags")
}

// flush sends a pending gradebook change and clears the marker, then runs the reopen policy on a
// published grade. A failed publish leaves the marker set, so the next call for the grade retries it.
func (svc *Service) flush(ctx context.Context, actorID int64, act activity.Activity, g Grade) (Grade, error) {
	if !g.PublishPending {
		return g, nil
	}
	value := null.Float64{}
	if g.Publishable(act) {
		value = g.Value
	}
	if err := svc.publish(ctx, g, value); err != nil {
		return g, err
	}

	g.PublishPending = false
	saved, err := svc.repo.SaveGrades(ctx, GradeWrite{Grade: g, Expected: g.UpdatedAt})
	if err != nil {
		return g, errors.Wrap(err, "clearing publish marker")
	}
	g = saved[0]
	if !g.Publishable(act) {
		return g, nil
	}
	_, err = svc.policy.AfterRelease(ctx, actorID, act, g)
	return g, err
}

// afterGradeChange runs the side effects of a stored grade value.
func (svc *Service) afterGradeChange(ctx context.Context, actorID int64, act activity.Activity, g Grade) (Grade, error) {
	if err := svc.resetMailed(ctx, act.ID, g.UserID); err != nil {
		return g, err
	}
	svc.emit(ctx, core.EventGradeUpdated, actorID, g, g.State, g.State)
	return svc.flush(ctx, actorID, act, g)
}

// SetGrade grades the user's latest attempt. The workflow state is left as is.
func (svc *Service) SetGrade(ctx context.Context, actorID, activityID, userID int64, value null.Float64) (Grade, error) {
	act, err := svc.authorize(ctx, actorID, activityID, core.ActionGrade)
	if err != nil {
		return Grade{}, err
	}
	if err := validateValue(act, value); err != nil {
		return Grade{}, err
	}
	attempt, err := svc.latestAttempt(ctx, act, userID)
	if err != nil {
		return Grade{}, err
	}
	g, expected, err := svc.current(ctx, act, userID, attempt)
	if err != nil {
		return Grade{}, err
	}

	g.Value = value
	g.GraderID = null.Int64From(actorID)
	g.PublishPending = g.PublishPending || g.Publishable(act)
	saved, err := svc.repo.SaveGrades(ctx, GradeWrite{Grade: g, Expected: expected})
	if err != nil {
		return Grade{}, errors.Wrap(err, "saving grade")
	}
	return svc.afterGradeChange(ctx, actorID, act, saved[0])
}

// QuickGrade commits a batch of grades atomically. Any row whose attempt or last-modified time no
// longer matches storage fails the whole batch with a *core.StaleGradeError.
func (svc *Service) QuickGrade(ctx context.Context, actorID, activityID int64, rows []QuickGradeRow) ([]Grade, error) {
	act, err := svc.authorize(ctx, actorID, activityID, core.ActionGrade)
	if err != nil {
		return nil, err
	}

	writes := make([]GradeWrite, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, row := range rows {
		if seen[row.UserID] {
			return nil, core.NewValidationError(errDuplicateRow, core.FieldError{Field: "rows", Error: errDuplicateRow.Error()})
		}
		seen[row.UserID] = true
		if err := validateValue(act, row.Grade); err != nil {
			return nil, err
		}
		attempt, err := svc.latestAttempt(ctx, act, row.UserID)
		if err != nil {
			return nil, err
		}
		if attempt != row.Attempt {
			return nil, core.NewStaleGradeError(row.UserID, row.Attempt)
		}
		g, _, err := svc.current(ctx, act, row.UserID, row.Attempt)
		if err != nil {
			return nil, err
		}
		g.Value = row.Grade
		g.GraderID = null.Int64From(actorID)
		g.PublishPending = g.PublishPending || g.Publishable(act)
		writes = append(writes, GradeWrite{Grade: g, Expected: row.LastModified})
	}

	saved, err := svc.repo.SaveGrades(ctx, writes...)
	if err != nil {
		if errors.Is(err, core.ErrStaleGrade) {
			svc.logger.Warn(fmt.Sprintf("quick grade batch rejected: %v", err), map[string]interface{}{
				"activity": activityID,
				"actor":    actorID,
				"rows":     len(rows),
			})
		}
		return nil, errors.Wrap(err, "saving grades")
	}
	for i, g := range saved {
		if saved[i], err = svc.afterGradeChange(ctx, actorID, act, g); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

// SetWorkflowState moves the grade of the user's latest attempt. Allowed moves: the next state, any
// earlier state, or straight to Released with the release capability. Moving to the current state is a
// no-op, unless an earlier move never reached the gradebook: that publication is retried. Reaching
// Released publishes the grade; leaving it publishes a retraction.
func (svc *Service) SetWorkflowState(ctx context.Context, actorID, activityID, userID int64, to WorkflowState) (Grade, error) {
	act, err := svc.authorize(ctx, actorID, activityID, core.ActionGrade)
	if err != nil {
		return Grade{}, err
	}
	if !act.MarkingWorkflow {
		return Grade{}, errors.Wrap(core.ErrInvalidTransition, "marking workflow is disabled")
	}
	if to < StateNotMarked || to > StateReleased {
		return Grade{}, errors.Wrapf(core.ErrInvalidTransition, "unknown state %d", int(to))
	}

	attempt, err := svc.latestAttempt(ctx, act, userID)
	if err != nil {
		return Grade{}, err
	}
	g, expected, err := svc.current(ctx, act, userID, attempt)
	if err != nil {
		return Grade{}, err
	}

	from := g.State
	switch {
	case to == from && g.PublishPending:
		return svc.flush(ctx, actorID, act, g)
	case to == from:
		return g, nil
	case to < from, to == from+1:
	case to == StateReleased:
		if err := core.Require(ctx, svc.caps, actorID, core.ActionRelease, activityID); err != nil {
			return Grade{}, err
		}
	default:
		return Grade{}, core.NewTransitionError(from, to)
	}

	g.State = to
	if to == StateReleased || from == StateReleased {
		g.PublishPending = true
	}
	saved, err := svc.repo.SaveGrades(ctx, GradeWrite{Grade: g, Expected: expected})
	if err != nil {
		return Grade{}, errors.Wrap(err, "saving grade")
	}
	g = saved[0]
	svc.emit(ctx, core.EventWorkflowChanged, actorID, g, from, to)
	return svc.flush(ctx, actorID, act, g)
}

// GetGrade returns the grade of the user's latest attempt. Readers who cannot grade only see a
// publishable value, and see HiddenGraderID when the activity hides graders.
func (svc *Service) GetGrade(ctx context.Context, actorID, activityID, userID int64) (Grade, error) {
	if err := core.RequireVisible(ctx, svc.caps, actorID, activityID); err != nil {
		return Grade{}, err
	}
	canGrade, err := svc.caps.Can(ctx, actorID, core.ActionGrade, activityID)
	if err != nil {
		return Grade{}, errors.Wrap(err, "checking grade capability")
	}
	if !canGrade && actorID != userID {
		return Grade{}, errors.Wrap(core.ErrCapabilityDenied, "grade")
	}
	act, err := svc.activities.GetActivity(ctx, activityID)
	if err != nil {
		return Grade{}, errors.Wrap(err, "getting activity")
	}

	attempt, err := svc.latestAttempt(ctx, act, userID)
	if err != nil {
		return Grade{}, err
	}
	g, err := svc.repo.GetGrade(ctx, activityID, userID, attempt)
	if err != nil {
		return Grade{}, errors.Wrap(err, "getting grade")
	}
	flags, err := svc.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return Grade{}, errors.Wrap(err, "getting user flags")
	}
	g.AllocatedMarkerID = flags.AllocatedMarkerID

	if !canGrade {
		g = redact(act, g)
	}
	return g, nil
}

// redact hides what a non-grading reader may not see. The stored grade is untouched.
func redact(act activity.Activity, g Grade) Grade {
	if act.HideGrader && g.GraderID.Valid {
		g.GraderID = null.Int64From(HiddenGraderID)
	}
	if !g.Publishable(act) {
		g.Value = null.Float64{}
	}
	g.AllocatedMarkerID = null.Int64{}
	g.PublishPending = false
	return g
}

// QueryGrades lists the activity's grades. While the activity is blind, readers who may not reveal
// identities get participant numbers instead of user IDs.
func (svc *Service) QueryGrades(ctx context.Context, actorID, activityID int64) ([]Grade, error) {
	act, err := svc.authorize(ctx, actorID, activityID, core.ActionGrade)
	if err != nil {
		return nil, err
	}
	grades, err := svc.repo.QueryGrades(ctx, activityID)
	if err != nil {
		return nil, errors.Wrap(err, "querying grades")
	}
	if !act.IsBlind() {
		return grades, nil
	}
	canReveal, err := svc.caps.Can(ctx, actorID, core.ActionRevealIdentities, activityID)
	if err != nil {
		return nil, errors.Wrap(err, "checking reveal capability")
	}
	if canReveal {
		return grades, nil
	}

	for i := range grades {
		n, err := svc.identities.GetOrAssign(ctx, activityID, grades[i].UserID)
		if err != nil {
			return nil, err
		}
		grades[i].Participant = n
		grades[i].UserID = 0
	}
	return grades, nil
}

// AllocateMarker assigns (or clears, with a null marker) the user's marker.
func (svc *Service) AllocateMarker(ctx context.Context, actorID, activityID, userID int64, markerID null.Int64) (activity.UserFlags, error) {
	act, err := svc.authorize(ctx, actorID, activityID, core.ActionManageAllocation)
	if err != nil {
		return activity.UserFlags{}, err
	}
	if !act.MarkingWorkflow || !act.MarkingAllocation {
		return activity.UserFlags{}, errors.Wrap(core.ErrInvalidTransition, "marker allocation is disabled")
	}
	if markerID.Valid {
		ok, err := svc.caps.Can(ctx, markerID.Int64, core.ActionGrade, activityID)
		if err != nil {
			return activity.UserFlags{}, errors.Wrap(err, "checking marker capability")
		}
		if !ok {
			return activity.UserFlags{}, core.NewValidationError(errMarkerNoGrade, core.FieldError{Field: "marker_id", Error: errMarkerNoGrade.Error()})
		}
	}
	flags, err := svc.activities.GetUserFlags(ctx, activityID, userID)
	if err != nil {
		return activity.UserFlags{}, errors.Wrap(err, "getting user flags")
	}
	flags.AllocatedMarkerID = markerID
	flags, err = svc.activities.SaveUserFlags(ctx, flags)
	return flags, errors.Wrap(err, "saving user flags")
}
