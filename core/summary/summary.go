package summary

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/submission"
)

type (
	Options struct {
		Group            activity.GroupContext
		IncludeSuspended bool
	}

	Counts struct {
		Participants int `json:"participants"`
		Drafts       int `json:"drafts"`
		Submitted    int `json:"submitted"`
		NeedsGrading int `json:"needs_grading"`
		// UngroupedWarning is set when the activity requires groups and eligible learners have none.
		UngroupedWarning bool `json:"ungrouped_warning"`
		// MultiGroupWarning is set when a team activity has eligible learners in several groups.
		MultiGroupWarning bool `json:"multi_group_warning"`
	}

	// Aggregator is a read-only view over the latest submissions and their grades.
	Aggregator struct {
		activities  activity.Repository
		submissions submission.Repository
		grades      marking.Repository
		caps        core.CapabilityChecker
	}

	gradeKey struct {
		userID  int64
		attempt int
	}
)

func NewAggregator(
	activities activity.Repository,
	submissions submission.Repository,
	grades marking.Repository,
	caps core.CapabilityChecker,
) *Aggregator {
	return &Aggregator{activities: activities, submissions: submissions, grades: grades, caps: caps}
}

// DefaultOptions reads every group, with suspended learners included as configured.
func DefaultOptions(conf *core.Config) Options {
	return Options{Group: activity.AllGroupsContext(), IncludeSuspended: conf.Coursework.SummaryIncludeSuspended}
}

// Summary counts the latest attempt of every author visible through opts.
func (agg *Aggregator) Summary(ctx context.Context, actorID, activityID int64, opts Options) (Counts, error) {
	if err := core.RequireVisible(ctx, agg.caps, actorID, activityID); err != nil {
		return Counts{}, err
	}
	if err := core.Require(ctx, agg.caps, actorID, core.ActionGrade, activityID); err != nil {
		return Counts{}, err
	}
	act, err := agg.activities.GetActivity(ctx, activityID)
	if err != nil {
		return Counts{}, errors.Wrap(err, "getting activity")
	}

	learners, userGroups, err := agg.population(ctx, activityID, opts.IncludeSuspended)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	// author -> eligible members it answers for
	authors := make(map[submission.Author][]int64)
	for _, usrID := range learners {
		grps := userGroups[usrID]
		if act.TeamSubmission {
			if len(grps) == 0 && act.PreventSubmissionNotInGroup {
				counts.UngroupedWarning = true
			}
			if len(grps) > 1 {
				counts.MultiGroupWarning = true
			}
		}
		if !inContext(opts.Group, grps) {
			continue
		}

		author := submission.UserAuthor(usrID)
		if act.TeamSubmission {
			switch {
			case opts.Group.Mode == activity.SingleGroup:
				// inContext placed the user in the selected group
				author = submission.GroupAuthor(opts.Group.GroupID)
			case len(grps) > 0:
				author = submission.GroupAuthor(grps[0])
			case act.PreventSubmissionNotInGroup:
				continue
			default:
				author = submission.GroupAuthor(activity.DefaultGroupID)
			}
		}
		authors[author] = append(authors[author], usrID)
	}
	if opts.Group.Mode == activity.NoGroup {
		counts.UngroupedWarning = false
		counts.MultiGroupWarning = false
	}

	latest, err := agg.latest(ctx, activityID)
	if err != nil {
		return Counts{}, err
	}
	grades, err := agg.gradeIndex(ctx, activityID)
	if err != nil {
		return Counts{}, err
	}

	for author, members := range authors {
		if act.TeamSubmission {
			counts.Participants++
		} else {
			counts.Participants += len(members)
		}

		sub, ok := latest[author]
		if !ok {
			continue
		}
		switch sub.Status {
		case submission.StatusDraft:
			counts.Drafts++
		case submission.StatusSubmitted:
			counts.Submitted++
			if needsGrading(act, sub, members, grades) {
				counts.NeedsGrading++
			}
		}
	}
	return counts, nil
}

// population returns the activity's learners and their groups, sorted by group ID.
func (agg *Aggregator) population(ctx context.Context, activityID int64, includeSuspended bool) ([]int64, map[int64][]int64, error) {
	participants, err := agg.activities.QueryParticipants(ctx, activityID, includeSuspended)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying participants")
	}
	learners := make([]int64, 0, len(participants))
	for _, p := range participants {
		if p.IsLearner() {
			learners = append(learners, p.UserID)
		}
	}

	groups, err := agg.activities.QueryGroups(ctx, activityID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying groups")
	}
	// QueryGroups orders by ID, so each user's list is sorted too.
	userGroups := make(map[int64][]int64)
	for _, grp := range groups {
		for _, usrID := range grp.Members {
			userGroups[usrID] = append(userGroups[usrID], grp.ID)
		}
	}
	return learners, userGroups, nil
}

func inContext(gc activity.GroupContext, userGroups []int64) bool {
	if gc.Mode != activity.SingleGroup {
		return true
	}
	for _, id := range userGroups {
		if id == gc.GroupID {
			return true
		}
	}
	return false
}

func (agg *Aggregator) latest(ctx context.Context, activityID int64) (map[submission.Author]submission.Submission, error) {
	subs, err := agg.submissions.QueryLatest(ctx, activityID)
	if err != nil {
		return nil, errors.Wrap(err, "querying latest submissions")
	}
	latest := make(map[submission.Author]submission.Submission, len(subs))
	for _, sub := range subs {
		latest[sub.Author] = sub
	}
	return latest, nil
}

func (agg *Aggregator) gradeIndex(ctx context.Context, activityID int64) (map[gradeKey]marking.Grade, error) {
	grades, err := agg.grades.QueryGrades(ctx, activityID)
	if err != nil {
		return nil, errors.Wrap(err, "querying grades")
	}
	index := make(map[gradeKey]marking.Grade, len(grades))
	for _, g := range grades {
		index[gradeKey{userID: g.UserID, attempt: g.Attempt}] = g
	}
	return index, nil
}

// needsGrading is true while any member lacks a publishable grade on the attempt, set at or after
// submission time.
func needsGrading(act activity.Activity, sub submission.Submission, members []int64, grades map[gradeKey]marking.Grade) bool {
	for _, usrID := range members {
		g, ok := grades[gradeKey{userID: usrID, attempt: sub.Attempt}]
		if !ok || !g.Value.Valid || !g.Publishable(act) {
			return true
		}
		if sub.SubmittedAt.Valid && g.UpdatedAt.Before(sub.SubmittedAt.Time) {
			return true
		}
	}
	return false
}
