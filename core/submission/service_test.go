package submission_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/submission"
	"github.com/trezcool/coursework/tests"
)

var ctx = context.Background()

func textActivity(act activity.Activity) activity.Activity {
	act.Plugins = []string{submission.PluginOnlineText}
	return act
}

func TestService_lifecycle(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, textActivity(activity.Activity{RequireContent: true}), 1)
	svc := e.SubmissionSvc
	learner := c.Learners[0].ID
	actID := c.Activity.ID

	sub, err := svc.GetLatest(ctx, learner, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusNew, sub.Status)
	assert.True(t, sub.Latest)
	assert.NotZero(t, sub.ID)

	_, err = svc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	assert.True(t, errors.Is(err, core.ErrContentRequired), "submit from new: %v", err)

	_, err = svc.Save(ctx, learner, actID, learner, testutil.Text("<p> </p>"))
	assert.True(t, errors.Is(err, core.ErrContentRequired), "empty markup: %v", err)

	sub, err = svc.Save(ctx, learner, actID, learner, testutil.Text("<p>My essay</p>"))
	require.NoError(t, err)
	assert.Equal(t, submission.StatusDraft, sub.Status)

	sub, err = svc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)
	assert.True(t, sub.SubmittedAt.Valid)

	_, err = svc.Save(ctx, learner, actID, learner, testutil.Text("edit"))
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "save after submit: %v", err)
	_, err = svc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "submit twice: %v", err)

	assert.Equal(t, []string{core.EventSubmissionSaved, core.EventSubmissionSubmitted}, e.Events.Actions())
	evs := e.Events.Events()
	assert.Equal(t, "draft", evs[1].OldStatus)
	assert.Equal(t, "submitted", evs[1].NewStatus)
	assert.Equal(t, learner, evs[1].ActorID)
}

func TestService_statementRequired(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{RequireStatement: true}, 1)
	learner := c.Learners[0].ID

	_, err := e.SubmissionSvc.Save(ctx, learner, c.Activity.ID, learner, testutil.Text("essay"))
	require.NoError(t, err)
	_, err = e.SubmissionSvc.Submit(ctx, learner, c.Activity.ID, learner, submission.SubmitRequest{})
	assert.True(t, errors.Is(err, core.ErrStatementRequired), "got %v", err)

	sub, err := e.SubmissionSvc.Submit(ctx, learner, c.Activity.ID, learner, submission.SubmitRequest{AcceptStatement: true})
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)
}

func TestService_window(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	testutil.PinClock(t, now)

	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{
		OpensAt:  testutil.TimeAt(now.Add(-7 * 24 * time.Hour)),
		DueAt:    testutil.TimeAt(now.Add(-2 * 24 * time.Hour)),
		CutoffAt: testutil.TimeAt(now.Add(-24 * time.Hour)),
	}, 2)
	actID := c.Activity.ID
	late, extended := c.Learners[0].ID, c.Learners[1].ID

	_, err := e.Windows.GrantExtension(ctx, c.Teacher.ID, actID, extended, testutil.TimeAt(now.Add(24*time.Hour)))
	require.NoError(t, err)

	_, err = e.SubmissionSvc.Save(ctx, late, actID, late, testutil.Text("essay"))
	assert.True(t, errors.Is(err, core.ErrWindowClosed), "got %v", err)

	_, err = e.SubmissionSvc.Save(ctx, extended, actID, extended, testutil.Text("essay"))
	require.NoError(t, err)
	sub, err := e.SubmissionSvc.Submit(ctx, extended, actID, extended, submission.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)

	// staff may act on a learner's submission outside the window
	sub, err = e.SubmissionSvc.Save(ctx, c.Teacher.ID, actID, late, testutil.Text("on behalf"))
	require.NoError(t, err)
	assert.Equal(t, submission.StatusDraft, sub.Status)
}

func TestService_lock(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	learner, actID := c.Learners[0].ID, c.Activity.ID

	_, err := e.SubmissionSvc.Lock(ctx, learner, actID, learner)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "learner locking: %v", err)

	flags, err := e.SubmissionSvc.Lock(ctx, c.Marker.ID, actID, learner)
	require.NoError(t, err)
	assert.True(t, flags.Locked)

	_, err = e.SubmissionSvc.Save(ctx, learner, actID, learner, testutil.Text("essay"))
	assert.True(t, errors.Is(err, core.ErrLocked), "got %v", err)

	_, err = e.SubmissionSvc.Unlock(ctx, c.Marker.ID, actID, learner)
	require.NoError(t, err)
	_, err = e.SubmissionSvc.Save(ctx, learner, actID, learner, testutil.Text("essay"))
	assert.NoError(t, err)

	assert.Equal(t, []string{core.EventSubmissionLocked, core.EventSubmissionUnlocked, core.EventSubmissionSaved}, e.Events.Actions())
}

func TestService_visibility(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 2)
	outsider := e.User(t, "outsider")
	actID := c.Activity.ID
	l1, l2 := c.Learners[0].ID, c.Learners[1].ID

	tests := []struct {
		name    string
		actorID int64
		userID  int64
		wantErr error
	}{
		{name: "outsider", actorID: outsider.ID, userID: l1, wantErr: core.ErrNotFound},
		{name: "unknown activity", actorID: l1, userID: l1, wantErr: core.ErrNotFound},
		{name: "other learner", actorID: l2, userID: l1, wantErr: core.ErrCapabilityDenied},
		{name: "marker", actorID: c.Marker.ID, userID: l1},
		{name: "owner", actorID: l1, userID: l1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := actID
			if tt.name == "unknown activity" {
				id = 999
			}
			_, err := e.SubmissionSvc.GetLatest(ctx, tt.actorID, id, tt.userID)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	suspended := c.Learners[1].ID
	e.Suspend(t, actID, suspended)
	_, err := e.SubmissionSvc.Save(ctx, suspended, actID, suspended, testutil.Text("essay"))
	assert.True(t, errors.Is(err, core.ErrNotFound), "suspended learner: %v", err)
}

func TestService_revertToDraft(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{ReopenMethod: activity.ReopenManual}, 1)
	learner, actID := c.Learners[0].ID, c.Activity.ID

	_, err := e.SubmissionSvc.RevertToDraft(ctx, learner, actID, learner)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "revert new: %v", err)

	_, err = e.SubmissionSvc.Save(ctx, learner, actID, learner, testutil.Text("essay"))
	require.NoError(t, err)
	_, err = e.SubmissionSvc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	require.NoError(t, err)

	_, err = e.SubmissionSvc.RevertToDraft(ctx, learner, actID, learner)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "learner reverting submitted: %v", err)

	sub, err := e.SubmissionSvc.RevertToDraft(ctx, c.Teacher.ID, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusDraft, sub.Status)
	assert.False(t, sub.SubmittedAt.Valid)

	// the owner may revert a reopened attempt
	_, err = e.SubmissionSvc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	require.NoError(t, err)
	_, err = e.SubmissionSvc.Reopen(ctx, c.Marker.ID, actID, learner, submission.ReopenOptions{})
	require.NoError(t, err)
	sub, err = e.SubmissionSvc.RevertToDraft(ctx, learner, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusDraft, sub.Status)
	assert.Equal(t, 1, sub.Attempt)
}

func submitted(t *testing.T, e *testutil.Engine, actID, learner int64, text string) submission.Submission {
	t.Helper()
	_, err := e.SubmissionSvc.Save(ctx, learner, actID, learner, testutil.Text(text))
	require.NoError(t, err)
	sub, err := e.SubmissionSvc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	require.NoError(t, err)
	return sub
}

func TestService_reopen(t *testing.T) {
	tests := []struct {
		name        string
		method      activity.ReopenMethod
		maxAttempts int
		reopens     int
		wantErr     error
	}{
		{name: "none", method: activity.ReopenNone, wantErr: core.ErrReopenDisabled},
		{name: "manual unlimited", method: activity.ReopenManual, maxAttempts: activity.UnlimitedAttempts, reopens: 3},
		{name: "manual bounded", method: activity.ReopenManual, maxAttempts: 2, reopens: 1, wantErr: core.ErrMaxAttempts},
		{name: "until pass single attempt", method: activity.ReopenUntilPass, maxAttempts: 1, wantErr: core.ErrMaxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testutil.NewEngine()
			c := e.NewCourse(t, activity.Activity{ReopenMethod: tt.method, MaxAttempts: tt.maxAttempts}, 1)
			learner, actID := c.Learners[0].ID, c.Activity.ID

			submitted(t, e, actID, learner, "attempt 0")
			prevText := "attempt 0"
			for i := 1; i <= tt.reopens; i++ {
				sub, err := e.SubmissionSvc.Reopen(ctx, c.Marker.ID, actID, learner, submission.ReopenOptions{CopyContent: true})
				require.NoError(t, err)
				assert.Equal(t, i, sub.Attempt)
				assert.Equal(t, submission.StatusReopened, sub.Status)

				latest, err := e.SubmissionSvc.GetLatest(ctx, learner, actID, learner)
				require.NoError(t, err)
				assert.Equal(t, sub.ID, latest.ID)
				assert.Equal(t, prevText, latest.Content[submission.PluginOnlineText])

				prevText = "attempt " + strconv.Itoa(i)
				submitted(t, e, actID, learner, prevText)
			}

			_, err := e.SubmissionSvc.Reopen(ctx, c.Marker.ID, actID, learner, submission.ReopenOptions{})
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}

			attempts, err := e.SubmissionSvc.QueryAttempts(ctx, c.Marker.ID, actID, learner)
			require.NoError(t, err)
			latest := 0
			for i, sub := range attempts {
				assert.Equal(t, i, sub.Attempt)
				if sub.Latest {
					latest++
					assert.Equal(t, len(attempts)-1, sub.Attempt)
				}
			}
			assert.Equal(t, 1, latest)
		})
	}
}

func TestService_reopenBlankAndGuards(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{ReopenMethod: activity.ReopenManual}, 1)
	learner, actID := c.Learners[0].ID, c.Activity.ID

	_, err := e.SubmissionSvc.Reopen(ctx, c.Marker.ID, actID, learner, submission.ReopenOptions{})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "reopen new: %v", err)

	submitted(t, e, actID, learner, "essay")
	_, err = e.SubmissionSvc.Reopen(ctx, learner, actID, learner, submission.ReopenOptions{})
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "learner reopening: %v", err)

	sub, err := e.SubmissionSvc.Reopen(ctx, c.Marker.ID, actID, learner, submission.ReopenOptions{})
	require.NoError(t, err)
	assert.Empty(t, sub.Content)
}

func TestService_concurrentReopen(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{ReopenMethod: activity.ReopenManual}, 1)
	learner, actID := c.Learners[0].ID, c.Activity.ID
	submitted(t, e, actID, learner, "essay")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmissionSvc.Reopen(ctx, c.Teacher.ID, actID, learner, submission.ReopenOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	for _, err := range errs {
		assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)
	}
	attempts, err := e.SubmissionSvc.QueryAttempts(ctx, c.Teacher.ID, actID, learner)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestService_teamAnyMember(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{TeamSubmission: true}, 3)
	actID := c.Activity.ID
	l1, l2, ungrouped := c.Learners[0].ID, c.Learners[1].ID, c.Learners[2].ID
	grp := e.Group(t, actID, "Team A", l1, l2)

	_, err := e.SubmissionSvc.Save(ctx, l1, actID, l1, testutil.Text("ours"))
	require.NoError(t, err)
	sub, err := e.SubmissionSvc.Submit(ctx, l2, actID, l2, submission.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)
	assert.Equal(t, submission.GroupAuthor(grp.ID), sub.Author)

	// ungrouped learners share the default group
	sub, err = e.SubmissionSvc.GetLatest(ctx, ungrouped, actID, ungrouped)
	require.NoError(t, err)
	assert.Equal(t, submission.GroupAuthor(activity.DefaultGroupID), sub.Author)
}

func TestService_teamNotInGroup(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{TeamSubmission: true, PreventSubmissionNotInGroup: true}, 1)
	learner := c.Learners[0].ID

	_, err := e.SubmissionSvc.Save(ctx, learner, c.Activity.ID, learner, testutil.Text("mine"))
	assert.True(t, errors.Is(err, core.ErrNotInGroup), "got %v", err)
}

func TestService_teamAllMembers(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{TeamSubmission: true, RequireAllTeamMembersSubmit: true}, 3)
	actID := c.Activity.ID
	l1, l2, l3 := c.Learners[0].ID, c.Learners[1].ID, c.Learners[2].ID
	grp := e.Group(t, actID, "Team A", l1, l2, l3)

	_, err := e.SubmissionSvc.Save(ctx, l1, actID, l1, testutil.Text("ours"))
	require.NoError(t, err)

	for _, usrID := range []int64{l1, l2} {
		sub, err := e.SubmissionSvc.Submit(ctx, usrID, actID, usrID, submission.SubmitRequest{})
		require.NoError(t, err)
		assert.Equal(t, submission.StatusDraft, sub.Status)
	}
	ready, err := e.SubmissionSvc.Team().ReadyMembers(ctx, c.Teacher.ID, actID, grp.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{l1, l2}, ready)

	sub, err := e.SubmissionSvc.Submit(ctx, l3, actID, l3, submission.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)

	submits := 0
	for _, a := range e.Events.Actions() {
		if a == core.EventSubmissionSubmitted {
			submits++
		}
	}
	assert.Equal(t, 1, submits)
}

func TestService_teamMembershipChange(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{TeamSubmission: true, RequireAllTeamMembersSubmit: true}, 3)
	actID := c.Activity.ID
	l1, l2, l3 := c.Learners[0].ID, c.Learners[1].ID, c.Learners[2].ID
	grp := e.Group(t, actID, "Team A", l1, l2)

	_, err := e.SubmissionSvc.Save(ctx, l1, actID, l1, testutil.Text("ours"))
	require.NoError(t, err)
	_, err = e.SubmissionSvc.Submit(ctx, l1, actID, l1, submission.SubmitRequest{})
	require.NoError(t, err)

	// a newcomer must also be ready
	require.NoError(t, e.ActivitySvc.AddMember(ctx, c.Teacher.ID, grp.ID, l3))
	_, err = e.SubmissionSvc.Submit(ctx, l3, actID, l3, submission.SubmitRequest{})
	require.NoError(t, err)
	sub, err := e.SubmissionSvc.GetLatest(ctx, l1, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusDraft, sub.Status)

	// dropping the only member who is not ready submits the team
	require.NoError(t, e.ActivitySvc.RemoveMember(ctx, c.Teacher.ID, grp.ID, l2))
	sub, err = e.SubmissionSvc.GetLatest(ctx, l1, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)
}

func TestService_teamConcurrentReady(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{TeamSubmission: true, RequireAllTeamMembersSubmit: true}, 4)
	actID := c.Activity.ID
	members := make([]int64, 0, len(c.Learners))
	for _, l := range c.Learners {
		members = append(members, l.ID)
	}
	e.Group(t, actID, "Team A", members...)
	_, err := e.SubmissionSvc.Save(ctx, members[0], actID, members[0], testutil.Text("ours"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range members {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := e.SubmissionSvc.Submit(ctx, id, actID, id, submission.SubmitRequest{})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	sub, err := e.SubmissionSvc.GetLatest(ctx, members[0], actID, members[0])
	require.NoError(t, err)
	assert.Equal(t, submission.StatusSubmitted, sub.Status)
}
