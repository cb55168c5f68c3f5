package marking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/submission"
	"github.com/trezcool/coursework/tests"
)

var ctx = context.Background()

func submit(t *testing.T, e *testutil.Engine, actID, learner int64) submission.Submission {
	t.Helper()
	_, err := e.SubmissionSvc.Save(ctx, learner, actID, learner, testutil.Text("essay"))
	require.NoError(t, err)
	sub, err := e.SubmissionSvc.Submit(ctx, learner, actID, learner, submission.SubmitRequest{})
	require.NoError(t, err)
	return sub
}

func TestService_SetGrade(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MaxGrade: 20}, 2)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	submit(t, e, actID, learner)

	tests := []struct {
		name    string
		actorID int64
		value   null.Float64
		wantErr error
	}{
		{name: "learner", actorID: c.Learners[1].ID, value: testutil.GradeOf(10), wantErr: core.ErrCapabilityDenied},
		{name: "outsider", actorID: e.User(t, "outsider").ID, value: testutil.GradeOf(10), wantErr: core.ErrNotFound},
		{name: "above max", actorID: c.Marker.ID, value: testutil.GradeOf(21)},
		{name: "negative", actorID: c.Marker.ID, value: testutil.GradeOf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.MarkingSvc.SetGrade(ctx, tt.actorID, actID, learner, tt.value)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			var verr *core.ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
	assert.Empty(t, e.Gradebook.Updates())

	g, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(15))
	require.NoError(t, err)
	assert.Equal(t, 0, g.Attempt)
	assert.Equal(t, null.Int64From(c.Marker.ID), g.GraderID)
	assert.Equal(t, marking.StateNotMarked, g.State)

	// without marking workflow every grade is published
	upds := e.Gradebook.For(actID, learner)
	require.Len(t, upds, 1)
	assert.Equal(t, testutil.GradeOf(15), upds[0].Grade)
	assert.Contains(t, e.Events.Actions(), core.EventGradeUpdated)
}

func TestService_SetGrade_resetsMailed(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID

	_, err := e.ActivityRepo.SaveUserFlags(ctx, activity.UserFlags{ActivityID: actID, UserID: learner, Mailed: true})
	require.NoError(t, err)
	_, err = e.MarkingSvc.SetGrade(ctx, c.Teacher.ID, actID, learner, testutil.GradeOf(50))
	require.NoError(t, err)

	flags, err := e.ActivityRepo.GetUserFlags(ctx, actID, learner)
	require.NoError(t, err)
	assert.False(t, flags.Mailed)
}

func TestService_SetWorkflowState(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MarkingWorkflow: true}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	submit(t, e, actID, learner)

	_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(70))
	require.NoError(t, err)
	assert.Empty(t, e.Gradebook.Updates(), "unreleased grades stay private")

	steps := []struct {
		name    string
		actorID int64
		to      marking.WorkflowState
		wantErr error
	}{
		{name: "skip ahead", actorID: c.Marker.ID, to: marking.StateReadyForReview, wantErr: core.ErrInvalidTransition},
		{name: "next", actorID: c.Marker.ID, to: marking.StateInMarking},
		{name: "same state", actorID: c.Marker.ID, to: marking.StateInMarking},
		{name: "next again", actorID: c.Marker.ID, to: marking.StateReadyForReview},
		{name: "back", actorID: c.Marker.ID, to: marking.StateInMarking},
		{name: "release without capability", actorID: c.Marker.ID, to: marking.StateReleased, wantErr: core.ErrCapabilityDenied},
		{name: "unknown state", actorID: c.Teacher.ID, to: marking.WorkflowState(42), wantErr: core.ErrInvalidTransition},
		{name: "release", actorID: c.Teacher.ID, to: marking.StateReleased},
		{name: "release again", actorID: c.Teacher.ID, to: marking.StateReleased},
	}
	for _, st := range steps {
		g, err := e.MarkingSvc.SetWorkflowState(ctx, st.actorID, actID, learner, st.to)
		if st.wantErr != nil {
			assert.True(t, errors.Is(err, st.wantErr), "%s: got %v", st.name, err)
			continue
		}
		require.NoError(t, err, st.name)
		assert.Equal(t, st.to, g.State, st.name)
	}

	upds := e.Gradebook.For(actID, learner)
	require.Len(t, upds, 1, "released twice, published once")
	assert.Equal(t, testutil.GradeOf(70), upds[0].Grade)

	// a regrade while released is published right away
	_, err = e.MarkingSvc.SetGrade(ctx, c.Teacher.ID, actID, learner, testutil.GradeOf(75))
	require.NoError(t, err)
	upds = e.Gradebook.For(actID, learner)
	require.Len(t, upds, 2)
	assert.Equal(t, testutil.GradeOf(75), upds[1].Grade)

	// leaving released retracts
	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateInReview)
	require.NoError(t, err)
	upds = e.Gradebook.For(actID, learner)
	require.Len(t, upds, 3)
	assert.False(t, upds[2].Grade.Valid)
}

func TestService_SetWorkflowState_disabled(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)

	_, err := e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, c.Activity.ID, c.Learners[0].ID, marking.StateInMarking)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "got %v", err)
}

func TestService_SetWorkflowState_gradebookDown(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MarkingWorkflow: true}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	submit(t, e, actID, learner)

	_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(64))
	require.NoError(t, err)

	e.Gradebook.Err = errors.New("gradebook unavailable")
	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateReleased)
	require.Error(t, err)
	g, err := e.GradeRepo.GetGrade(ctx, actID, learner, 0)
	require.NoError(t, err)
	assert.Equal(t, marking.StateReleased, g.State, "the move itself is stored")
	assert.True(t, g.PublishPending)

	// releasing again once the gradebook is back delivers the grade
	e.Gradebook.Err = nil
	g, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateReleased)
	require.NoError(t, err)
	assert.False(t, g.PublishPending)
	upds := e.Gradebook.For(actID, learner)
	require.Len(t, upds, 1)
	assert.Equal(t, testutil.GradeOf(64), upds[0].Grade)

	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateReleased)
	require.NoError(t, err)
	assert.Len(t, e.Gradebook.For(actID, learner), 1, "delivered grades are not sent twice")

	// a lost retraction is retried the same way
	e.Gradebook.Err = errors.New("gradebook unavailable")
	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateInReview)
	require.Error(t, err)
	e.Gradebook.Err = nil
	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateInReview)
	require.NoError(t, err)
	upds = e.Gradebook.For(actID, learner)
	require.Len(t, upds, 2)
	assert.False(t, upds[1].Grade.Valid)
}

func TestService_SetGrade_gradebookDown(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID

	e.Gradebook.Err = errors.New("gradebook unavailable")
	_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(12))
	require.Error(t, err)
	g, err := e.GradeRepo.GetGrade(ctx, actID, learner, 0)
	require.NoError(t, err)
	assert.True(t, g.PublishPending)

	e.Gradebook.Err = nil
	g, err = e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(12))
	require.NoError(t, err)
	assert.False(t, g.PublishPending)
	assert.Len(t, e.Gradebook.For(actID, learner), 1)
}

func TestService_GetGrade(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MarkingWorkflow: true, HideGrader: true}, 2)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	submit(t, e, actID, learner)

	_, err := e.MarkingSvc.GetGrade(ctx, learner, actID, learner)
	assert.True(t, errors.Is(err, core.ErrNotFound), "no grade yet: %v", err)

	_, err = e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(60))
	require.NoError(t, err)

	g, err := e.MarkingSvc.GetGrade(ctx, learner, actID, learner)
	require.NoError(t, err)
	assert.False(t, g.Value.Valid, "unreleased grade hidden from the learner")
	assert.Equal(t, null.Int64From(marking.HiddenGraderID), g.GraderID)

	_, err = e.MarkingSvc.GetGrade(ctx, c.Learners[1].ID, actID, learner)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "other learner: %v", err)

	_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateReleased)
	require.NoError(t, err)
	g, err = e.MarkingSvc.GetGrade(ctx, learner, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, testutil.GradeOf(60), g.Value)
	assert.Equal(t, null.Int64From(marking.HiddenGraderID), g.GraderID)

	// graders see the real grader, the stored value is untouched
	g, err = e.MarkingSvc.GetGrade(ctx, c.Teacher.ID, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, null.Int64From(c.Marker.ID), g.GraderID)
}

func TestService_autoReopen(t *testing.T) {
	tests := []struct {
		name       string
		passGrade  null.Float64
		grade      float64
		maxAttempt int
		wantReopen bool
	}{
		{name: "below pass", passGrade: testutil.GradeOf(80), grade: 79, wantReopen: true},
		{name: "at pass", passGrade: testutil.GradeOf(80), grade: 80},
		{name: "no pass grade", grade: 10},
		{name: "attempts exhausted", passGrade: testutil.GradeOf(80), grade: 10, maxAttempt: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testutil.NewEngine()
			c := e.NewCourse(t, activity.Activity{
				MarkingWorkflow: true,
				ReopenMethod:    activity.ReopenUntilPass,
				PassGrade:       tt.passGrade,
				MaxAttempts:     tt.maxAttempt,
			}, 1)
			actID, learner := c.Activity.ID, c.Learners[0].ID
			submit(t, e, actID, learner)

			_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(tt.grade))
			require.NoError(t, err)
			_, err = e.MarkingSvc.SetWorkflowState(ctx, c.Teacher.ID, actID, learner, marking.StateReleased)
			require.NoError(t, err)

			latest, err := e.SubmissionSvc.GetLatest(ctx, c.Teacher.ID, actID, learner)
			require.NoError(t, err)
			if tt.wantReopen {
				assert.Equal(t, 1, latest.Attempt)
				assert.Equal(t, submission.StatusReopened, latest.Status)
				assert.Equal(t, "essay", latest.Content[submission.PluginOnlineText], "content carried over")
			} else {
				assert.Equal(t, 0, latest.Attempt)
				assert.Equal(t, submission.StatusSubmitted, latest.Status)
			}
		})
	}
}

func TestService_autoReopen_gradesNextAttempt(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{ReopenMethod: activity.ReopenUntilPass, PassGrade: testutil.GradeOf(50)}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	submit(t, e, actID, learner)

	// no workflow: grading publishes, which reopens
	_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(30))
	require.NoError(t, err)

	g, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(40))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Attempt)

	grades, err := e.MarkingSvc.QueryGrades(ctx, c.Teacher.ID, actID)
	require.NoError(t, err)
	require.Len(t, grades, 2)
	assert.Equal(t, testutil.GradeOf(30), grades[0].Value, "attempt 0 untouched")
}

func TestService_QueryGrades_blind(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{BlindMarking: true}, 2)
	actID := c.Activity.ID
	for i, l := range c.Learners {
		_, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, l.ID, testutil.GradeOf(float64(10+i)))
		require.NoError(t, err)
	}

	grades, err := e.MarkingSvc.QueryGrades(ctx, c.Marker.ID, actID)
	require.NoError(t, err)
	require.Len(t, grades, 2)
	for i, g := range grades {
		assert.Zero(t, g.UserID, "real identity hidden")
		n, err := e.Identities.GetOrAssign(ctx, actID, c.Learners[i].ID)
		require.NoError(t, err)
		assert.Equal(t, n, g.Participant)
	}
	assert.NotEqual(t, grades[0].Participant, grades[1].Participant)

	// the teacher may reveal identities, so sees who is who
	grades, err = e.MarkingSvc.QueryGrades(ctx, c.Teacher.ID, actID)
	require.NoError(t, err)
	require.Len(t, grades, 2)
	assert.Equal(t, c.Learners[0].ID, grades[0].UserID)
	assert.Zero(t, grades[0].Participant)

	require.NoError(t, e.Identities.Reveal(ctx, c.Teacher.ID, actID))
	grades, err = e.MarkingSvc.QueryGrades(ctx, c.Marker.ID, actID)
	require.NoError(t, err)
	assert.Equal(t, c.Learners[1].ID, grades[1].UserID, "revealed")
}

func TestService_QuickGrade(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MarkingWorkflow: true}, 2)
	actID := c.Activity.ID
	l1, l2 := c.Learners[0].ID, c.Learners[1].ID

	saved, err := e.MarkingSvc.QuickGrade(ctx, c.Marker.ID, actID, []marking.QuickGradeRow{
		{UserID: l1, Grade: testutil.GradeOf(10)},
		{UserID: l2, Grade: testutil.GradeOf(20)},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	t0 := saved[0].UpdatedAt

	// another marker regrades l1 in between
	concurrent, err := e.MarkingSvc.SetGrade(ctx, c.Teacher.ID, actID, l1, testutil.GradeOf(55))
	require.NoError(t, err)
	assert.True(t, concurrent.UpdatedAt.After(t0))

	_, err = e.MarkingSvc.QuickGrade(ctx, c.Marker.ID, actID, []marking.QuickGradeRow{
		{UserID: l1, LastModified: t0, Grade: testutil.GradeOf(11)},
		{UserID: l2, LastModified: saved[1].UpdatedAt, Grade: testutil.GradeOf(21)},
	})
	var stale *core.StaleGradeError
	require.True(t, errors.As(err, &stale), "got %v", err)
	assert.True(t, errors.Is(err, core.ErrStaleGrade))
	assert.Equal(t, l1, stale.UserID)

	g1, err := e.GradeRepo.GetGrade(ctx, actID, l1, 0)
	require.NoError(t, err)
	assert.Equal(t, testutil.GradeOf(55), g1.Value, "concurrent update wins")
	g2, err := e.GradeRepo.GetGrade(ctx, actID, l2, 0)
	require.NoError(t, err)
	assert.Equal(t, testutil.GradeOf(20), g2.Value, "batch applied nothing")

	tests := []struct {
		name    string
		rows    []marking.QuickGradeRow
		wantErr error
	}{
		{
			name:    "new grade expected absent",
			rows:    []marking.QuickGradeRow{{UserID: c.Marker.ID, LastModified: t0, Grade: testutil.GradeOf(1)}},
			wantErr: core.ErrStaleGrade,
		},
		{
			name:    "wrong attempt",
			rows:    []marking.QuickGradeRow{{UserID: l2, Attempt: 1, LastModified: g2.UpdatedAt, Grade: testutil.GradeOf(1)}},
			wantErr: core.ErrStaleGrade,
		},
		{
			name: "fresh rows",
			rows: []marking.QuickGradeRow{
				{UserID: l1, LastModified: g1.UpdatedAt, Grade: testutil.GradeOf(12)},
				{UserID: l2, LastModified: g2.UpdatedAt},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.MarkingSvc.QuickGrade(ctx, c.Marker.ID, actID, tt.rows)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err = e.MarkingSvc.QuickGrade(ctx, c.Marker.ID, actID, []marking.QuickGradeRow{{UserID: l1}, {UserID: l1}})
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr), "duplicate rows: %v", err)
}

func TestService_QuickGrade_concurrent(t *testing.T) {
	testutil.PinClock(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID

	g, err := e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(10))
	require.NoError(t, err)

	const n = 6
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		oks    int
		stales int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			_, err := e.MarkingSvc.QuickGrade(ctx, c.Marker.ID, actID, []marking.QuickGradeRow{
				{UserID: learner, LastModified: g.UpdatedAt, Grade: testutil.GradeOf(v)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				oks++
			case errors.Is(err, core.ErrStaleGrade):
				stales++
			}
		}(float64(20 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	assert.Equal(t, n-1, stales)
}

func TestService_AllocateMarker(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{MarkingWorkflow: true, MarkingAllocation: true}, 2)
	actID, learner := c.Activity.ID, c.Learners[0].ID

	_, err := e.MarkingSvc.AllocateMarker(ctx, c.Marker.ID, actID, learner, null.Int64From(c.Marker.ID))
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "marker allocating: %v", err)

	_, err = e.MarkingSvc.AllocateMarker(ctx, c.Teacher.ID, actID, learner, null.Int64From(c.Learners[1].ID))
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr), "learner as marker: %v", err)

	flags, err := e.MarkingSvc.AllocateMarker(ctx, c.Teacher.ID, actID, learner, null.Int64From(c.Marker.ID))
	require.NoError(t, err)
	assert.Equal(t, null.Int64From(c.Marker.ID), flags.AllocatedMarkerID)

	_, err = e.MarkingSvc.SetGrade(ctx, c.Marker.ID, actID, learner, testutil.GradeOf(1))
	require.NoError(t, err)
	g, err := e.MarkingSvc.GetGrade(ctx, c.Teacher.ID, actID, learner)
	require.NoError(t, err)
	assert.Equal(t, null.Int64From(c.Marker.ID), g.AllocatedMarkerID)

	flags, err = e.MarkingSvc.AllocateMarker(ctx, c.Teacher.ID, actID, learner, null.Int64{})
	require.NoError(t, err)
	assert.False(t, flags.AllocatedMarkerID.Valid)
}

func TestWorkflowState_text(t *testing.T) {
	for s := marking.StateNotMarked; s <= marking.StateReleased; s++ {
		parsed, err := marking.ParseWorkflowState(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := marking.ParseWorkflowState("graded")
	assert.Error(t, err)
}
