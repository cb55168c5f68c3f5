package activity_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/user"
	"github.com/trezcool/coursework/tests"
)

var ctx = context.Background()

func newValidator() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	activity.InitValidators(validate, translator)
	return validate
}

func TestNewActivity_Validate(t *testing.T) {
	validate := newValidator()
	now := time.Now().UTC()
	intPtr := func(i int) *int { return &i }

	tests := []struct {
		name    string
		na      activity.NewActivity
		wantErr bool
	}{
		{name: "minimal", na: activity.NewActivity{Name: " Essay ", MaxGrade: 100}},
		{name: "no name", na: activity.NewActivity{Name: "  ", MaxGrade: 100}, wantErr: true},
		{name: "no max grade", na: activity.NewActivity{Name: "Essay"}, wantErr: true},
		{name: "bad reopen method", na: activity.NewActivity{Name: "Essay", MaxGrade: 100, ReopenMethod: "sometimes"}, wantErr: true},
		{name: "zero attempts", na: activity.NewActivity{Name: "Essay", MaxGrade: 100, MaxAttempts: intPtr(0)}, wantErr: true},
		{name: "unlimited attempts", na: activity.NewActivity{Name: "Essay", MaxGrade: 100, MaxAttempts: intPtr(-1)}},
		{
			name:    "due after cutoff",
			na:      activity.NewActivity{Name: "Essay", MaxGrade: 100, DueAt: null.TimeFrom(now.Add(time.Hour)), CutoffAt: null.TimeFrom(now)},
			wantErr: true,
		},
		{
			name: "opens and cutoff only",
			na:   activity.NewActivity{Name: "Essay", MaxGrade: 100, OpensAt: null.TimeFrom(now), CutoffAt: null.TimeFrom(now.Add(time.Hour))},
		},
		{name: "pass grade above max", na: activity.NewActivity{Name: "Essay", MaxGrade: 10, PassGrade: null.Float64From(11)}, wantErr: true},
		{name: "content required without plugins", na: activity.NewActivity{Name: "Essay", MaxGrade: 100, RequireContent: true}, wantErr: true},
		{
			name: "content required with a plugin",
			na:   activity.NewActivity{Name: "Essay", MaxGrade: 100, RequireContent: true, Plugins: []string{"onlinetext"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.na.Validate(validate)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestService_Create(t *testing.T) {
	e := testutil.NewEngine()
	teacher := e.User(t, "teacher", user.RoleTeacher)
	student := e.User(t, "student", user.RoleStudent)

	_, err := e.ActivitySvc.Create(ctx, student.ID, activity.NewActivity{Name: "Essay", MaxGrade: 100})
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "student: %v", err)

	act, err := e.ActivitySvc.Create(ctx, teacher.ID, activity.NewActivity{Name: "Essay", MaxGrade: 100})
	require.NoError(t, err)
	assert.Equal(t, activity.ReopenNone, act.ReopenMethod, "configured default")
	assert.Equal(t, activity.UnlimitedAttempts, act.MaxAttempts)

	// creating does not enrol; the teacher only sees it once enrolled
	_, err = e.ActivitySvc.Get(ctx, teacher.ID, act.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	e.Enrol(t, act.ID, teacher.ID, activity.RoleTeacher)

	three := 3
	act, err = e.ActivitySvc.Update(ctx, teacher.ID, act.ID, activity.NewActivity{
		Name:         "Essay 2",
		MaxGrade:     20,
		ReopenMethod: activity.ReopenManual,
		MaxAttempts:  &three,
	})
	require.NoError(t, err)
	assert.Equal(t, "Essay 2", act.Name)
	assert.Equal(t, 3, act.MaxAttempts)
	assert.True(t, act.ManualReopenAllowed())
}

func TestService_participantsAndGroups(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	actID := c.Activity.ID
	newbie := e.User(t, "newbie", user.RoleStudent)

	_, err := e.ActivitySvc.Enrol(ctx, c.Marker.ID, actID, activity.NewParticipant{UserID: newbie.ID, Role: activity.RoleLearner})
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "marker enrolling: %v", err)

	p, err := e.ActivitySvc.Enrol(ctx, c.Teacher.ID, actID, activity.NewParticipant{UserID: newbie.ID, Role: activity.RoleLearner})
	require.NoError(t, err)
	assert.True(t, p.IsLearner())

	_, err = e.ActivitySvc.Enrol(ctx, c.Teacher.ID, actID, activity.NewParticipant{UserID: newbie.ID, Role: activity.RoleLearner, Suspended: true})
	require.NoError(t, err)
	ps, err := e.ActivitySvc.QueryParticipants(ctx, c.Marker.ID, actID, false)
	require.NoError(t, err)
	assert.Len(t, ps, 3, "teacher, marker and learner")
	ps, err = e.ActivitySvc.QueryParticipants(ctx, c.Marker.ID, actID, true)
	require.NoError(t, err)
	assert.Len(t, ps, 4)

	grp, err := e.ActivitySvc.CreateGroup(ctx, c.Teacher.ID, actID, activity.NewGroup{Name: "Team"})
	require.NoError(t, err)
	require.NoError(t, e.ActivitySvc.AddMember(ctx, c.Teacher.ID, grp.ID, c.Learners[0].ID))
	require.NoError(t, e.ActivitySvc.AddMember(ctx, c.Teacher.ID, grp.ID, c.Learners[0].ID), "adding twice")

	grps, err := e.ActivitySvc.QueryGroups(ctx, c.Learners[0].ID, actID)
	require.NoError(t, err)
	require.Len(t, grps, 1)
	assert.Equal(t, []int64{c.Learners[0].ID}, grps[0].Members)

	err = e.ActivitySvc.RemoveMember(ctx, c.Learners[0].ID, grp.ID, c.Learners[0].ID)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "learner leaving: %v", err)
	require.NoError(t, e.ActivitySvc.RemoveMember(ctx, c.Teacher.ID, grp.ID, c.Learners[0].ID))
	grps, err = e.ActivitySvc.QueryGroups(ctx, c.Teacher.ID, actID)
	require.NoError(t, err)
	assert.Empty(t, grps[0].Members)
}

func TestAuthorGroups(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 1)
	learner := c.Learners[0].ID
	b := e.Group(t, c.Activity.ID, "B")
	a := e.Group(t, c.Activity.ID, "A")
	require.NoError(t, e.ActivityRepo.AddGroupMember(ctx, a.ID, learner))
	require.NoError(t, e.ActivityRepo.AddGroupMember(ctx, b.ID, learner))

	grps, err := activity.AuthorGroups(ctx, e.ActivityRepo, c.Activity.ID, learner)
	require.NoError(t, err)
	require.Len(t, grps, 2)
	assert.Equal(t, b.ID, grps[0].ID, "lowest ID first")
}

func TestActivity_attempts(t *testing.T) {
	tests := []struct {
		max     int
		attempt int
		want    bool
	}{
		{max: activity.UnlimitedAttempts, attempt: 100},
		{max: 1, attempt: 0, want: true},
		{max: 3, attempt: 1},
		{max: 3, attempt: 2, want: true},
	}
	for _, tt := range tests {
		act := activity.Activity{MaxAttempts: tt.max}
		assert.Equal(t, tt.want, act.AttemptsExhausted(tt.attempt), "max %d, attempt %d", tt.max, tt.attempt)
	}
}
