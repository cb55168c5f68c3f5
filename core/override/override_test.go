package override_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/override"
	"github.com/trezcool/coursework/tests"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	day = 24 * time.Hour
)

func at(d time.Duration) null.Time { return null.TimeFrom(t0.Add(d)) }

func TestResolve(t *testing.T) {
	defaults := override.Dates{OpensAt: at(0), DueAt: at(7 * day), CutoffAt: at(14 * day)}

	tests := []struct {
		name string
		usr  *override.Override
		grps []override.Override
		want override.Dates
	}{
		{name: "defaults", want: defaults},
		{
			name: "user due only, group opens and cutoff",
			usr:  &override.Override{DueAt: at(9 * day)},
			grps: []override.Override{{ID: 1, OpensAt: at(day), CutoffAt: at(20 * day), SortOrder: 1}},
			want: override.Dates{OpensAt: at(day), DueAt: at(9 * day), CutoffAt: at(20 * day)},
		},
		{
			name: "lowest sort order wins",
			grps: []override.Override{
				{ID: 2, CutoffAt: at(30 * day), SortOrder: 2},
				{ID: 1, CutoffAt: at(21 * day), SortOrder: 1},
			},
			want: override.Dates{OpensAt: at(0), DueAt: at(7 * day), CutoffAt: at(21 * day)},
		},
		{
			name: "fields fall through groups",
			grps: []override.Override{
				{ID: 1, CutoffAt: at(21 * day), SortOrder: 1},
				{ID: 2, DueAt: at(10 * day), CutoffAt: at(30 * day), SortOrder: 2},
			},
			want: override.Dates{OpensAt: at(0), DueAt: at(10 * day), CutoffAt: at(21 * day)},
		},
		{
			name: "user beats group",
			usr:  &override.Override{OpensAt: at(2 * day), DueAt: at(3 * day), CutoffAt: at(4 * day)},
			grps: []override.Override{{ID: 1, OpensAt: at(day), DueAt: at(day), CutoffAt: at(day), SortOrder: 1}},
			want: override.Dates{OpensAt: at(2 * day), DueAt: at(3 * day), CutoffAt: at(4 * day)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, override.Resolve(defaults, tt.usr, tt.grps))
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		win        override.Window
		at         time.Time
		wantOpen   bool
		wantLate   bool
		wantCutoff null.Time
	}{
		{name: "no dates", at: t0, wantOpen: true},
		{name: "before opening", win: override.Window{Dates: override.Dates{OpensAt: at(day)}}, at: t0},
		{
			name:       "late but open",
			win:        override.Window{Dates: override.Dates{DueAt: at(day), CutoffAt: at(3 * day)}},
			at:         t0.Add(2 * day),
			wantOpen:   true,
			wantLate:   true,
			wantCutoff: at(3 * day),
		},
		{
			name:       "past cutoff",
			win:        override.Window{Dates: override.Dates{DueAt: at(day), CutoffAt: at(3 * day)}},
			at:         t0.Add(4 * day),
			wantLate:   true,
			wantCutoff: at(3 * day),
		},
		{
			name: "extension moves cutoff, not the late label",
			win: override.Window{
				Dates:          override.Dates{DueAt: at(day), CutoffAt: at(3 * day)},
				ExtensionDueAt: at(5 * day),
			},
			at:         t0.Add(4 * day),
			wantOpen:   true,
			wantLate:   true,
			wantCutoff: at(5 * day),
		},
		{
			name: "earlier extension ignored",
			win: override.Window{
				Dates:          override.Dates{DueAt: at(day), CutoffAt: at(3 * day)},
				ExtensionDueAt: at(2 * day),
			},
			at:         t0.Add(4 * day),
			wantLate:   true,
			wantCutoff: at(3 * day),
		},
		{
			name:     "no cutoff never closes",
			win:      override.Window{Dates: override.Dates{DueAt: at(day)}, ExtensionDueAt: at(2 * day)},
			at:       t0.Add(100 * day),
			wantOpen: true,
			wantLate: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantOpen, tt.win.IsOpen(tt.at), "IsOpen")
			assert.Equal(t, tt.wantLate, tt.win.IsLate(tt.at), "IsLate")
			assert.Equal(t, tt.wantCutoff, tt.win.EffectiveCutoff(), "EffectiveCutoff")
		})
	}
}

func TestResolver_ResolveWindow(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{OpensAt: at(0), DueAt: at(7 * day), CutoffAt: at(14 * day)}, 2)
	actID := c.Activity.ID
	l1, l2 := c.Learners[0].ID, c.Learners[1].ID
	g1 := e.Group(t, actID, "G1", l1)
	g2 := e.Group(t, actID, "G2", l1, l2)

	save := func(o override.Override) override.Override {
		t.Helper()
		o.ActivityID = actID
		saved, err := e.Windows.SaveOverride(ctx, c.Teacher.ID, o)
		require.NoError(t, err)
		return saved
	}
	o1 := save(override.Override{GroupID: null.Int64From(g1.ID), CutoffAt: at(21 * day)})
	o2 := save(override.Override{GroupID: null.Int64From(g2.ID), CutoffAt: at(28 * day)})
	assert.Equal(t, 1, o1.SortOrder)
	assert.Equal(t, 2, o2.SortOrder)

	win, err := e.Windows.ResolveWindow(ctx, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, at(21*day), win.CutoffAt)

	win, err = e.Windows.ResolveWindow(ctx, actID, l2)
	require.NoError(t, err)
	assert.Equal(t, at(28*day), win.CutoffAt)

	_, err = e.Windows.ReorderGroupOverrides(ctx, c.Teacher.ID, actID, []int64{o2.ID})
	require.NoError(t, err)
	win, err = e.Windows.ResolveWindow(ctx, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, at(28*day), win.CutoffAt, "reordered")

	save(override.Override{UserID: null.Int64From(l1), DueAt: at(10 * day)})
	win, err = e.Windows.ResolveWindow(ctx, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, override.Dates{OpensAt: at(0), DueAt: at(10 * day), CutoffAt: at(28 * day)}, win.Dates)

	_, err = e.Windows.GrantExtension(ctx, c.Teacher.ID, actID, l1, at(40*day))
	require.NoError(t, err)
	win, err = e.Windows.Window(ctx, l1, actID, l1)
	require.NoError(t, err)
	assert.Equal(t, at(40*day), win.EffectiveCutoff())
	assert.Equal(t, at(10*day), win.DueAt)

	_, err = e.Windows.Window(ctx, l2, actID, l1)
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "other learner's window: %v", err)
}

func TestResolver_SaveOverride(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{OpensAt: at(0), DueAt: at(7 * day), CutoffAt: at(14 * day)}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID
	grp := e.Group(t, actID, "G", learner)

	tests := []struct {
		name    string
		actorID int64
		o       override.Override
		wantErr error
	}{
		{name: "learner", actorID: learner, o: override.Override{UserID: null.Int64From(learner)}, wantErr: core.ErrCapabilityDenied},
		{name: "marker", actorID: c.Marker.ID, o: override.Override{UserID: null.Int64From(learner)}, wantErr: core.ErrCapabilityDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.o.ActivityID = actID
			_, err := e.Windows.SaveOverride(ctx, tt.actorID, tt.o)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	invalid := []override.Override{
		{ActivityID: actID},
		{ActivityID: actID, UserID: null.Int64From(learner), GroupID: null.Int64From(grp.ID)},
		{ActivityID: actID, UserID: null.Int64From(learner), DueAt: at(20 * day)},
		{ActivityID: actID, GroupID: null.Int64From(grp.ID), OpensAt: at(8 * day)},
	}
	for _, o := range invalid {
		_, err := e.Windows.SaveOverride(ctx, c.Teacher.ID, o)
		var verr *core.ValidationError
		assert.True(t, errors.As(err, &verr), "%+v: got %v", o, err)
	}

	first, err := e.Windows.SaveOverride(ctx, c.Teacher.ID, override.Override{ActivityID: actID, UserID: null.Int64From(learner), DueAt: at(8 * day)})
	require.NoError(t, err)
	second, err := e.Windows.SaveOverride(ctx, c.Teacher.ID, override.Override{ActivityID: actID, UserID: null.Int64From(learner), DueAt: at(9 * day)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "one override per user")

	overrides, err := e.Windows.QueryOverrides(ctx, c.Teacher.ID, actID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, at(9*day), overrides[0].DueAt)
	assert.Zero(t, overrides[0].SortOrder)
}

func TestResolver_DeleteOverride(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{}, 0)
	other := e.Activity(t, activity.Activity{Name: "Other"})
	e.Enrol(t, other.ID, c.Teacher.ID, activity.RoleTeacher)
	actID := c.Activity.ID

	var ids []int64
	for _, name := range []string{"A", "B", "C"} {
		grp := e.Group(t, actID, name)
		o, err := e.Windows.SaveOverride(ctx, c.Teacher.ID, override.Override{ActivityID: actID, GroupID: null.Int64From(grp.ID), DueAt: at(day)})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	err := e.Windows.DeleteOverride(ctx, c.Teacher.ID, other.ID, ids[0])
	assert.True(t, errors.Is(err, core.ErrNotFound), "wrong activity: %v", err)

	require.NoError(t, e.Windows.DeleteOverride(ctx, c.Teacher.ID, actID, ids[1]))
	overrides, err := e.Windows.QueryOverrides(ctx, c.Teacher.ID, actID)
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	orders := map[int64]int{}
	for _, o := range overrides {
		orders[o.ID] = o.SortOrder
	}
	assert.Equal(t, map[int64]int{ids[0]: 1, ids[2]: 2}, orders)

	err = e.Windows.DeleteOverride(ctx, c.Teacher.ID, actID, ids[1])
	assert.True(t, errors.Is(err, core.ErrNotFound), "deleted twice: %v", err)

	_, err = e.Windows.ReorderGroupOverrides(ctx, c.Teacher.ID, actID, []int64{ids[1]})
	assert.True(t, errors.Is(err, core.ErrNotFound), "reorder unknown: %v", err)
}

func TestResolver_GrantExtension(t *testing.T) {
	e := testutil.NewEngine()
	c := e.NewCourse(t, activity.Activity{DueAt: at(7 * day)}, 1)
	actID, learner := c.Activity.ID, c.Learners[0].ID

	_, err := e.Windows.GrantExtension(ctx, c.Marker.ID, actID, learner, at(8*day))
	assert.True(t, errors.Is(err, core.ErrCapabilityDenied), "marker: %v", err)

	_, err = e.Windows.GrantExtension(ctx, c.Teacher.ID, actID, learner, at(7*day))
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr), "not after due: %v", err)

	flags, err := e.Windows.GrantExtension(ctx, c.Teacher.ID, actID, learner, at(8*day))
	require.NoError(t, err)
	assert.Equal(t, at(8*day), flags.ExtensionDueAt)
	assert.Equal(t, []string{core.EventExtensionGranted}, e.Events.Actions())

	flags, err = e.Windows.GrantExtension(ctx, c.Teacher.ID, actID, learner, null.Time{})
	require.NoError(t, err)
	assert.False(t, flags.ExtensionDueAt.Valid)
}
