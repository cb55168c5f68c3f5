// Package testutil wires the coursework engine on the in-memory store for tests.
package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/identity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/override"
	"github.com/trezcool/coursework/core/submission"
	"github.com/trezcool/coursework/core/summary"
	"github.com/trezcool/coursework/core/user"
	"github.com/trezcool/coursework/services/gradebook"
	logsvc "github.com/trezcool/coursework/services/logger"
	"github.com/trezcool/coursework/services/notify"
	"github.com/trezcool/coursework/storage/database/inmem"
)

// Engine holds every service of the workflow engine, its repositories and the recording collaborators.
type Engine struct {
	Conf   *core.Config
	Logger core.Logger
	DB     *inmemdb.DB

	UserRepo       user.Repository
	ActivityRepo   activity.Repository
	OverrideRepo   override.Repository
	IdentityRepo   identity.Repository
	SubmissionRepo submission.Repository
	GradeRepo      marking.Repository

	Caps      *user.RoleCapabilities
	Events    *notify.Recorder
	Gradebook *gradebook.Recorder

	UserSvc       *user.Service
	ActivitySvc   *activity.Service
	Windows       *override.Resolver
	Identities    *identity.Mapper
	SubmissionSvc *submission.Service
	MarkingSvc    *marking.Service
	Summary       *summary.Aggregator
}

func NewEngine() *Engine {
	conf := core.NewTestConfig()
	db := inmemdb.Open()
	e := &Engine{
		Conf:           conf,
		Logger:         logsvc.NewDiscardLogger(conf),
		DB:             db,
		UserRepo:       inmemdb.NewUserRepository(db),
		ActivityRepo:   inmemdb.NewActivityRepository(db),
		OverrideRepo:   inmemdb.NewOverrideRepository(db),
		IdentityRepo:   inmemdb.NewIdentityRepository(db),
		SubmissionRepo: inmemdb.NewSubmissionRepository(db),
		GradeRepo:      inmemdb.NewGradeRepository(db),
		Events:         &notify.Recorder{},
		Gradebook:      &gradebook.Recorder{},
	}
	e.Caps = user.NewRoleCapabilities(e.UserRepo, e.ActivityRepo)

	e.UserSvc = user.NewService(e.UserRepo)
	e.ActivitySvc = activity.NewService(e.ActivityRepo, e.Caps, conf)
	e.Windows = override.NewResolver(e.OverrideRepo, e.ActivityRepo, e.Caps, e.Events)
	e.Identities = identity.NewMapper(e.IdentityRepo, e.ActivityRepo, e.Caps, e.Events)
	e.SubmissionSvc = submission.NewService(
		e.SubmissionRepo,
		e.ActivityRepo,
		e.Windows,
		e.Caps,
		e.Events,
		submission.DefaultPlugins(),
		e.Logger,
	)
	e.ActivitySvc.OnMembershipChange(e.SubmissionSvc.Team())
	e.MarkingSvc = marking.NewService(
		e.GradeRepo,
		e.ActivityRepo,
		e.SubmissionSvc,
		e.Caps,
		e.Events,
		e.Gradebook,
		e.Identities,
		e.Logger,
	)
	e.Summary = summary.NewAggregator(e.ActivityRepo, e.SubmissionRepo, e.GradeRepo, e.Caps)
	return e
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// User creates an active user without global roles.
func (e *Engine) User(t *testing.T, uname string, roles ...string) user.User {
	t.Helper()
	return CreateUser(t, e.UserRepo, uname, uname, uname+"@test.cd", "", roles, true)
}

// Activity stores act as is, bypassing the capability checks.
func (e *Engine) Activity(t *testing.T, act activity.Activity) activity.Activity {
	t.Helper()
	if act.Name == "" {
		act.Name = "Essay"
	}
	if act.MaxGrade == 0 {
		act.MaxGrade = 100
	}
	if act.ReopenMethod == "" {
		act.ReopenMethod = activity.ReopenNone
	}
	if act.MaxAttempts == 0 {
		act.MaxAttempts = activity.UnlimitedAttempts
	}
	act.CreatedAt = core.Now()
	act.UpdatedAt = act.CreatedAt
	act, err := e.ActivityRepo.CreateActivity(context.Background(), act)
	if err != nil {
		t.Fatalf("createActivity() failed: %v", err)
	}
	return act
}

func (e *Engine) Enrol(t *testing.T, activityID, userID int64, role string) {
	t.Helper()
	p := activity.Participant{ActivityID: activityID, UserID: userID, Role: role}
	if _, err := e.ActivityRepo.SaveParticipant(context.Background(), p); err != nil {
		t.Fatalf("enrol() failed: %v", err)
	}
}

func (e *Engine) Suspend(t *testing.T, activityID, userID int64) {
	t.Helper()
	ctx := context.Background()
	p, err := e.ActivityRepo.GetParticipant(ctx, activityID, userID)
	if err != nil {
		t.Fatalf("suspend() failed: %v", err)
	}
	p.Suspended = true
	if _, err := e.ActivityRepo.SaveParticipant(ctx, p); err != nil {
		t.Fatalf("suspend() failed: %v", err)
	}
}

// Group creates a group and adds members directly, without re-evaluating team submissions.
func (e *Engine) Group(t *testing.T, activityID int64, name string, members ...int64) activity.Group {
	t.Helper()
	ctx := context.Background()
	grp, err := e.ActivityRepo.CreateGroup(ctx, activity.Group{ActivityID: activityID, Name: name})
	if err != nil {
		t.Fatalf("createGroup() failed: %v", err)
	}
	for _, id := range members {
		if err := e.ActivityRepo.AddGroupMember(ctx, grp.ID, id); err != nil {
			t.Fatalf("addGroupMember() failed: %v", err)
		}
		grp.Members = append(grp.Members, id)
	}
	return grp
}

// Course is a ready-made activity with a teacher, a marker and learners.
type Course struct {
	Activity activity.Activity
	Teacher  user.User
	Marker   user.User
	Learners []user.User
}

// NewCourse creates act and enrols a teacher, a marker and n learners named learner1..n.
func (e *Engine) NewCourse(t *testing.T, act activity.Activity, n int) Course {
	t.Helper()
	c := Course{Activity: e.Activity(t, act)}
	c.Teacher = e.User(t, "teacher", user.RoleTeacher)
	e.Enrol(t, c.Activity.ID, c.Teacher.ID, activity.RoleTeacher)
	c.Marker = e.User(t, "marker")
	e.Enrol(t, c.Activity.ID, c.Marker.ID, activity.RoleMarker)
	for i := 1; i <= n; i++ {
		usr := e.User(t, "learner"+strconv.Itoa(i), user.RoleStudent)
		e.Enrol(t, c.Activity.ID, usr.ID, activity.RoleLearner)
		c.Learners = append(c.Learners, usr)
	}
	return c
}

// Text is online-text content.
func Text(s string) submission.Content {
	return submission.Content{submission.PluginOnlineText: s}
}

// PinClock sets core.Now to at until the test ends.
func PinClock(t *testing.T, at time.Time) {
	t.Helper()
	core.NowFunc = func() time.Time { return at }
	t.Cleanup(func() { core.NowFunc = time.Now })
}

func TimeAt(tm time.Time) null.Time { return null.TimeFrom(tm.UTC()) }

func GradeOf(v float64) null.Float64 { return null.Float64From(v) }
