package inmemdb

import (
	"sync"

	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/marking"
	"github.com/trezcool/coursework/core/override"
	"github.com/trezcool/coursework/core/submission"
	"github.com/trezcool/coursework/core/user"
)

type (
	// DB is an in-memory database. Each table has its own lock; a repository call that touches
	// several rows of one table holds that lock for the whole call.
	DB struct {
		user       *userTable
		activity   *activityTables
		override   *overrideTable
		identity   *identityTable
		submission *submissionTable
		grade      *gradeTable
	}

	userTable struct {
		sync.RWMutex
		table   map[int64]*user.User
		pkCount int64
	}

	pairKey struct {
		activityID int64
		userID     int64
	}

	activityTables struct {
		sync.RWMutex
		activities   map[int64]*activity.Activity
		participants map[pairKey]activity.Participant
		groups       map[int64]*activity.Group
		flags        map[pairKey]activity.UserFlags
		activityPK   int64
		groupPK      int64
	}

	overrideTable struct {
		sync.RWMutex
		table   map[int64]override.Override
		pkCount int64
	}

	identityTable struct {
		sync.Mutex
		table map[pairKey]int
		next  map[int64]int // activity -> last issued number
	}

	authorKey struct {
		activityID int64
		author     submission.Author
	}

	readyKey struct {
		activityID int64
		groupID    int64
		attempt    int
	}

	submissionTable struct {
		sync.RWMutex
		attempts map[authorKey][]*submission.Submission // index = attempt number
		ready    map[readyKey]map[int64]submission.ReadyFlag
		pkCount  int64
	}

	gradeKey struct {
		activityID int64
		userID     int64
		attempt    int
	}

	gradeTable struct {
		sync.RWMutex
		table   map[gradeKey]*marking.Grade
		pkCount int64
	}
)

func Open() *DB {
	return &DB{
		user: &userTable{table: make(map[int64]*user.User)},
		activity: &activityTables{
			activities:   make(map[int64]*activity.Activity),
			participants: make(map[pairKey]activity.Participant),
			groups:       make(map[int64]*activity.Group),
			flags:        make(map[pairKey]activity.UserFlags),
		},
		override:   &overrideTable{table: make(map[int64]override.Override)},
		identity:   &identityTable{table: make(map[pairKey]int), next: make(map[int64]int)},
		submission: &submissionTable{attempts: make(map[authorKey][]*submission.Submission), ready: make(map[readyKey]map[int64]submission.ReadyFlag)},
		grade:      &gradeTable{table: make(map[gradeKey]*marking.Grade)},
	}
}
