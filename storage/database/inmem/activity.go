package inmemdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
)

type activityRepository struct {
	db *activityTables
}

var _ activity.Repository = (*activityRepository)(nil)

func NewActivityRepository(db *DB) activity.Repository {
	return &activityRepository{db: db.activity}
}

func copyActivity(act activity.Activity) activity.Activity {
	act.Plugins = append([]string(nil), act.Plugins...)
	return act
}

func copyGroup(grp activity.Group) activity.Group {
	grp.Members = append([]int64{}, grp.Members...)
	return grp
}

func (repo *activityRepository) CreateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.activityPK++
	act.ID = repo.db.activityPK
	act = copyActivity(act)
	repo.db.activities[act.ID] = &act
	return copyActivity(act), nil
}

func (repo *activityRepository) GetActivity(_ context.Context, id int64) (activity.Activity, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if act, ok := repo.db.activities[id]; ok {
		return copyActivity(*act), nil
	}
	return activity.Activity{}, errors.Wrapf(core.ErrNotFound, "activity %d", id)
}

func (repo *activityRepository) QueryActivities(_ context.Context) ([]activity.Activity, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	acts := make([]activity.Activity, 0, len(repo.db.activities))
	for _, act := range repo.db.activities {
		acts = append(acts, copyActivity(*act))
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].ID < acts[j].ID })
	return acts, nil
}

func (repo *activityRepository) UpdateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.activities[act.ID]; !ok {
		return activity.Activity{}, errors.Wrapf(core.ErrNotFound, "activity %d", act.ID)
	}
	act = copyActivity(act)
	repo.db.activities[act.ID] = &act
	return copyActivity(act), nil
}

// setRevealed flips the activity's reveal flag; the identity repository shares this table.
func (repo *activityRepository) setRevealed(activityID int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	act, ok := repo.db.activities[activityID]
	if !ok {
		return errors.Wrapf(core.ErrNotFound, "activity %d", activityID)
	}
	act.IdentitiesRevealed = true
	return nil
}

func (repo *activityRepository) SaveParticipant(_ context.Context, p activity.Participant) (activity.Participant, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.activities[p.ActivityID]; !ok {
		return activity.Participant{}, errors.Wrapf(core.ErrNotFound, "activity %d", p.ActivityID)
	}
	repo.db.participants[pairKey{p.ActivityID, p.UserID}] = p
	return p, nil
}

func (repo *activityRepository) GetParticipant(_ context.Context, activityID, userID int64) (activity.Participant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if p, ok := repo.db.participants[pairKey{activityID, userID}]; ok {
		return p, nil
	}
	return activity.Participant{}, errors.Wrapf(core.ErrNotFound, "participant %d in activity %d", userID, activityID)
}

func (repo *activityRepository) QueryParticipants(_ context.Context, activityID int64, includeSuspended bool) ([]activity.Participant, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ps := make([]activity.Participant, 0)
	for k, p := range repo.db.participants {
		if k.activityID == activityID && (includeSuspended || !p.Suspended) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].UserID < ps[j].UserID })
	return ps, nil
}

func (repo *activityRepository) CreateGroup(_ context.Context, grp activity.Group) (activity.Group, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.activities[grp.ActivityID]; !ok {
		return activity.Group{}, errors.Wrapf(core.ErrNotFound, "activity %d", grp.ActivityID)
	}
	repo.db.groupPK++
	grp.ID = repo.db.groupPK
	grp = copyGroup(grp)
	repo.db.groups[grp.ID] = &grp
	return copyGroup(grp), nil
}

func (repo *activityRepository) GetGroup(_ context.Context, id int64) (activity.Group, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if grp, ok := repo.db.groups[id]; ok {
		return copyGroup(*grp), nil
	}
	return activity.Group{}, errors.Wrapf(core.ErrNotFound, "group %d", id)
}

func (repo *activityRepository) queryGroups(activityID int64, keep func(activity.Group) bool) []activity.Group {
	grps := make([]activity.Group, 0)
	for _, grp := range repo.db.groups {
		if grp.ActivityID == activityID && keep(*grp) {
			grps = append(grps, copyGroup(*grp))
		}
	}
	sort.Slice(grps, func(i, j int) bool { return grps[i].ID < grps[j].ID })
	return grps
}

func (repo *activityRepository) QueryGroups(_ context.Context, activityID int64) ([]activity.Group, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.queryGroups(activityID, func(activity.Group) bool { return true }), nil
}

func (repo *activityRepository) QueryUserGroups(_ context.Context, activityID, userID int64) ([]activity.Group, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.queryGroups(activityID, func(grp activity.Group) bool { return grp.HasMember(userID) }), nil
}

func (repo *activityRepository) AddGroupMember(_ context.Context, groupID, userID int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	grp, ok := repo.db.groups[groupID]
	if !ok {
		return errors.Wrapf(core.ErrNotFound, "group %d", groupID)
	}
	if !grp.HasMember(userID) {
		grp.Members = append(grp.Members, userID)
		sort.Slice(grp.Members, func(i, j int) bool { return grp.Members[i] < grp.Members[j] })
	}
	return nil
}

func (repo *activityRepository) RemoveGroupMember(_ context.Context, groupID, userID int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	grp, ok := repo.db.groups[groupID]
	if !ok {
		return errors.Wrapf(core.ErrNotFound, "group %d", groupID)
	}
	members := grp.Members[:0]
	for _, id := range grp.Members {
		if id != userID {
			members = append(members, id)
		}
	}
	grp.Members = members
	return nil
}

func (repo *activityRepository) GetUserFlags(_ context.Context, activityID, userID int64) (activity.UserFlags, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if flags, ok := repo.db.flags[pairKey{activityID, userID}]; ok {
		return flags, nil
	}
	return activity.UserFlags{ActivityID: activityID, UserID: userID}, nil
}

func (repo *activityRepository) SaveUserFlags(_ context.Context, flags activity.UserFlags) (activity.UserFlags, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.flags[pairKey{flags.ActivityID, flags.UserID}] = flags
	return flags, nil
}
