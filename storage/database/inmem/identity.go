package inmemdb

import (
	"context"

	"github.com/trezcool/coursework/core/identity"
)

type identityRepository struct {
	db         *identityTable
	activities *activityRepository
}

var _ identity.Repository = (*identityRepository)(nil)

func NewIdentityRepository(db *DB) identity.Repository {
	return &identityRepository{db: db.identity, activities: &activityRepository{db: db.activity}}
}

func (repo *identityRepository) GetOrAssignIdentity(_ context.Context, activityID, userID int64) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := pairKey{activityID, userID}
	if n, ok := repo.db.table[key]; ok {
		return n, nil
	}
	repo.db.next[activityID]++
	n := repo.db.next[activityID]
	repo.db.table[key] = n
	return n, nil
}

func (repo *identityRepository) QueryIdentities(_ context.Context, activityID int64) (map[int64]int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	ids := make(map[int64]int)
	for k, n := range repo.db.table {
		if k.activityID == activityID {
			ids[k.userID] = n
		}
	}
	return ids, nil
}

func (repo *identityRepository) RevealIdentities(_ context.Context, activityID int64) error {
	return repo.activities.setRevealed(activityID)
}
