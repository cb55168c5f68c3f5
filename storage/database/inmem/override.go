package inmemdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/override"
)

type overrideRepository struct {
	db *overrideTable
}

var _ override.Repository = (*overrideRepository)(nil)

func NewOverrideRepository(db *DB) override.Repository {
	return &overrideRepository{db: db.override}
}

func (repo *overrideRepository) SaveOverride(_ context.Context, o override.Override) (override.Override, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if o.ID == 0 {
		repo.db.pkCount++
		o.ID = repo.db.pkCount
	} else if _, ok := repo.db.table[o.ID]; !ok {
		return override.Override{}, errors.Wrapf(core.ErrNotFound, "override %d", o.ID)
	}
	repo.db.table[o.ID] = o
	return o, nil
}

func (repo *overrideRepository) GetOverride(_ context.Context, id int64) (override.Override, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if o, ok := repo.db.table[id]; ok {
		return o, nil
	}
	return override.Override{}, errors.Wrapf(core.ErrNotFound, "override %d", id)
}

func (repo *overrideRepository) DeleteOverride(_ context.Context, id int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[id]; !ok {
		return errors.Wrapf(core.ErrNotFound, "override %d", id)
	}
	delete(repo.db.table, id)
	return nil
}

func (repo *overrideRepository) QueryOverrides(_ context.Context, activityID int64) ([]override.Override, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	overrides := make([]override.Override, 0)
	for _, o := range repo.db.table {
		if o.ActivityID == activityID {
			overrides = append(overrides, o)
		}
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].ID < overrides[j].ID })
	return overrides, nil
}
