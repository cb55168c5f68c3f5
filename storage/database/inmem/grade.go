package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/marking"
)

type gradeRepository struct {
	db *gradeTable
}

var _ marking.Repository = (*gradeRepository)(nil)

func NewGradeRepository(db *DB) marking.Repository {
	return &gradeRepository{db: db.grade}
}

func (repo *gradeRepository) GetGrade(_ context.Context, activityID, userID int64, attempt int) (marking.Grade, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if g, ok := repo.db.table[gradeKey{activityID, userID, attempt}]; ok {
		return *g, nil
	}
	return marking.Grade{}, errors.Wrapf(core.ErrNotFound, "grade of user %d (attempt %d)", userID, attempt)
}

func (repo *gradeRepository) QueryGrades(_ context.Context, activityID int64) ([]marking.Grade, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	grades := make([]marking.Grade, 0)
	for k, g := range repo.db.table {
		if k.activityID == activityID {
			grades = append(grades, *g)
		}
	}
	sort.Slice(grades, func(i, j int) bool { return grades[i].ID < grades[j].ID })
	return grades, nil
}

// SaveGrades checks every write against the stored modification time before applying any of them.
func (repo *gradeRepository) SaveGrades(_ context.Context, writes ...marking.GradeWrite) ([]marking.Grade, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	seen := make(map[gradeKey]bool, len(writes))
	for _, w := range writes {
		key := gradeKey{w.Grade.ActivityID, w.Grade.UserID, w.Grade.Attempt}
		if seen[key] {
			return nil, errors.Errorf("duplicate grade write for user %d (attempt %d)", key.userID, key.attempt)
		}
		seen[key] = true

		stored, ok := repo.db.table[key]
		if w.Expected.IsZero() && ok || !w.Expected.IsZero() && (!ok || !stored.UpdatedAt.Equal(w.Expected)) {
			return nil, core.NewStaleGradeError(key.userID, key.attempt)
		}
	}

	now := core.Now()
	saved := make([]marking.Grade, 0, len(writes))
	for _, w := range writes {
		g := w.Grade
		key := gradeKey{g.ActivityID, g.UserID, g.Attempt}
		g.UpdatedAt = now
		if stored, ok := repo.db.table[key]; ok {
			g.ID = stored.ID
			g.CreatedAt = stored.CreatedAt
			// two writes within the clock's resolution must still differ
			if !g.UpdatedAt.After(stored.UpdatedAt) {
				g.UpdatedAt = stored.UpdatedAt.Add(time.Microsecond)
			}
		} else {
			repo.db.pkCount++
			g.ID = repo.db.pkCount
			if g.CreatedAt.IsZero() {
				g.CreatedAt = now
			}
		}
		repo.db.table[key] = &g
		saved = append(saved, g)
	}
	return saved, nil
}
