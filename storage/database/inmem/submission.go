package inmemdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/submission"
)

// submissionRepository stores each author's attempts in an arena indexed by attempt number, with a
// separate latest pointer moved under the table lock.
type submissionRepository struct {
	db *submissionTable
}

var _ submission.Repository = (*submissionRepository)(nil)

func NewSubmissionRepository(db *DB) submission.Repository {
	return &submissionRepository{db: db.submission}
}

func copySubmission(sub submission.Submission) submission.Submission {
	content := make(submission.Content, len(sub.Content))
	for k, v := range sub.Content {
		content[k] = v
	}
	sub.Content = content
	return sub
}

// read returns a copy of the stored attempt with its latest flag derived from the pointer.
// The caller holds the lock.
func (repo *submissionRepository) read(key authorKey, attempt int) submission.Submission {
	arena := repo.db.attempts[key]
	sub := copySubmission(*arena[attempt])
	sub.Latest = attempt == len(arena)-1
	return sub
}

func (repo *submissionRepository) GetLatest(_ context.Context, activityID int64, author submission.Author) (submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	key := authorKey{activityID, author}
	arena := repo.db.attempts[key]
	if len(arena) == 0 {
		return submission.Submission{}, errors.Wrapf(core.ErrNotFound, "submission of %s", author)
	}
	return repo.read(key, len(arena)-1), nil
}

func (repo *submissionRepository) GetAttempt(_ context.Context, activityID int64, author submission.Author, attempt int) (submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	key := authorKey{activityID, author}
	if attempt < 0 || attempt >= len(repo.db.attempts[key]) {
		return submission.Submission{}, errors.Wrapf(core.ErrNotFound, "attempt %d of %s", attempt, author)
	}
	return repo.read(key, attempt), nil
}

func (repo *submissionRepository) QueryAttempts(_ context.Context, activityID int64, author submission.Author) ([]submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	key := authorKey{activityID, author}
	subs := make([]submission.Submission, 0, len(repo.db.attempts[key]))
	for i := range repo.db.attempts[key] {
		subs = append(subs, repo.read(key, i))
	}
	return subs, nil
}

func (repo *submissionRepository) QueryLatest(_ context.Context, activityID int64) ([]submission.Submission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	subs := make([]submission.Submission, 0)
	for key, arena := range repo.db.attempts {
		if key.activityID == activityID && len(arena) > 0 {
			subs = append(subs, repo.read(key, len(arena)-1))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (repo *submissionRepository) CreateSubmission(_ context.Context, sub submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := authorKey{sub.ActivityID, sub.Author}
	if len(repo.db.attempts[key]) > 0 {
		return submission.Submission{}, errors.Errorf("submission of %s already exists", sub.Author)
	}
	repo.db.pkCount++
	sub.ID = repo.db.pkCount
	sub.Attempt = 0
	sub = copySubmission(sub)
	repo.db.attempts[key] = []*submission.Submission{&sub}
	return repo.read(key, 0), nil
}

func (repo *submissionRepository) UpdateSubmission(_ context.Context, sub submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := authorKey{sub.ActivityID, sub.Author}
	arena := repo.db.attempts[key]
	if sub.Attempt < 0 || sub.Attempt >= len(arena) {
		return submission.Submission{}, errors.Wrapf(core.ErrNotFound, "attempt %d of %s", sub.Attempt, sub.Author)
	}
	sub.ID = arena[sub.Attempt].ID
	sub = copySubmission(sub)
	arena[sub.Attempt] = &sub
	return repo.read(key, sub.Attempt), nil
}

func (repo *submissionRepository) CreateAttempt(_ context.Context, prev, next submission.Submission) (submission.Submission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := authorKey{prev.ActivityID, prev.Author}
	arena := repo.db.attempts[key]
	if len(arena)-1 != prev.Attempt || next.Attempt != prev.Attempt+1 {
		return submission.Submission{}, errors.Wrapf(core.ErrInvalidTransition, "attempt %d of %s is no longer the latest", prev.Attempt, prev.Author)
	}
	repo.db.pkCount++
	next.ID = repo.db.pkCount
	next = copySubmission(next)
	repo.db.attempts[key] = append(arena, &next)
	return repo.read(key, next.Attempt), nil
}

func (repo *submissionRepository) SetReady(_ context.Context, flag submission.ReadyFlag) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := readyKey{flag.ActivityID, flag.GroupID, flag.Attempt}
	if repo.db.ready[key] == nil {
		repo.db.ready[key] = make(map[int64]submission.ReadyFlag)
	}
	if _, ok := repo.db.ready[key][flag.UserID]; !ok {
		repo.db.ready[key][flag.UserID] = flag
	}
	return nil
}

func (repo *submissionRepository) ClearReady(_ context.Context, activityID, groupID int64, attempt int) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	delete(repo.db.ready, readyKey{activityID, groupID, attempt})
	return nil
}

func (repo *submissionRepository) QueryReady(_ context.Context, activityID, groupID int64, attempt int) ([]submission.ReadyFlag, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	flags := make([]submission.ReadyFlag, 0)
	for _, f := range repo.db.ready[readyKey{activityID, groupID, attempt}] {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].UserID < flags[j].UserID })
	return flags, nil
}
