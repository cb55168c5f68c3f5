package gradebook

import (
	"context"
	"fmt"
	"sync"

	"github.com/trezcool/coursework/core"
)

// LogPublisher writes grade updates to the logger; used when no gradebook is configured.
type LogPublisher struct {
	logger core.Logger
}

var _ core.GradebookPublisher = (*LogPublisher)(nil)

func NewLogPublisher(logger core.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, upd core.GradeUpdate) error {
	grade := "retracted"
	if upd.Grade.Valid {
		grade = fmt.Sprintf("%g", upd.Grade.Float64)
	}
	p.logger.Info(fmt.Sprintf("gradebook publish: %s", grade), map[string]interface{}{
		"activity": upd.ActivityID,
		"user":     upd.UserID,
		"attempt":  upd.Attempt,
	})
	return nil
}

// Recorder keeps published updates in memory. Err, when set, is returned by every Publish.
type Recorder struct {
	mu      sync.Mutex
	updates []core.GradeUpdate
	Err     error
}

var _ core.GradebookPublisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, upd core.GradeUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.updates = append(r.updates, upd)
	return nil
}

func (r *Recorder) Updates() []core.GradeUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.GradeUpdate(nil), r.updates...)
}

// For returns the updates published for one user.
func (r *Recorder) For(activityID, userID int64) []core.GradeUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var upds []core.GradeUpdate
	for _, u := range r.updates {
		if u.ActivityID == activityID && u.UserID == userID {
			upds = append(upds, u)
		}
	}
	return upds
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.updates = nil
	r.mu.Unlock()
}
