package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/trezcool/coursework/core"
)

// LogSink writes every workflow event to the logger.
type LogSink struct {
	logger core.Logger
}

var _ core.EventSink = (*LogSink)(nil)

func NewLogSink(logger core.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, ev core.WorkflowEvent) {
	s.logger.Info(fmt.Sprintf("workflow event: %s", ev.Action), map[string]interface{}{
		"id":         ev.ID,
		"activity":   ev.ActivityID,
		"user":       ev.UserID,
		"group":      ev.GroupID,
		"team":       ev.Team,
		"attempt":    ev.Attempt,
		"old_status": ev.OldStatus,
		"new_status": ev.NewStatus,
		"actor":      ev.ActorID,
	})
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []core.WorkflowEvent
}

var _ core.EventSink = (*Recorder)(nil)

func (r *Recorder) Emit(_ context.Context, ev core.WorkflowEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []core.WorkflowEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.WorkflowEvent(nil), r.events...)
}

// Actions returns the recorded event actions, in order.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		actions = append(actions, ev.Action)
	}
	return actions
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
