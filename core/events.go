package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// Workflow event actions.
const (
	EventSubmissionSaved     = "submission_saved"
	EventSubmissionSubmitted = "submission_submitted"
	EventSubmissionReverted  = "submission_reverted"
	EventSubmissionReopened  = "submission_reopened"
	EventSubmissionReady     = "submission_member_ready"
	EventSubmissionLocked    = "submission_locked"
	EventSubmissionUnlocked  = "submission_unlocked"
	EventGradeUpdated        = "grade_updated"
	EventWorkflowChanged     = "marking_workflow_changed"
	EventIdentitiesRevealed  = "identities_revealed"
	EventExtensionGranted    = "extension_granted"
)

// WorkflowEvent describes one state change for the notification/audit collaborator.
type WorkflowEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	ActivityID int64     `json:"activity_id"`
	UserID     int64     `json:"user_id,omitempty"`
	GroupID    int64     `json:"group_id,omitempty"`
	Team       bool      `json:"team,omitempty"`
	Attempt    int       `json:"attempt"`
	OldStatus  string    `json:"old_status,omitempty"`
	NewStatus  string    `json:"new_status,omitempty"`
	ActorID    int64     `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewWorkflowEvent(action string, activityID, actorID int64) WorkflowEvent {
	return WorkflowEvent{
		ID:         uuid.New().String(),
		Action:     action,
		ActivityID: activityID,
		ActorID:    actorID,
		OccurredAt: Now(),
	}
}

// EventSink accepts workflow events. Emit must not block the caller on delivery.
type EventSink interface {
	Emit(ctx context.Context, ev WorkflowEvent)
}

// EventSinks fans an event out to every sink.
type EventSinks []EventSink

func (sinks EventSinks) Emit(ctx context.Context, ev WorkflowEvent) {
	for _, s := range sinks {
		s.Emit(ctx, ev)
	}
}

// GradeUpdate is what crosses the gradebook publish boundary. A null Grade retracts a previous value.
type GradeUpdate struct {
	ActivityID int64        `json:"activity_id"`
	UserID     int64        `json:"user_id"`
	Attempt    int          `json:"attempt"`
	Grade      null.Float64 `json:"grade"`
}

// GradebookPublisher pushes released grades to the external gradebook.
type GradebookPublisher interface {
	Publish(ctx context.Context, upd GradeUpdate) error
}
