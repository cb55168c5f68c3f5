package submission

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core/activity"
)

type Status int

const (
	StatusNew Status = iota
	StatusDraft
	StatusSubmitted
	StatusReopened
)

var statusNames = map[Status]string{
	StatusNew:       "new",
	StatusDraft:     "draft",
	StatusSubmitted: "submitted",
	StatusReopened:  "reopened",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusNew, errors.Errorf("unknown submission status %q", name)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Author owns a submission: a user, or a group when Team is set.
type Author struct {
	UserID  int64 `json:"user_id,omitempty"`
	GroupID int64 `json:"group_id,omitempty"`
	Team    bool  `json:"team"`
}

func UserAuthor(userID int64) Author   { return Author{UserID: userID} }
func GroupAuthor(groupID int64) Author { return Author{GroupID: groupID, Team: true} }

func (a Author) String() string {
	if a.Team {
		return fmt.Sprintf("group:%d", a.GroupID)
	}
	return fmt.Sprintf("user:%d", a.UserID)
}

// Content maps a content-plugin type to what the author saved for it.
type Content map[string]string

// Clone deep copies the content.
func (c Content) Clone() (Content, error) {
	clone := make(Content, len(c))
	if len(c) == 0 {
		return clone, nil
	}
	if err := copier.CopyWithOption(&clone, c, copier.Option{DeepCopy: true}); err != nil {
		return nil, errors.Wrap(err, "copying content")
	}
	return clone, nil
}

type Submission struct {
	ID          int64     `json:"id"`
	ActivityID  int64     `json:"activity_id"`
	Author      Author    `json:"author"`
	Attempt     int       `json:"attempt"` // 0-based
	Status      Status    `json:"status"`
	Latest      bool      `json:"latest"`
	Content     Content   `json:"content"`
	SubmittedAt null.Time `json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

// ReadyFlag records one team member's intent to submit an attempt.
type ReadyFlag struct {
	ActivityID int64     `json:"activity_id"`
	GroupID    int64     `json:"group_id"`
	Attempt    int       `json:"attempt"`
	UserID     int64     `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReopenOptions controls how the next attempt starts.
type ReopenOptions struct {
	CopyContent bool `json:"copy_content"`
}

type SaveRequest struct {
	Content Content `json:"content"`
}

type SubmitRequest struct {
	AcceptStatement bool `json:"accept_statement"`
}

// authorKey identifies an author of an activity, for the keyed locks.
func authorKey(activityID int64, author Author) string {
	return fmt.Sprintf("%d/%s", activityID, author)
}

func isTeamAllMembers(act activity.Activity, author Author) bool {
	return author.Team && act.RequireAllTeamMembersSubmit && author.GroupID != activity.DefaultGroupID
}
