package marking

import (
	"context"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/coursework/core"
	"github.com/trezcool/coursework/core/activity"
	"github.com/trezcool/coursework/core/submission"
)

// ReopenPolicy decides whether a released grade starts a new attempt.
type ReopenPolicy struct {
	submissions *submission.Service
	logger      core.Logger
}

func NewReopenPolicy(submissions *submission.Service, logger core.Logger) *ReopenPolicy {
	return &ReopenPolicy{submissions: submissions, logger: logger}
}

// ShouldAutoReopen is true for UntilPass activities whose released grade is below the pass grade.
// Without a pass grade, or without a grade, nothing reopens.
func ShouldAutoReopen(act activity.Activity, value null.Float64) bool {
	return act.ReopenMethod == activity.ReopenUntilPass &&
		act.PassGrade.Valid &&
		value.Valid &&
		value.Float64 < act.PassGrade.Float64
}

// AfterRelease reopens the graded attempt when the policy asks for it. Reaching the maximum attempts,
// or a graded attempt that is no longer the latest Submitted one, is an expected outcome: it returns
// false without error.
func (p *ReopenPolicy) AfterRelease(ctx context.Context, actorID int64, act activity.Activity, g Grade) (bool, error) {
	if !ShouldAutoReopen(act, g.Value) {
		return false, nil
	}

	author, err := p.submissions.AuthorFor(ctx, act, g.UserID)
	if errors.Is(err, core.ErrNotInGroup) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	latest, err := p.submissions.Latest(ctx, act.ID, author)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if latest.Attempt != g.Attempt || latest.Status != submission.StatusSubmitted {
		return false, nil
	}

	logData := map[string]interface{}{
		"activity": act.ID,
		"author":   author.String(),
		"attempt":  latest.Attempt,
		"grade":    g.Value.Float64,
	}
	if act.AttemptsExhausted(latest.Attempt) {
		p.logger.Info("auto reopen suppressed: maximum attempts reached", logData)
		return false, nil
	}

	_, err = p.submissions.ReopenAttempt(ctx, actorID, act, author, submission.ReopenOptions{CopyContent: true})
	switch {
	case err == nil:
		p.logger.Info("auto reopened below pass grade", logData)
		return true, nil
	case errors.Is(err, core.ErrMaxAttempts), errors.Is(err, core.ErrInvalidTransition):
		// lost a race with another reopen
		return false, nil
	}
	return false, errors.Wrap(err, "auto reopening")
}
