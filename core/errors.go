package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Engine errors. Callers compare with errors.Is; they are always returned wrapped with context.
var (
	ErrNotFound          = errors.New("not found")
	ErrContentRequired   = errors.New("submission has no content")
	ErrWindowClosed      = errors.New("submissions are not open")
	ErrStatementRequired = errors.New("the submission statement must be accepted")
	ErrLocked            = errors.New("submission changes are locked")
	ErrMaxAttempts       = errors.New("maximum number of attempts reached")
	ErrNotInGroup        = errors.New("user is not a member of any group")
	ErrStaleGrade        = errors.New("record modified, please retry")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrCapabilityDenied  = errors.New("permission denied")
	ErrReopenDisabled    = errors.New("additional attempts are not allowed")
)

// StaleGradeError reports a grade write whose (attempt, last-modified) pair no longer matches storage.
type StaleGradeError struct {
	UserID  int64
	Attempt int
}

func NewStaleGradeError(userID int64, attempt int) error {
	return &StaleGradeError{UserID: userID, Attempt: attempt}
}

func (err *StaleGradeError) Error() string {
	return fmt.Sprintf("grade for user %d (attempt %d): %v", err.UserID, err.Attempt, ErrStaleGrade)
}

func (err *StaleGradeError) Is(target error) bool { return target == ErrStaleGrade }

// TransitionError reports a state change that the state machine does not allow.
type TransitionError struct {
	From string
	To   string
}

func NewTransitionError(from, to fmt.Stringer) error {
	return &TransitionError{From: from.String(), To: to.String()}
}

func (err *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, err.From, err.To)
}

func (err *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		if len(err.Fields) > 0 {
			return err.Fields[0].Field + ": " + err.Fields[0].Error
		}
		return ""
	}
	return err.Err.Error()
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
