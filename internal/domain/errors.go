package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a live session has not been initialized.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when a socket acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in tournament")
	// ErrQuizNotFound indicates the quiz row could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrTournamentNotFound indicates the tournament row could not be loaded.
	ErrTournamentNotFound = errors.New("tournament not found")
	// ErrQuestionNotFound indicates a question uid is not part of the session.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrPlayerNotFound indicates the player row could not be loaded.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrNoQuestions is returned when a tournament has nothing to ask.
	ErrNoQuestions = errors.New("no questions")
	// ErrNotAuthorized is returned when the caller does not own the session.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrAlreadyStarted is returned when a tournament is started twice.
	ErrAlreadyStarted = errors.New("tournament already started")
	// ErrSessionEnded is returned for actions on an ended quiz.
	ErrSessionEnded = errors.New("session ended")
	// ErrInvalidTimerAction is returned for unknown timer statuses.
	ErrInvalidTimerAction = errors.New("invalid timer action")
)

// Rejection reasons sent back to clients.
const (
	ReasonNotFound      = "not_found"
	ReasonNotJoined     = "not_joined"
	ReasonWrongQuestion = "wrong_question"
	ReasonStopped       = "stopped"
	ReasonLateServer    = "late_server"
	ReasonLateClient    = "late_client"
	ReasonUnauthorized  = "unauthorized"
	ReasonInvalid       = "invalid"
)

// Rejection is a typed refusal; the session is left untouched.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("rejected (%s): %v", r.Reason, r.Err)
	}
	return "rejected: " + r.Reason
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Reject builds a Rejection wrapping err.
func Reject(reason string, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason carried by err. Errors that are not
// rejections are classified from the sentinel they wrap.
func ReasonOf(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrParticipantNotFound):
		return ReasonNotJoined
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrQuizNotFound),
		errors.Is(err, ErrTournamentNotFound), errors.Is(err, ErrQuestionNotFound):
		return ReasonNotFound
	default:
		return ReasonInvalid
	}
}
