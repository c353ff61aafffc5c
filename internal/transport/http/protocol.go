package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"live-quiz-service/internal/domain"
)

// Client to server events.
const (
	EvJoinQuiz          = "join_quiz"
	EvGetQuizState      = "get_quiz_state"
	EvQuizSetQuestion   = "quiz_set_question"
	EvQuizLock          = "quiz_lock"
	EvQuizUnlock        = "quiz_unlock"
	EvQuizPause         = "quiz_pause"
	EvQuizResume        = "quiz_resume"
	EvQuizTimerAction   = "quiz_timer_action"
	EvQuizSetTimer      = "quiz_set_timer"
	EvQuizCloseQuestion = "quiz_close_question"
	EvQuizEnd           = "quiz_end"
	EvStartTournament   = "start_tournament"
	EvJoinTournament    = "join_tournament"
	EvJoinLobby         = "join_lobby"
	EvGetLobby          = "get_lobby_participants"
	EvTournamentAnswer  = "tournament_answer"
	EvTournamentPause   = "tournament_pause"
	EvTournamentResume  = "tournament_resume"
	EvTournamentNext    = "tournament_next"
)

const (
	evConnected = "connected"
	evError     = "error"

	maxIdentifierLength  = 128
	maxSubmissionOptions = 32
)

var errInvalidPayload = errors.New("invalid payload")

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// request is implemented by every inbound payload.
type request interface {
	validate() error
}

func decode(raw json.RawMessage, req request) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, req); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if err := req.validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(v) > maxIdentifierLength {
		return fmt.Errorf("%s is too long", field)
	}
	return nil
}

type joinQuizRequest struct {
	QuizID    string `json:"quizId"`
	Role      string `json:"role"`
	TeacherID string `json:"teacherId"`
}

func (r *joinQuizRequest) validate() error {
	return required("quizId", r.QuizID)
}

type quizRequest struct {
	QuizID    string `json:"quizId"`
	TeacherID string `json:"teacherId"`
}

func (r *quizRequest) validate() error {
	if err := required("quizId", r.QuizID); err != nil {
		return err
	}
	return required("teacherId", r.TeacherID)
}

type quizStateRequest struct {
	QuizID string `json:"quizId"`
}

func (r *quizStateRequest) validate() error {
	return required("quizId", r.QuizID)
}

type setQuestionRequest struct {
	quizRequest
	QuestionUID string `json:"questionUid"`
	QuestionIdx *int   `json:"questionIdx"`
}

func (r *setQuestionRequest) validate() error {
	if err := r.quizRequest.validate(); err != nil {
		return err
	}
	if r.QuestionUID == "" && r.QuestionIdx == nil {
		return errors.New("questionUid or questionIdx is required")
	}
	return nil
}

type timerActionRequest struct {
	quizRequest
	Status      string   `json:"status"`
	QuestionUID string   `json:"questionUid"`
	TimeLeft    *float64 `json:"timeLeft"`
}

func (r *timerActionRequest) validate() error {
	if err := r.quizRequest.validate(); err != nil {
		return err
	}
	if r.TimeLeft != nil && *r.TimeLeft < 0 {
		return errors.New("timeLeft must not be negative")
	}
	return nil
}

type setTimerRequest struct {
	quizRequest
	QuestionUID string  `json:"questionUid"`
	TimeLeft    float64 `json:"timeLeft"`
}

func (r *setTimerRequest) validate() error {
	if err := r.quizRequest.validate(); err != nil {
		return err
	}
	if r.TimeLeft < 0 {
		return errors.New("timeLeft must not be negative")
	}
	return nil
}

type closeQuestionRequest struct {
	quizRequest
	QuestionUID string `json:"questionUid"`
}

type endQuizRequest struct {
	quizRequest
	Force bool `json:"forceEnd"`
}

type codeRequest struct {
	Code string `json:"code"`
}

func (r *codeRequest) validate() error {
	return required("code", r.Code)
}

type joinTournamentRequest struct {
	Code     string `json:"code"`
	CookieID string `json:"cookieId"`
	Pseudo   string `json:"pseudo"`
	Avatar   string `json:"avatar"`
	Differed bool   `json:"differed"`
}

func (r *joinTournamentRequest) validate() error {
	if err := required("code", r.Code); err != nil {
		return err
	}
	if len(r.CookieID) > maxIdentifierLength || len(r.Pseudo) > maxIdentifierLength {
		return errors.New("identity fields are too long")
	}
	return nil
}

type answerRequest struct {
	Code            string          `json:"code"`
	QuestionUID     string          `json:"questionUid"`
	AnswerIdx       json.RawMessage `json:"answerIdx"`
	Value           string          `json:"value"`
	ClientTimestamp int64           `json:"clientTimestamp"`

	indices []int
}

// validate accepts answerIdx as a single index or a list of indices.
func (r *answerRequest) validate() error {
	if err := required("code", r.Code); err != nil {
		return err
	}
	if err := required("questionUid", r.QuestionUID); err != nil {
		return err
	}
	r.indices = nil
	if len(r.AnswerIdx) > 0 && string(r.AnswerIdx) != "null" {
		var one int
		if err := json.Unmarshal(r.AnswerIdx, &one); err == nil {
			r.indices = []int{one}
		} else if err := json.Unmarshal(r.AnswerIdx, &r.indices); err != nil {
			return errors.New("answerIdx must be an index or a list of indices")
		}
	}
	if len(r.indices) > maxSubmissionOptions {
		return errors.New("too many selected options")
	}
	for _, idx := range r.indices {
		if idx < 0 {
			return errors.New("answerIdx must not be negative")
		}
	}
	if r.ClientTimestamp < 0 {
		return errors.New("clientTimestamp must not be negative")
	}
	return nil
}

func (r *answerRequest) submission() domain.Submission {
	return domain.Submission{Indices: r.indices, Value: r.Value}
}
