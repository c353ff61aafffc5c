package app

import (
	"sort"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

// Broadcaster delivers server events to rooms and sockets.
type Broadcaster interface {
	ToRoom(room, event string, payload any)
	ToSocket(socketID, event string, payload any)
	Join(socketID, room string)
	Leave(socketID, room string)
	RoomMembers(room string) []string
}

// Room names.
func DashboardRoom(quizID string) string  { return "dashboard_" + quizID }
func ProjectionRoom(quizID string) string { return "projection_" + quizID }
func LiveRoom(code string) string         { return "live_" + code }
func DifferedRoom(key string) string      { return "differed_" + key }
func LobbyRoom(code string) string        { return "lobby_" + code }

// Server to client events.
const (
	EvQuizState           = "quiz_state"
	EvQuizStateUpdate     = "quiz_state_update"
	EvQuizTimerUpdate     = "quiz_timer_update"
	EvQuizActionResponse  = "quiz_action_response"
	EvQuizConnectedCount  = "quiz_connected_count"
	EvQuizQuestionClosed  = "quiz_question_closed"
	EvQuizEnded           = "quiz_ended"
	EvProjectionQuestion  = "projection_question"
	EvLiveQuestion        = "live_question"
	EvAnswerResult        = "tournament_answer_result"
	EvAnswerReceived      = "tournament_answer_received"
	EvQuestionResults     = "tournament_question_results"
	EvScoreUpdate         = "tournament_score_update"
	EvQuestionStateUpdate = "tournament_question_state_update"
	EvTournamentSetTimer  = "tournament_set_timer"
	EvTournamentStarted   = "tournament_started"
	EvTournamentRedirect  = "tournament_redirect"
	EvTournamentFinished  = "tournament_finished"
	EvTournamentLobby     = "tournament_lobby"
	EvLobbyParticipants   = "lobby_participants"
	EvTournamentError     = "tournament_error"
)

// Tournament question states.
const (
	QuestionStateActive  = "active"
	QuestionStatePaused  = "paused"
	QuestionStateStopped = "stopped"
)

// PublicQuestion is a question stripped of every correctness marker.
type PublicQuestion struct {
	UID           string              `json:"uid"`
	Text          string              `json:"text"`
	Type          domain.QuestionType `json:"type"`
	AnswerOptions []string            `json:"answerOptions"`
}

// FilterQuestion projects a question for non-teacher channels.
func FilterQuestion(q domain.Question) PublicQuestion {
	opts := make([]string, 0, len(q.Answers))
	if q.Type != domain.QuestionNumeric {
		for _, a := range q.Answers {
			opts = append(opts, a.Text)
		}
	}
	return PublicQuestion{UID: q.UID, Text: q.Text, Type: q.Type, AnswerOptions: opts}
}

// TimerView is the wire shape of a timer at a given instant.
type TimerView struct {
	Status      timer.Status `json:"status"`
	TimeLeft    float64      `json:"timeLeft"`
	InitialTime float64      `json:"initialTime"`
}

func viewTimer(t timer.QuestionTimer, now time.Time) TimerView {
	return TimerView{Status: t.Status, TimeLeft: t.RemainingAt(now), InitialTime: t.InitialTime}
}

// QuizStateView is the dashboard snapshot of a quiz session.
type QuizStateView struct {
	QuizID               string               `json:"quizId"`
	Name                 string               `json:"name"`
	Questions            []domain.Question    `json:"questions"`
	CurrentQuestionUID   string               `json:"currentQuestionUid"`
	CurrentQuestionIndex int                  `json:"currentQuestionIdx"`
	CurrentQuestion      *domain.Question     `json:"currentQuestion"`
	Chrono               Chrono               `json:"chrono"`
	TimerStatus          timer.Status         `json:"timerStatus"`
	TimerQuestionUID     string               `json:"timerQuestionUid"`
	TimerTimeLeft        float64              `json:"timerTimeLeft"`
	Timers               map[string]TimerView `json:"questionTimers"`
	Locked               bool                 `json:"locked"`
	Ended                bool                 `json:"ended"`
	AskedQuestions       []string             `json:"askedQuestions"`
	TournamentCode       string               `json:"tournamentCode,omitempty"`
	ConnectedSockets     int                  `json:"connectedSockets"`
}

// PatchQuizState projects a session for broadcast without mutating it. A
// playing timer on another question than the current one wins, and the live
// remaining time is recomputed at now. Callers hold s.mu.
func PatchQuizState(s *QuizSession, now time.Time) QuizStateView {
	v := QuizStateView{
		QuizID:               s.ID,
		Name:                 s.Name,
		Questions:            s.Questions,
		CurrentQuestionUID:   s.CurrentQuestionUID,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Chrono:               s.Chrono,
		TimerStatus:          s.TimerStatus,
		TimerQuestionUID:     s.TimerQuestionUID,
		TimerTimeLeft:        s.TimerTimeLeft,
		Timers:               make(map[string]TimerView, len(s.Timers)),
		Locked:               s.Locked,
		Ended:                s.Ended,
		AskedQuestions:       make([]string, 0, len(s.Asked)),
		TournamentCode:       s.TournamentCode,
		ConnectedSockets:     len(s.Sockets),
	}
	for uid, t := range s.Timers {
		v.Timers[uid] = viewTimer(*t, now)
	}
	for uid := range s.Asked {
		v.AskedQuestions = append(v.AskedQuestions, uid)
	}
	sort.Strings(v.AskedQuestions)

	if v.TimerQuestionUID != "" {
		if t, ok := s.Timers[v.TimerQuestionUID]; ok && t.Status == timer.Play && v.CurrentQuestionUID != v.TimerQuestionUID {
			v.CurrentQuestionUID = v.TimerQuestionUID
		}
		if t, ok := s.Timers[v.TimerQuestionUID]; ok {
			v.TimerTimeLeft = t.RemainingAt(now)
			v.Chrono.TimeLeft = v.TimerTimeLeft
		}
	}

	idx := -1
	if v.CurrentQuestionUID != "" {
		idx = s.questionIndex(v.CurrentQuestionUID)
	} else if v.CurrentQuestionIndex >= 0 && v.CurrentQuestionIndex < len(s.Questions) {
		idx = v.CurrentQuestionIndex
	}
	if idx >= 0 {
		q := s.Questions[idx]
		v.CurrentQuestion = &q
		v.CurrentQuestionIndex = idx
	}
	return v
}

// QuizTimerUpdate is the payload of EvQuizTimerUpdate.
type QuizTimerUpdate struct {
	QuizID     string       `json:"quizId"`
	Status     timer.Status `json:"status"`
	QuestionID string       `json:"questionId"`
	TimeLeft   float64      `json:"timeLeft"`
}

// ProjectionPayload is what the classroom display shows.
type ProjectionPayload struct {
	QuizID   string          `json:"quizId"`
	Question *PublicQuestion `json:"question"`
	Timer    *TimerView      `json:"timer,omitempty"`
	Locked   bool            `json:"locked"`
}

func projectionPayload(s *QuizSession, now time.Time) ProjectionPayload {
	v := PatchQuizState(s, now)
	p := ProjectionPayload{QuizID: s.ID, Locked: s.Locked}
	if v.CurrentQuestion != nil {
		q := FilterQuestion(*v.CurrentQuestion)
		p.Question = &q
		if t, ok := v.Timers[v.CurrentQuestion.UID]; ok {
			p.Timer = &t
		}
	}
	return p
}

// ActionResponse acknowledges a teacher action.
type ActionResponse struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// LiveQuestion is the payload of EvLiveQuestion.
type LiveQuestion struct {
	Code           string         `json:"code"`
	Question       PublicQuestion `json:"question"`
	Timer          float64        `json:"timer"`
	QuestionIndex  int            `json:"questionIndex"`
	TotalQuestions int            `json:"totalQuestions"`
	QuestionState  string         `json:"questionState"`
}

// AnswerAck is the payload of EvAnswerResult.
type AnswerAck struct {
	QuestionUID string `json:"questionUid"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// Answer acknowledgement statuses.
const (
	AnswerRegistered = "registered"
	AnswerUpdated    = "updated"
	AnswerRejected   = "rejected"
)

// QuestionResults is the payload of EvQuestionResults.
type QuestionResults struct {
	QuestionUID    string                    `json:"questionUid"`
	CorrectAnswers []string                  `json:"correctAnswers"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard"`
}

// ScoreUpdate is the private payload of EvScoreUpdate.
type ScoreUpdate struct {
	QuestionUID string  `json:"questionUid"`
	Score       float64 `json:"questionScore"`
	TotalScore  float64 `json:"totalScore"`
	Rank        int     `json:"rank"`
	Correct     bool    `json:"correct"`
}

// QuestionStateUpdate is the payload of EvQuestionStateUpdate.
type QuestionStateUpdate struct {
	QuestionState string  `json:"questionState"`
	RemainingTime float64 `json:"remainingTime"`
}

// TournamentFinished is the payload of EvTournamentFinished.
type TournamentFinished struct {
	Code        string                    `json:"code"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
}

// ErrorPayload carries a typed reason to a client.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func errorPayload(err error) ErrorPayload {
	return ErrorPayload{Reason: domain.ReasonOf(err), Message: err.Error()}
}

// ConnectedCount returns how many distinct non-teacher sockets sit in the
// tournament rooms of code.
func ConnectedCount(b Broadcaster, code, teacherSocketID string) int {
	seen := make(map[string]struct{})
	for _, room := range []string{LiveRoom(code), LobbyRoom(code)} {
		for _, id := range b.RoomMembers(room) {
			if id != teacherSocketID {
				seen[id] = struct{}{}
			}
		}
	}
	return len(seen)
}
