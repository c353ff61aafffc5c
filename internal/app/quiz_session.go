package app

import (
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

// Chrono is the dashboard's convenience copy of the active question timer.
type Chrono struct {
	TimeLeft float64 `json:"timeLeft"`
	Running  bool    `json:"running"`
}

// QuizSession is the live state of a teacher-paced quiz. Every field is
// guarded by mu; engines hold it for the whole read-modify-write of an event.
type QuizSession struct {
	mu sync.Mutex

	ID             string
	Name           string
	OwnerID        string
	Questions      []domain.Question
	TournamentCode string

	CurrentQuestionUID   string
	CurrentQuestionIndex int
	Timers               map[string]*timer.QuestionTimer
	TimerQuestionUID     string
	TimerStatus          timer.Status
	TimerTimeLeft        float64
	Chrono               Chrono

	Locked bool
	Ended  bool
	Asked  map[string]struct{}

	ProfSocketID  string
	ProfTeacherID string
	Sockets       map[string]struct{}

	lastActivity time.Time
	countdown    expiry
}

// newQuizSession builds a session with one stopped timer per question.
func newQuizSession(quiz domain.Quiz, questions []domain.Question, now time.Time) *QuizSession {
	s := &QuizSession{
		ID:                   quiz.ID,
		Name:                 quiz.Name,
		OwnerID:              quiz.TeacherID,
		Questions:            questions,
		TournamentCode:       quiz.TournamentCode,
		CurrentQuestionIndex: -1,
		Timers:               make(map[string]*timer.QuestionTimer, len(questions)),
		TimerStatus:          timer.Stop,
		Asked:                make(map[string]struct{}),
		Sockets:              make(map[string]struct{}),
		lastActivity:         now,
	}
	for _, q := range questions {
		s.Timers[q.UID] = timer.New(q.TimeLimit())
	}
	return s
}

func (s *QuizSession) questionIndex(uid string) int {
	for i, q := range s.Questions {
		if q.UID == uid {
			return i
		}
	}
	return -1
}

// timerFor returns the question's timer, creating it for questions that never
// had one.
func (s *QuizSession) timerFor(uid string) *timer.QuestionTimer {
	t, ok := s.Timers[uid]
	if !ok {
		seconds := float64(domain.DefaultQuestionSeconds)
		if idx := s.questionIndex(uid); idx >= 0 {
			seconds = s.Questions[idx].TimeLimit()
		}
		t = timer.New(seconds)
		s.Timers[uid] = t
	}
	return t
}

// mirrorTimer copies a question timer onto the session-level fields.
func (s *QuizSession) mirrorTimer(uid string, now time.Time) {
	t := s.timerFor(uid)
	s.TimerQuestionUID = uid
	s.TimerStatus = t.Status
	s.TimerTimeLeft = t.RemainingAt(now)
	s.Chrono = Chrono{TimeLeft: s.TimerTimeLeft, Running: t.Status == timer.Play}
}

func (s *QuizSession) authorized(teacherID string) bool {
	if teacherID == "" {
		return false
	}
	return teacherID == s.ProfTeacherID || teacherID == s.OwnerID
}

func (s *QuizSession) touch(now time.Time) {
	s.lastActivity = now
}

// Idle reports the last activity and whether the quiz has ended.
func (s *QuizSession) Idle() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.Ended
}
