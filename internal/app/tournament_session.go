package app

import (
	"strings"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

// TournamentSettings tune question pacing.
type TournamentSettings struct {
	// TimerSeconds overrides every question's own duration when positive.
	TimerSeconds float64
	AutoProgress bool
}

// TournamentSession is the live state of a tournament, keyed by access code
// (or code_<participantId> for differed replays). Guarded by mu.
type TournamentSession struct {
	mu sync.Mutex

	Key          string
	Code         string
	TournamentID string
	Differed     bool
	LinkedQuizID string
	Settings     TournamentSettings

	Questions          []domain.Question
	CurrentIndex       int
	CurrentQuestionUID string
	QuestionStart      time.Time
	Timers             map[string]*timer.QuestionTimer
	Asked              map[string]struct{}
	Closed             map[string]struct{}

	Paused  bool
	Stopped bool
	// announce is set while a linked question waits for its first play.
	announce bool
	// released is set once the session finished; the store entry goes when
	// the lock is dropped.
	released bool

	participants        map[string]*domain.Participant
	order               []string
	socketToParticipant map[string]string
	participantToSocket map[string]string

	expiry expiry
}

func newTournamentSession(key string, t domain.Tournament, questions []domain.Question, settings TournamentSettings) *TournamentSession {
	return &TournamentSession{
		Key:                 key,
		Code:                t.Code,
		TournamentID:        t.ID,
		Differed:            key != t.Code,
		Settings:            settings,
		Questions:           questions,
		CurrentIndex:        -1,
		Timers:              make(map[string]*timer.QuestionTimer, len(questions)),
		Asked:               make(map[string]struct{}),
		Closed:              make(map[string]struct{}),
		participants:        make(map[string]*domain.Participant),
		socketToParticipant: make(map[string]string),
		participantToSocket: make(map[string]string),
	}
}

// DifferedKey is the session key of a participant's replay of code.
func DifferedKey(code, participantID string) string {
	return code + "_" + participantID
}

// isDifferedKeyOf reports whether key is a replay session of code.
func isDifferedKeyOf(key, code string) bool {
	return strings.HasPrefix(key, code+"_")
}

// room is the broadcast room of the session's participants.
func (s *TournamentSession) room() string {
	if s.Differed {
		return DifferedRoom(s.Key)
	}
	return LiveRoom(s.Code)
}

func (s *TournamentSession) questionIndex(uid string) int {
	for i, q := range s.Questions {
		if q.UID == uid {
			return i
		}
	}
	return -1
}

func (s *TournamentSession) currentQuestion() (domain.Question, bool) {
	idx := s.questionIndex(s.CurrentQuestionUID)
	if idx < 0 {
		return domain.Question{}, false
	}
	return s.Questions[idx], true
}

func (s *TournamentSession) allottedSeconds(q domain.Question) float64 {
	if s.Settings.TimerSeconds > 0 {
		return s.Settings.TimerSeconds
	}
	return q.TimeLimit()
}

// windowSeconds is the answering time of q. A linked tournament follows its
// quiz, whose teacher may have edited the duration.
func (s *TournamentSession) windowSeconds(q domain.Question) float64 {
	if s.LinkedQuizID != "" {
		if t, ok := s.Timers[q.UID]; ok {
			return t.InitialTime
		}
	}
	return s.allottedSeconds(q)
}

func (s *TournamentSession) timerFor(uid string) *timer.QuestionTimer {
	t, ok := s.Timers[uid]
	if !ok {
		seconds := float64(domain.DefaultQuestionSeconds)
		if idx := s.questionIndex(uid); idx >= 0 {
			seconds = s.allottedSeconds(s.Questions[idx])
		}
		t = timer.New(seconds)
		s.Timers[uid] = t
	}
	return t
}

// rebaseStart moves QuestionStart so that now minus QuestionStart equals the
// time already consumed on the current question.
func (s *TournamentSession) rebaseStart(now time.Time) {
	t := s.timerFor(s.CurrentQuestionUID)
	consumed := t.InitialTime - t.RemainingAt(now)
	if consumed < 0 {
		consumed = 0
	}
	s.QuestionStart = now.Add(-time.Duration(consumed * float64(time.Second)))
}

// addParticipant registers id or remaps its socket. It returns the participant
// and whether it was new.
func (s *TournamentSession) addParticipant(id, name, avatar, socketID string, now time.Time) (*domain.Participant, bool) {
	p, ok := s.participants[id]
	if ok {
		if name != "" {
			p.DisplayName = name
		}
		if avatar != "" {
			p.Avatar = avatar
		}
	} else {
		p = &domain.Participant{
			ID:          id,
			DisplayName: name,
			Avatar:      avatar,
			Answers:     make(map[string]*domain.Answer),
			JoinedAt:    now,
		}
		s.participants[id] = p
		s.order = append(s.order, id)
	}
	if old, ok := s.participantToSocket[id]; ok && old != socketID {
		delete(s.socketToParticipant, old)
	}
	s.socketToParticipant[socketID] = id
	s.participantToSocket[id] = socketID
	return p, !ok
}

func (s *TournamentSession) participantBySocket(socketID string) (*domain.Participant, bool) {
	id, ok := s.socketToParticipant[socketID]
	if !ok {
		return nil, false
	}
	p, ok := s.participants[id]
	return p, ok
}

// dropSocket forgets a socket mapping; the participant stays.
func (s *TournamentSession) dropSocket(socketID string) bool {
	id, ok := s.socketToParticipant[socketID]
	if !ok {
		return false
	}
	delete(s.socketToParticipant, socketID)
	if s.participantToSocket[id] == socketID {
		delete(s.participantToSocket, id)
	}
	return true
}

// Participants returns participants in join order.
func (s *TournamentSession) Participants() []*domain.Participant {
	out := make([]*domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.participants[id])
	}
	return out
}

// nextUnasked returns the index of the first question after the current one
// that has not been asked yet.
func (s *TournamentSession) nextUnasked() int {
	for i := s.CurrentIndex + 1; i < len(s.Questions); i++ {
		if _, asked := s.Asked[s.Questions[i].UID]; !asked {
			return i
		}
	}
	return -1
}

func (s *TournamentSession) questionState() string {
	switch {
	case s.Stopped:
		return QuestionStateStopped
	case s.Paused:
		return QuestionStatePaused
	default:
		if t, ok := s.Timers[s.CurrentQuestionUID]; ok && t.Status == timer.Stop {
			return QuestionStateStopped
		}
		return QuestionStateActive
	}
}
