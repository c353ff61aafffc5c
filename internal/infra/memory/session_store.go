package memory

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/metrics"
)

// SessionStore is an in-memory implementation of app.SessionStore. Concurrent
// first touches of the same id share a single load.
type SessionStore struct {
	mu          sync.RWMutex
	quizzes     map[string]*app.QuizSession
	tournaments map[string]*app.TournamentSession

	quizLoads       singleflight.Group
	tournamentLoads singleflight.Group
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		quizzes:     make(map[string]*app.QuizSession),
		tournaments: make(map[string]*app.TournamentSession),
	}
}

func (s *SessionStore) GetOrCreateQuiz(ctx context.Context, quizID string, load func(ctx context.Context) (*app.QuizSession, error)) (*app.QuizSession, error) {
	if session, ok := s.Quiz(quizID); ok {
		return session, nil
	}
	result, err, _ := s.quizLoads.Do(quizID, func() (interface{}, error) {
		if session, ok := s.Quiz(quizID); ok {
			return session, nil
		}
		// The load outlives any single caller: waiters share its result.
		session, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.quizzes[quizID] = session
		n := len(s.quizzes)
		s.mu.Unlock()
		metrics.ActiveSessions.WithLabelValues("quiz").Set(float64(n))
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*app.QuizSession), nil
}

func (s *SessionStore) Quiz(quizID string) (*app.QuizSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.quizzes[quizID]
	return session, ok
}

func (s *SessionStore) DeleteQuiz(quizID string) {
	s.mu.Lock()
	delete(s.quizzes, quizID)
	n := len(s.quizzes)
	s.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("quiz").Set(float64(n))
}

func (s *SessionStore) QuizIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.quizzes)
}

func (s *SessionStore) GetOrCreateTournament(ctx context.Context, code string, load func(ctx context.Context) (*app.TournamentSession, error)) (*app.TournamentSession, error) {
	if session, ok := s.Tournament(code); ok {
		return session, nil
	}
	result, err, _ := s.tournamentLoads.Do(code, func() (interface{}, error) {
		if session, ok := s.Tournament(code); ok {
			return session, nil
		}
		// The load outlives any single caller: waiters share its result.
		session, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tournaments[code] = session
		n := len(s.tournaments)
		s.mu.Unlock()
		metrics.ActiveSessions.WithLabelValues("tournament").Set(float64(n))
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*app.TournamentSession), nil
}

func (s *SessionStore) Tournament(code string) (*app.TournamentSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.tournaments[code]
	return session, ok
}

func (s *SessionStore) DeleteTournament(code string) {
	s.mu.Lock()
	delete(s.tournaments, code)
	n := len(s.tournaments)
	s.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("tournament").Set(float64(n))
}

func (s *SessionStore) TournamentCodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.tournaments)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
