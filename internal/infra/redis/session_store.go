package redis

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/infra/memory"
)

// SessionStore keeps live sessions in process and marks their liveness in
// Redis, so other instances and operators can see which quizzes and
// tournaments are running. Markers expire on their own if the process dies.
type SessionStore struct {
	*memory.SessionStore
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		SessionStore: memory.NewSessionStore(),
		client:       client,
		ttl:          ttl,
	}
}

func (s *SessionStore) GetOrCreateQuiz(ctx context.Context, quizID string, load func(ctx context.Context) (*app.QuizSession, error)) (*app.QuizSession, error) {
	session, err := s.SessionStore.GetOrCreateQuiz(ctx, quizID, load)
	if err != nil {
		return nil, err
	}
	s.mark(ctx, quizKey(quizID))
	return session, nil
}

func (s *SessionStore) DeleteQuiz(quizID string) {
	s.SessionStore.DeleteQuiz(quizID)
	s.unmark(quizKey(quizID))
}

func (s *SessionStore) GetOrCreateTournament(ctx context.Context, code string, load func(ctx context.Context) (*app.TournamentSession, error)) (*app.TournamentSession, error) {
	session, err := s.SessionStore.GetOrCreateTournament(ctx, code, load)
	if err != nil {
		return nil, err
	}
	s.mark(ctx, tournamentKey(code))
	return session, nil
}

func (s *SessionStore) DeleteTournament(code string) {
	s.SessionStore.DeleteTournament(code)
	s.unmark(tournamentKey(code))
}

// Refresh extends the liveness markers of every session still held.
func (s *SessionStore) Refresh(ctx context.Context) error {
	pipe := s.client.Pipeline()
	for _, id := range s.QuizIDs() {
		pipe.Set(ctx, quizKey(id), "1", s.ttl)
	}
	for _, code := range s.TournamentCodes() {
		pipe.Set(ctx, tournamentKey(code), "1", s.ttl)
	}
	if pipe.Len() == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}

// best-effort liveness marker
func (s *SessionStore) mark(ctx context.Context, key string) {
	if err := s.client.Set(ctx, key, "1", s.ttl).Err(); err != nil {
		log.Printf("[redis:session] set %s: %v", key, err)
	}
}

func (s *SessionStore) unmark(key string) {
	if err := s.client.Del(context.Background(), key).Err(); err != nil {
		log.Printf("[redis:session] del %s: %v", key, err)
	}
}

func quizKey(quizID string) string {
	return "quiz:session:" + quizID
}

func tournamentKey(code string) string {
	return "tournament:session:" + code
}
