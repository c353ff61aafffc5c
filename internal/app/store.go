package app

import "context"

// SessionStore holds live sessions. GetOrCreate runs load at most once per
// missing id, even under concurrent first touches.
type SessionStore interface {
	GetOrCreateQuiz(ctx context.Context, quizID string, load func(ctx context.Context) (*QuizSession, error)) (*QuizSession, error)
	Quiz(quizID string) (*QuizSession, bool)
	DeleteQuiz(quizID string)
	QuizIDs() []string

	GetOrCreateTournament(ctx context.Context, code string, load func(ctx context.Context) (*TournamentSession, error)) (*TournamentSession, error)
	Tournament(code string) (*TournamentSession, bool)
	DeleteTournament(code string)
	TournamentCodes() []string
}
