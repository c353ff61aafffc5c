package app

import (
	"context"

	"live-quiz-service/internal/domain"
)

// Gateway is the persistence boundary consumed by both engines.
type Gateway interface {
	FindQuizByID(ctx context.Context, quizID string) (domain.Quiz, error)
	FindQuizByTournamentCode(ctx context.Context, code string) (domain.Quiz, error)
	// FindQuestionsByUIDs returns the known questions; order is unspecified.
	FindQuestionsByUIDs(ctx context.Context, uids []string) ([]domain.Question, error)
	FindTournamentByCode(ctx context.Context, code string) (domain.Tournament, error)
	UpsertPlayer(ctx context.Context, cookieID, name, avatar string) (domain.Player, error)
	UpsertScore(ctx context.Context, tournamentID, participantID string, score float64) error
	UpdateTournamentStatus(ctx context.Context, code string, update domain.TournamentUpdate) error
}

// Domain event types published on the event bus.
const (
	EventTournamentStarted  = "tournament.started"
	EventTournamentFinished = "tournament.finished"
	EventQuizEnded          = "quiz.ended"
)

// EventPublisher ships domain events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }
