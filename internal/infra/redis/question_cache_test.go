package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

func TestQuestionCacheCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	inner := &countingGateway{Gateway: memory.NewGateway()}
	inner.AddQuiz(sampleQuiz(), sampleQuestions()...)
	cache := NewQuestionCache(newClient(mr), inner, time.Minute)
	ctx := context.Background()

	if _, err := cache.FindQuizByID(ctx, "quiz-1"); err != nil {
		t.Fatalf("find quiz: %v", err)
	}
	quiz, err := cache.FindQuizByID(ctx, "quiz-1")
	if err != nil || quiz.TeacherID != "t1" {
		t.Fatalf("cached quiz: %+v %v", quiz, err)
	}
	if inner.quizzes != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", inner.quizzes)
	}

	questions, err := cache.FindQuestionsByUIDs(ctx, []string{"q1", "q2"})
	if err != nil || len(questions) != 2 {
		t.Fatalf("find questions: %v %v", questions, err)
	}
	questions, _ = cache.FindQuestionsByUIDs(ctx, []string{"q1", "q2"})
	if inner.questions != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", inner.questions)
	}
	for _, q := range questions {
		if q.UID == "q1" && !q.Answers[1].Correct {
			t.Fatalf("correctness lost in cache: %+v", q)
		}
	}
	if ttl := mr.TTL("question:q1"); ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestQuestionCacheLoadsOnlyMisses(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	inner := &countingGateway{Gateway: memory.NewGateway()}
	inner.AddQuiz(sampleQuiz(), sampleQuestions()...)
	cache := NewQuestionCache(newClient(mr), inner, time.Minute)
	ctx := context.Background()

	_, _ = cache.FindQuestionsByUIDs(ctx, []string{"q1"})
	questions, err := cache.FindQuestionsByUIDs(ctx, []string{"q1", "q2"})
	if err != nil || len(questions) != 2 {
		t.Fatalf("find questions: %v %v", questions, err)
	}
	if len(inner.requested) != 2 || inner.requested[1][0] != "q2" || len(inner.requested[1]) != 1 {
		t.Fatalf("expected only q2 to be loaded, got %v", inner.requested)
	}
}

type countingGateway struct {
	*memory.Gateway
	quizzes   int
	questions int
	requested [][]string
}

func (g *countingGateway) FindQuizByID(ctx context.Context, quizID string) (domain.Quiz, error) {
	g.quizzes++
	return g.Gateway.FindQuizByID(ctx, quizID)
}

func (g *countingGateway) FindQuestionsByUIDs(ctx context.Context, uids []string) ([]domain.Question, error) {
	g.questions++
	g.requested = append(g.requested, uids)
	return g.Gateway.FindQuestionsByUIDs(ctx, uids)
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{ID: "quiz-1", Name: "Additions", TeacherID: "t1", QuestionUIDs: []string{"q1", "q2"}}
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			UID:  "q1",
			Text: "What is 2 + 2?",
			Type: domain.QuestionSingle,
			Answers: []domain.AnswerOption{
				{Text: "3"},
				{Text: "4", Correct: true},
			},
			TimeSeconds: 20,
		},
		{
			UID:      "q2",
			Text:     "What is 7 x 6?",
			Type:     domain.QuestionNumeric,
			Expected: 42,
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
