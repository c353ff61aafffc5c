package scoring

import (
	"math"
	"testing"

	"live-quiz-service/internal/domain"
)

func single() domain.Question {
	return domain.Question{
		UID:  "q1",
		Type: domain.QuestionSingle,
		Answers: []domain.AnswerOption{
			{Text: "3"}, {Text: "4", Correct: true}, {Text: "5"},
		},
		TimeSeconds: 20,
	}
}

func multi() domain.Question {
	return domain.Question{
		UID:  "q2",
		Type: domain.QuestionMulti,
		Answers: []domain.AnswerOption{
			{Text: "2", Correct: true}, {Text: "3", Correct: true}, {Text: "4"},
		},
		TimeSeconds: 20,
	}
}

func answered(timeMs int64, idx ...int) Attempt {
	return Attempt{Answered: true, TimeMs: timeMs, Submission: domain.Submission{Indices: idx}}
}

func TestCalculateSingleCorrect(t *testing.T) {
	res := Calculate(single(), answered(2000, 1), 2)
	if !res.Correct || res.ScoreBeforePenalty != MaxBaseScore {
		t.Fatalf("expected correct full base, got %+v", res)
	}
	if math.Abs(res.TimePenalty-50) > 1e-9 {
		t.Fatalf("expected 50 penalty at 10%% of time, got %v", res.TimePenalty)
	}
	if math.Abs(res.NormalizedScore-475) > 1e-9 {
		t.Fatalf("expected 475, got %v", res.NormalizedScore)
	}
}

func TestCalculateNoAnswer(t *testing.T) {
	res := Calculate(single(), Attempt{}, 4)
	if res.NormalizedScore != 0 || res.TimePenalty != MaxTimePenalty || res.Correct {
		t.Fatalf("expected zero score with max penalty, got %+v", res)
	}
}

func TestZeroElapsedHasNoPenalty(t *testing.T) {
	res := Calculate(single(), answered(0, 1), 1)
	if res.TimePenalty != 0 || res.NormalizedScore != Pool {
		t.Fatalf("expected full pool, got %+v", res)
	}
}

func TestMultiRequiresOnlyCorrectSelections(t *testing.T) {
	q := multi()
	if !Calculate(q, answered(0, 0), 1).Correct {
		t.Fatalf("subset of correct options must be correct")
	}
	if !Calculate(q, answered(0, 0, 1), 1).Correct {
		t.Fatalf("all correct options must be correct")
	}
	if Calculate(q, answered(0, 0, 2), 1).Correct {
		t.Fatalf("a wrong selection must fail the whole answer")
	}
	if Calculate(q, answered(0, 7), 1).Correct {
		t.Fatalf("out of range index must fail")
	}
}

func TestNumeric(t *testing.T) {
	q := domain.Question{UID: "n", Type: domain.QuestionNumeric, Expected: 3.5, Tolerance: 0.01}
	res := Calculate(q, Attempt{Answered: true, Submission: domain.Submission{Value: "3,5"}}, 1)
	if !res.Correct {
		t.Fatalf("decimal comma must parse, got %+v", res)
	}
	if IsCorrect(q, domain.Submission{Value: "abc"}) {
		t.Fatalf("garbage must be incorrect")
	}
}

func TestScoreIsNonIncreasingWithTime(t *testing.T) {
	q := single()
	prev := math.Inf(1)
	for ms := int64(0); ms <= 30000; ms += 250 {
		s := Calculate(q, answered(ms, 1), 3).NormalizedScore
		if s > prev {
			t.Fatalf("score increased at %dms: %v > %v", ms, s, prev)
		}
		if s < 0 {
			t.Fatalf("negative score at %dms", ms)
		}
		prev = s
	}
}

func TestPoolIsConstant(t *testing.T) {
	q := single()
	for n := 1; n <= 12; n++ {
		total := 0.0
		for i := 0; i < n; i++ {
			total += Calculate(q, answered(0, 1), n).NormalizedScore
		}
		if math.Abs(total-Pool) > 1e-6 {
			t.Fatalf("n=%d: total %v != pool %v", n, total, Pool)
		}
	}
}

func TestInvalidQuestionCount(t *testing.T) {
	if res := Calculate(single(), answered(0, 1), 0); res != (Result{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestRankDense(t *testing.T) {
	ps := []*domain.Participant{
		{ID: "a", DisplayName: "Ana", Score: 10},
		{ID: "c", DisplayName: "Cid", Score: 5},
		{ID: "b", DisplayName: "Bob", Score: 10},
	}
	lb := Rank(ps)
	wantIDs := []string{"a", "b", "c"}
	wantRanks := []int{1, 1, 3}
	for i, e := range lb {
		if e.ID != wantIDs[i] || e.Rank != wantRanks[i] {
			t.Fatalf("entry %d: got %+v, want id=%s rank=%d", i, e, wantIDs[i], wantRanks[i])
		}
	}
	if RankOf(lb)["c"] != 3 {
		t.Fatalf("rank index mismatch")
	}
}
