// Package scoring turns a submission into a per-question score and ranks
// participants.
package scoring

import (
	"log"
	"math"

	"live-quiz-service/internal/domain"
)

const (
	// MaxBaseScore is awarded for a correct answer before the time penalty.
	MaxBaseScore = 1000.0
	// MaxTimePenalty is the penalty for answering at the last instant or not at all.
	MaxTimePenalty = 500.0
	// Pool is the total achievable score of an event, whatever its question count.
	Pool = 1000.0
)

// Attempt is a submission prepared for scoring.
type Attempt struct {
	Submission domain.Submission
	Answered   bool
	// TimeMs is the time taken to answer, measured from the question start.
	TimeMs int64
}

// Result is the outcome of scoring one attempt.
type Result struct {
	ScoreBeforePenalty float64 `json:"scoreBeforePenalty"`
	TimePenalty        float64 `json:"timePenalty"`
	NormalizedScore    float64 `json:"normalizedScore"`
	Correct            bool    `json:"correct"`
}

// Calculate scores an attempt for a question of an event with
// totalQuestions questions. The best possible normalized score is
// Pool/totalQuestions.
func Calculate(q domain.Question, a Attempt, totalQuestions int) Result {
	if totalQuestions <= 0 {
		log.Printf("[scoring] question %s: invalid question count %d", q.UID, totalQuestions)
		return Result{}
	}
	if !a.Answered || a.Submission.Empty() {
		return Result{TimePenalty: MaxTimePenalty}
	}

	res := Result{
		TimePenalty: TimePenalty(a.TimeMs, q.TimeLimit()),
		Correct:     IsCorrect(q, a.Submission),
	}
	if res.Correct {
		res.ScoreBeforePenalty = MaxBaseScore
	}
	after := math.Max(0, res.ScoreBeforePenalty-res.TimePenalty)
	res.NormalizedScore = after / MaxBaseScore * Pool / float64(totalQuestions)
	return res
}

// TimePenalty grows linearly with the share of the allotted time used.
func TimePenalty(timeMs int64, allottedSeconds float64) float64 {
	if timeMs <= 0 || allottedSeconds <= 0 {
		return 0
	}
	share := math.Min(float64(timeMs)/(allottedSeconds*1000), 1)
	return share * MaxTimePenalty
}

// IsCorrect checks a submission. Multi-answer questions are correct only when
// every selected option is correct and at least one was selected.
func IsCorrect(q domain.Question, s domain.Submission) bool {
	switch q.Type {
	case domain.QuestionNumeric:
		v, ok := domain.ParseNumeric(s.Value)
		if !ok {
			return false
		}
		return math.Abs(v-q.Expected) <= q.Tolerance
	case domain.QuestionMulti:
		if len(s.Indices) == 0 {
			return false
		}
		for _, idx := range s.Indices {
			if idx < 0 || idx >= len(q.Answers) || !q.Answers[idx].Correct {
				return false
			}
		}
		return true
	default:
		correct := q.CorrectIndices()
		if len(correct) != 1 || len(s.Indices) != 1 {
			return false
		}
		return s.Indices[0] == correct[0]
	}
}
