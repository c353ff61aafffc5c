package domain

import (
	"strconv"
	"strings"
	"time"
)

// DefaultQuestionSeconds applies to questions without a configured duration.
const DefaultQuestionSeconds = 20

// QuestionType selects how a submission is checked.
type QuestionType string

const (
	QuestionSingle  QuestionType = "QCU"
	QuestionMulti   QuestionType = "QCM"
	QuestionNumeric QuestionType = "numeric"
)

// AnswerOption is one choice of a question.
type AnswerOption struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an authored question. Correctness markers never leave the
// server on non-teacher channels; see app.FilterQuestion.
type Question struct {
	UID         string         `json:"uid"`
	Text        string         `json:"text"`
	Type        QuestionType   `json:"type"`
	Answers     []AnswerOption `json:"answers"`
	TimeSeconds float64        `json:"time"`
	Level       string         `json:"level"`
	Discipline  string         `json:"discipline"`
	Explanation string         `json:"explanation,omitempty"`

	// Numeric questions only.
	Expected  float64 `json:"expected,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

// TimeLimit returns the allotted answering time in seconds.
func (q Question) TimeLimit() float64 {
	if q.TimeSeconds > 0 {
		return q.TimeSeconds
	}
	return DefaultQuestionSeconds
}

// CorrectIndices lists the indices of correct options in declaration order.
func (q Question) CorrectIndices() []int {
	out := make([]int, 0, len(q.Answers))
	for i, a := range q.Answers {
		if a.Correct {
			out = append(out, i)
		}
	}
	return out
}

// CorrectTexts lists the texts of the correct options, or the expected value
// for numeric questions.
func (q Question) CorrectTexts() []string {
	if q.Type == QuestionNumeric {
		return []string{strconv.FormatFloat(q.Expected, 'f', -1, 64)}
	}
	out := make([]string, 0, len(q.Answers))
	for _, a := range q.Answers {
		if a.Correct {
			out = append(out, a.Text)
		}
	}
	return out
}

// ParseNumeric parses a numeric submission, accepting a decimal comma.
func ParseNumeric(raw string) (float64, bool) {
	raw = strings.TrimSpace(strings.Replace(raw, ",", ".", 1))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Quiz is a teacher-owned ordered list of question uids, optionally paired
// with a tournament access code.
type Quiz struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	TeacherID      string   `json:"teacherId"`
	QuestionUIDs   []string `json:"questionUids"`
	TournamentCode string   `json:"tournamentCode,omitempty"`
}

// TournamentStatus mirrors the persisted tournament row status.
type TournamentStatus string

const (
	TournamentPending  TournamentStatus = "en préparation"
	TournamentRunning  TournamentStatus = "en cours"
	TournamentFinished TournamentStatus = "terminé"
)

// Tournament is the persisted tournament row.
type Tournament struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"`
	Name         string           `json:"name"`
	QuestionUIDs []string         `json:"questionUids"`
	Status       TournamentStatus `json:"status"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	EndedAt      *time.Time       `json:"endedAt,omitempty"`
}

// TournamentUpdate is a partial update of a tournament row.
type TournamentUpdate struct {
	Status      TournamentStatus
	StartedAt   *time.Time
	EndedAt     *time.Time
	Leaderboard []LeaderboardEntry
}

// Player is a persisted participant identity derived from a client cookie.
type Player struct {
	ID       string `json:"id"`
	CookieID string `json:"cookieId"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

// TemporaryParticipantPrefix marks ids that are never persisted.
const TemporaryParticipantPrefix = "socket_"

// IsTemporaryParticipant reports whether id is an ephemeral participant id.
func IsTemporaryParticipant(id string) bool {
	return strings.HasPrefix(id, TemporaryParticipantPrefix)
}

// Submission is what a participant sent for a question.
type Submission struct {
	Indices []int  `json:"indices,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Empty reports whether nothing was selected or typed.
func (s Submission) Empty() bool {
	return len(s.Indices) == 0 && strings.TrimSpace(s.Value) == ""
}

// Answer is a participant's stored answer for one question. Score fields are
// filled at the scoring checkpoint and replaced on re-scoring.
type Answer struct {
	QuestionUID       string     `json:"questionUid"`
	Submission        Submission `json:"submission"`
	Answered          bool       `json:"answered"`
	ClientTimestamp   int64      `json:"clientTimestamp"`
	ServerReceiveTime time.Time  `json:"serverReceiveTime"`
	TimeMs            int64      `json:"timeMs"`
	Score             float64    `json:"score"`
	BaseScore         float64    `json:"baseScore"`
	TimePenalty       float64    `json:"timePenalty"`
	IsCorrect         bool       `json:"isCorrect"`
	Scored            bool       `json:"scored"`
}

// Participant is one distinct joining identity in a tournament session.
type Participant struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	Avatar      string             `json:"avatar"`
	Score       float64            `json:"score"`
	Answers     map[string]*Answer `json:"answers"`
	JoinedAt    time.Time          `json:"joinedAt"`
}

// RecomputeScore sets Score to the sum of all per-question scores.
func (p *Participant) RecomputeScore() float64 {
	total := 0.0
	for _, a := range p.Answers {
		total += a.Score
	}
	p.Score = total
	return total
}

// LeaderboardEntry is a ranked view of a participant.
type LeaderboardEntry struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Avatar string  `json:"avatar,omitempty"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}
