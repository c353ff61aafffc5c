package app

import (
	"sort"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

func testSession(now time.Time) *QuizSession {
	quiz := domain.Quiz{ID: "quiz-1", Name: "Fractions", TeacherID: "t1"}
	questions := []domain.Question{
		{UID: "q1", Text: "1/2 + 1/2 ?", Type: domain.QuestionSingle, TimeSeconds: 30,
			Answers: []domain.AnswerOption{{Text: "1", Correct: true}, {Text: "2"}}},
		{UID: "q2", Text: "3/4 as decimal", Type: domain.QuestionNumeric, TimeSeconds: 10, Expected: 0.75},
	}
	return newQuizSession(quiz, questions, now)
}

func TestPatchQuizStatePrefersPlayingTimer(t *testing.T) {
	now := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	s := testSession(now)
	s.CurrentQuestionUID = "q1"
	s.CurrentQuestionIndex = 0
	if err := s.timerFor("q2").Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.mirrorTimer("q2", now)

	v := PatchQuizState(s, now.Add(4*time.Second))
	if v.CurrentQuestionUID != "q2" || v.CurrentQuestionIndex != 1 {
		t.Fatalf("playing timer should win, got %s/%d", v.CurrentQuestionUID, v.CurrentQuestionIndex)
	}
	if v.TimerTimeLeft != 6 || v.Chrono.TimeLeft != 6 {
		t.Fatalf("expected 6s left, got %v / %v", v.TimerTimeLeft, v.Chrono.TimeLeft)
	}
	if v.Timers["q2"].TimeLeft != 6 || v.Timers["q1"].Status != timer.Stop {
		t.Fatalf("unexpected timers %+v", v.Timers)
	}
	if s.CurrentQuestionUID != "q1" || s.TimerTimeLeft != 10 {
		t.Fatalf("projection mutated the session")
	}
}

func TestPatchQuizStateResolvesByIndex(t *testing.T) {
	now := time.Now()
	s := testSession(now)
	s.CurrentQuestionIndex = 1
	s.Asked["q2"] = struct{}{}
	s.Asked["q1"] = struct{}{}

	v := PatchQuizState(s, now)
	if v.CurrentQuestion == nil || v.CurrentQuestion.UID != "q2" {
		t.Fatalf("expected q2 by index, got %+v", v.CurrentQuestion)
	}
	if !sort.StringsAreSorted(v.AskedQuestions) || len(v.AskedQuestions) != 2 {
		t.Fatalf("unexpected asked list %v", v.AskedQuestions)
	}
}

func TestFilterQuestionHidesCorrectness(t *testing.T) {
	s := testSession(time.Now())

	single := FilterQuestion(s.Questions[0])
	if len(single.AnswerOptions) != 2 || single.AnswerOptions[0] != "1" {
		t.Fatalf("unexpected options %v", single.AnswerOptions)
	}
	numeric := FilterQuestion(s.Questions[1])
	if len(numeric.AnswerOptions) != 0 {
		t.Fatalf("numeric answers must not leak: %v", numeric.AnswerOptions)
	}
}

func TestProjectionPayloadIsFiltered(t *testing.T) {
	now := time.Now()
	s := testSession(now)
	s.CurrentQuestionUID = "q2"

	p := projectionPayload(s, now)
	if p.Question == nil || p.Question.UID != "q2" || len(p.Question.AnswerOptions) != 0 {
		t.Fatalf("unexpected projection %+v", p.Question)
	}
	if p.Timer == nil || p.Timer.TimeLeft != 10 {
		t.Fatalf("projection must carry the question timer: %+v", p.Timer)
	}
}

type rooms map[string][]string

func (rooms) ToRoom(string, string, any)         {}
func (rooms) ToSocket(string, string, any)       {}
func (rooms) Join(string, string)                {}
func (rooms) Leave(string, string)               {}
func (r rooms) RoomMembers(room string) []string { return r[room] }

func TestConnectedCountDedupesAndSkipsTeacher(t *testing.T) {
	b := rooms{
		LiveRoom("ABC"):  {"s1", "s2", "s-teacher"},
		LobbyRoom("ABC"): {"s2", "s3"},
	}
	if got := ConnectedCount(b, "ABC", "s-teacher"); got != 3 {
		t.Fatalf("expected 3 sockets, got %d", got)
	}
}
