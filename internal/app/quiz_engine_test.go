package app_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/timer"
)

func seedQuiz(h *harness, code string) {
	h.gw.AddQuiz(domain.Quiz{
		ID:             "quiz-1",
		Name:           "Fractions",
		TeacherID:      "t1",
		QuestionUIDs:   []string{"q1", "q2", "q3"},
		TournamentCode: code,
	}, question("q3", 0, 0), question("q1", 30, 1), question("q2", 15, 2))
}

func joinTeacher(t *testing.T, h *harness) {
	t.Helper()
	err := h.quizzes.Join(context.Background(), app.JoinQuiz{QuizID: "quiz-1", SocketID: "s-teacher", Role: app.RoleTeacher, TeacherID: "t1"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestQuizHappyPath(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	initial := h.bus.last(t, "socket:s-teacher", app.EvQuizState).(app.QuizStateView)
	if len(initial.Questions) != 3 || initial.Questions[0].UID != "q1" || initial.Questions[2].UID != "q3" {
		t.Fatalf("questions not in quiz order: %+v", initial.Questions)
	}
	if initial.Timers["q3"].InitialTime != domain.DefaultQuestionSeconds {
		t.Fatalf("expected default duration, got %v", initial.Timers["q3"].InitialTime)
	}

	if err := h.quizzes.SetQuestion(context.Background(), teacher("quiz-1"), "q2", nil); err != nil {
		t.Fatalf("set question: %v", err)
	}
	state := h.bus.last(t, "room:"+app.DashboardRoom("quiz-1"), app.EvQuizStateUpdate).(app.QuizStateView)
	if state.CurrentQuestionUID != "q2" || state.CurrentQuestionIndex != 1 {
		t.Fatalf("expected q2 current, got %s (%d)", state.CurrentQuestionUID, state.CurrentQuestionIndex)
	}
	if state.Timers["q2"].Status != timer.Play || state.Timers["q2"].TimeLeft != 15 {
		t.Fatalf("expected running 15s timer, got %+v", state.Timers["q2"])
	}
	if state.Locked {
		t.Fatalf("set question must unlock")
	}

	proj := h.bus.last(t, "room:"+app.ProjectionRoom("quiz-1"), app.EvProjectionQuestion).(app.ProjectionPayload)
	if proj.Question == nil || proj.Question.UID != "q2" || len(proj.Question.AnswerOptions) != 3 {
		t.Fatalf("unexpected projection %+v", proj)
	}
	ack := h.bus.last(t, "socket:s-teacher", app.EvQuizActionResponse).(app.ActionResponse)
	if !ack.Success || ack.Action != "set_question" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestSetQuestionRejectsOtherTeacher(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	cmd := app.QuizCommand{QuizID: "quiz-1", SocketID: "s-other", TeacherID: "intruder"}
	err := h.quizzes.SetQuestion(context.Background(), cmd, "q1", nil)
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	ack := h.bus.last(t, "socket:s-other", app.EvQuizActionResponse).(app.ActionResponse)
	if ack.Success || ack.Reason != domain.ReasonUnauthorized {
		t.Fatalf("unexpected ack %+v", ack)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if sess.CurrentQuestionUID != "" || sess.ProfSocketID != "s-teacher" {
		t.Fatalf("session must stay untouched")
	}
}

func TestOwnerIsAuthorizedWithoutJoining(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")

	if err := h.quizzes.SetQuestion(context.Background(), teacher("quiz-1"), "q1", nil); err != nil {
		t.Fatalf("owner set question: %v", err)
	}
	if err := h.quizzes.Lock(context.Background(), teacher("quiz-1")); err != nil {
		t.Fatalf("owner lock: %v", err)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if !sess.Locked {
		t.Fatalf("expected locked")
	}
}

func TestSetQuestionUnknownUID(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	err := h.quizzes.SetQuestion(context.Background(), teacher("quiz-1"), "nope", nil)
	if !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
	idx := 2
	if err := h.quizzes.SetQuestion(context.Background(), teacher("quiz-1"), "", &idx); err != nil {
		t.Fatalf("set by index: %v", err)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if sess.CurrentQuestionUID != "q3" {
		t.Fatalf("expected q3 by index, got %s", sess.CurrentQuestionUID)
	}
}

func TestQuizPauseResumePreservesRemaining(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	if err := h.quizzes.SetQuestion(ctx, teacher("quiz-1"), "q1", nil); err != nil {
		t.Fatalf("set question: %v", err)
	}
	h.advance(10 * time.Second)
	if err := h.quizzes.Pause(ctx, teacher("quiz-1")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("pause must cancel the countdown")
	}
	update := h.bus.last(t, "room:"+app.DashboardRoom("quiz-1"), app.EvQuizTimerUpdate).(app.QuizTimerUpdate)
	if update.Status != timer.Pause || math.Abs(update.TimeLeft-20) > 1e-9 {
		t.Fatalf("unexpected pause update %+v", update)
	}

	h.advance(time.Minute)
	if err := h.quizzes.Resume(ctx, teacher("quiz-1")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if delays := h.sched.Delays(); len(delays) != 1 || delays[0] != 20*time.Second {
		t.Fatalf("expected a 20s countdown, got %v", delays)
	}
	h.advance(5 * time.Second)
	v, ok := h.quizzes.State("quiz-1", "s-teacher")
	if !ok {
		t.Fatalf("expected state")
	}
	if math.Abs(v.TimerTimeLeft-15) > 1e-9 || v.TimerStatus != timer.Play {
		t.Fatalf("expected 15s left while playing, got %v %s", v.TimerTimeLeft, v.TimerStatus)
	}
}

func TestQuizCountdownStopsTimer(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	if err := h.quizzes.SetQuestion(context.Background(), teacher("quiz-1"), "q2", nil); err != nil {
		t.Fatalf("set question: %v", err)
	}
	if delays := h.sched.Delays(); len(delays) != 1 || delays[0] != 15*time.Second {
		t.Fatalf("expected 15s countdown, got %v", delays)
	}
	h.advance(15 * time.Second)
	h.sched.FireAll()

	update := h.bus.last(t, "room:"+app.DashboardRoom("quiz-1"), app.EvQuizTimerUpdate).(app.QuizTimerUpdate)
	if update.Status != timer.Stop || update.TimeLeft != 0 || update.QuestionID != "q2" {
		t.Fatalf("unexpected expiry update %+v", update)
	}
}

func TestSwitchingQuestionsKeepsOneCountdown(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	_ = h.quizzes.SetQuestion(ctx, teacher("quiz-1"), "q1", nil)
	_ = h.quizzes.SetQuestion(ctx, teacher("quiz-1"), "q2", nil)
	if h.sched.Pending() != 1 {
		t.Fatalf("expected a single countdown, got %d", h.sched.Pending())
	}
	sess, _ := h.store.Quiz("quiz-1")
	if sess.Timers["q1"].Status != timer.Stop {
		t.Fatalf("previous question timer must stop, got %s", sess.Timers["q1"].Status)
	}
}

func TestTimerActionRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	err := h.quizzes.TimerAction(context.Background(), teacher("quiz-1"), "rewind", "q1", nil)
	if !errors.Is(err, domain.ErrInvalidTimerAction) {
		t.Fatalf("expected invalid timer action, got %v", err)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if sess.Timers["q1"].Status != timer.Stop {
		t.Fatalf("state must not change")
	}
}

func TestTimerActionDuplicatePlayIsRejected(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	if err := h.quizzes.TimerAction(ctx, teacher("quiz-1"), "play", "q1", nil); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.advance(4 * time.Second)
	err := h.quizzes.TimerAction(ctx, teacher("quiz-1"), "play", "q1", nil)
	if !errors.Is(err, timer.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if got := sess.Timers["q1"].RemainingAt(h.now); math.Abs(got-26) > 1e-9 {
		t.Fatalf("duplicate play must not reset the timer, got %v", got)
	}
}

func TestSetTimerEditsDuration(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	if err := h.quizzes.SetTimer(context.Background(), teacher("quiz-1"), "q1", 45); err != nil {
		t.Fatalf("set timer: %v", err)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if sess.Timers["q1"].InitialTime != 45 || sess.Timers["q1"].TimeLeft != 45 {
		t.Fatalf("unexpected timer %+v", sess.Timers["q1"])
	}
}

func TestCloseQuestionLocksAndPublishesAnswers(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	_ = h.quizzes.SetQuestion(ctx, teacher("quiz-1"), "q1", nil)
	if err := h.quizzes.CloseQuestion(ctx, teacher("quiz-1"), ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed := h.bus.last(t, "room:"+app.ProjectionRoom("quiz-1"), app.EvQuizQuestionClosed).(app.QuestionClosed)
	if closed.QuestionUID != "q1" || len(closed.CorrectAnswers) != 1 || closed.CorrectAnswers[0] != "B" {
		t.Fatalf("unexpected close payload %+v", closed)
	}
	sess, _ := h.store.Quiz("quiz-1")
	if !sess.Locked || h.sched.Pending() != 0 {
		t.Fatalf("close must lock and cancel the countdown")
	}
}

func TestEndedQuizRejectsActions(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	if err := h.quizzes.End(ctx, teacher("quiz-1"), false); err != nil {
		t.Fatalf("end: %v", err)
	}
	err := h.quizzes.SetQuestion(ctx, teacher("quiz-1"), "q1", nil)
	if !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected session ended, got %v", err)
	}
	if h.bus.count("room:"+app.DashboardRoom("quiz-1"), app.EvQuizEnded) != 1 {
		t.Fatalf("expected one quiz_ended")
	}
}

func TestGetStateOfUnknownQuiz(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	if _, ok := h.quizzes.State("missing", "s1"); ok {
		t.Fatalf("expected no state")
	}
	payload := h.bus.last(t, "socket:s1", app.EvQuizState).(map[string]any)
	if payload["notFound"] != true {
		t.Fatalf("expected notFound, got %v", payload)
	}
}

func TestJoinUnknownQuizFails(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	err := h.quizzes.Join(context.Background(), app.JoinQuiz{QuizID: "missing", SocketID: "s1", Role: app.RoleTeacher})
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
	if _, ok := h.store.Quiz("missing"); ok {
		t.Fatalf("failed join must not create a session")
	}
}

func TestDisconnectKeepsSession(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)

	h.quizzes.Disconnect("s-teacher")
	sess, ok := h.store.Quiz("quiz-1")
	if !ok {
		t.Fatalf("session must survive a disconnect")
	}
	if len(sess.Sockets) != 0 || sess.ProfSocketID != "" || sess.ProfTeacherID != "t1" {
		t.Fatalf("unexpected presence after disconnect: %+v", sess.Sockets)
	}
}

func TestEvictRemovesEndedAndIdleQuizzes(t *testing.T) {
	h := newHarness(t, app.TournamentSettings{})
	seedQuiz(h, "")
	joinTeacher(t, h)
	ctx := context.Background()

	if n := h.quizzes.Evict(6*time.Hour, 10*time.Minute); n != 0 {
		t.Fatalf("fresh session evicted")
	}
	_ = h.quizzes.End(ctx, teacher("quiz-1"), false)
	h.advance(11 * time.Minute)
	if n := h.quizzes.Evict(6*time.Hour, 10*time.Minute); n != 1 {
		t.Fatalf("expected ended quiz evicted, got %d", n)
	}

	_ = h.quizzes.Join(ctx, app.JoinQuiz{QuizID: "quiz-1", SocketID: "s2", Role: app.RoleTeacher})
	h.advance(7 * time.Hour)
	if n := h.quizzes.Evict(6*time.Hour, 10*time.Minute); n != 1 {
		t.Fatalf("expected idle quiz evicted, got %d", n)
	}
}
