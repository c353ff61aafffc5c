package app

import (
	"context"
	"errors"
	"log"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/timer"
)

// TournamentTrigger is how a quiz drives its linked tournament. The
// tournament engine implements it; it never calls back into the quiz engine.
type TournamentTrigger interface {
	TriggerQuestion(ctx context.Context, code, quizID, questionUID string, timeLeft float64) error
	TriggerTimer(ctx context.Context, code string, status timer.Status, timeLeft float64) error
	TriggerClose(ctx context.Context, code, questionUID string) (QuestionResults, error)
	TriggerEnd(ctx context.Context, code string) error
}

// Roles accepted by JoinQuiz.
const (
	RoleTeacher    = "teacher"
	RoleProjection = "projection"
	RoleStudent    = "student"
)

// QuizCommand identifies the caller of a teacher action.
type QuizCommand struct {
	QuizID    string
	SocketID  string
	TeacherID string
}

// JoinQuiz is a socket attaching to a quiz session.
type JoinQuiz struct {
	QuizID    string
	SocketID  string
	Role      string
	TeacherID string
}

// QuestionClosed is the payload of EvQuizQuestionClosed.
type QuestionClosed struct {
	QuizID         string                    `json:"quizId"`
	QuestionUID    string                    `json:"questionUid"`
	CorrectAnswers []string                  `json:"correctAnswers"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
}

// QuizEngine drives teacher-paced quiz sessions.
type QuizEngine struct {
	deps    Deps
	trigger TournamentTrigger
}

func NewQuizEngine(deps Deps, trigger TournamentTrigger) *QuizEngine {
	return &QuizEngine{deps: deps.withDefaults(), trigger: trigger}
}

// Join attaches a socket to a quiz, creating the session on first touch. The
// last teacher to join owns the dashboard socket.
func (e *QuizEngine) Join(ctx context.Context, req JoinQuiz) error {
	sess, err := e.session(ctx, req.QuizID)
	if err != nil {
		log.Printf("[quiz:join] %s: %v", req.QuizID, err)
		e.respond(req.SocketID, "join", err)
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := e.deps.Now()
	sess.Sockets[req.SocketID] = struct{}{}
	switch req.Role {
	case RoleTeacher:
		sess.ProfSocketID = req.SocketID
		if req.TeacherID != "" {
			sess.ProfTeacherID = req.TeacherID
		}
		e.deps.Broadcaster.Join(req.SocketID, DashboardRoom(sess.ID))
	case RoleProjection:
		e.deps.Broadcaster.Join(req.SocketID, ProjectionRoom(sess.ID))
		e.deps.Broadcaster.ToSocket(req.SocketID, EvProjectionQuestion, projectionPayload(sess, now))
	}
	sess.touch(now)
	e.deps.Broadcaster.ToSocket(req.SocketID, EvQuizState, PatchQuizState(sess, now))
	return nil
}

// session returns the live session of quizID, loading it once if absent.
func (e *QuizEngine) session(ctx context.Context, quizID string) (*QuizSession, error) {
	return e.deps.Store.GetOrCreateQuiz(ctx, quizID, func(ctx context.Context) (*QuizSession, error) {
		quiz, err := e.deps.Gateway.FindQuizByID(ctx, quizID)
		if err != nil {
			return nil, err
		}
		found, err := e.deps.Gateway.FindQuestionsByUIDs(ctx, quiz.QuestionUIDs)
		if err != nil {
			return nil, err
		}
		byUID := make(map[string]domain.Question, len(found))
		for _, q := range found {
			byUID[q.UID] = q
		}
		questions := make([]domain.Question, 0, len(quiz.QuestionUIDs))
		for _, uid := range quiz.QuestionUIDs {
			q, ok := byUID[uid]
			if !ok {
				log.Printf("[quiz:load] %s: question %s missing", quizID, uid)
				continue
			}
			questions = append(questions, q)
		}
		log.Printf("[quiz:load] %s loaded with %d questions", quizID, len(questions))
		return newQuizSession(quiz, questions, e.deps.Now()), nil
	})
}

// State sends the patched snapshot of quizID to socketID.
func (e *QuizEngine) State(quizID, socketID string) (QuizStateView, bool) {
	sess, ok := e.deps.Store.Quiz(quizID)
	if !ok {
		e.deps.Broadcaster.ToSocket(socketID, EvQuizState, map[string]any{"quizId": quizID, "notFound": true})
		return QuizStateView{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	v := PatchQuizState(sess, e.deps.Now())
	e.deps.Broadcaster.ToSocket(socketID, EvQuizState, v)
	return v, true
}

// act runs fn under the session lock after the teacher check and answers the
// caller with an action response.
func (e *QuizEngine) act(ctx context.Context, cmd QuizCommand, action string, create bool, fn func(s *QuizSession, now time.Time) error) error {
	var sess *QuizSession
	if create {
		s, err := e.session(ctx, cmd.QuizID)
		if err != nil {
			log.Printf("[quiz:%s] %s: %v", action, cmd.QuizID, err)
			e.respond(cmd.SocketID, action, err)
			return err
		}
		sess = s
	} else {
		s, ok := e.deps.Store.Quiz(cmd.QuizID)
		if !ok {
			err := domain.Reject(domain.ReasonNotFound, domain.ErrSessionNotFound)
			log.Printf("[quiz:%s] %s: %v", action, cmd.QuizID, err)
			e.respond(cmd.SocketID, action, err)
			return err
		}
		sess = s
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	now := e.deps.Now()
	err := e.authorize(sess, cmd)
	if err == nil && sess.Ended && action != "end" {
		err = domain.Reject(domain.ReasonStopped, domain.ErrSessionEnded)
	}
	if err == nil {
		err = fn(sess, now)
	}
	if err != nil {
		log.Printf("[quiz:%s] %s by %q: %v", action, cmd.QuizID, cmd.TeacherID, err)
		e.respond(cmd.SocketID, action, err)
		return err
	}
	sess.touch(now)
	e.respond(cmd.SocketID, action, nil)
	return nil
}

// authorize accepts the bound teacher or the quiz owner, and rebinds the
// dashboard socket to the caller.
func (e *QuizEngine) authorize(s *QuizSession, cmd QuizCommand) error {
	if !s.authorized(cmd.TeacherID) {
		return domain.Reject(domain.ReasonUnauthorized, domain.ErrNotAuthorized)
	}
	s.ProfTeacherID = cmd.TeacherID
	if cmd.SocketID != "" {
		s.ProfSocketID = cmd.SocketID
	}
	return nil
}

func (e *QuizEngine) respond(socketID, action string, err error) {
	if socketID == "" {
		return
	}
	e.deps.Broadcaster.ToSocket(socketID, EvQuizActionResponse, ActionResponse{
		Action:  action,
		Success: err == nil,
		Reason:  domain.ReasonOf(err),
	})
}

// SetQuestion makes a question current, unlocks the session and restarts the
// question timer from its full duration. index is used when uid is empty.
func (e *QuizEngine) SetQuestion(ctx context.Context, cmd QuizCommand, uid string, index *int) error {
	return e.act(ctx, cmd, "set_question", true, func(s *QuizSession, now time.Time) error {
		idx := -1
		if uid != "" {
			idx = s.questionIndex(uid)
		} else if index != nil && *index >= 0 && *index < len(s.Questions) {
			idx = *index
		}
		if idx < 0 {
			return domain.Reject(domain.ReasonNotFound, domain.ErrQuestionNotFound)
		}
		q := s.Questions[idx]

		e.stopOthersLocked(s, q.UID)
		s.CurrentQuestionUID = q.UID
		s.CurrentQuestionIndex = idx
		s.Locked = false
		s.Asked[q.UID] = struct{}{}

		t := s.timerFor(q.UID)
		t.Stop()
		if err := t.Start(now); err != nil {
			return domain.Reject(domain.ReasonInvalid, err)
		}
		s.mirrorTimer(q.UID, now)
		e.scheduleCountdownLocked(s, q.UID, now)

		e.broadcastLocked(s, now)
		e.emitTimerLocked(s, q.UID, now)
		if s.TournamentCode != "" && e.trigger != nil {
			if err := e.trigger.TriggerQuestion(ctx, s.TournamentCode, s.ID, q.UID, t.InitialTime); err != nil {
				e.logTrigger("set_question", s, err)
			} else if err := e.trigger.TriggerTimer(ctx, s.TournamentCode, timer.Play, t.RemainingAt(now)); err != nil {
				e.logTrigger("set_question", s, err)
			}
		}
		log.Printf("[quiz:set_question] %s: question %s (index %d)", s.ID, q.UID, idx)
		return nil
	})
}

// stopOthersLocked stops every playing timer except keep's, so that a single
// question runs at a time.
func (e *QuizEngine) stopOthersLocked(s *QuizSession, keep string) {
	for uid, t := range s.Timers {
		if uid != keep && t.Status == timer.Play {
			t.Stop()
		}
	}
	if s.TimerQuestionUID != keep {
		s.countdown.clear()
	}
}

// Lock stops accepting answers on the current question.
func (e *QuizEngine) Lock(ctx context.Context, cmd QuizCommand) error {
	return e.setLocked(ctx, cmd, "lock", true)
}

// Unlock reopens the current question.
func (e *QuizEngine) Unlock(ctx context.Context, cmd QuizCommand) error {
	return e.setLocked(ctx, cmd, "unlock", false)
}

func (e *QuizEngine) setLocked(ctx context.Context, cmd QuizCommand, action string, locked bool) error {
	return e.act(ctx, cmd, action, false, func(s *QuizSession, now time.Time) error {
		s.Locked = locked
		e.broadcastLocked(s, now)
		return nil
	})
}

// Pause freezes the current question timer.
func (e *QuizEngine) Pause(ctx context.Context, cmd QuizCommand) error {
	return e.act(ctx, cmd, "pause", false, func(s *QuizSession, now time.Time) error {
		uid := s.activeQuestion()
		if uid == "" {
			return domain.Reject(domain.ReasonInvalid, domain.ErrQuestionNotFound)
		}
		if t := s.timerFor(uid); t.Status == timer.Pause {
			log.Printf("[quiz:pause] %s: already paused", s.ID)
			return nil
		}
		return e.applyTimerLocked(ctx, s, uid, timer.Pause, nil, now)
	})
}

// Resume restarts a paused question timer from its frozen remaining time.
func (e *QuizEngine) Resume(ctx context.Context, cmd QuizCommand) error {
	return e.act(ctx, cmd, "resume", false, func(s *QuizSession, now time.Time) error {
		uid := s.activeQuestion()
		if uid == "" {
			return domain.Reject(domain.ReasonInvalid, domain.ErrQuestionNotFound)
		}
		t := s.timerFor(uid)
		if t.Status == timer.Play {
			log.Printf("[quiz:resume] %s: already running", s.ID)
			return nil
		}
		if t.Status != timer.Pause {
			return domain.Reject(domain.ReasonInvalid, timer.ErrNotRunning)
		}
		return e.applyTimerLocked(ctx, s, uid, timer.Play, nil, now)
	})
}

// TimerAction applies a play, pause or stop to a question timer. An empty uid
// targets the current question. timeLeft, when set on play, overrides the
// remaining time.
func (e *QuizEngine) TimerAction(ctx context.Context, cmd QuizCommand, rawStatus, uid string, timeLeft *float64) error {
	status, err := timer.ParseStatus(rawStatus)
	if err != nil {
		log.Printf("[quiz:timer_action] %s: %v", cmd.QuizID, err)
		err = domain.Reject(domain.ReasonInvalid, domain.ErrInvalidTimerAction)
		e.respond(cmd.SocketID, "timer_action", err)
		return err
	}
	return e.act(ctx, cmd, "timer_action", false, func(s *QuizSession, now time.Time) error {
		if uid == "" {
			uid = s.activeQuestion()
		}
		if s.questionIndex(uid) < 0 {
			return domain.Reject(domain.ReasonNotFound, domain.ErrQuestionNotFound)
		}
		return e.applyTimerLocked(ctx, s, uid, status, timeLeft, now)
	})
}

// applyTimerLocked transitions one question timer, reschedules its countdown
// and broadcasts the result. A linked tournament follows the current question.
func (e *QuizEngine) applyTimerLocked(ctx context.Context, s *QuizSession, uid string, status timer.Status, timeLeft *float64, now time.Time) error {
	t := s.timerFor(uid)
	switch status {
	case timer.Play:
		if err := t.Start(now); err != nil {
			return domain.Reject(domain.ReasonInvalid, err)
		}
		if timeLeft != nil && *timeLeft > 0 {
			t.Sync(timer.Play, *timeLeft, now)
		}
		e.stopOthersLocked(s, uid)
		e.scheduleCountdownLocked(s, uid, now)
	case timer.Pause:
		if err := t.Pause(now); err != nil {
			return domain.Reject(domain.ReasonInvalid, err)
		}
		if s.TimerQuestionUID == uid {
			s.countdown.clear()
		}
	case timer.Stop:
		t.Stop()
		if s.TimerQuestionUID == uid {
			s.countdown.clear()
		}
	}
	s.mirrorTimer(uid, now)
	e.broadcastLocked(s, now)
	e.emitTimerLocked(s, uid, now)

	if s.TournamentCode != "" && e.trigger != nil && uid == s.CurrentQuestionUID {
		if err := e.trigger.TriggerTimer(ctx, s.TournamentCode, status, t.RemainingAt(now)); err != nil {
			e.logTrigger("timer", s, err)
		}
	}
	return nil
}

// SetTimer edits the duration of a question. A running countdown restarts
// from the new value.
func (e *QuizEngine) SetTimer(ctx context.Context, cmd QuizCommand, uid string, secondsLeft float64) error {
	return e.act(ctx, cmd, "set_timer", false, func(s *QuizSession, now time.Time) error {
		if uid == "" {
			uid = s.activeQuestion()
		}
		if s.questionIndex(uid) < 0 {
			return domain.Reject(domain.ReasonNotFound, domain.ErrQuestionNotFound)
		}
		if secondsLeft < 0 {
			return domain.Reject(domain.ReasonInvalid, errors.New("negative duration"))
		}
		t := s.timerFor(uid)
		t.Set(secondsLeft, now)
		if t.Status == timer.Play {
			e.scheduleCountdownLocked(s, uid, now)
		}
		s.mirrorTimer(uid, now)
		e.broadcastLocked(s, now)
		e.emitTimerLocked(s, uid, now)
		if s.TournamentCode != "" && e.trigger != nil && uid == s.CurrentQuestionUID {
			if err := e.trigger.TriggerTimer(ctx, s.TournamentCode, t.Status, secondsLeft); err != nil {
				e.logTrigger("set_timer", s, err)
			}
		}
		return nil
	})
}

func (e *QuizEngine) scheduleCountdownLocked(s *QuizSession, uid string, now time.Time) {
	t := s.timerFor(uid)
	if t.Status != timer.Play {
		return
	}
	quizID := s.ID
	s.countdown.reset(e.deps.Scheduler, seconds(t.RemainingAt(now)), func(gen uint64) {
		e.onCountdown(quizID, uid, gen)
	})
}

// onCountdown stops a question whose timer ran out. For a linked tournament
// this is the question's expiry.
func (e *QuizEngine) onCountdown(quizID, uid string, gen uint64) {
	sess, ok := e.deps.Store.Quiz(quizID)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.countdown.current(gen) {
		return
	}
	t := sess.timerFor(uid)
	if t.Status != timer.Play {
		return
	}
	now := e.deps.Now()
	metrics.TimerExpiries.WithLabelValues("quiz").Inc()
	log.Printf("[quiz:countdown] %s: question %s expired", quizID, uid)

	t.Stop()
	sess.mirrorTimer(uid, now)
	sess.TimerTimeLeft = 0
	sess.Chrono.TimeLeft = 0
	update := QuizTimerUpdate{QuizID: quizID, Status: timer.Stop, QuestionID: uid, TimeLeft: 0}
	e.deps.Broadcaster.ToRoom(DashboardRoom(quizID), EvQuizTimerUpdate, update)
	e.deps.Broadcaster.ToRoom(ProjectionRoom(quizID), EvQuizTimerUpdate, update)
	e.deps.Broadcaster.ToRoom(DashboardRoom(quizID), EvQuizState, PatchQuizState(sess, now))

	if sess.TournamentCode != "" && e.trigger != nil && uid == sess.CurrentQuestionUID {
		if err := e.trigger.TriggerTimer(context.Background(), sess.TournamentCode, timer.Stop, 0); err != nil {
			e.logTrigger("countdown", sess, err)
		}
	}
}

// CloseQuestion locks a question and publishes its results. Linked
// tournaments score it.
func (e *QuizEngine) CloseQuestion(ctx context.Context, cmd QuizCommand, uid string) error {
	return e.act(ctx, cmd, "close_question", false, func(s *QuizSession, now time.Time) error {
		if uid == "" {
			uid = s.CurrentQuestionUID
		}
		idx := s.questionIndex(uid)
		if idx < 0 {
			return domain.Reject(domain.ReasonNotFound, domain.ErrQuestionNotFound)
		}
		q := s.Questions[idx]
		s.Locked = true
		if t := s.timerFor(uid); t.Status != timer.Stop {
			t.Stop()
			if s.TimerQuestionUID == uid {
				s.countdown.clear()
			}
			s.mirrorTimer(uid, now)
		}

		closed := QuestionClosed{QuizID: s.ID, QuestionUID: uid, CorrectAnswers: q.CorrectTexts()}
		if s.TournamentCode != "" && e.trigger != nil {
			res, err := e.trigger.TriggerClose(ctx, s.TournamentCode, uid)
			if err != nil {
				e.logTrigger("close_question", s, err)
			} else {
				closed.Leaderboard = res.Leaderboard
			}
		}
		e.deps.Broadcaster.ToRoom(DashboardRoom(s.ID), EvQuizQuestionClosed, closed)
		e.deps.Broadcaster.ToRoom(ProjectionRoom(s.ID), EvQuizQuestionClosed, closed)
		e.broadcastLocked(s, now)
		log.Printf("[quiz:close_question] %s: question %s closed", s.ID, uid)
		return nil
	})
}

// End marks the quiz ended and finishes its linked tournament. force ends an
// already ended quiz again.
func (e *QuizEngine) End(ctx context.Context, cmd QuizCommand, force bool) error {
	return e.act(ctx, cmd, "end", false, func(s *QuizSession, now time.Time) error {
		if s.Ended && !force {
			return nil
		}
		s.Ended = true
		s.countdown.clear()
		for _, t := range s.Timers {
			if t.Status != timer.Stop {
				t.Stop()
			}
		}
		if s.TimerQuestionUID != "" {
			s.mirrorTimer(s.TimerQuestionUID, now)
		}
		if s.TournamentCode != "" && e.trigger != nil {
			if err := e.trigger.TriggerEnd(ctx, s.TournamentCode); err != nil {
				e.logTrigger("end", s, err)
			}
		}
		e.deps.Broadcaster.ToRoom(DashboardRoom(s.ID), EvQuizEnded, map[string]any{"quizId": s.ID})
		e.deps.Broadcaster.ToRoom(ProjectionRoom(s.ID), EvQuizEnded, map[string]any{"quizId": s.ID})
		e.broadcastLocked(s, now)
		e.deps.publish(EventQuizEnded, map[string]any{"quizId": s.ID, "tournamentCode": s.TournamentCode, "endedAt": now})
		log.Printf("[quiz:end] %s ended", s.ID)
		return nil
	})
}

// Disconnect forgets a socket's presence in every quiz.
func (e *QuizEngine) Disconnect(socketID string) {
	for _, id := range e.deps.Store.QuizIDs() {
		sess, ok := e.deps.Store.Quiz(id)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if _, ok := sess.Sockets[socketID]; ok {
			delete(sess.Sockets, socketID)
			if sess.ProfSocketID == socketID {
				sess.ProfSocketID = ""
			}
			e.deps.Broadcaster.ToRoom(DashboardRoom(id), EvQuizConnectedCount, map[string]any{"quizId": id, "sockets": len(sess.Sockets)})
		}
		sess.mu.Unlock()
	}
}

// Evict removes quizzes that ended more than endedTTL ago or saw no activity
// for idleTTL. It returns how many were removed.
func (e *QuizEngine) Evict(idleTTL, endedTTL time.Duration) int {
	now := e.deps.Now()
	removed := 0
	for _, id := range e.deps.Store.QuizIDs() {
		sess, ok := e.deps.Store.Quiz(id)
		if !ok {
			continue
		}
		last, ended := sess.Idle()
		idle := now.Sub(last)
		if !(ended && idle >= endedTTL) && idle < idleTTL {
			continue
		}
		sess.mu.Lock()
		sess.countdown.clear()
		sess.mu.Unlock()
		e.deps.Store.DeleteQuiz(id)
		removed++
		log.Printf("[quiz:evict] %s removed after %s idle (ended=%t)", id, idle.Round(time.Second), ended)
	}
	return removed
}

// broadcastLocked pushes the dashboard snapshot and the projector view.
func (e *QuizEngine) broadcastLocked(s *QuizSession, now time.Time) {
	e.deps.Broadcaster.ToRoom(DashboardRoom(s.ID), EvQuizStateUpdate, PatchQuizState(s, now))
	e.deps.Broadcaster.ToRoom(ProjectionRoom(s.ID), EvProjectionQuestion, projectionPayload(s, now))
}

func (e *QuizEngine) emitTimerLocked(s *QuizSession, uid string, now time.Time) {
	t := s.timerFor(uid)
	update := QuizTimerUpdate{QuizID: s.ID, Status: t.Status, QuestionID: uid, TimeLeft: t.RemainingAt(now)}
	e.deps.Broadcaster.ToRoom(DashboardRoom(s.ID), EvQuizTimerUpdate, update)
	e.deps.Broadcaster.ToRoom(ProjectionRoom(s.ID), EvQuizTimerUpdate, update)
}

func (e *QuizEngine) logTrigger(action string, s *QuizSession, err error) {
	if errors.Is(err, domain.ErrSessionNotFound) {
		log.Printf("[quiz:%s] %s: tournament %s not started", action, s.ID, s.TournamentCode)
		return
	}
	log.Printf("[quiz:%s] %s: tournament %s: %v", action, s.ID, s.TournamentCode, err)
}

// activeQuestion is the question the session timer tracks, else the current one.
func (s *QuizSession) activeQuestion() string {
	if s.TimerQuestionUID != "" {
		return s.TimerQuestionUID
	}
	return s.CurrentQuestionUID
}
