package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/scoring"
	"live-quiz-service/internal/timer"
)

// TournamentConfig tunes the tournament engine.
type TournamentConfig struct {
	LobbyCountdown time.Duration
	AnswerGrace    time.Duration
	Settings       TournamentSettings
}

// DefaultTournamentConfig matches the classroom defaults.
var DefaultTournamentConfig = TournamentConfig{
	LobbyCountdown: 5 * time.Second,
	AnswerGrace:    500 * time.Millisecond,
	Settings:       TournamentSettings{AutoProgress: true},
}

// JoinTournament is a participant joining a tournament or its lobby.
type JoinTournament struct {
	Code     string
	SocketID string
	CookieID string
	Name     string
	Avatar   string
	Differed bool
}

// SubmitAnswer is a participant's answer to the current question.
type SubmitAnswer struct {
	Code            string
	SocketID        string
	QuestionUID     string
	Submission      domain.Submission
	ClientTimestamp int64
}

// LobbyParticipant is someone waiting for a tournament to start.
type LobbyParticipant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// TournamentEngine drives tournament sessions: start, joins, answers, pauses
// and the scoring checkpoint run at every question expiry.
type TournamentEngine struct {
	deps Deps
	cfg  TournamentConfig

	lobbyMu sync.Mutex
	lobbies map[string]map[string]LobbyParticipant
}

func NewTournamentEngine(deps Deps, cfg TournamentConfig) *TournamentEngine {
	if cfg.LobbyCountdown < 0 {
		cfg.LobbyCountdown = 0
	}
	if cfg.AnswerGrace <= 0 {
		cfg.AnswerGrace = DefaultTournamentConfig.AnswerGrace
	}
	return &TournamentEngine{
		deps:    deps.withDefaults(),
		cfg:     cfg,
		lobbies: make(map[string]map[string]LobbyParticipant),
	}
}

// Start loads a tournament and opens its live session. Standalone
// tournaments send their first question after the lobby countdown; linked
// ones wait for the quiz teacher.
func (e *TournamentEngine) Start(ctx context.Context, code, socketID string) error {
	created := false
	sess, err := e.deps.Store.GetOrCreateTournament(ctx, code, func(ctx context.Context) (*TournamentSession, error) {
		created = true
		return e.load(ctx, code, code, e.cfg.Settings)
	})
	if err == nil && !created {
		err = domain.ErrAlreadyStarted
	}
	if err != nil {
		log.Printf("[tournament:start] %s: %v", code, err)
		e.deps.Broadcaster.ToSocket(socketID, EvTournamentError, errorPayload(err))
		return err
	}

	sess.mu.Lock()
	defer e.unlock(sess)
	now := e.deps.Now()

	tournamentID := sess.TournamentID
	e.deps.enqueue("update_tournament_status", statusKey(code), func(ctx context.Context) error {
		return e.deps.Gateway.UpdateTournamentStatus(ctx, code, domain.TournamentUpdate{
			Status:    domain.TournamentRunning,
			StartedAt: &now,
		})
	})
	e.deps.publish(EventTournamentStarted, map[string]any{"code": code, "tournamentId": tournamentID, "startedAt": now})

	if sess.LinkedQuizID != "" {
		log.Printf("[tournament:start] %s linked to quiz %s, waiting for the teacher", code, sess.LinkedQuizID)
		e.deps.Broadcaster.ToRoom(LobbyRoom(code), EvTournamentStarted, map[string]any{"code": code, "countdown": 0})
		return nil
	}

	countdown := e.cfg.LobbyCountdown
	e.deps.Broadcaster.ToRoom(LobbyRoom(code), EvTournamentStarted, map[string]any{"code": code, "countdown": countdown.Seconds()})
	key := sess.Key
	sess.expiry.reset(e.deps.Scheduler, countdown, func(gen uint64) { e.afterLobby(key, gen) })
	log.Printf("[tournament:start] %s started with %d questions", code, len(sess.Questions))
	return nil
}

func (e *TournamentEngine) load(ctx context.Context, key, code string, settings TournamentSettings) (*TournamentSession, error) {
	t, err := e.deps.Gateway.FindTournamentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	questions, err := e.deps.Gateway.FindQuestionsByUIDs(ctx, t.QuestionUIDs)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, domain.ErrNoQuestions
	}
	sort.SliceStable(questions, func(i, j int) bool {
		if questions[i].Level != questions[j].Level {
			return questions[i].Level < questions[j].Level
		}
		return questions[i].Discipline < questions[j].Discipline
	})

	sess := newTournamentSession(key, t, questions, settings)
	if sess.Differed {
		sess.Settings.AutoProgress = true
		return sess, nil
	}
	quiz, err := e.deps.Gateway.FindQuizByTournamentCode(ctx, code)
	switch {
	case err == nil:
		sess.LinkedQuizID = quiz.ID
	case !errors.Is(err, domain.ErrQuizNotFound):
		log.Printf("[tournament:start] %s: linked quiz lookup failed: %v", code, err)
	}
	return sess, nil
}

func (e *TournamentEngine) afterLobby(key string, gen uint64) {
	sess, ok := e.deps.Store.Tournament(key)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if !sess.expiry.current(gen) || sess.Stopped || sess.CurrentIndex >= 0 {
		return
	}
	e.deps.Broadcaster.ToRoom(LobbyRoom(sess.Code), EvTournamentRedirect, map[string]any{"code": sess.Code, "redirectTo": "live"})
	e.sendQuestionLocked(sess, 0, e.deps.Now())
}

// sendQuestionLocked makes idx current, starts a fresh timer and schedules
// its expiry.
func (e *TournamentEngine) sendQuestionLocked(s *TournamentSession, idx int, now time.Time) {
	q := s.Questions[idx]
	s.CurrentIndex = idx
	s.CurrentQuestionUID = q.UID
	s.Asked[q.UID] = struct{}{}
	delete(s.Closed, q.UID)
	s.Paused = false
	s.announce = false

	t := s.timerFor(q.UID)
	t.Stop()
	if err := t.Start(now); err != nil {
		log.Printf("[tournament:question] %s: starting timer of %s: %v", s.Key, q.UID, err)
	}
	s.QuestionStart = now

	e.deps.Broadcaster.ToRoom(s.room(), EvLiveQuestion, e.liveQuestion(s, now))
	key := s.Key
	s.expiry.reset(e.deps.Scheduler, seconds(t.RemainingAt(now)), func(gen uint64) { e.onExpiry(key, gen) })
	log.Printf("[tournament:question] %s: question %d/%d (%s)", s.Key, idx+1, len(s.Questions), q.UID)
}

func (e *TournamentEngine) liveQuestion(s *TournamentSession, now time.Time) LiveQuestion {
	q, _ := s.currentQuestion()
	remaining := s.allottedSeconds(q)
	if t, ok := s.Timers[q.UID]; ok {
		remaining = t.RemainingAt(now)
	}
	return LiveQuestion{
		Code:           s.Code,
		Question:       FilterQuestion(q),
		Timer:          remaining,
		QuestionIndex:  s.CurrentIndex,
		TotalQuestions: len(s.Questions),
		QuestionState:  s.questionState(),
	}
}

// Join adds a participant. Before the tournament starts the socket waits in
// the lobby; differed joins open a private replay session.
func (e *TournamentEngine) Join(ctx context.Context, req JoinTournament) error {
	pid := e.participantID(ctx, req)
	if req.Differed {
		return e.joinDiffered(ctx, req, pid)
	}

	sess, ok := e.deps.Store.Tournament(req.Code)
	if !ok {
		t, err := e.deps.Gateway.FindTournamentByCode(ctx, req.Code)
		switch {
		case err != nil:
			err = domain.Reject(domain.ReasonNotFound, err)
		case t.Status == domain.TournamentFinished:
			err = domain.Reject(domain.ReasonStopped, domain.ErrSessionEnded)
		}
		if err != nil {
			log.Printf("[tournament:join] %s: %v", req.Code, err)
			e.deps.Broadcaster.ToSocket(req.SocketID, EvTournamentError, errorPayload(err))
			return err
		}
		e.enterLobby(req.Code, req.SocketID, LobbyParticipant{ID: pid, Name: req.Name, Avatar: req.Avatar})
		e.deps.Broadcaster.ToSocket(req.SocketID, EvTournamentLobby, map[string]any{"code": req.Code})
		e.emitConnectedCount(ctx, req.Code)
		return nil
	}

	e.leaveLobby(req.Code, req.SocketID)
	sess.mu.Lock()
	now := e.deps.Now()
	_, isNew := sess.addParticipant(pid, req.Name, req.Avatar, req.SocketID, now)
	e.deps.Broadcaster.Leave(req.SocketID, LobbyRoom(req.Code))
	e.deps.Broadcaster.Join(req.SocketID, sess.room())
	e.catchUpLocked(sess, req.SocketID, now)
	sess.mu.Unlock()

	if isNew {
		log.Printf("[tournament:join] %s: participant %s joined", req.Code, pid)
	}
	e.emitConnectedCount(ctx, req.Code)
	return nil
}

func (e *TournamentEngine) joinDiffered(ctx context.Context, req JoinTournament, pid string) error {
	key := DifferedKey(req.Code, pid)
	created := false
	sess, err := e.deps.Store.GetOrCreateTournament(ctx, key, func(ctx context.Context) (*TournamentSession, error) {
		created = true
		return e.load(ctx, key, req.Code, e.cfg.Settings)
	})
	if err != nil {
		log.Printf("[tournament:join] differed %s: %v", key, err)
		e.deps.Broadcaster.ToSocket(req.SocketID, EvTournamentError, errorPayload(err))
		return err
	}

	sess.mu.Lock()
	defer e.unlock(sess)
	now := e.deps.Now()
	sess.addParticipant(pid, req.Name, req.Avatar, req.SocketID, now)
	e.deps.Broadcaster.Join(req.SocketID, sess.room())
	if created {
		log.Printf("[tournament:join] differed session %s opened", key)
		e.sendQuestionLocked(sess, 0, now)
		return nil
	}
	e.catchUpLocked(sess, req.SocketID, now)
	return nil
}

// catchUpLocked sends the active question to a late joiner.
func (e *TournamentEngine) catchUpLocked(s *TournamentSession, socketID string, now time.Time) {
	if s.CurrentQuestionUID == "" || s.Stopped || s.announce {
		return
	}
	if _, closed := s.Closed[s.CurrentQuestionUID]; closed {
		return
	}
	e.deps.Broadcaster.ToSocket(socketID, EvLiveQuestion, e.liveQuestion(s, now))
}

// participantID resolves the stable identity of a joining socket. Players
// without a cookie, or whose upsert failed, get a temporary id.
func (e *TournamentEngine) participantID(ctx context.Context, req JoinTournament) string {
	if req.CookieID == "" {
		return domain.TemporaryParticipantPrefix + req.SocketID
	}
	player, err := e.deps.Gateway.UpsertPlayer(ctx, req.CookieID, req.Name, req.Avatar)
	if err != nil {
		log.Printf("[tournament:join] upsert player %s failed, using a temporary id: %v", req.CookieID, err)
		return domain.TemporaryParticipantPrefix + req.SocketID
	}
	return player.ID
}

// JoinLobby puts a socket in the waiting room of code. Sockets arriving after
// a standalone tournament started are redirected at once.
func (e *TournamentEngine) JoinLobby(ctx context.Context, req JoinTournament) error {
	pid := e.participantID(ctx, req)
	if sess, ok := e.deps.Store.Tournament(req.Code); ok {
		sess.mu.Lock()
		started := sess.CurrentIndex >= 0
		sess.mu.Unlock()
		if started {
			e.deps.Broadcaster.ToSocket(req.SocketID, EvTournamentRedirect, map[string]any{"code": req.Code, "redirectTo": "live"})
		}
	}
	e.enterLobby(req.Code, req.SocketID, LobbyParticipant{ID: pid, Name: req.Name, Avatar: req.Avatar})
	e.emitConnectedCount(ctx, req.Code)
	return nil
}

func (e *TournamentEngine) enterLobby(code, socketID string, p LobbyParticipant) {
	e.deps.Broadcaster.Join(socketID, LobbyRoom(code))
	e.lobbyMu.Lock()
	room, ok := e.lobbies[code]
	if !ok {
		room = make(map[string]LobbyParticipant)
		e.lobbies[code] = room
	}
	room[socketID] = p
	list := lobbyList(room)
	e.lobbyMu.Unlock()
	e.deps.Broadcaster.ToRoom(LobbyRoom(code), EvLobbyParticipants, map[string]any{"code": code, "participants": list})
}

func (e *TournamentEngine) leaveLobby(code, socketID string) bool {
	e.lobbyMu.Lock()
	room, ok := e.lobbies[code]
	if !ok {
		e.lobbyMu.Unlock()
		return false
	}
	if _, ok = room[socketID]; !ok {
		e.lobbyMu.Unlock()
		return false
	}
	delete(room, socketID)
	if len(room) == 0 {
		delete(e.lobbies, code)
	}
	list := lobbyList(room)
	e.lobbyMu.Unlock()
	e.deps.Broadcaster.ToRoom(LobbyRoom(code), EvLobbyParticipants, map[string]any{"code": code, "participants": list})
	return true
}

// LobbyParticipants lists who waits in the lobby of code.
func (e *TournamentEngine) LobbyParticipants(code string) []LobbyParticipant {
	e.lobbyMu.Lock()
	defer e.lobbyMu.Unlock()
	return lobbyList(e.lobbies[code])
}

func lobbyList(room map[string]LobbyParticipant) []LobbyParticipant {
	out := make([]LobbyParticipant, 0, len(room))
	seen := make(map[string]struct{}, len(room))
	for _, p := range room {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Answer records a submission for the current question. Scoring is deferred
// to the question's expiry; the caller only gets an acknowledgement.
func (e *TournamentEngine) Answer(ctx context.Context, req SubmitAnswer) (AnswerAck, error) {
	ack, err := e.answer(req)
	if err != nil {
		ack = AnswerAck{QuestionUID: req.QuestionUID, Status: AnswerRejected, Reason: domain.ReasonOf(err)}
		metrics.Answers.WithLabelValues(ack.Reason).Inc()
		log.Printf("[tournament:answer] %s socket %s: %v", req.Code, req.SocketID, err)
	} else {
		metrics.Answers.WithLabelValues(ack.Status).Inc()
	}
	e.deps.Broadcaster.ToSocket(req.SocketID, EvAnswerResult, ack)
	return ack, err
}

func (e *TournamentEngine) answer(req SubmitAnswer) (AnswerAck, error) {
	sess, p, err := e.resolveParticipant(req.Code, req.SocketID)
	if err != nil {
		return AnswerAck{}, err
	}
	defer e.unlock(sess)
	now := e.deps.Now()

	if req.QuestionUID == "" || req.QuestionUID != sess.CurrentQuestionUID {
		return AnswerAck{}, domain.Reject(domain.ReasonWrongQuestion, domain.ErrQuestionNotFound)
	}
	q, _ := sess.currentQuestion()
	t := sess.timerFor(q.UID)
	if _, closed := sess.Closed[q.UID]; closed || sess.Stopped || t.Status == timer.Stop {
		return AnswerAck{}, domain.Reject(domain.ReasonStopped, nil)
	}

	elapsedMs := sess.elapsedMs(now)
	if !sess.Paused {
		limit := int64(sess.windowSeconds(q)*1000) + e.cfg.AnswerGrace.Milliseconds()
		if elapsedMs > limit {
			return AnswerAck{}, domain.Reject(domain.ReasonLateServer, nil)
		}
		if req.ClientTimestamp > 0 && req.ClientTimestamp-sess.QuestionStart.UnixMilli() > limit {
			return AnswerAck{}, domain.Reject(domain.ReasonLateClient, nil)
		}
	}

	timeMs := elapsedMs
	start := sess.QuestionStart.UnixMilli()
	if !sess.Paused && req.ClientTimestamp >= start && req.ClientTimestamp <= now.UnixMilli() {
		timeMs = req.ClientTimestamp - start
	}
	if timeMs < 0 {
		timeMs = 0
	}

	status := AnswerRegistered
	if prior, ok := p.Answers[q.UID]; ok && prior.Answered {
		status = AnswerUpdated
	}
	p.Answers[q.UID] = &domain.Answer{
		QuestionUID:       q.UID,
		Submission:        req.Submission,
		Answered:          true,
		ClientTimestamp:   req.ClientTimestamp,
		ServerReceiveTime: now,
		TimeMs:            timeMs,
	}

	if sess.LinkedQuizID != "" {
		e.deps.Broadcaster.ToRoom(DashboardRoom(sess.LinkedQuizID), EvAnswerReceived, map[string]any{
			"participantId": p.ID,
			"questionUid":   q.UID,
		})
	}
	return AnswerAck{QuestionUID: q.UID, Status: status}, nil
}

// resolveParticipant finds the session a socket plays in, live first, then
// differed replays of code. The returned session is locked.
func (e *TournamentEngine) resolveParticipant(code, socketID string) (*TournamentSession, *domain.Participant, error) {
	keys := []string{code}
	for _, key := range e.deps.Store.TournamentCodes() {
		if isDifferedKeyOf(key, code) {
			keys = append(keys, key)
		}
	}
	found := false
	for _, key := range keys {
		sess, ok := e.deps.Store.Tournament(key)
		if !ok {
			continue
		}
		found = true
		sess.mu.Lock()
		if p, ok := sess.participantBySocket(socketID); ok {
			return sess, p, nil
		}
		sess.mu.Unlock()
	}
	if !found {
		return nil, nil, domain.Reject(domain.ReasonNotFound, domain.ErrSessionNotFound)
	}
	return nil, nil, domain.Reject(domain.ReasonNotJoined, domain.ErrParticipantNotFound)
}

// elapsedMs is the time consumed on the current question.
func (s *TournamentSession) elapsedMs(now time.Time) int64 {
	if s.Paused {
		t := s.timerFor(s.CurrentQuestionUID)
		return int64((t.InitialTime - t.TimeLeft) * 1000)
	}
	return now.Sub(s.QuestionStart).Milliseconds()
}

// Pause freezes the current question timer and cancels its expiry.
func (e *TournamentEngine) Pause(code string) error {
	return e.withCurrent(code, func(s *TournamentSession, now time.Time) error {
		return e.pauseLocked(s, now)
	})
}

// Resume restarts the current question timer and reschedules its expiry from
// the remaining time.
func (e *TournamentEngine) Resume(code string) error {
	return e.withCurrent(code, func(s *TournamentSession, now time.Time) error {
		return e.resumeLocked(s, now)
	})
}

func (e *TournamentEngine) withCurrent(code string, fn func(s *TournamentSession, now time.Time) error) error {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return domain.Reject(domain.ReasonNotFound, domain.ErrSessionNotFound)
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.CurrentQuestionUID == "" {
		return domain.Reject(domain.ReasonInvalid, domain.ErrQuestionNotFound)
	}
	if sess.Stopped {
		return domain.Reject(domain.ReasonStopped, domain.ErrSessionEnded)
	}
	return fn(sess, e.deps.Now())
}

func (e *TournamentEngine) pauseLocked(s *TournamentSession, now time.Time) error {
	if s.Paused {
		return nil
	}
	t := s.timerFor(s.CurrentQuestionUID)
	if err := t.Pause(now); err != nil {
		return domain.Reject(domain.ReasonInvalid, err)
	}
	s.Paused = true
	s.expiry.clear()
	e.deps.Broadcaster.ToRoom(s.room(), EvQuestionStateUpdate, QuestionStateUpdate{
		QuestionState: QuestionStatePaused,
		RemainingTime: t.TimeLeft,
	})
	log.Printf("[tournament:pause] %s paused with %.1fs left", s.Key, t.TimeLeft)
	return nil
}

func (e *TournamentEngine) resumeLocked(s *TournamentSession, now time.Time) error {
	if !s.Paused {
		return nil
	}
	t := s.timerFor(s.CurrentQuestionUID)
	if err := t.Start(now); err != nil {
		return domain.Reject(domain.ReasonInvalid, err)
	}
	s.Paused = false
	s.rebaseStart(now)
	remaining := t.RemainingAt(now)
	if s.LinkedQuizID == "" {
		key := s.Key
		s.expiry.reset(e.deps.Scheduler, seconds(remaining), func(gen uint64) { e.onExpiry(key, gen) })
	}
	e.deps.Broadcaster.ToRoom(s.room(), EvQuestionStateUpdate, QuestionStateUpdate{
		QuestionState: QuestionStateActive,
		RemainingTime: remaining,
	})
	log.Printf("[tournament:resume] %s resumed with %.1fs left", s.Key, remaining)
	return nil
}

// Next closes the current question if needed and moves to the next one, for
// standalone tournaments without auto-progress.
func (e *TournamentEngine) Next(code string) error {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return domain.Reject(domain.ReasonNotFound, domain.ErrSessionNotFound)
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.LinkedQuizID != "" {
		return domain.Reject(domain.ReasonUnauthorized, domain.ErrNotAuthorized)
	}
	if sess.Stopped {
		return domain.Reject(domain.ReasonStopped, domain.ErrSessionEnded)
	}
	now := e.deps.Now()
	if uid := sess.CurrentQuestionUID; uid != "" {
		if _, closed := sess.Closed[uid]; !closed {
			e.scoreLocked(sess, now)
		}
	}
	e.advanceLocked(sess, now)
	return nil
}

func (e *TournamentEngine) onExpiry(key string, gen uint64) {
	sess, ok := e.deps.Store.Tournament(key)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if !sess.expiry.current(gen) {
		return
	}
	e.expireLocked(sess)
}

// Expire force-expires the current question of key, as a timer reaching zero
// would.
func (e *TournamentEngine) Expire(key string) error {
	sess, ok := e.deps.Store.Tournament(key)
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	e.expireLocked(sess)
	return nil
}

// expireLocked is the scoring checkpoint of the current question. It is a
// no-op on a paused or stopped session. Standalone sessions with
// auto-progress move on to the next question or finish.
func (e *TournamentEngine) expireLocked(s *TournamentSession) {
	if s.Paused || s.Stopped || s.CurrentQuestionUID == "" {
		return
	}
	now := e.deps.Now()
	metrics.TimerExpiries.WithLabelValues("tournament").Inc()
	e.scoreLocked(s, now)
	if s.LinkedQuizID == "" && s.Settings.AutoProgress {
		e.advanceLocked(s, now)
	}
}

func (e *TournamentEngine) advanceLocked(s *TournamentSession, now time.Time) {
	if next := s.nextUnasked(); next >= 0 {
		e.sendQuestionLocked(s, next, now)
		return
	}
	e.finishLocked(s, now)
}

// scoreLocked scores every participant on the current question, replacing any
// earlier score of that question, then sends private updates and results.
func (e *TournamentEngine) scoreLocked(s *TournamentSession, now time.Time) QuestionResults {
	q, _ := s.currentQuestion()
	s.expiry.clear()
	if t, ok := s.Timers[q.UID]; ok && t.Status != timer.Stop {
		t.Stop()
	}
	s.Closed[q.UID] = struct{}{}

	scored := q
	scored.TimeSeconds = s.windowSeconds(q)
	total := len(s.Questions)
	participants := s.Participants()
	for _, p := range participants {
		a, ok := p.Answers[q.UID]
		if !ok {
			a = &domain.Answer{QuestionUID: q.UID}
			p.Answers[q.UID] = a
		}
		res := scoring.Calculate(scored, scoring.Attempt{Submission: a.Submission, Answered: a.Answered, TimeMs: a.TimeMs}, total)
		a.Score = res.NormalizedScore
		a.BaseScore = res.ScoreBeforePenalty
		a.TimePenalty = res.TimePenalty
		a.IsCorrect = res.Correct
		a.Scored = true
		p.RecomputeScore()
		e.saveScore(s.TournamentID, p)
	}

	board := scoring.Rank(participants)
	ranks := scoring.RankOf(board)
	for _, p := range participants {
		socketID, ok := s.participantToSocket[p.ID]
		if !ok {
			continue
		}
		a := p.Answers[q.UID]
		e.deps.Broadcaster.ToSocket(socketID, EvScoreUpdate, ScoreUpdate{
			QuestionUID: q.UID,
			Score:       a.Score,
			TotalScore:  p.Score,
			Rank:        ranks[p.ID],
			Correct:     a.IsCorrect,
		})
	}

	res := QuestionResults{QuestionUID: q.UID, CorrectAnswers: q.CorrectTexts(), Leaderboard: board}
	e.deps.Broadcaster.ToRoom(s.room(), EvQuestionResults, res)
	if s.LinkedQuizID != "" {
		e.deps.Broadcaster.ToRoom(DashboardRoom(s.LinkedQuizID), EvQuestionResults, res)
	}
	log.Printf("[tournament:score] %s: scored %s for %d participants", s.Key, q.UID, len(participants))
	return res
}

func (e *TournamentEngine) saveScore(tournamentID string, p *domain.Participant) {
	if domain.IsTemporaryParticipant(p.ID) || tournamentID == "" {
		return
	}
	id, score := p.ID, p.Score
	e.deps.enqueue("upsert_score", "score:"+tournamentID+"/"+id, func(ctx context.Context) error {
		return e.deps.Gateway.UpsertScore(ctx, tournamentID, id, score)
	})
}

func statusKey(code string) string { return "status:" + code }

// finishLocked ends the session and persists the final state. The session
// leaves the store in unlock.
func (e *TournamentEngine) finishLocked(s *TournamentSession, now time.Time) {
	s.Stopped = true
	s.expiry.clear()
	participants := s.Participants()
	board := scoring.Rank(participants)

	e.deps.Broadcaster.ToRoom(s.room(), EvTournamentFinished, TournamentFinished{Code: s.Code, Leaderboard: board})
	if s.LinkedQuizID != "" {
		e.deps.Broadcaster.ToRoom(DashboardRoom(s.LinkedQuizID), EvTournamentFinished, TournamentFinished{Code: s.Code, Leaderboard: board})
	}
	for _, p := range participants {
		e.saveScore(s.TournamentID, p)
	}
	if !s.Differed {
		code := s.Code
		e.deps.enqueue("update_tournament_status", statusKey(code), func(ctx context.Context) error {
			return e.deps.Gateway.UpdateTournamentStatus(ctx, code, domain.TournamentUpdate{
				Status:      domain.TournamentFinished,
				EndedAt:     &now,
				Leaderboard: board,
			})
		})
		e.deps.publish(EventTournamentFinished, map[string]any{"code": code, "tournamentId": s.TournamentID, "leaderboard": board})
	}
	s.released = true
	log.Printf("[tournament:finish] %s finished with %d participants", s.Key, len(participants))
}

// unlock releases s, then drops it from the store if it finished.
func (e *TournamentEngine) unlock(s *TournamentSession) {
	release, key := s.released, s.Key
	s.released = false
	s.mu.Unlock()
	if release {
		e.deps.Store.DeleteTournament(key)
	}
}

// TriggerQuestion makes uid the current question of a linked tournament. The
// timer stays stopped at timeLeft until TriggerTimer plays it, which is when
// participants receive the question.
func (e *TournamentEngine) TriggerQuestion(_ context.Context, code, quizID, uid string, timeLeft float64) error {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.Stopped {
		return domain.ErrSessionEnded
	}
	idx := sess.questionIndex(uid)
	if idx < 0 {
		return fmt.Errorf("tournament %s: %w", code, domain.ErrQuestionNotFound)
	}
	now := e.deps.Now()
	sess.LinkedQuizID = quizID
	sess.expiry.clear()
	sess.Paused = false
	sess.CurrentIndex = idx
	sess.CurrentQuestionUID = uid
	sess.Asked[uid] = struct{}{}
	delete(sess.Closed, uid)

	t := sess.timerFor(uid)
	t.Set(timeLeft, now)
	t.Stop()
	sess.QuestionStart = now
	sess.announce = true

	e.deps.Broadcaster.ToRoom(LobbyRoom(code), EvTournamentRedirect, map[string]any{"code": code, "redirectTo": "live"})
	return nil
}

// TriggerTimer mirrors the linked quiz timer onto the current question. A
// stop at zero time left is the question's expiry.
func (e *TournamentEngine) TriggerTimer(_ context.Context, code string, status timer.Status, timeLeft float64) error {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.CurrentQuestionUID == "" {
		return domain.ErrQuestionNotFound
	}
	if sess.Stopped {
		return domain.ErrSessionEnded
	}
	now := e.deps.Now()
	t := sess.timerFor(sess.CurrentQuestionUID)
	t.Sync(status, timeLeft, now)
	switch status {
	case timer.Play:
		sess.Paused = false
		delete(sess.Closed, sess.CurrentQuestionUID)
		sess.rebaseStart(now)
	case timer.Pause:
		sess.Paused = true
	case timer.Stop:
		sess.Paused = false
	}
	if sess.announce && status == timer.Play {
		sess.announce = false
		e.deps.Broadcaster.ToRoom(sess.room(), EvLiveQuestion, e.liveQuestion(sess, now))
		return nil
	}
	e.deps.Broadcaster.ToRoom(sess.room(), EvTournamentSetTimer, map[string]any{
		"timeLeft":      timeLeft,
		"questionState": sess.questionState(),
	})
	if status == timer.Stop && timeLeft <= 0 {
		if _, closed := sess.Closed[sess.CurrentQuestionUID]; !closed {
			metrics.TimerExpiries.WithLabelValues("tournament").Inc()
			e.scoreLocked(sess, now)
		}
	}
	return nil
}

// TriggerClose scores uid on behalf of the linked quiz. Closing the same
// question again recomputes the same scores.
func (e *TournamentEngine) TriggerClose(_ context.Context, code, uid string) (QuestionResults, error) {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return QuestionResults{}, domain.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.Stopped {
		return QuestionResults{}, domain.ErrSessionEnded
	}
	if uid != sess.CurrentQuestionUID {
		return QuestionResults{}, domain.Reject(domain.ReasonWrongQuestion, domain.ErrQuestionNotFound)
	}
	sess.Paused = false
	metrics.TimerExpiries.WithLabelValues("tournament").Inc()
	return e.scoreLocked(sess, e.deps.Now()), nil
}

// TriggerEnd scores the open question, if any, and finishes the tournament.
func (e *TournamentEngine) TriggerEnd(_ context.Context, code string) error {
	sess, ok := e.deps.Store.Tournament(code)
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer e.unlock(sess)
	if sess.Stopped {
		return nil
	}
	now := e.deps.Now()
	if uid := sess.CurrentQuestionUID; uid != "" {
		if _, closed := sess.Closed[uid]; !closed {
			sess.Paused = false
			e.scoreLocked(sess, now)
		}
	}
	e.finishLocked(sess, now)
	return nil
}

// Disconnect forgets a socket's presence. Participants and their answers
// stay in their sessions.
func (e *TournamentEngine) Disconnect(ctx context.Context, socketID string) {
	affected := make(map[string]struct{})
	for _, key := range e.deps.Store.TournamentCodes() {
		sess, ok := e.deps.Store.Tournament(key)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if sess.dropSocket(socketID) && !sess.Differed {
			affected[sess.Code] = struct{}{}
		}
		sess.mu.Unlock()
	}

	e.lobbyMu.Lock()
	codes := make([]string, 0, 1)
	for code, room := range e.lobbies {
		if _, ok := room[socketID]; ok {
			codes = append(codes, code)
		}
	}
	e.lobbyMu.Unlock()
	for _, code := range codes {
		e.leaveLobby(code, socketID)
		affected[code] = struct{}{}
	}

	for code := range affected {
		e.emitConnectedCount(ctx, code)
	}
}

// emitConnectedCount pushes the participant socket count of code to the
// dashboard of its quiz. It must run without any session lock held.
func (e *TournamentEngine) emitConnectedCount(ctx context.Context, code string) {
	quizID := ""
	if sess, ok := e.deps.Store.Tournament(code); ok {
		sess.mu.Lock()
		quizID = sess.LinkedQuizID
		sess.mu.Unlock()
	}
	if quizID == "" {
		quiz, err := e.deps.Gateway.FindQuizByTournamentCode(ctx, code)
		if err != nil {
			return
		}
		quizID = quiz.ID
	}
	teacherSocket := ""
	if qs, ok := e.deps.Store.Quiz(quizID); ok {
		qs.mu.Lock()
		teacherSocket = qs.ProfSocketID
		qs.mu.Unlock()
	}
	count := ConnectedCount(e.deps.Broadcaster, code, teacherSocket)
	e.deps.Broadcaster.ToRoom(DashboardRoom(quizID), EvQuizConnectedCount, map[string]any{"code": code, "count": count})
}
