package app_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

type sent struct {
	target  string
	event   string
	payload any
}

// recorder is an app.Broadcaster that keeps every emission.
type recorder struct {
	mu     sync.Mutex
	rooms  map[string]map[string]struct{}
	events []sent
}

func newRecorder() *recorder {
	return &recorder{rooms: make(map[string]map[string]struct{})}
}

func (r *recorder) ToRoom(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{target: "room:" + room, event: event, payload: payload})
}

func (r *recorder) ToSocket(socketID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{target: "socket:" + socketID, event: event, payload: payload})
}

func (r *recorder) Join(socketID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][socketID] = struct{}{}
}

func (r *recorder) Leave(socketID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[room], socketID)
}

func (r *recorder) RoomMembers(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *recorder) inRoom(socketID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][socketID]
	return ok
}

// last returns the latest payload of event sent to target ("room:x" or "socket:y").
func (r *recorder) last(t *testing.T, target, event string) any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].target == target && r.events[i].event == event {
			return r.events[i].payload
		}
	}
	t.Fatalf("no %s sent to %s", event, target)
	return nil
}

func (r *recorder) count(target, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.target == target && e.event == event {
			n++
		}
	}
	return n
}

type harness struct {
	now         time.Time
	gw          *memory.Gateway
	store       *memory.SessionStore
	bus         *recorder
	sched       *app.ManualScheduler
	quizzes     *app.QuizEngine
	tournaments *app.TournamentEngine
}

func newHarness(t *testing.T, settings app.TournamentSettings) *harness {
	t.Helper()
	h := &harness{
		now:   time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC),
		gw:    memory.NewGateway(),
		store: memory.NewSessionStore(),
		bus:   newRecorder(),
		sched: app.NewManualScheduler(),
	}
	deps := app.Deps{
		Store:       h.store,
		Gateway:     h.gw,
		Broadcaster: h.bus,
		Scheduler:   h.sched,
		Now:         func() time.Time { return h.now },
	}
	cfg := app.DefaultTournamentConfig
	cfg.Settings = settings
	h.tournaments = app.NewTournamentEngine(deps, cfg)
	h.quizzes = app.NewQuizEngine(deps, h.tournaments)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func question(uid string, seconds float64, correct int) domain.Question {
	answers := []domain.AnswerOption{{Text: "A"}, {Text: "B"}, {Text: "C"}}
	answers[correct].Correct = true
	return domain.Question{UID: uid, Text: "Question " + uid, Type: domain.QuestionSingle, Answers: answers, TimeSeconds: seconds}
}

func teacher(quizID string) app.QuizCommand {
	return app.QuizCommand{QuizID: quizID, SocketID: "s-teacher", TeacherID: "t1"}
}
