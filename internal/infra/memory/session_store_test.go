package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

func TestSessionStoreLifecycle(t *testing.T) {
	store := NewSessionStore()
	gw := NewGateway()
	gw.AddQuiz(domain.Quiz{ID: "quiz-1", TeacherID: "t1"})
	engine := app.NewQuizEngine(app.Deps{Store: store, Gateway: gw, Broadcaster: nopBroadcaster{}}, nil)

	if err := engine.Join(context.Background(), app.JoinQuiz{QuizID: "quiz-1", SocketID: "s1", Role: app.RoleTeacher}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := store.Quiz("quiz-1"); !ok {
		t.Fatalf("expected session present")
	}
	if ids := store.QuizIDs(); len(ids) != 1 || ids[0] != "quiz-1" {
		t.Fatalf("unexpected ids %v", ids)
	}

	store.DeleteQuiz("quiz-1")
	if _, ok := store.Quiz("quiz-1"); ok {
		t.Fatalf("expected session removed")
	}
}

func TestSessionStoreLoadsOnceUnderConcurrentFirstTouch(t *testing.T) {
	store := NewSessionStore()
	var calls int32
	release := make(chan struct{})
	load := func(ctx context.Context) (*app.TournamentSession, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &app.TournamentSession{Key: "ABC"}, nil
	}

	var wg sync.WaitGroup
	results := make([]*app.TournamentSession, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.GetOrCreateTournament(context.Background(), "ABC", load)
			if err != nil {
				t.Errorf("get or create: %v", err)
			}
			results[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one load, got %d", got)
	}
	for _, s := range results {
		if s != results[0] {
			t.Fatalf("callers got different sessions")
		}
	}
}

func TestSessionStoreSharedLoadSurvivesCallerCancel(t *testing.T) {
	store := NewSessionStore()
	release := make(chan struct{})
	load := func(ctx context.Context) (*app.QuizSession, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &app.QuizSession{ID: "quiz-1"}, nil
	}

	first, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, ctx := range []context.Context{first, context.Background()} {
		go func(ctx context.Context) {
			_, err := store.GetOrCreateQuiz(ctx, "quiz-1", load)
			errs <- err
		}(ctx)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("a disconnecting caller must not fail the shared load: %v", err)
		}
	}
	if _, ok := store.Quiz("quiz-1"); !ok {
		t.Fatalf("expected the loaded session to be kept")
	}
}

func TestSessionStoreDoesNotKeepFailedLoads(t *testing.T) {
	store := NewSessionStore()
	boom := errors.New("boom")
	_, err := store.GetOrCreateQuiz(context.Background(), "quiz-1", func(context.Context) (*app.QuizSession, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	if _, ok := store.Quiz("quiz-1"); ok {
		t.Fatalf("failed load must not leave a session")
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) ToRoom(string, string, any)   {}
func (nopBroadcaster) ToSocket(string, string, any) {}
func (nopBroadcaster) Join(string, string)          {}
func (nopBroadcaster) Leave(string, string)         {}
func (nopBroadcaster) RoomMembers(string) []string  { return nil }
