package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"
)

// Gateway is an in-memory app.Gateway (useful for tests/demos).
type Gateway struct {
	mu          sync.Mutex
	quizzes     map[string]domain.Quiz
	questions   map[string]domain.Question
	tournaments map[string]domain.Tournament
	players     map[string]domain.Player
	scores      map[string]map[string]float64
	updates     []StatusUpdate
}

// StatusUpdate records an UpdateTournamentStatus call.
type StatusUpdate struct {
	Code   string
	Update domain.TournamentUpdate
}

func NewGateway() *Gateway {
	return &Gateway{
		quizzes:     make(map[string]domain.Quiz),
		questions:   make(map[string]domain.Question),
		tournaments: make(map[string]domain.Tournament),
		players:     make(map[string]domain.Player),
		scores:      make(map[string]map[string]float64),
	}
}

// AddQuiz stores a quiz with its questions.
func (g *Gateway) AddQuiz(quiz domain.Quiz, questions ...domain.Question) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quizzes[quiz.ID] = quiz
	for _, q := range questions {
		g.questions[q.UID] = q
	}
}

// AddTournament stores a tournament with its questions.
func (g *Gateway) AddTournament(t domain.Tournament, questions ...domain.Question) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.Status == "" {
		t.Status = domain.TournamentPending
	}
	g.tournaments[t.Code] = t
	for _, q := range questions {
		g.questions[q.UID] = q
	}
}

func (g *Gateway) FindQuizByID(_ context.Context, quizID string) (domain.Quiz, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if quiz, ok := g.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func (g *Gateway) FindQuizByTournamentCode(_ context.Context, code string) (domain.Quiz, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, quiz := range g.quizzes {
		if code != "" && quiz.TournamentCode == code {
			return quiz, nil
		}
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func (g *Gateway) FindQuestionsByUIDs(_ context.Context, uids []string) ([]domain.Question, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Question, 0, len(uids))
	for _, uid := range uids {
		if q, ok := g.questions[uid]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (g *Gateway) FindTournamentByCode(_ context.Context, code string) (domain.Tournament, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tournaments[code]; ok {
		return t, nil
	}
	return domain.Tournament{}, domain.ErrTournamentNotFound
}

func (g *Gateway) UpsertPlayer(_ context.Context, cookieID, name, avatar string) (domain.Player, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.players[cookieID]
	if !ok {
		p = domain.Player{ID: "player-" + cookieID, CookieID: cookieID}
	}
	if name != "" {
		p.Name = name
	}
	if avatar != "" {
		p.Avatar = avatar
	}
	g.players[cookieID] = p
	return p, nil
}

func (g *Gateway) UpsertScore(_ context.Context, tournamentID, participantID string, score float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	byPlayer, ok := g.scores[tournamentID]
	if !ok {
		byPlayer = make(map[string]float64)
		g.scores[tournamentID] = byPlayer
	}
	byPlayer[participantID] = score
	return nil
}

func (g *Gateway) UpdateTournamentStatus(_ context.Context, code string, update domain.TournamentUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tournaments[code]
	if !ok {
		return domain.ErrTournamentNotFound
	}
	t.Status = update.Status
	if update.StartedAt != nil {
		t.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		t.EndedAt = update.EndedAt
	}
	g.tournaments[code] = t
	g.updates = append(g.updates, StatusUpdate{Code: code, Update: update})
	return nil
}

// Score returns the persisted score of a participant.
func (g *Gateway) Score(tournamentID, participantID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	score, ok := g.scores[tournamentID][participantID]
	return score, ok
}

// StatusUpdates lists every status update in call order.
func (g *Gateway) StatusUpdates() []StatusUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]StatusUpdate(nil), g.updates...)
}
