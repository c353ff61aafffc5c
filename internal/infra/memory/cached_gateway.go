package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// CachedGateway caches quiz lookups with TTL to avoid repeated DB hits. The
// tournament code lookup runs on every join, so a missing link is cached too.
// Writes go straight to the wrapped gateway.
type CachedGateway struct {
	app.Gateway
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand

	mu     sync.Mutex
	byID   map[string]cachedQuiz
	byCode map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	missing   bool
	expiresAt time.Time
}

func NewCachedGateway(inner app.Gateway, ttl time.Duration) *CachedGateway {
	return &CachedGateway{
		Gateway: inner,
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		byID:    make(map[string]cachedQuiz),
		byCode:  make(map[string]cachedQuiz),
	}
}

func (g *CachedGateway) FindQuizByID(ctx context.Context, quizID string) (domain.Quiz, error) {
	return g.lookup(ctx, g.byID, "id:"+quizID, quizID, g.Gateway.FindQuizByID)
}

func (g *CachedGateway) FindQuizByTournamentCode(ctx context.Context, code string) (domain.Quiz, error) {
	return g.lookup(ctx, g.byCode, "code:"+code, code, g.Gateway.FindQuizByTournamentCode)
}

func (g *CachedGateway) lookup(ctx context.Context, cache map[string]cachedQuiz, flight, key string, load func(context.Context, string) (domain.Quiz, error)) (domain.Quiz, error) {
	if quiz, ok, err := g.cached(cache, key); ok {
		return quiz, err
	}

	result, err, _ := g.sf.Do(flight, func() (interface{}, error) {
		if quiz, ok, err := g.cached(cache, key); ok {
			return quiz, err
		}
		quiz, err := load(ctx, key)
		missing := errors.Is(err, domain.ErrQuizNotFound)
		if err != nil && !missing {
			return domain.Quiz{}, err
		}

		expiresAt := g.clock().Add(g.ttlWithJitter())
		g.mu.Lock()
		cache[key] = cachedQuiz{quiz: quiz, missing: missing, expiresAt: expiresAt}
		g.mu.Unlock()
		if missing {
			return domain.Quiz{}, domain.ErrQuizNotFound
		}
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (g *CachedGateway) cached(cache map[string]cachedQuiz, key string) (domain.Quiz, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := cache[key]
	if !ok || !entry.expiresAt.After(g.clock()) {
		return domain.Quiz{}, false, nil
	}
	if entry.missing {
		return domain.Quiz{}, true, domain.ErrQuizNotFound
	}
	return entry.quiz, true, nil
}

func (g *CachedGateway) ttlWithJitter() time.Duration {
	if g.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(g.ttl) / 10
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ttl + time.Duration(g.rnd.Int63n(jitterMax+1))
}
