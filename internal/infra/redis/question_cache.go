package redis

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// QuestionCache caches quiz rows and question bodies in Redis and falls back
// to the wrapped gateway on a miss. Each value is a JSON string:
//
//	SET quiz:{quizID}          {quiz}
//	SET question:{questionUID} {question}
//
// Every other gateway call goes straight through.
type QuestionCache struct {
	app.Gateway
	client *redis.Client
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuestionCache(client *redis.Client, inner app.Gateway, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		Gateway: inner,
		client:  client,
		ttl:     ttl,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) FindQuizByID(ctx context.Context, quizID string) (domain.Quiz, error) {
	key := quizCacheKey(quizID)
	var quiz domain.Quiz
	if c.get(ctx, key, &quiz) {
		return quiz, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		var quiz domain.Quiz
		if c.get(ctx, key, &quiz) {
			return quiz, nil
		}
		quiz, err := c.Gateway.FindQuizByID(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		c.set(ctx, map[string]any{key: quiz})
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (c *QuestionCache) FindQuestionsByUIDs(ctx context.Context, uids []string) ([]domain.Question, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	found, missing := c.cachedQuestions(ctx, uids)
	if len(missing) == 0 {
		return found, nil
	}

	flight := "questions:" + strings.Join(sortedCopy(missing), ",")
	result, err, _ := c.sf.Do(flight, func() (interface{}, error) {
		loaded, err := c.Gateway.FindQuestionsByUIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		values := make(map[string]any, len(loaded))
		for _, q := range loaded {
			values[questionCacheKey(q.UID)] = q
		}
		c.set(ctx, values)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return append(found, result.([]domain.Question)...), nil
}

func (c *QuestionCache) cachedQuestions(ctx context.Context, uids []string) ([]domain.Question, []string) {
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = questionCacheKey(uid)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Printf("[redis:questions] mget: %v", err)
		return nil, uids
	}

	found := make([]domain.Question, 0, len(uids))
	var missing []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, uids[i])
			continue
		}
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			missing = append(missing, uids[i])
			continue
		}
		found = append(found, q)
	}
	return found, missing
}

func (c *QuestionCache) get(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (c *QuestionCache) set(ctx context.Context, values map[string]any) {
	pipe := c.client.Pipeline()
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		pipe.Set(ctx, key, raw, c.ttlWithJitter())
	}
	if pipe.Len() == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis:questions] fill cache: %v", err)
	}
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func quizCacheKey(quizID string) string {
	return "quiz:" + quizID
}

func questionCacheKey(uid string) string {
	return "question:" + uid
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
