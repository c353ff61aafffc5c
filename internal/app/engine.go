package app

import (
	"context"
	"log"
	"time"
)

// Deps are the collaborators shared by both engines.
type Deps struct {
	Store       SessionStore
	Gateway     Gateway
	Broadcaster Broadcaster
	Scheduler   Scheduler
	// Persist applies durable writes in the background. When nil, jobs run
	// inline and failures are only logged.
	Persist   *PersistQueue
	Publisher EventPublisher
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Scheduler == nil {
		d.Scheduler = RealScheduler{}
	}
	if d.Publisher == nil {
		d.Publisher = noopPublisher{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// enqueue hands a durable write to the queue. Writes sharing key are applied
// in order.
func (d Deps) enqueue(name, key string, fn func(ctx context.Context) error) {
	if d.Persist != nil {
		d.Persist.Enqueue(name, key, fn)
		return
	}
	if err := fn(context.Background()); err != nil {
		log.Printf("[persist] %s failed: %v", name, err)
	}
}

func (d Deps) publish(eventType string, payload any) {
	d.enqueue("publish_event", "", func(ctx context.Context) error {
		return d.Publisher.Publish(ctx, eventType, payload)
	})
}

func seconds(d float64) time.Duration {
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Second))
}
