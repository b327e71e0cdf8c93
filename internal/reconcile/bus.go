package reconcile

import (
	"log/slog"
	"sync"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Topic names a class of lifecycle notice on the Bus.
type Topic string

// Bus topics.
const (
	TopicEditStart     Topic = "edit-start"
	TopicEditEnd       Topic = "edit-end"
	TopicEntityUpdated Topic = "entity-updated"
	TopicConnection    Topic = "connection"
	TopicHealthCheck   Topic = "health-check"
	TopicLookupUpdated Topic = "lookup-updated"
	TopicPermission    Topic = "permission"
)

// Notice is one message on the Bus. Fields beyond Topic are meaningful only
// for the topics that use them.
type Notice struct {
	Topic Topic
	Kind  entity.Kind

	// Suppress marks an entity-updated notice that listeners must not treat
	// as a fresh external change. Origin identifies the publisher.
	Suppress bool
	Origin   string

	// Connected is set on connection and health-check notices.
	Connected bool

	// Message carries human-readable detail (permission hints, probe names).
	Message string
}

// Bus is an in-process publish/subscribe channel for cross-component
// lifecycle notices. Dispatch is synchronous: Publish returns after every
// current subscriber of the topic has run. Handlers must not block.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]func(Notice)
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger: logger,
		subs:   make(map[Topic]map[uint64]func(Notice)),
	}
}

// Subscribe registers fn for topic and returns a function that removes it.
// The cancel function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, fn func(Notice)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(Notice))
	}

	b.subs[topic][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs[topic], id)
	}
}

// Publish delivers n to every subscriber of n.Topic. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Publish(n Notice) {
	b.mu.RLock()
	handlers := make([]func(Notice), 0, len(b.subs[n.Topic]))

	for _, fn := range b.subs[n.Topic] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(fn, n)
	}
}

func (b *Bus) deliver(fn func(Notice), n Notice) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				slog.String("topic", string(n.Topic)),
				slog.Any("panic", r),
			)
		}
	}()

	fn(n)
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[topic])
}
