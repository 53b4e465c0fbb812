package engine

import (
	"strings"
	"sync"

	"github.com/danmuck/amictl/internal/protocol/frame"
)

const (
	// TopicAll receives every event.
	TopicAll = "*"
	// TopicUnclassified receives blocks that are neither events nor correlated responses.
	TopicUnclassified = "@unclassified"
)

type Handler func(frame.Message)

type Subscription struct {
	id    uint64
	topic string
}

func (s Subscription) Topic() string { return s.topic }

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a publish/subscribe registry keyed by normalized event name.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[string][]subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	topic = normalizeTopic(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[topic] = append(b.subs[topic], subscriber{id: b.next, fn: fn})
	return Subscription{id: b.next, topic: topic}
}

func (b *Bus) Unsubscribe(s Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, sub := range list {
		if sub.id != s.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(b.subs, s.topic)
		} else {
			b.subs[s.topic] = list
		}
		return true
	}
	return false
}

// Handlers returns a copy of the handlers registered for topic.
func (b *Bus) Handlers(topic string) []Handler {
	topic = normalizeTopic(topic)
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.subs[topic]
	out := make([]Handler, 0, len(list))
	for _, sub := range list {
		out = append(out, sub.fn)
	}
	return out
}

// Topics lists the topics an event is published on: all, its name, and for
// user events the inner event name.
func Topics(msg frame.Message) []string {
	topics := []string{TopicAll}
	if msg.Name == "" {
		return topics
	}
	topics = append(topics, msg.Name)
	if msg.Name == frame.KeyUserEvent && msg.Fields.Has(frame.KeyUserEvent) {
		if inner := frame.NormalizeEventName(msg.Fields.Values(frame.KeyUserEvent)); inner != "" {
			topics = append(topics, inner)
		}
	}
	return topics
}
