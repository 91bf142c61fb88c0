package bus

import (
	"log/slog"
	"sync"
)

// MessageBus is the in-process event and outbound-message hub.
// Subscriber callbacks must not block; a panicking subscriber is dropped
// from the current broadcast but stays registered.
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
	outbound    chan OutboundMessage
}

// New creates a message bus with a bounded outbound buffer.
func New() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]EventHandler),
		outbound:    make(chan OutboundMessage, 256),
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers the event to every subscriber. A failing subscriber
// never stops delivery to the rest.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus.subscriber_panic", "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// PublishOutbound enqueues a message for channel delivery. Messages are
// dropped with a warning when no consumer keeps up.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus.outbound_dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// Outbound exposes the delivery queue to channel adapters.
func (b *MessageBus) Outbound() <-chan OutboundMessage { return b.outbound }
