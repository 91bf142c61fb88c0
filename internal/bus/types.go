package bus

// OutboundMessage represents a message to be delivered through an external
// channel adapter (approval forwarding, cron delivery).
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event to broadcast to connected clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and domain components to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// OutboundPublisher delivers messages to external channel adapters.
// The gateway treats adapters as collaborators behind this capability.
type OutboundPublisher interface {
	PublishOutbound(msg OutboundMessage)
}
