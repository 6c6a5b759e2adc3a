package events

import "sync"

// EventType represents the type of event
type EventType string

// Define event types
const (
	EventSessionCreated EventType = "SESSION_CREATED"
	EventGameStarted    EventType = "GAME_STARTED"
	EventMovePlayed     EventType = "MOVE_PLAYED"
	EventGameOver       EventType = "GAME_OVER"
	EventSessionEvicted EventType = "SESSION_EVICTED"
	EventFinalizeFailed EventType = "FINALIZE_FAILED"
)

// allEvents is the subscription key for handlers interested in every event
const allEvents EventType = "*"

// Event represents an event in the system
type Event struct {
	Type    EventType
	GameID  string
	Payload interface{}
}

// GameOverPayload accompanies EventGameOver
type GameOverPayload struct {
	Winner string
	Reason string
}

// Handler is a function that processes events
type Handler func(event Event)

// Publisher is the central event publisher
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewPublisher creates a new event publisher
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (p *Publisher) Subscribe(eventType EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[eventType] = append(p.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for all event types
func (p *Publisher) SubscribeAll(handler Handler) {
	p.Subscribe(allEvents, handler)
}

// Publish broadcasts an event to its subscribers and to every
// SubscribeAll handler. Handlers run on their own goroutines. A nil
// Publisher drops the event.
func (p *Publisher) Publish(event Event) {
	if p == nil {
		return
	}

	p.mu.RLock()
	handlers := p.subscribers[event.Type]
	allHandlers := p.subscribers[allEvents]
	p.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}

	for _, handler := range allHandlers {
		go handler(event)
	}
}
