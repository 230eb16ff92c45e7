package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/config"
	"github.com/openclaw/devicelink/internal/util"
)

const (
	EventConnection = "connection"
	EventAbandoned  = "abandoned"
	EventContent    = "content"
)

type Event struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Transport moves encoded events between broker instances. Subscribe must
// not return until the subscription is active; the returned channel is
// closed once ctx is cancelled.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

func ConnectionTopic(connectionID string) string {
	return "connection:" + connectionID
}

func DeviceTopic(deviceID string) string {
	return deviceTopicPrefix + deviceID
}

const deviceTopicPrefix = "device:"

// LogTopic renders topic for logs. Device ids are secrets, so device topics
// are reduced to a fingerprint.
func LogTopic(topic string) string {
	if id, ok := strings.CutPrefix(topic, deviceTopicPrefix); ok {
		return deviceTopicPrefix + util.Fingerprint(id)
	}
	return topic
}

// Subscription receives the events of one topic until Cancel is called or
// the broker closes it. A subscriber that falls behind by more than the
// buffer is closed and must resume from its last seen event id.
type Subscription struct {
	Topic  string
	Events chan Event
	Done   chan struct{}

	broker *Broker
	once   sync.Once
}

func (s *Subscription) Cancel() {
	s.broker.unsubscribe(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.Done) })
}

type topicState struct {
	clients map[*Subscription]bool
	cancel  context.CancelFunc
	ready   chan struct{} // closed once the transport subscription settles
	err     error
}

type Broker struct {
	transport Transport
	topics    map[string]*topicState
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewBroker(transport Transport) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		transport: transport,
		topics:    make(map[string]*topicState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe registers a subscriber on topic. When it returns without error,
// every event published afterwards reaches the subscription.
func (b *Broker) Subscribe(topic string) (*Subscription, error) {
	sub := &Subscription{
		Topic:  topic,
		Events: make(chan Event, config.FeedBufferSize),
		Done:   make(chan struct{}),
		broker: b,
	}

	for {
		state, err := b.settleTopic(topic)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.topics[topic] != state {
			// Torn down between setup and registration.
			b.mu.Unlock()
			if err := b.ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		state.clients[sub] = true
		count := len(state.clients)
		b.mu.Unlock()

		log.Info().
			Str("topic", LogTopic(topic)).
			Int("clientCount", count).
			Msg("feed client subscribed")

		return sub, nil
	}
}

// settleTopic returns the settled state of topic, subscribing the transport
// first if nobody holds the topic yet. The transport round trip runs outside
// b.mu; concurrent callers for the same topic wait on ready.
func (b *Broker) settleTopic(topic string) (*topicState, error) {
	b.mu.Lock()
	if state := b.topics[topic]; state != nil {
		b.mu.Unlock()
		<-state.ready
		return state, state.err
	}
	ctx, cancel := context.WithCancel(b.ctx)
	state := &topicState{
		clients: make(map[*Subscription]bool),
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
	b.topics[topic] = state
	b.mu.Unlock()

	messages, err := b.transport.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		state.err = err
		b.mu.Lock()
		if b.topics[topic] == state {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
		close(state.ready)
		return nil, err
	}

	go b.forward(topic, messages)
	close(state.ready)
	return state, nil
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[sub.Topic]
	if !ok || !state.clients[sub] {
		return
	}
	delete(state.clients, sub)
	sub.close()

	if len(state.clients) == 0 {
		state.cancel()
		delete(b.topics, sub.Topic)
	}

	log.Info().
		Str("topic", LogTopic(sub.Topic)).
		Int("clientCount", len(state.clients)).
		Msg("feed client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, topic, data)
}

func (b *Broker) forward(topic string, messages <-chan []byte) {
	log.Debug().Str("topic", LogTopic(topic)).Msg("feed transport subscribed")

	for msg := range messages {
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal event")
			continue
		}
		b.broadcast(topic, event)
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	var lagging []*Subscription

	b.mu.RLock()
	if state := b.topics[topic]; state != nil {
		for sub := range state.clients {
			select {
			case sub.Events <- event:
			default:
				lagging = append(lagging, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range lagging {
		log.Warn().
			Str("topic", LogTopic(topic)).
			Msg("client event buffer full, closing subscription")
		sub.Cancel()
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, state := range b.topics {
		for sub := range state.clients {
			sub.close()
		}
	}
	b.topics = make(map[string]*topicState)
}

func (b *Broker) ClientCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if state := b.topics[topic]; state != nil {
		return len(state.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, state := range b.topics {
		total += len(state.clients)
	}
	return total
}
