package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/config"
)

// LocalTransport delivers events within a single process. It backs the
// memory store driver where no redis is configured.
type LocalTransport struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[string]map[chan []byte]struct{})}
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for ch := range t.subs[topic] {
		select {
		case ch <- payload:
		default:
			log.Warn().Str("topic", LogTopic(topic)).Msg("local transport buffer full, dropping event")
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, config.FeedBufferSize)

	t.mu.Lock()
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[chan []byte]struct{})
	}
	t.subs[topic][ch] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs[topic], ch)
		if len(t.subs[topic]) == 0 {
			delete(t.subs, topic)
		}
		close(ch)
		t.mu.Unlock()
	}()

	return ch, nil
}
