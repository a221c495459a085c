package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/api/schemas"
)

// broadcaster fans session events out to per-session subscribers. Streams
// are finite: closeTopic is called once the session is terminal, after
// which new subscribers get an already-closed channel.
type broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
	buffer int
	log    *zap.Logger
}

type topic struct {
	subs   []chan schemas.SessionEvent
	closed bool
}

func newBroadcaster(buffer int, logger *zap.Logger) *broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &broadcaster{
		topics: make(map[string]*topic),
		buffer: buffer,
		log:    logger.Named("engine.events"),
	}
}

// subscribe returns a receive channel and its cancel func. Subscribing to
// a closed topic yields a closed channel, which reads as an immediate end
// of stream.
func (b *broadcaster) subscribe(sessionID string) (<-chan schemas.SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp, ok := b.topics[sessionID]
	if !ok {
		tp = &topic{}
		b.topics[sessionID] = tp
	}

	ch := make(chan schemas.SessionEvent, b.buffer)
	if tp.closed {
		close(ch)
		return ch, func() {}
	}
	tp.subs = append(tp.subs, ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range tp.subs {
			if c == ch {
				tp.subs = append(tp.subs[:i], tp.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// publish delivers an event to every subscriber without blocking the
// runner. A slow subscriber loses events rather than stalling execution.
func (b *broadcaster) publish(ev schemas.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp, ok := b.topics[ev.SessionID]
	if !ok || tp.closed {
		return
	}
	for _, ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("Dropping event for slow subscriber",
				zap.String("session_id", ev.SessionID),
				zap.String("type", string(ev.Type)))
		}
	}
}

// closeTopic ends the stream for a session.
func (b *broadcaster) closeTopic(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp, ok := b.topics[sessionID]
	if !ok {
		tp = &topic{}
		b.topics[sessionID] = tp
	}
	if tp.closed {
		return
	}
	tp.closed = true
	for _, ch := range tp.subs {
		close(ch)
	}
	tp.subs = nil
}

// closeAll ends every stream, used on engine shutdown.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tp := range b.topics {
		if tp.closed {
			continue
		}
		tp.closed = true
		for _, ch := range tp.subs {
			close(ch)
		}
		tp.subs = nil
	}
}
