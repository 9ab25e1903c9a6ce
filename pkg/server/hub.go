package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/push"
)

const (
	DefaultHeartbeat       = 15 * time.Second
	DefaultPoolIdleTimeout = time.Minute
)

type HubConfig struct {
	BaseCtx    context.Context
	Subscriber message.Subscriber
	Clock      clock.Clock
	// Heartbeat is the cadence of heartbeat frames. Zero uses DefaultHeartbeat.
	Heartbeat time.Duration
	// IdleTimeout is how long a principal's bus subscription outlives its last connection.
	IdleTimeout time.Duration
}

// Hub fans the change events of each principal out to that principal's websocket
// connections. A principal's bus subscription lives while it has connections.
type Hub struct {
	baseCtx     context.Context
	subscriber  message.Subscriber
	clock       clock.Clock
	heartbeat   time.Duration
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*hubEntry
	closed  bool
}

type hubEntry struct {
	principal string
	pool      *ConnectionPool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("hub subscriber is nil")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolIdleTimeout
	}
	return &Hub{
		baseCtx:     cfg.BaseCtx,
		subscriber:  cfg.Subscriber,
		clock:       clock.OrReal(cfg.Clock),
		heartbeat:   cfg.Heartbeat,
		idleTimeout: cfg.IdleTimeout,
		entries:     map[string]*hubEntry{},
	}, nil
}

// Attach registers conn for principal's changes, acknowledges the subscription and
// serves the connection's read side until it closes. The acknowledgement is only sent
// once the bus subscription is in place.
func (h *Hub) Attach(principal string, conn *websocket.Conn) error {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return errors.New("missing principal")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	e, err := h.add(principal, conn)
	if err != nil {
		return err
	}
	wsLog := log.With().
		Str("component", "server").
		Str("remote", conn.RemoteAddr().String()).
		Str("principal", principal).
		Logger()
	wsLog.Info().Msg("ws connected")
	e.pool.SendToOne(conn, push.EncodeControl(push.KindSubscribed, principal))

	go func() {
		defer e.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
				e.pool.SendToOne(conn, push.EncodeControl(push.KindHeartbeat, principal))
			}
		}
	}()
	return nil
}

func (h *Hub) add(principal string, conn wsConn) (*hubEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	e, ok := h.entries[principal]
	if !ok {
		var err error
		e, err = h.startLocked(principal)
		if err != nil {
			return nil, err
		}
		h.entries[principal] = e
	}
	e.pool.Add(conn)
	return e, nil
}

func (h *Hub) startLocked(principal string) (*hubEntry, error) {
	ctx, cancel := context.WithCancel(h.baseCtx)
	ch, err := h.subscriber.Subscribe(ctx, push.Topic(principal))
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe %s", push.Topic(principal))
	}
	e := &hubEntry{principal: principal, cancel: cancel, done: make(chan struct{})}
	e.pool = NewConnectionPool(principal, h.clock, h.idleTimeout, func() { h.evict(e) })
	go h.consume(e, ch)
	log.Debug().Str("component", "server").Str("principal", principal).Msg("hub: subscription started")
	return e, nil
}

func (h *Hub) consume(e *hubEntry, ch <-chan *message.Message) {
	defer close(e.done)
	for msg := range ch {
		if _, _, err := push.Decode(msg.Payload); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("principal", e.principal).Msg("hub: dropping malformed change event")
			msg.Ack()
			continue
		}
		e.pool.Broadcast(msg.Payload)
		msg.Ack()
	}
	log.Debug().Str("component", "server").Str("principal", e.principal).Msg("hub: subscription stopped")
}

func (h *Hub) evict(e *hubEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.entries[e.principal]; !ok || cur != e || !e.pool.IsEmpty() {
		return
	}
	delete(h.entries, e.principal)
	e.cancel()
}

// Connections returns the number of live connections of principal.
func (h *Hub) Connections(principal string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[principal]; ok {
		return e.pool.Count()
	}
	return 0
}

// Subscribed reports whether principal currently holds a bus subscription.
func (h *Hub) Subscribed(principal string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[principal]
	return ok
}

// Run sends heartbeat frames to every connection until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for clock.Sleep(h.clock, h.heartbeat, ctx.Done()) {
		h.mu.Lock()
		entries := make([]*hubEntry, 0, len(h.entries))
		for _, e := range h.entries {
			entries = append(entries, e)
		}
		h.mu.Unlock()
		for _, e := range entries {
			e.pool.Broadcast(push.EncodeControl(push.KindHeartbeat, e.principal))
		}
	}
	return nil
}

// Close drops every connection and subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = map[string]*hubEntry{}
	h.mu.Unlock()
	for _, e := range entries {
		e.cancel()
		e.pool.CloseAll()
		<-e.done
	}
}
