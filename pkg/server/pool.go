package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/clock"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const defaultWriteTimeout = 5 * time.Second

// ConnectionPool holds the websocket connections of one principal. Writes are serialised
// under the pool lock; a connection whose write fails is dropped.
type ConnectionPool struct {
	principal    string
	mu           sync.Mutex
	conns        map[wsConn]struct{}
	clock        clock.Clock
	idleTimer    clock.Timer
	idleTimeout  time.Duration
	onIdle       func()
	writeTimeout time.Duration
}

func NewConnectionPool(principal string, c clock.Clock, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		principal:    principal,
		conns:        map[wsConn]struct{}{},
		clock:        clock.OrReal(c),
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		writeTimeout: defaultWriteTimeout,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	dropped := false
	for conn := range cp.conns {
		if err := cp.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("principal", cp.principal).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
			dropped = true
		}
	}
	if dropped {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := cp.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("principal", cp.principal).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) writeLocked(conn wsConn, data []byte) error {
	if cp.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = cp.clock.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
