// Package polling runs a periodic full refresh while the push channel is not connected.
package polling

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/clock"
)

// DefaultInterval is the refresh cadence while push is down.
const DefaultInterval = 30 * time.Second

// State is the fallback's lifecycle state.
type State int

const (
	// StateIdle means push is connected (or the fallback was stopped); no timer is pending.
	StateIdle State = iota
	// StateArmed means an interval timer is pending.
	StateArmed
	// StateFiring means the refresh callback is running.
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	}
	return "unknown"
}

// Fallback is the idle → armed → firing → armed/idle state machine.
type Fallback struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	refresh  func()

	state   State
	timer   clock.Timer
	seq     uint64
	stopped bool
	fired   int
}

func New(c clock.Clock, interval time.Duration, refresh func()) *Fallback {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Fallback{
		clock:    clock.OrReal(c),
		interval: interval,
		refresh:  refresh,
	}
}

// SetConnected disarms the fallback when connected and arms it otherwise. Arming an
// already armed fallback keeps the current cadence.
func (f *Fallback) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	if connected {
		if f.state != StateIdle {
			log.Debug().Str("component", "polling").Msg("push connected, polling disarmed")
		}
		f.disarmLocked()
		return
	}
	if f.state == StateIdle {
		log.Debug().Str("component", "polling").Dur("interval", f.interval).Msg("push not connected, polling armed")
		f.armLocked()
	}
}

// ResetInterval restarts the pending interval, if armed. Called on filter changes, which
// refresh immediately on their own.
func (f *Fallback) ResetInterval() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.state != StateArmed {
		return
	}
	f.armLocked()
}

// State returns the current state.
func (f *Fallback) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Fired returns how many refreshes the fallback triggered.
func (f *Fallback) Fired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Stop disarms the fallback for good.
func (f *Fallback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarmLocked()
	f.stopped = true
}

func (f *Fallback) armLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.seq++
	seq := f.seq
	f.state = StateArmed
	f.timer = f.clock.AfterFunc(f.interval, func() { f.fire(seq) })
}

func (f *Fallback) disarmLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.seq++
	f.state = StateIdle
}

func (f *Fallback) fire(seq uint64) {
	f.mu.Lock()
	if f.stopped || seq != f.seq || f.state != StateArmed {
		f.mu.Unlock()
		return
	}
	f.state = StateFiring
	f.timer = nil
	f.fired++
	refresh := f.refresh
	f.mu.Unlock()

	log.Debug().Str("component", "polling").Msg("polling refresh")
	if refresh != nil {
		refresh()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// a connection change during the refresh already decided the next state
	if f.stopped || seq != f.seq || f.state != StateFiring {
		return
	}
	f.armLocked()
}
