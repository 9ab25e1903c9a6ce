package push

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

const (
	DefaultDebounce         = 2 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultRetryDelay       = time.Second
	DefaultMaxTransient     = 3
	DefaultReconnectMin     = time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// Options tunes a Channel. Zero values pick the defaults above.
type Options struct {
	Clock clock.Clock
	// Debounce is how long a loss of connection must persist before it is reported.
	Debounce time.Duration
	// SubscribeTimeout bounds one subscription attempt.
	SubscribeTimeout time.Duration
	// RetryDelay is the pause before reading again after a transient error.
	RetryDelay time.Duration
	// MaxTransient consecutive transient errors turn into a disconnect.
	MaxTransient int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o Options) withDefaults() Options {
	o.Clock = clock.OrReal(o.Clock)
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxTransient <= 0 {
		o.MaxTransient = DefaultMaxTransient
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = DefaultReconnectMin
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = DefaultReconnectMax
		if o.ReconnectMax < o.ReconnectMin {
			o.ReconnectMax = o.ReconnectMin
		}
	}
	return o
}

// Channel owns one principal's push subscription: it connects, reads events in order,
// retries transient failures, reconnects with backoff and reports a debounced state.
type Channel struct {
	source Source
	opts   Options

	mu          sync.Mutex
	raw         ConnectionState
	reported    ConnectionState
	debounce    clock.Timer
	debounceSeq uint64
	onEvent     func(Event)
	onState     func(ConnectionState)
	onAuth      func(error)
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool
	principalID string
	deliverMu   sync.Mutex
	delivered   ConnectionState
}

func NewChannel(source Source, opts Options) *Channel {
	return &Channel{
		source:    source,
		opts:      opts.withDefaults(),
		raw:       Disconnected,
		reported:  Disconnected,
		delivered: Disconnected,
	}
}

// OnEvent registers the event callback. Events are delivered one at a time, in arrival order.
func (c *Channel) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// OnStateChange registers the callback for reported (debounced) state changes.
func (c *Channel) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnAuthExpired registers the callback for a subscription rejected with ErrAuthExpired.
// The channel stops reconnecting after such a rejection; Start it again with fresh credentials.
func (c *Channel) OnAuthExpired(fn func(error)) {
	c.mu.Lock()
	c.onAuth = fn
	c.mu.Unlock()
}

// State returns the reported connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reported
}

func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start subscribes for principalID in the background.
func (c *Channel) Start(ctx context.Context, principalID string) error {
	if c == nil || c.source == nil {
		return errors.New("push channel has no source")
	}
	if principalID == "" {
		return errors.New("push channel: empty principal")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.principalID = principalID
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, principalID, done)
	return nil
}

// Stop unsubscribes and waits for the read loop to exit. The state becomes disconnected
// without debounce.
func (c *Channel) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.stopDebounceLocked()
	c.raw = Disconnected
	changed := c.reported != Disconnected
	c.reported = Disconnected
	c.mu.Unlock()
	if changed {
		c.deliverState()
	}
}

func (c *Channel) run(ctx context.Context, principalID string, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "push").Str("principal", principalID).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectMin
	bo.MaxInterval = c.opts.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		c.setRaw(Connecting)
		stream, err := c.subscribe(ctx, principalID)
		if err == nil {
			bo.Reset()
			c.setRaw(Connected)
			logger.Info().Msg("push channel connected")
			err = c.consume(ctx, stream)
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return
		}
		c.setRaw(Disconnected)
		if errors.Is(err, sessions.ErrAuthExpired) {
			logger.Warn().Err(err).Msg("push channel rejected, credentials expired")
			c.mu.Lock()
			c.running = false
			onAuth := c.onAuth
			c.mu.Unlock()
			if onAuth != nil {
				onAuth(err)
			}
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = c.opts.ReconnectMax
		}
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("push channel disconnected")
		if !clock.Sleep(c.opts.Clock, wait, ctx.Done()) {
			return
		}
	}
}

type subscribeResult struct {
	stream Stream
	err    error
}

func (c *Channel) subscribe(ctx context.Context, principalID string) (Stream, error) {
	subCtx, cancel := context.WithCancel(ctx)
	resCh := make(chan subscribeResult, 1)
	go func() {
		s, err := c.source.Subscribe(subCtx, principalID)
		resCh <- subscribeResult{stream: s, err: err}
	}()

	timedOut := make(chan struct{})
	t := c.opts.Clock.AfterFunc(c.opts.SubscribeTimeout, func() { close(timedOut) })
	defer t.Stop()

	abandon := func() {
		cancel()
		go func() {
			if r := <-resCh; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			cancel()
			return nil, channelError("subscribe", r.err)
		}
		return &cancelStream{Stream: r.stream, cancel: cancel}, nil
	case <-timedOut:
		abandon()
		return nil, errors.Wrapf(sessions.ErrPushChannel, "subscribe timed out after %s", c.opts.SubscribeTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// pushError is an ErrPushChannel that keeps the failure underneath it in the chain.
type pushError struct {
	op    string
	cause error
}

func channelError(op string, cause error) error {
	return errors.WithStack(&pushError{op: op, cause: cause})
}

func (e *pushError) Error() string {
	return sessions.ErrPushChannel.Error() + ": " + e.op + ": " + e.cause.Error()
}

func (e *pushError) Unwrap() error { return e.cause }

func (e *pushError) Is(target error) bool { return target == sessions.ErrPushChannel }

func (c *Channel) consume(ctx context.Context, stream Stream) error {
	transient := 0
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrTransient) {
				return channelError("receive", err)
			}
			transient++
			if transient >= c.opts.MaxTransient {
				return errors.Wrapf(sessions.ErrPushChannel, "%d consecutive transient errors: %s", transient, err)
			}
			c.setRaw(Degraded)
			if !clock.Sleep(c.opts.Clock, c.opts.RetryDelay, ctx.Done()) {
				return ctx.Err()
			}
			continue
		}
		if transient > 0 {
			transient = 0
			c.setRaw(Connected)
		}
		if ev == nil {
			continue
		}
		c.mu.Lock()
		onEvent := c.onEvent
		c.mu.Unlock()
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

// setRaw records the actual state. Reaching Connected is reported at once; leaving it
// is reported only if it persists for the debounce window; moves between non-connected
// states are reported at once since they do not change whether push is usable.
func (c *Channel) setRaw(s ConnectionState) {
	c.mu.Lock()
	c.raw = s
	var report bool
	switch {
	case s == Connected:
		c.stopDebounceLocked()
		report = c.reported != Connected
	case c.reported == Connected:
		if c.debounce == nil {
			c.debounceSeq++
			seq := c.debounceSeq
			c.debounce = c.opts.Clock.AfterFunc(c.opts.Debounce, func() { c.flushDebounce(seq) })
		}
	default:
		report = c.reported != s
	}
	if report {
		c.reported = s
	}
	c.mu.Unlock()
	if report {
		c.deliverState()
	}
}

func (c *Channel) flushDebounce(seq uint64) {
	c.mu.Lock()
	if seq != c.debounceSeq || c.debounce == nil {
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	s := c.raw
	report := s != Connected && c.reported != s
	if report {
		c.reported = s
	}
	c.mu.Unlock()
	if report {
		c.deliverState()
	}
}

func (c *Channel) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceSeq++
}

// deliverState hands the latest reported state to the callback, skipping repeats so
// concurrent reporters never deliver out of order.
func (c *Channel) deliverState() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	fn := c.onState
	s := c.reported
	principal := c.principalID
	c.mu.Unlock()
	if s == c.delivered {
		return
	}
	c.delivered = s
	log.Debug().Str("component", "push").Str("principal", principal).Str("state", s.String()).Msg("push state")
	if fn != nil {
		fn(s)
	}
}
