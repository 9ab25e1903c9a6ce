package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/clock"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// DefaultIdleTimeout is three missed heartbeats at the server's default cadence.
const DefaultIdleTimeout = 45 * time.Second

// WebSocketSource subscribes through the server's websocket endpoint. The server resolves
// the principal from the bearer token.
type WebSocketSource struct {
	URL    string
	Dialer *websocket.Dialer
	// Token returns the current bearer token. A nil Token dials without credentials.
	Token func(ctx context.Context) (string, error)
	// IdleTimeout is how long Recv waits for any frame before reporting a transient error.
	IdleTimeout time.Duration
	Clock       clock.Clock
}

func (s *WebSocketSource) Subscribe(ctx context.Context, principalID string) (Stream, error) {
	if s == nil || s.URL == "" {
		return nil, errors.New("websocket source: missing url")
	}
	header := http.Header{}
	if s.Token != nil {
		tok, err := s.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "websocket source: token")
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, s.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.Wrap(sessions.ErrAuthExpired, "websocket subscribe")
		}
		return nil, errors.Wrap(err, "websocket dial")
	}

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	st := &wsStream{
		conn:   conn,
		frames: make(chan []byte),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
		idle:   idle,
		clock:  clock.OrReal(s.Clock),
	}
	go st.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = st.Close()
		case <-st.closed:
		}
	}()

	for {
		_, kind, err := st.recvFrame(ctx)
		if err != nil {
			_ = st.Close()
			if errors.Is(err, ErrTransient) {
				return nil, errors.Wrap(sessions.ErrPushChannel, "no subscription acknowledgement")
			}
			return nil, err
		}
		if kind == KindSubscribed {
			log.Debug().Str("component", "push").Str("principal", principalID).Msg("websocket subscription acknowledged")
			return st, nil
		}
	}
}

type wsStream struct {
	conn      *websocket.Conn
	frames    chan []byte
	errCh     chan error
	closed    chan struct{}
	closeOnce sync.Once
	idle      time.Duration
	clock     clock.Clock
}

func (s *wsStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errCh <- err
			return
		}
		select {
		case s.frames <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *wsStream) Recv(ctx context.Context) (Event, error) {
	ev, _, err := s.recvFrame(ctx)
	return ev, err
}

func (s *wsStream) recvFrame(ctx context.Context) (Event, Kind, error) {
	idle := make(chan struct{})
	t := s.clock.AfterFunc(s.idle, func() { close(idle) })
	defer t.Stop()
	for {
		select {
		case data := <-s.frames:
			ev, kind, err := Decode(data)
			if err != nil {
				log.Warn().Str("component", "push").Err(err).Msg("dropping malformed frame")
				continue
			}
			return ev, kind, nil
		case err := <-s.errCh:
			s.errCh <- err
			return nil, "", errors.Wrap(err, "websocket read")
		case <-idle:
			return nil, "", errors.Wrapf(ErrTransient, "no frame within %s", s.idle)
		case <-s.closed:
			return nil, "", errors.New("websocket stream closed")
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
