package push

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WatermillSource reads change events from a message bus topic per principal. It is used
// by in-process consumers of the reference server's bus.
type WatermillSource struct {
	Subscriber message.Subscriber
}

func (s *WatermillSource) Subscribe(ctx context.Context, principalID string) (Stream, error) {
	if s == nil || s.Subscriber == nil {
		return nil, errors.New("watermill source: missing subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := s.Subscriber.Subscribe(subCtx, Topic(principalID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "watermill subscribe")
	}
	return &watermillStream{ch: ch, cancel: cancel}, nil
}

type watermillStream struct {
	ch     <-chan *message.Message
	cancel context.CancelFunc
}

func (s *watermillStream) Recv(ctx context.Context) (Event, error) {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return nil, errors.New("watermill subscription closed")
			}
			ev, _, err := Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				log.Warn().Str("component", "push").Str("message_id", msg.UUID).Err(err).Msg("dropping malformed message")
				continue
			}
			return ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *watermillStream) Close() error {
	s.cancel()
	return nil
}
