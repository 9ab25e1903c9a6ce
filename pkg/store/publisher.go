package store

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sessionsync/pkg/push"
	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Publishing wraps a Store and publishes a change event for every successful write on the
// principal's topic. Publish failures are logged; the write itself stands.
type Publishing struct {
	Store
	publisher message.Publisher
}

func NewPublishing(s Store, p message.Publisher) *Publishing {
	return &Publishing{Store: s, publisher: p}
}

func (p *Publishing) Create(ctx context.Context, principal string, in sessions.NewSession) (sessions.SessionRecord, error) {
	r, err := p.Store.Create(ctx, principal, in)
	if err == nil {
		p.publish(principal, push.Insert{Record: r})
	}
	return r, err
}

func (p *Publishing) Update(ctx context.Context, principal, id string, patch sessions.Patch) (sessions.SessionRecord, error) {
	r, err := p.Store.Update(ctx, principal, id, patch)
	if err == nil {
		p.publish(principal, push.Update{Record: r})
	}
	return r, err
}

func (p *Publishing) Delete(ctx context.Context, principal, id string, hard bool) (sessions.SessionRecord, error) {
	r, err := p.Store.Delete(ctx, principal, id, hard)
	if err == nil {
		rec := r
		p.publish(principal, push.Delete{ID: id, Record: &rec})
	}
	return r, err
}

func (p *Publishing) publish(principal string, ev push.Event) {
	if p.publisher == nil {
		return
	}
	payload, err := push.Encode(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "store").Str("id", ev.RecordID()).Msg("encode change event failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("principal", principal)
	msg.Metadata.Set("kind", string(ev.Kind()))
	if err := p.publisher.Publish(push.Topic(principal), msg); err != nil {
		log.Warn().Err(err).Str("component", "store").Str("principal", principal).Str("id", ev.RecordID()).Msg("publish change event failed")
	}
}
