// Package push subscribes to the server-pushed stream of session changes and reports the
// health of that subscription.
package push

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sessionsync/pkg/sessions"
)

// Visitor handles every event kind. Adding a kind adds a method here, so every handler
// stops compiling until it deals with the new kind.
type Visitor interface {
	OnInsert(Insert)
	OnUpdate(Update)
	OnDelete(Delete)
}

// Event is a change reported by the push channel: Insert, Update or Delete.
type Event interface {
	Kind() Kind
	RecordID() string
	Accept(v Visitor)
	isEvent()
}

// Insert reports a newly created record.
type Insert struct {
	Record sessions.SessionRecord
}

// Update reports the new state of an existing record.
type Update struct {
	Record sessions.SessionRecord
}

// Delete reports a removed record. Record carries the last known state when the server sent it.
type Delete struct {
	ID     string
	Record *sessions.SessionRecord
}

func (e Insert) Kind() Kind       { return KindInsert }
func (e Insert) RecordID() string { return e.Record.ID }
func (e Insert) Accept(v Visitor) { v.OnInsert(e) }
func (Insert) isEvent()           {}
func (e Update) Kind() Kind       { return KindUpdate }
func (e Update) RecordID() string { return e.Record.ID }
func (e Update) Accept(v Visitor) { v.OnUpdate(e) }
func (Update) isEvent()           {}
func (e Delete) Kind() Kind       { return KindDelete }
func (e Delete) RecordID() string { return e.ID }
func (e Delete) Accept(v Visitor) { v.OnDelete(e) }
func (Delete) isEvent()           {}

// Kind tags a wire envelope.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	// KindSubscribed acknowledges a subscription.
	KindSubscribed Kind = "subscribed"
	// KindHeartbeat keeps an idle subscription alive.
	KindHeartbeat Kind = "heartbeat"
)

// Envelope is the JSON frame carried by websocket messages and bus payloads.
type Envelope struct {
	Kind      Kind                    `json:"kind"`
	ID        string                  `json:"id,omitempty"`
	Principal string                  `json:"principal,omitempty"`
	Record    *sessions.SessionRecord `json:"record,omitempty"`
}

// Encode serialises a change event.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("push: nil event")
	}
	env := Envelope{Kind: ev.Kind(), ID: ev.RecordID()}
	switch e := ev.(type) {
	case Insert:
		r := e.Record.Clone()
		env.Record = &r
	case Update:
		r := e.Record.Clone()
		env.Record = &r
	case Delete:
		if e.Record != nil {
			r := e.Record.Clone()
			env.Record = &r
		}
	}
	return json.Marshal(env)
}

// EncodeControl serialises a subscribed or heartbeat frame.
func EncodeControl(kind Kind, principal string) []byte {
	b, _ := json.Marshal(Envelope{Kind: kind, Principal: principal})
	return b
}

// Decode parses a frame. Control frames return a nil event and their kind.
func Decode(b []byte) (Event, Kind, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, "", errors.Wrap(err, "push: decode envelope")
	}
	switch env.Kind {
	case KindSubscribed, KindHeartbeat:
		return nil, env.Kind, nil
	case KindInsert, KindUpdate:
		if env.Record == nil || env.Record.ID == "" {
			return nil, env.Kind, errors.Errorf("push: %s frame without record", env.Kind)
		}
		if env.Kind == KindInsert {
			return Insert{Record: *env.Record}, env.Kind, nil
		}
		return Update{Record: *env.Record}, env.Kind, nil
	case KindDelete:
		id := env.ID
		if id == "" && env.Record != nil {
			id = env.Record.ID
		}
		if id == "" {
			return nil, env.Kind, errors.New("push: delete frame without id")
		}
		return Delete{ID: id, Record: env.Record}, env.Kind, nil
	}
	return nil, env.Kind, errors.Errorf("push: unknown frame kind %q", env.Kind)
}

// Topic is the bus topic carrying the changes of one principal's records.
func Topic(principal string) string { return "sessions:" + principal }
