package bus

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownKind is returned when decoding an envelope of a kind this
// version does not know.
var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the unit sent over a [Channel].
type Envelope struct {
	Kind Kind   `msgpack:"k"`
	From string `msgpack:"f"`

	// To addresses a single instance. Empty means everyone.
	To   string             `msgpack:"t,omitempty"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// NewEnvelope encodes m into a broadcast envelope from sender.
func NewEnvelope(from string, m Message) (Envelope, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	return Envelope{Kind: m.Kind(), From: from, Body: body}, nil
}

// Addressed returns a copy of e delivered only to instance to.
func (e Envelope) Addressed(to string) Envelope {
	e.To = to
	return e
}

// For reports whether instance id should process e.
func (e Envelope) For(id string) bool {
	return e.To == "" || e.To == id
}

var decoders = map[Kind]func([]byte) (Message, error){
	KindLeaderCheck:    decodeAs[LeaderCheck],
	KindLeaderHere:     decodeAs[LeaderHere],
	KindLeaderResign:   decodeAs[LeaderResign],
	KindLeaderTakeover: decodeAs[LeaderTakeover],
	KindDataRequest:    decodeAs[DataRequest],
	KindDataUpdate:     decodeAs[DataUpdate],
	KindNewAction:      decodeAs[NewAction],
	KindAddEntity:      decodeAs[AddEntity],
	KindRemoveEntity:   decodeAs[RemoveEntity],
	KindRefreshEntity:  decodeAs[RefreshEntity],
	KindRefreshAll:     decodeAs[RefreshAll],
	KindConfigSync:     decodeAs[ConfigSync],
}

// Decode returns the validated payload of e. The dynamic type of the
// result is one of the value payload types of this package.
func (e Envelope) Decode() (Message, error) {
	if e.From == "" {
		return nil, fmt.Errorf("%w: envelope without sender", ErrInvalidMessage)
	}
	decode, ok := decoders[e.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return decode(e.Body)
}

func decodeAs[T Message](body []byte) (Message, error) {
	var m T
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidMessage, m.Kind(), err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal encodes an envelope into a wire frame.
func Marshal(e Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

// Unmarshal decodes a wire frame. The body is not decoded.
func Unmarshal(frame []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(frame, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return e, nil
}
