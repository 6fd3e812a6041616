package record

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"laminar/pkg/config"
	"laminar/pkg/encoding"
	"laminar/pkg/types"
)

// EventKind is the on-wire ordinal of an event.
type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventTopicCreate
	EventTopicDestroy
	EventKeyPut
	EventKeyDelete
	EventConfigChange
)

func (k EventKind) String() string {
	switch k {
	case EventTopicCreate:
		return "TOPIC_CREATE"
	case EventTopicDestroy:
		return "TOPIC_DESTROY"
	case EventKeyPut:
		return "KEY_PUT"
	case EventKeyDelete:
		return "KEY_DELETE"
	case EventConfigChange:
		return "CONFIG_CHANGE"
	default:
		return "INVALID"
	}
}

var (
	ErrCorruptEvent = errors.New("corrupt event record")
)

// sentinelOffset marks the offsets of the synthesized CONFIG_CHANGE
// pseudo-event, which never lands in any log.
const sentinelOffset = math.MaxUint64

// Event is a single entry of a per-topic log: the committed projection of a
// mutation. Multiple events may share a GlobalOffset (programmable topics);
// all such events commit atomically.
type Event struct {
	Kind        EventKind
	Term        types.Term
	Offset      types.GlobalOffset
	LocalOffset types.LocalOffset
	Topic       types.TopicName
	ClientID    types.ClientID
	ClientNonce types.Nonce

	Key    []byte
	Value  []byte
	Config config.ClusterConfig
}

// TopicCreate builds a TOPIC_CREATE event.
func TopicCreate(term types.Term, offset types.GlobalOffset, local types.LocalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce) Event {
	return Event{Kind: EventTopicCreate, Term: term, Offset: offset, LocalOffset: local, Topic: topic, ClientID: clientID, ClientNonce: nonce}
}

// TopicDestroy builds a TOPIC_DESTROY event.
func TopicDestroy(term types.Term, offset types.GlobalOffset, local types.LocalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce) Event {
	return Event{Kind: EventTopicDestroy, Term: term, Offset: offset, LocalOffset: local, Topic: topic, ClientID: clientID, ClientNonce: nonce}
}

// KeyPut builds a KEY_PUT event.
func KeyPut(term types.Term, offset types.GlobalOffset, local types.LocalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce, key, value []byte) Event {
	return Event{Kind: EventKeyPut, Term: term, Offset: offset, LocalOffset: local, Topic: topic, ClientID: clientID, ClientNonce: nonce, Key: key, Value: value}
}

// KeyDelete builds a KEY_DELETE event.
func KeyDelete(term types.Term, offset types.GlobalOffset, local types.LocalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce, key []byte) Event {
	return Event{Kind: EventKeyDelete, Term: term, Offset: offset, LocalOffset: local, Topic: topic, ClientID: clientID, ClientNonce: nonce, Key: key}
}

// ConfigChange synthesizes the pseudo-event broadcast to listeners when a
// config commits. It carries sentinel offsets and a zero client id and is
// never persisted.
func ConfigChange(cfg config.ClusterConfig) Event {
	return Event{
		Kind:        EventConfigChange,
		Offset:      types.GlobalOffset(sentinelOffset),
		LocalOffset: types.LocalOffset(sentinelOffset),
		ClientID:    uuid.UUID{},
		Config:      cfg,
	}
}

// IsSynthesized reports whether the event is the CONFIG_CHANGE pseudo-event.
func (e Event) IsSynthesized() bool {
	return e.Kind == EventConfigChange
}

// Serialize encodes the event. The layout mirrors Mutation.Serialize with an
// extra 8-byte local offset after the global offset.
func (e Event) Serialize() []byte {
	buf := &bytes.Buffer{}
	encoding.WriteUint8(buf, uint8(e.Kind))
	encoding.WriteUint64(buf, uint64(e.Term))
	encoding.WriteUint64(buf, uint64(e.Offset))
	encoding.WriteUint64(buf, uint64(e.LocalOffset))
	encoding.WriteBytes8(buf, []byte(e.Topic))
	id := e.ClientID
	buf.Write(id[:])
	encoding.WriteUint64(buf, uint64(e.ClientNonce))
	switch e.Kind {
	case EventTopicCreate, EventTopicDestroy:
		// No payload.
	case EventKeyPut:
		encoding.WriteBytes16(buf, e.Key)
		encoding.WriteBytes16(buf, e.Value)
	case EventKeyDelete:
		encoding.WriteBytes16(buf, e.Key)
	case EventConfigChange:
		buf.Write(e.Config.Serialize())
	}
	return buf.Bytes()
}

// DeserializeEvent decodes an event produced by Serialize.
func DeserializeEvent(serialized []byte) (Event, error) {
	r := bytes.NewReader(serialized)
	e, err := ReadEvent(r)
	if err != nil {
		return Event{}, err
	}
	if r.Len() != 0 {
		return Event{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptEvent, r.Len())
	}
	return e, nil
}

// ReadEvent decodes one event from the reader, leaving trailing bytes unread.
func ReadEvent(r *bytes.Reader) (Event, error) {
	kind, err := encoding.ReadUint8(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	if EventKind(kind) == EventInvalid || EventKind(kind) > EventConfigChange {
		return Event{}, fmt.Errorf("%w: kind %d", ErrCorruptEvent, kind)
	}
	e := Event{Kind: EventKind(kind)}
	term, err := encoding.ReadUint64(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.Term = types.Term(term)
	offset, err := encoding.ReadUint64(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.Offset = types.GlobalOffset(offset)
	local, err := encoding.ReadUint64(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.LocalOffset = types.LocalOffset(local)
	topic, err := encoding.ReadBytes8(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.Topic = types.TopicName(topic)
	rawID, err := encoding.ReadUUID(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.ClientID = uuid.UUID(rawID)
	nonce, err := encoding.ReadUint64(r)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
	}
	e.ClientNonce = types.Nonce(nonce)

	switch e.Kind {
	case EventTopicCreate, EventTopicDestroy:
		// No payload.
	case EventKeyPut:
		if e.Key, err = encoding.ReadBytes16(r); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
		}
		if e.Value, err = encoding.ReadBytes16(r); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
		}
	case EventKeyDelete:
		if e.Key, err = encoding.ReadBytes16(r); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
		}
	case EventConfigChange:
		cfg, err := config.ReadClusterConfig(r)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrCorruptEvent, err)
		}
		e.Config = cfg
	}
	return e, nil
}
