// Package message defines the framed payloads exchanged with clients and
// cluster peers. Every message fits in a single transport frame.
package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"laminar/pkg/config"
	"laminar/pkg/encoding"
	"laminar/pkg/types"
)

// ClientMessageKind is the on-wire ordinal of a client-to-server message.
type ClientMessageKind uint8

const (
	ClientInvalid ClientMessageKind = iota
	ClientHandshake
	ClientReconnect
	ClientListen
	ClientCreateTopic
	ClientDestroyTopic
	ClientPut
	ClientDelete
	ClientUpdateConfig
)

var (
	ErrCorruptClientMessage = errors.New("corrupt client message")
)

// ClientMessage is a single framed request from a client. Nonce is unused
// (zero) for HANDSHAKE and LISTEN; for RECONNECT it carries the first nonce
// the client will resend.
type ClientMessage struct {
	Kind  ClientMessageKind
	Nonce types.Nonce

	// HANDSHAKE and RECONNECT identify the client.
	ClientID types.ClientID
	// RECONNECT: the last commit offset the client observed.
	LastCommitOffset types.GlobalOffset
	// LISTEN: the last local offset the listener already received.
	LastLocalOffset types.LocalOffset

	Topic  types.TopicName
	Key    []byte
	Value  []byte
	Code   []byte
	Args   []byte
	Config config.ClusterConfig
}

// Handshake announces a brand new client. The expected nonce starts at 1.
func Handshake(clientID types.ClientID) ClientMessage {
	return ClientMessage{Kind: ClientHandshake, ClientID: clientID}
}

// Reconnect resumes an existing client after a disconnect.
func Reconnect(clientID types.ClientID, lastCommitOffset types.GlobalOffset, firstNonce types.Nonce) ClientMessage {
	return ClientMessage{Kind: ClientReconnect, Nonce: firstNonce, ClientID: clientID, LastCommitOffset: lastCommitOffset}
}

// Listen subscribes the connection as a read-only listener of one topic.
func Listen(topic types.TopicName, lastLocalOffset types.LocalOffset) ClientMessage {
	return ClientMessage{Kind: ClientListen, Topic: topic, LastLocalOffset: lastLocalOffset}
}

// CreateTopicMessage requests a new topic; code and args are empty for raw
// topics.
func CreateTopicMessage(nonce types.Nonce, topic types.TopicName, code, args []byte) ClientMessage {
	return ClientMessage{Kind: ClientCreateTopic, Nonce: nonce, Topic: topic, Code: code, Args: args}
}

// DestroyTopicMessage requests destruction of a topic.
func DestroyTopicMessage(nonce types.Nonce, topic types.TopicName) ClientMessage {
	return ClientMessage{Kind: ClientDestroyTopic, Nonce: nonce, Topic: topic}
}

// PutMessage requests a key write.
func PutMessage(nonce types.Nonce, topic types.TopicName, key, value []byte) ClientMessage {
	return ClientMessage{Kind: ClientPut, Nonce: nonce, Topic: topic, Key: key, Value: value}
}

// DeleteMessage requests a key delete.
func DeleteMessage(nonce types.Nonce, topic types.TopicName, key []byte) ClientMessage {
	return ClientMessage{Kind: ClientDelete, Nonce: nonce, Topic: topic, Key: key}
}

// UpdateConfigMessage requests a cluster membership change.
func UpdateConfigMessage(nonce types.Nonce, cfg config.ClusterConfig) ClientMessage {
	return ClientMessage{Kind: ClientUpdateConfig, Nonce: nonce, Config: cfg}
}

// Serialize encodes the message as kind, nonce, then kind-specific payload.
func (m ClientMessage) Serialize() []byte {
	buf := &bytes.Buffer{}
	encoding.WriteUint8(buf, uint8(m.Kind))
	encoding.WriteUint64(buf, uint64(m.Nonce))
	switch m.Kind {
	case ClientHandshake:
		id := m.ClientID
		buf.Write(id[:])
	case ClientReconnect:
		id := m.ClientID
		buf.Write(id[:])
		encoding.WriteUint64(buf, uint64(m.LastCommitOffset))
	case ClientListen:
		encoding.WriteBytes8(buf, []byte(m.Topic))
		encoding.WriteUint64(buf, uint64(m.LastLocalOffset))
	case ClientCreateTopic:
		encoding.WriteBytes8(buf, []byte(m.Topic))
		encoding.WriteBytes16(buf, m.Code)
		encoding.WriteBytes16(buf, m.Args)
	case ClientDestroyTopic:
		encoding.WriteBytes8(buf, []byte(m.Topic))
	case ClientPut:
		encoding.WriteBytes8(buf, []byte(m.Topic))
		encoding.WriteBytes16(buf, m.Key)
		encoding.WriteBytes16(buf, m.Value)
	case ClientDelete:
		encoding.WriteBytes8(buf, []byte(m.Topic))
		encoding.WriteBytes16(buf, m.Key)
	case ClientUpdateConfig:
		buf.Write(m.Config.Serialize())
	}
	return buf.Bytes()
}

// DeserializeClientMessage decodes a message produced by Serialize.
func DeserializeClientMessage(serialized []byte) (ClientMessage, error) {
	r := bytes.NewReader(serialized)
	kind, err := encoding.ReadUint8(r)
	if err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
	}
	if ClientMessageKind(kind) == ClientInvalid || ClientMessageKind(kind) > ClientUpdateConfig {
		return ClientMessage{}, fmt.Errorf("%w: kind %d", ErrCorruptClientMessage, kind)
	}
	m := ClientMessage{Kind: ClientMessageKind(kind)}
	nonce, err := encoding.ReadUint64(r)
	if err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
	}
	m.Nonce = types.Nonce(nonce)

	readTopic := func() error {
		raw, err := encoding.ReadBytes8(r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.Topic = types.TopicName(raw)
		return nil
	}
	switch m.Kind {
	case ClientHandshake:
		rawID, err := encoding.ReadUUID(r)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.ClientID = uuid.UUID(rawID)
	case ClientReconnect:
		rawID, err := encoding.ReadUUID(r)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.ClientID = uuid.UUID(rawID)
		last, err := encoding.ReadUint64(r)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.LastCommitOffset = types.GlobalOffset(last)
	case ClientListen:
		if err := readTopic(); err != nil {
			return ClientMessage{}, err
		}
		last, err := encoding.ReadUint64(r)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.LastLocalOffset = types.LocalOffset(last)
	case ClientCreateTopic:
		if err := readTopic(); err != nil {
			return ClientMessage{}, err
		}
		if m.Code, err = encoding.ReadBytes16(r); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		if m.Args, err = encoding.ReadBytes16(r); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
	case ClientDestroyTopic:
		if err := readTopic(); err != nil {
			return ClientMessage{}, err
		}
	case ClientPut:
		if err := readTopic(); err != nil {
			return ClientMessage{}, err
		}
		if m.Key, err = encoding.ReadBytes16(r); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		if m.Value, err = encoding.ReadBytes16(r); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
	case ClientDelete:
		if err := readTopic(); err != nil {
			return ClientMessage{}, err
		}
		if m.Key, err = encoding.ReadBytes16(r); err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
	case ClientUpdateConfig:
		cfg, err := config.ReadClusterConfig(r)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("%w: %v", ErrCorruptClientMessage, err)
		}
		m.Config = cfg
	}
	if r.Len() != 0 {
		return ClientMessage{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptClientMessage, r.Len())
	}
	return m, nil
}
