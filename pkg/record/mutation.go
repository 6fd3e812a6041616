// Package record defines the two kinds of data laminar is built on.
//
// Mutations are generated on the leader from valid client messages. They are
// appended to the global log, replicated to followers, and replayed to
// reconnecting clients. In a sense, they are the independent variables.
//
// Events are derived by every node when a mutation commits. They are appended
// to the per-topic logs and only ever sent to listeners: the dependent
// variables. The projection from mutation to events is deterministic, so
// every node derives the same answer.
package record

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"laminar/pkg/config"
	"laminar/pkg/encoding"
	"laminar/pkg/types"
)

// MutationKind is the on-wire ordinal of a mutation.
type MutationKind uint8

const (
	MutationInvalid MutationKind = iota
	MutationCreateTopic
	MutationDestroyTopic
	MutationPut
	MutationDelete
	MutationUpdateConfig
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreateTopic:
		return "CREATE_TOPIC"
	case MutationDestroyTopic:
		return "DESTROY_TOPIC"
	case MutationPut:
		return "PUT"
	case MutationDelete:
		return "DELETE"
	case MutationUpdateConfig:
		return "UPDATE_CONFIG"
	default:
		return "INVALID"
	}
}

var (
	ErrCorruptMutation = errors.New("corrupt mutation record")
)

// Mutation is a single entry of the global log. The payload fields are
// kind-specific: Key/Value for PUT, Key for DELETE, Code/Args for
// CREATE_TOPIC, Config for UPDATE_CONFIG. (Offset, Term) uniquely identifies
// an entry once committed.
type Mutation struct {
	Kind        MutationKind
	Term        types.Term
	Offset      types.GlobalOffset
	Topic       types.TopicName
	ClientID    types.ClientID
	ClientNonce types.Nonce

	Key    []byte
	Value  []byte
	Code   []byte
	Args   []byte
	Config config.ClusterConfig
}

// CreateTopic builds a CREATE_TOPIC mutation. Code and args are empty for a
// raw topic and carry the deterministic program for a programmable one.
func CreateTopic(term types.Term, offset types.GlobalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce, code, args []byte) Mutation {
	return Mutation{Kind: MutationCreateTopic, Term: term, Offset: offset, Topic: topic, ClientID: clientID, ClientNonce: nonce, Code: code, Args: args}
}

// DestroyTopic builds a DESTROY_TOPIC mutation.
func DestroyTopic(term types.Term, offset types.GlobalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce) Mutation {
	return Mutation{Kind: MutationDestroyTopic, Term: term, Offset: offset, Topic: topic, ClientID: clientID, ClientNonce: nonce}
}

// Put builds a PUT mutation.
func Put(term types.Term, offset types.GlobalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce, key, value []byte) Mutation {
	return Mutation{Kind: MutationPut, Term: term, Offset: offset, Topic: topic, ClientID: clientID, ClientNonce: nonce, Key: key, Value: value}
}

// Delete builds a DELETE mutation.
func Delete(term types.Term, offset types.GlobalOffset, topic types.TopicName, clientID types.ClientID, nonce types.Nonce, key []byte) Mutation {
	return Mutation{Kind: MutationDelete, Term: term, Offset: offset, Topic: topic, ClientID: clientID, ClientNonce: nonce, Key: key}
}

// UpdateConfig builds an UPDATE_CONFIG mutation on the synthetic topic.
func UpdateConfig(term types.Term, offset types.GlobalOffset, clientID types.ClientID, nonce types.Nonce, cfg config.ClusterConfig) Mutation {
	return Mutation{Kind: MutationUpdateConfig, Term: term, Offset: offset, Topic: types.SyntheticTopic(), ClientID: clientID, ClientNonce: nonce, Config: cfg}
}

// Serialize encodes the mutation: kind ordinal, term, global offset,
// 1-byte-length topic, client id, nonce, then the kind-specific payload.
func (m Mutation) Serialize() []byte {
	buf := &bytes.Buffer{}
	encoding.WriteUint8(buf, uint8(m.Kind))
	encoding.WriteUint64(buf, uint64(m.Term))
	encoding.WriteUint64(buf, uint64(m.Offset))
	encoding.WriteBytes8(buf, []byte(m.Topic))
	id := m.ClientID
	buf.Write(id[:])
	encoding.WriteUint64(buf, uint64(m.ClientNonce))
	switch m.Kind {
	case MutationCreateTopic:
		encoding.WriteBytes16(buf, m.Code)
		encoding.WriteBytes16(buf, m.Args)
	case MutationDestroyTopic:
		// No payload.
	case MutationPut:
		encoding.WriteBytes16(buf, m.Key)
		encoding.WriteBytes16(buf, m.Value)
	case MutationDelete:
		encoding.WriteBytes16(buf, m.Key)
	case MutationUpdateConfig:
		buf.Write(m.Config.Serialize())
	}
	return buf.Bytes()
}

// DeserializeMutation decodes a mutation produced by Serialize.
func DeserializeMutation(serialized []byte) (Mutation, error) {
	r := bytes.NewReader(serialized)
	m, err := ReadMutation(r)
	if err != nil {
		return Mutation{}, err
	}
	if r.Len() != 0 {
		return Mutation{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptMutation, r.Len())
	}
	return m, nil
}

// ReadMutation decodes one mutation from the reader, leaving trailing bytes
// unread (used when records are concatenated in a log file).
func ReadMutation(r *bytes.Reader) (Mutation, error) {
	kind, err := encoding.ReadUint8(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	if MutationKind(kind) == MutationInvalid || MutationKind(kind) > MutationUpdateConfig {
		return Mutation{}, fmt.Errorf("%w: kind %d", ErrCorruptMutation, kind)
	}
	m := Mutation{Kind: MutationKind(kind)}
	term, err := encoding.ReadUint64(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	m.Term = types.Term(term)
	offset, err := encoding.ReadUint64(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	m.Offset = types.GlobalOffset(offset)
	topic, err := encoding.ReadBytes8(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	m.Topic = types.TopicName(topic)
	rawID, err := encoding.ReadUUID(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	m.ClientID = uuid.UUID(rawID)
	nonce, err := encoding.ReadUint64(r)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
	}
	m.ClientNonce = types.Nonce(nonce)

	switch m.Kind {
	case MutationCreateTopic:
		if m.Code, err = encoding.ReadBytes16(r); err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
		if m.Args, err = encoding.ReadBytes16(r); err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
	case MutationDestroyTopic:
		// No payload.
	case MutationPut:
		if m.Key, err = encoding.ReadBytes16(r); err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
		if m.Value, err = encoding.ReadBytes16(r); err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
	case MutationDelete:
		if m.Key, err = encoding.ReadBytes16(r); err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
	case MutationUpdateConfig:
		cfg, err := config.ReadClusterConfig(r)
		if err != nil {
			return Mutation{}, fmt.Errorf("%w: %v", ErrCorruptMutation, err)
		}
		m.Config = cfg
	}
	return m, nil
}
