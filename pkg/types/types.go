package types

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Term is the consensus term a mutation was created under. Terms start at 1
// and only ever increase.
type Term uint64

// GlobalOffset is the 1-indexed position of a mutation in the cluster-wide
// log. Committed offsets are dense: no duplicates, no gaps.
type GlobalOffset uint64

// LocalOffset is the 1-indexed position of an event within its topic.
type LocalOffset uint64

// NodeID identifies a node in a cluster.
type NodeID = uuid.UUID

// ClientID identifies a connected client across reconnects.
type ClientID = uuid.UUID

// Nonce is a per-client strictly increasing sequence number disambiguating
// client messages across retries.
type Nonce uint64

// MaxTopicNameBytes bounds the UTF-8 encoding of a topic name.
const MaxTopicNameBytes = 127

var (
	ErrEmptyTopicName    = errors.New("topic name is empty")
	ErrTopicNameTooLong  = errors.New("topic name exceeds 127 bytes")
	ErrReservedTopicName = errors.New("topic names starting with '.' are reserved")
)

// TopicName names a per-topic event stream. The zero value is the synthetic
// topic carried by config mutations, which never reaches a per-topic log.
type TopicName string

// SyntheticTopic is the reserved empty topic used by UPDATE_CONFIG mutations.
func SyntheticTopic() TopicName {
	return ""
}

// NewTopicName validates a client-supplied topic name.
func NewTopicName(s string) (TopicName, error) {
	if len(s) == 0 {
		return "", ErrEmptyTopicName
	}
	if len(s) > MaxTopicNameBytes {
		return "", ErrTopicNameTooLong
	}
	if strings.HasPrefix(s, ".") {
		return "", ErrReservedTopicName
	}
	return TopicName(s), nil
}

// IsSynthetic reports whether the name is the reserved config topic.
func (t TopicName) IsSynthetic() bool {
	return len(t) == 0
}

func (t TopicName) String() string {
	return string(t)
}
