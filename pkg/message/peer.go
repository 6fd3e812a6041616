package message

import (
	"bytes"
	"errors"
	"fmt"

	"laminar/pkg/config"
	"laminar/pkg/encoding"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// PeerMessageKind is the on-wire ordinal of a cluster peer message.
type PeerMessageKind uint8

const (
	PeerInvalid PeerMessageKind = iota
	// Downstream: leader or candidate to follower.
	PeerIdentity
	PeerAppendMutations
	PeerRequestVotes
	// Upstream: follower to leader or candidate.
	PeerState
	PeerReceivedMutations
	PeerVote
)

var (
	ErrCorruptPeerMessage = errors.New("corrupt peer message")
)

// PeerMessage is a single framed message between cluster peers. A HEARTBEAT
// is an APPEND_MUTATIONS with zero records: it refreshes liveness and the
// committed offset but never advances the follower's received offset.
type PeerMessage struct {
	Kind PeerMessageKind

	// IDENTITY: the sender's config entry.
	Entry config.ConfigEntry

	// APPEND_MUTATIONS.
	Term           types.Term
	PreviousOffset types.GlobalOffset
	PreviousTerm   types.Term
	Records        []record.Mutation
	LastCommitted  types.GlobalOffset

	// REQUEST_VOTES re-uses Term as the new term; these describe the
	// candidate's log position.
	LastReceivedTerm   types.Term
	LastReceivedOffset types.GlobalOffset

	// PEER_STATE / RECEIVED_MUTATIONS / VOTE.
	AckOffset   types.GlobalOffset
	GrantedTerm types.Term
}

// Identity announces the sender at the start of a downstream connection.
func Identity(entry config.ConfigEntry) PeerMessage {
	return PeerMessage{Kind: PeerIdentity, Entry: entry}
}

// AppendMutations replicates records downstream. With no records it is a
// heartbeat.
func AppendMutations(term types.Term, previousOffset types.GlobalOffset, previousTerm types.Term, records []record.Mutation, lastCommitted types.GlobalOffset) PeerMessage {
	return PeerMessage{Kind: PeerAppendMutations, Term: term, PreviousOffset: previousOffset, PreviousTerm: previousTerm, Records: records, LastCommitted: lastCommitted}
}

// Heartbeat is an empty append at the current term.
func Heartbeat(term types.Term, previousOffset types.GlobalOffset, previousTerm types.Term, lastCommitted types.GlobalOffset) PeerMessage {
	return AppendMutations(term, previousOffset, previousTerm, nil, lastCommitted)
}

// RequestVotes starts an election round for newTerm.
func RequestVotes(newTerm types.Term, lastReceivedTerm types.Term, lastReceivedOffset types.GlobalOffset) PeerMessage {
	return PeerMessage{Kind: PeerRequestVotes, Term: newTerm, LastReceivedTerm: lastReceivedTerm, LastReceivedOffset: lastReceivedOffset}
}

// State reports the follower's current received offset, used on connection
// start and as the NACK of a failed append.
func State(lastReceivedOffset types.GlobalOffset) PeerMessage {
	return PeerMessage{Kind: PeerState, AckOffset: lastReceivedOffset}
}

// ReceivedMutations acks records up to the given offset.
func ReceivedMutations(ackOffset types.GlobalOffset) PeerMessage {
	return PeerMessage{Kind: PeerReceivedMutations, AckOffset: ackOffset}
}

// Vote grants the sender's vote for the given term.
func Vote(grantedTerm types.Term) PeerMessage {
	return PeerMessage{Kind: PeerVote, GrantedTerm: grantedTerm}
}

// Serialize encodes the peer message.
func (p PeerMessage) Serialize() []byte {
	buf := &bytes.Buffer{}
	encoding.WriteUint8(buf, uint8(p.Kind))
	switch p.Kind {
	case PeerIdentity:
		single, _ := config.NewClusterConfig([]config.ConfigEntry{p.Entry})
		buf.Write(single.Serialize())
	case PeerAppendMutations:
		encoding.WriteUint64(buf, uint64(p.Term))
		encoding.WriteUint64(buf, uint64(p.PreviousOffset))
		encoding.WriteUint64(buf, uint64(p.PreviousTerm))
		encoding.WriteUint8(buf, uint8(len(p.Records)))
		for _, m := range p.Records {
			encoding.WriteBytes16(buf, m.Serialize())
		}
		encoding.WriteUint64(buf, uint64(p.LastCommitted))
	case PeerRequestVotes:
		encoding.WriteUint64(buf, uint64(p.Term))
		encoding.WriteUint64(buf, uint64(p.LastReceivedTerm))
		encoding.WriteUint64(buf, uint64(p.LastReceivedOffset))
	case PeerState, PeerReceivedMutations:
		encoding.WriteUint64(buf, uint64(p.AckOffset))
	case PeerVote:
		encoding.WriteUint64(buf, uint64(p.GrantedTerm))
	}
	return buf.Bytes()
}

// DeserializePeerMessage decodes a message produced by Serialize.
func DeserializePeerMessage(serialized []byte) (PeerMessage, error) {
	r := bytes.NewReader(serialized)
	kind, err := encoding.ReadUint8(r)
	if err != nil {
		return PeerMessage{}, fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
	}
	if PeerMessageKind(kind) == PeerInvalid || PeerMessageKind(kind) > PeerVote {
		return PeerMessage{}, fmt.Errorf("%w: kind %d", ErrCorruptPeerMessage, kind)
	}
	p := PeerMessage{Kind: PeerMessageKind(kind)}
	readU64 := func(dst *uint64) error {
		v, err := encoding.ReadUint64(r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
		}
		*dst = v
		return nil
	}
	switch p.Kind {
	case PeerIdentity:
		cfg, err := config.ReadClusterConfig(r)
		if err != nil {
			return PeerMessage{}, fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
		}
		if len(cfg.Entries) != 1 {
			return PeerMessage{}, fmt.Errorf("%w: identity with %d entries", ErrCorruptPeerMessage, len(cfg.Entries))
		}
		p.Entry = cfg.Entries[0]
	case PeerAppendMutations:
		var term, prevOffset, prevTerm, lastCommitted uint64
		if err := readU64(&term); err != nil {
			return PeerMessage{}, err
		}
		if err := readU64(&prevOffset); err != nil {
			return PeerMessage{}, err
		}
		if err := readU64(&prevTerm); err != nil {
			return PeerMessage{}, err
		}
		count, err := encoding.ReadUint8(r)
		if err != nil {
			return PeerMessage{}, fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
		}
		records := make([]record.Mutation, 0, count)
		for i := 0; i < int(count); i++ {
			raw, err := encoding.ReadBytes16(r)
			if err != nil {
				return PeerMessage{}, fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
			}
			m, err := record.DeserializeMutation(raw)
			if err != nil {
				return PeerMessage{}, fmt.Errorf("%w: %v", ErrCorruptPeerMessage, err)
			}
			records = append(records, m)
		}
		if err := readU64(&lastCommitted); err != nil {
			return PeerMessage{}, err
		}
		p.Term = types.Term(term)
		p.PreviousOffset = types.GlobalOffset(prevOffset)
		p.PreviousTerm = types.Term(prevTerm)
		p.Records = records
		p.LastCommitted = types.GlobalOffset(lastCommitted)
	case PeerRequestVotes:
		var term, lastTerm, lastOffset uint64
		if err := readU64(&term); err != nil {
			return PeerMessage{}, err
		}
		if err := readU64(&lastTerm); err != nil {
			return PeerMessage{}, err
		}
		if err := readU64(&lastOffset); err != nil {
			return PeerMessage{}, err
		}
		p.Term = types.Term(term)
		p.LastReceivedTerm = types.Term(lastTerm)
		p.LastReceivedOffset = types.GlobalOffset(lastOffset)
	case PeerState, PeerReceivedMutations:
		var ack uint64
		if err := readU64(&ack); err != nil {
			return PeerMessage{}, err
		}
		p.AckOffset = types.GlobalOffset(ack)
	case PeerVote:
		var granted uint64
		if err := readU64(&granted); err != nil {
			return PeerMessage{}, err
		}
		p.GrantedTerm = types.Term(granted)
	}
	if r.Len() != 0 {
		return PeerMessage{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptPeerMessage, r.Len())
	}
	return p, nil
}
