// Package projection derives per-topic events from mutations. The projection
// is deterministic: every replica derives byte-identical event batches from
// the same mutation sequence.
//
// The projector keeps two copies of the topic table. The committed table only
// advances when a mutation commits. The speculative table advances as entries
// are accepted into the in-flight buffer, so the next acceptance sees the
// effects of the uncommitted prefix; when a follower drops a conflicting
// in-flight tail, the speculative table is rebuilt from the committed table
// by replaying the surviving entries.
package projection

import (
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// Effect is the outcome of projecting one mutation.
type Effect uint8

const (
	EffectValid Effect = iota
	// EffectError marks a mutation that commits with zero events: a
	// projector failure or an invalid target (missing topic, duplicate
	// create).
	EffectError
)

// PatchKind is the shape of one program output.
type PatchKind uint8

const (
	PatchPut PatchKind = iota
	PatchDelete
)

// Patch is one event produced by a programmable topic's program. The
// projector assigns offsets and identity; the program only decides keys and
// values.
type Patch struct {
	Kind  PatchKind
	Key   []byte
	Value []byte
}

// TopicState is the per-topic mutable state handed to the program runtime.
// Object is scratch state owned by the program; replicas converge on it
// because the runtime is deterministic.
type TopicState struct {
	Code   []byte
	Args   []byte
	Object map[string][]byte
}

// Runtime executes the deterministic program of a programmable topic. It
// must produce identical output on all replicas given identical inputs.
type Runtime interface {
	Project(m record.Mutation, state *TopicState) ([]Patch, error)
}

// topicInfo survives destroy so local offsets keep increasing if the topic
// is created again.
type topicInfo struct {
	exists       bool
	programmable bool
	state        TopicState
	nextLocal    types.LocalOffset
}

func (t *topicInfo) clone() *topicInfo {
	copied := &topicInfo{
		exists:       t.exists,
		programmable: t.programmable,
		nextLocal:    t.nextLocal,
		state: TopicState{
			Code: t.state.Code,
			Args: t.state.Args,
		},
	}
	if t.state.Object != nil {
		copied.state.Object = make(map[string][]byte, len(t.state.Object))
		for k, v := range t.state.Object {
			copied.state.Object[k] = v
		}
	}
	return copied
}

type table struct {
	topics map[types.TopicName]*topicInfo
}

func newTable() *table {
	return &table{topics: make(map[types.TopicName]*topicInfo)}
}

func (t *table) clone() *table {
	copied := newTable()
	for name, info := range t.topics {
		copied.topics[name] = info.clone()
	}
	return copied
}

func (t *table) get(name types.TopicName) *topicInfo {
	info, ok := t.topics[name]
	if !ok {
		info = &topicInfo{nextLocal: 1}
		t.topics[name] = info
	}
	return info
}

// Projector owns the topic tables. It is used exclusively from the core
// worker, so no locking is required.
type Projector struct {
	runtime     Runtime
	committed   *table
	speculative *table
}

// New creates an empty projector. runtime may be nil, in which case every
// mutation on a programmable topic projects as an error outcome.
func New(runtime Runtime) *Projector {
	return &Projector{
		runtime:     runtime,
		committed:   newTable(),
		speculative: newTable(),
	}
}

// Restore replays one committed mutation into the committed table at
// startup; call Rewind(nil) afterwards to align the speculative table.
func (p *Projector) Restore(m record.Mutation) {
	projectInto(p.committed, p.runtime, m)
}

// Project derives the event batch for a mutation being accepted into the
// in-flight buffer, advancing the speculative table.
func (p *Projector) Project(m record.Mutation) ([]record.Event, Effect) {
	return projectInto(p.speculative, p.runtime, m)
}

// Commit advances the committed table for a mutation that just committed.
// The returned batch is byte-identical to what Project returned when the
// entry was accepted.
func (p *Projector) Commit(m record.Mutation) ([]record.Event, Effect) {
	return projectInto(p.committed, p.runtime, m)
}

// Rewind rebuilds the speculative table after an in-flight tail drop by
// replaying the surviving uncommitted mutations over the committed state.
func (p *Projector) Rewind(surviving []record.Mutation) {
	p.speculative = p.committed.clone()
	for _, m := range surviving {
		projectInto(p.speculative, p.runtime, m)
	}
}

// projectInto is the single projection function both tables share.
func projectInto(t *table, runtime Runtime, m record.Mutation) ([]record.Event, Effect) {
	switch m.Kind {
	case record.MutationCreateTopic:
		info := t.get(m.Topic)
		if info.exists {
			return nil, EffectError
		}
		info.exists = true
		info.programmable = len(m.Code) > 0
		info.state = TopicState{Code: m.Code, Args: m.Args, Object: make(map[string][]byte)}
		event := record.TopicCreate(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce)
		info.nextLocal++
		return []record.Event{event}, EffectValid

	case record.MutationDestroyTopic:
		info := t.get(m.Topic)
		if !info.exists {
			return nil, EffectError
		}
		info.exists = false
		event := record.TopicDestroy(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce)
		info.nextLocal++
		return []record.Event{event}, EffectValid

	case record.MutationPut, record.MutationDelete:
		info := t.get(m.Topic)
		if !info.exists {
			return nil, EffectError
		}
		if info.programmable {
			return projectProgram(runtime, info, m)
		}
		var event record.Event
		if m.Kind == record.MutationPut {
			event = record.KeyPut(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce, m.Key, m.Value)
		} else {
			event = record.KeyDelete(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce, m.Key)
		}
		info.nextLocal++
		return []record.Event{event}, EffectValid

	case record.MutationUpdateConfig:
		// Config changes never produce persisted events; the CONFIG_CHANGE
		// pseudo-event is synthesized at broadcast time.
		return nil, EffectValid

	default:
		return nil, EffectError
	}
}

// projectProgram runs the topic's program and materializes its patches as
// events. A runtime failure is a zero-event outcome with an error effect;
// the topic state is left untouched in that case.
func projectProgram(runtime Runtime, info *topicInfo, m record.Mutation) ([]record.Event, Effect) {
	if runtime == nil {
		return nil, EffectError
	}
	scratch := info.clone()
	patches, err := runtime.Project(m, &scratch.state)
	if err != nil {
		return nil, EffectError
	}
	info.state = scratch.state
	events := make([]record.Event, 0, len(patches))
	for _, patch := range patches {
		var event record.Event
		switch patch.Kind {
		case PatchPut:
			event = record.KeyPut(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce, patch.Key, patch.Value)
		case PatchDelete:
			event = record.KeyDelete(m.Term, m.Offset, info.nextLocal, m.Topic, m.ClientID, m.ClientNonce, patch.Key)
		default:
			return nil, EffectError
		}
		info.nextLocal++
		events = append(events, event)
	}
	return events, EffectValid
}
