package journal

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"laminar/pkg/record"
	"laminar/pkg/types"
)

// recordingCallbacks collects journal completions in arrival order.
type recordingCallbacks struct {
	mu        sync.Mutex
	committed []record.Mutation
	fetched   []record.Mutation
	events    []record.Event
	notify    chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{notify: make(chan struct{}, 64)}
}

func (r *recordingCallbacks) MutationCommitted(m record.Mutation, events []record.Event) {
	r.mu.Lock()
	r.committed = append(r.committed, m)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recordingCallbacks) MutationFetched(m record.Mutation) {
	r.mu.Lock()
	r.fetched = append(r.fetched, m)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recordingCallbacks) EventFetched(e record.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recordingCallbacks) wait(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-r.notify:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for journal completion")
		}
	}
}

func TestJournalCommitAndRecovery(t *testing.T) {
	dir := t.TempDir()
	clientID := uuid.New()
	cb := newRecordingCallbacks()

	j, err := Open(dir, cb)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Start()

	create := record.CreateTopic(1, 1, "orders", clientID, 1, nil, nil)
	createEvents := []record.Event{record.TopicCreate(1, 1, 1, "orders", clientID, 1)}
	put := record.Put(1, 2, "orders", clientID, 2, []byte("key"), []byte("value"))
	putEvents := []record.Event{record.KeyPut(1, 2, 2, "orders", clientID, 2, []byte("key"), []byte("value"))}

	j.Commit(create, createEvents)
	j.Commit(put, putEvents)
	cb.wait(t, 2)

	cb.mu.Lock()
	if len(cb.committed) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(cb.committed))
	}
	if cb.committed[0].Offset != 1 || cb.committed[1].Offset != 2 {
		t.Fatalf("commits out of order: %d, %d", cb.committed[0].Offset, cb.committed[1].Offset)
	}
	cb.mu.Unlock()

	j.Stop()

	// Reopen: indexes are rebuilt by scanning, tail state recovers.
	cb2 := newRecordingCallbacks()
	reopened, err := Open(dir, cb2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	lastCommitted, lastTerm := reopened.LastCommitted()
	if lastCommitted != 2 || lastTerm != 1 {
		t.Fatalf("recovered tail (%d, %d), want (2, 1)", lastCommitted, lastTerm)
	}
	locals := reopened.LastLocalOffsets()
	if locals["orders"] != 2 {
		t.Fatalf("recovered local offset %d, want 2", locals["orders"])
	}

	reopened.Start()
	reopened.Fetch(1)
	reopened.FetchEvent("orders", 2)
	cb2.wait(t, 2)

	cb2.mu.Lock()
	defer cb2.mu.Unlock()
	if len(cb2.fetched) != 1 || cb2.fetched[0].Offset != 1 || cb2.fetched[0].Kind != record.MutationCreateTopic {
		t.Fatalf("fetched mutation wrong: %+v", cb2.fetched)
	}
	if len(cb2.events) != 1 || cb2.events[0].LocalOffset != 2 || cb2.events[0].Kind != record.EventKeyPut {
		t.Fatalf("fetched event wrong: %+v", cb2.events)
	}
	reopened.Stop()
}

func TestJournalReplayMutations(t *testing.T) {
	dir := t.TempDir()
	clientID := uuid.New()
	cb := newRecordingCallbacks()
	j, err := Open(dir, cb)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Start()
	j.Commit(record.CreateTopic(1, 1, "t", clientID, 1, nil, nil), nil)
	j.Commit(record.Put(1, 2, "t", clientID, 2, []byte("k"), []byte("v")), nil)
	cb.wait(t, 2)
	j.Stop()

	reopened, err := Open(dir, newRecordingCallbacks())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	var offsets []types.GlobalOffset
	err = reopened.ReplayMutations(func(m record.Mutation) error {
		offsets = append(offsets, m.Offset)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 1 || offsets[1] != 2 {
		t.Fatalf("replay order wrong: %v", offsets)
	}
	reopened.Start()
	reopened.Stop()
}

func TestJournalTopicNames(t *testing.T) {
	dir := t.TempDir()
	clientID := uuid.New()
	cb := newRecordingCallbacks()
	j, err := Open(dir, cb)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Start()
	defer j.Stop()

	j.Commit(
		record.CreateTopic(1, 1, "a/b topic", clientID, 1, nil, nil),
		[]record.Event{record.TopicCreate(1, 1, 1, "a/b topic", clientID, 1)},
	)
	cb.wait(t, 1)

	names := j.TopicNames()
	if len(names) != 1 || names[0] != "a/b topic" {
		t.Fatalf("topic names wrong: %v", names)
	}
}

func TestJournalAtomicEventBatch(t *testing.T) {
	dir := t.TempDir()
	clientID := uuid.New()
	cb := newRecordingCallbacks()
	j, err := Open(dir, cb)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	j.Start()

	// A programmable topic can emit several events for one mutation; they
	// must all be durable when the commit completes.
	j.Commit(
		record.CreateTopic(1, 1, "derived", clientID, 1, []byte{0x01}, nil),
		[]record.Event{record.TopicCreate(1, 1, 1, "derived", clientID, 1)},
	)
	batch := []record.Event{
		record.KeyPut(1, 2, 2, "derived", clientID, 2, []byte("k1"), []byte("v1")),
		record.KeyPut(1, 2, 3, "derived", clientID, 2, []byte("k2"), []byte("v2")),
	}
	j.Commit(record.Put(1, 2, "derived", clientID, 2, []byte("k"), []byte("v")), batch)
	cb.wait(t, 2)
	j.Stop()

	cb2 := newRecordingCallbacks()
	reopened, err := Open(dir, cb2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.LastLocalOffsets()["derived"] != 3 {
		t.Fatalf("batch tail local offset %d, want 3", reopened.LastLocalOffsets()["derived"])
	}
	var lc types.GlobalOffset
	lc, _ = reopened.LastCommitted()
	if lc != 2 {
		t.Fatalf("last committed %d, want 2", lc)
	}
	reopened.Start()
	reopened.Stop()
}
