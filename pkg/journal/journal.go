// Package journal is the durable log store: a single append-only global
// mutation log plus one append-only event log per topic, all under the data
// directory. Commit is append + fsync; completions are reported to the
// callbacks in submission order. Any write failure is fatal; the node must
// never acknowledge an unpersisted commit.
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zhangyunhao116/skipset"

	"laminar/pkg/listener"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

const (
	mutationLogName = "mutations.log"
	topicDirName    = "topics"

	commandDepth = 64
)

var (
	ErrUnknownOffset = errors.New("offset not present in journal")
	ErrUnknownTopic  = errors.New("topic has no event log")
)

// Callbacks receives asynchronous completions. All methods run on the
// journal's worker goroutine; implementations enqueue onto their own command
// queue.
type Callbacks interface {
	// MutationCommitted fires once the mutation and its whole event batch
	// are durable.
	MutationCommitted(m record.Mutation, events []record.Event)
	// MutationFetched answers a Fetch call; fetched mutations are always
	// committed.
	MutationFetched(m record.Mutation)
	// EventFetched answers a FetchEvent call.
	EventFetched(e record.Event)
}

type commitCommand struct {
	mutation record.Mutation
	events   []record.Event
}

type fetchMutationCommand struct {
	offset types.GlobalOffset
}

type fetchEventCommand struct {
	topic types.TopicName
	local types.LocalOffset
}

// stream is one append-only file with an in-memory position index, rebuilt
// by scanning at open.
type stream struct {
	file   *os.File
	writer *bufio.Writer
	// size is the current end of the file in bytes.
	size int64
	// positions maps a record's offset to its file position.
	positions map[uint64]int64
}

// Journal owns the on-disk layout. All mutating calls are served by a single
// worker goroutine, which is what makes the completion order match the
// submission order.
type Journal struct {
	dir string
	cb  Callbacks
	log *slog.Logger

	mutations *stream
	topics    map[types.TopicName]*stream
	// topicNames mirrors the keys of topics for concurrent readers (the
	// admin surface lists topics without entering the worker).
	topicNames *skipset.StringSet

	lastCommitted      types.GlobalOffset
	lastCommittedTerm  types.Term
	lastLocalCommitted map[types.TopicName]types.LocalOffset

	worker *listener.Worker[any]
	// fatalf terminates the process on unrecoverable disk failure;
	// replaceable in tests.
	fatalf func(format string, args ...any)
}

// Open loads (or creates) the journal under dir, rebuilding all in-memory
// indexes by scanning the logs.
func Open(dir string, cb Callbacks) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Join(dir, topicDirName), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{
		dir:                dir,
		cb:                 cb,
		log:                slog.With("component", "journal"),
		topics:             make(map[types.TopicName]*stream),
		topicNames:         skipset.NewString(),
		lastLocalCommitted: make(map[types.TopicName]types.LocalOffset),
		fatalf: func(format string, args ...any) {
			slog.Error(fmt.Sprintf(format, args...))
			os.Exit(1)
		},
	}
	j.worker = listener.New(commandDepth, j.handleCommand, j.flushAll)
	if err := j.openMutationLog(); err != nil {
		return nil, err
	}
	if err := j.openTopicLogs(); err != nil {
		return nil, err
	}
	return j, nil
}

// Start launches the worker goroutine.
func (j *Journal) Start() {
	j.worker.Start()
}

// Stop drains queued commands and flushes the logs.
func (j *Journal) Stop() {
	j.worker.Stop()
}

// LastCommitted reports the highest durable mutation offset and its term,
// used to seed NodeState on restart.
func (j *Journal) LastCommitted() (types.GlobalOffset, types.Term) {
	return j.lastCommitted, j.lastCommittedTerm
}

// LastLocalOffsets snapshots the highest durable local offset per topic.
func (j *Journal) LastLocalOffsets() map[types.TopicName]types.LocalOffset {
	out := make(map[types.TopicName]types.LocalOffset, len(j.lastLocalCommitted))
	for topic, local := range j.lastLocalCommitted {
		out[topic] = local
	}
	return out
}

// TopicNames lists topics with an event log, newest state, concurrent-safe.
func (j *Journal) TopicNames() []string {
	names := make([]string, 0, j.topicNames.Len())
	j.topicNames.Range(func(name string) bool {
		names = append(names, name)
		return true
	})
	return names
}

// ReplayMutations walks the whole mutation log in append order, calling back
// for every record. Used at startup to rebuild derived state; must run
// before Start.
func (j *Journal) ReplayMutations(callback func(record.Mutation) error) error {
	if err := j.mutations.writer.Flush(); err != nil {
		return fmt.Errorf("flush before replay: %w", err)
	}
	file, err := os.Open(j.mutations.file.Name())
	if err != nil {
		return fmt.Errorf("open mutation log for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			j.log.Warn("failed to close replay file", "err", cerr)
		}
	}()
	reader := bufio.NewReader(file)
	for {
		var header [10]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("replay mutation log: %w", err)
		}
		length := binary.BigEndian.Uint16(header[8:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("replay mutation log: %w", err)
		}
		m, err := record.DeserializeMutation(payload)
		if err != nil {
			return fmt.Errorf("replay mutation log: %w", err)
		}
		if err := callback(m); err != nil {
			return fmt.Errorf("replay callback failed: %w", err)
		}
	}
}

// Commit schedules the mutation and its event batch for durable append. The
// events of one mutation always land together, before the mutation itself.
func (j *Journal) Commit(m record.Mutation, events []record.Event) {
	j.worker.Push(commitCommand{mutation: m, events: events})
}

// Fetch schedules an asynchronous read of a committed mutation. Each call
// performs its own read and reports its own completion.
func (j *Journal) Fetch(offset types.GlobalOffset) {
	j.worker.Push(fetchMutationCommand{offset: offset})
}

// FetchEvent schedules an asynchronous read of a committed event.
func (j *Journal) FetchEvent(topic types.TopicName, local types.LocalOffset) {
	j.worker.Push(fetchEventCommand{topic: topic, local: local})
}

func (j *Journal) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case commitCommand:
		j.handleCommit(c)
	case fetchMutationCommand:
		j.handleFetchMutation(c)
	case fetchEventCommand:
		j.handleFetchEvent(c)
	}
}

func (j *Journal) handleCommit(c commitCommand) {
	for _, e := range c.events {
		s, err := j.topicStream(e.Topic, true)
		if err != nil {
			j.fatalf("journal: open topic log %q: %v", e.Topic, err)
			return
		}
		if err := appendRecord(s, uint64(e.LocalOffset), e.Serialize()); err != nil {
			j.fatalf("journal: append event %d to %q: %v", e.LocalOffset, e.Topic, err)
			return
		}
		j.lastLocalCommitted[e.Topic] = e.LocalOffset
	}
	// Sync every touched topic log before the mutation lands so a crash
	// cannot leave a committed mutation with missing events.
	synced := make(map[types.TopicName]bool, len(c.events))
	for _, e := range c.events {
		if synced[e.Topic] {
			continue
		}
		synced[e.Topic] = true
		if err := syncStream(j.topics[e.Topic]); err != nil {
			j.fatalf("journal: sync topic log %q: %v", e.Topic, err)
			return
		}
	}
	if err := appendRecord(j.mutations, uint64(c.mutation.Offset), c.mutation.Serialize()); err != nil {
		j.fatalf("journal: append mutation %d: %v", c.mutation.Offset, err)
		return
	}
	if err := syncStream(j.mutations); err != nil {
		j.fatalf("journal: sync mutation log: %v", err)
		return
	}
	j.lastCommitted = c.mutation.Offset
	j.lastCommittedTerm = c.mutation.Term
	j.cb.MutationCommitted(c.mutation, c.events)
}

func (j *Journal) handleFetchMutation(c fetchMutationCommand) {
	m, err := j.readMutation(c.offset)
	if err != nil {
		j.fatalf("journal: fetch mutation %d: %v", c.offset, err)
		return
	}
	j.cb.MutationFetched(m)
}

func (j *Journal) handleFetchEvent(c fetchEventCommand) {
	s, err := j.topicStream(c.topic, false)
	if err != nil {
		j.fatalf("journal: fetch event %d of %q: %v", c.local, c.topic, err)
		return
	}
	raw, err := readRecordAt(s, uint64(c.local))
	if err != nil {
		j.fatalf("journal: fetch event %d of %q: %v", c.local, c.topic, err)
		return
	}
	e, err := record.DeserializeEvent(raw)
	if err != nil {
		j.fatalf("journal: decode event %d of %q: %v", c.local, c.topic, err)
		return
	}
	j.cb.EventFetched(e)
}

func (j *Journal) readMutation(offset types.GlobalOffset) (record.Mutation, error) {
	raw, err := readRecordAt(j.mutations, uint64(offset))
	if err != nil {
		return record.Mutation{}, err
	}
	return record.DeserializeMutation(raw)
}

func (j *Journal) openMutationLog() error {
	s, err := openStream(filepath.Join(j.dir, mutationLogName))
	if err != nil {
		return err
	}
	j.mutations = s
	// Recover the tail state from the scan.
	var maxOffset uint64
	for offset := range s.positions {
		if offset > maxOffset {
			maxOffset = offset
		}
	}
	if maxOffset > 0 {
		j.lastCommitted = types.GlobalOffset(maxOffset)
		raw, err := readRecordAt(s, maxOffset)
		if err != nil {
			return err
		}
		m, err := record.DeserializeMutation(raw)
		if err != nil {
			return err
		}
		j.lastCommittedTerm = m.Term
	}
	return nil
}

func (j *Journal) openTopicLogs() error {
	entries, err := os.ReadDir(filepath.Join(j.dir, topicDirName))
	if err != nil {
		return fmt.Errorf("scan topic logs: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := topicFromFileName(entry.Name())
		if err != nil {
			return err
		}
		s, err := openStream(filepath.Join(j.dir, topicDirName, entry.Name()))
		if err != nil {
			return err
		}
		j.topics[name] = s
		j.topicNames.Add(string(name))
		var maxLocal uint64
		for local := range s.positions {
			if local > maxLocal {
				maxLocal = local
			}
		}
		if maxLocal > 0 {
			j.lastLocalCommitted[name] = types.LocalOffset(maxLocal)
		}
	}
	return nil
}

func (j *Journal) topicStream(topic types.TopicName, create bool) (*stream, error) {
	if s, ok := j.topics[topic]; ok {
		return s, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	s, err := openStream(filepath.Join(j.dir, topicDirName, topicFileName(topic)))
	if err != nil {
		return nil, err
	}
	j.topics[topic] = s
	j.topicNames.Add(string(topic))
	return s, nil
}

func (j *Journal) flushAll() {
	if err := syncStream(j.mutations); err != nil {
		j.log.Warn("flush mutation log", "err", err)
	}
	_ = j.mutations.file.Close()
	for topic, s := range j.topics {
		if err := syncStream(s); err != nil {
			j.log.Warn("flush topic log", "topic", topic, "err", err)
		}
		_ = s.file.Close()
	}
}

// topicFileName hex-encodes the topic so any valid UTF-8 name maps to a safe
// file name.
func topicFileName(topic types.TopicName) string {
	return hex.EncodeToString([]byte(topic)) + ".log"
}

func topicFromFileName(fileName string) (types.TopicName, error) {
	base, ok := bytes.CutSuffix([]byte(fileName), []byte(".log"))
	if !ok {
		return "", fmt.Errorf("unexpected file in topic dir: %q", fileName)
	}
	raw, err := hex.DecodeString(string(base))
	if err != nil {
		return "", fmt.Errorf("unexpected file in topic dir: %q", fileName)
	}
	return types.TopicName(raw), nil
}

// openStream opens (or creates) an append-only log and rebuilds its position
// index by scanning every record: 8-byte big-endian record offset, 2-byte
// length, payload.
func openStream(path string) (*stream, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", path, err)
	}
	s := &stream{
		file:      file,
		positions: make(map[uint64]int64),
	}
	reader := bufio.NewReader(file)
	var pos int64
	for {
		var header [10]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("scan log %q: %w", path, err)
		}
		offset := binary.BigEndian.Uint64(header[:8])
		length := binary.BigEndian.Uint16(header[8:])
		if _, err := reader.Discard(int(length)); err != nil {
			return nil, fmt.Errorf("scan log %q: %w", path, err)
		}
		s.positions[offset] = pos
		pos += int64(len(header)) + int64(length)
	}
	s.size = pos
	if _, err := file.Seek(pos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log %q: %w", path, err)
	}
	s.writer = bufio.NewWriter(file)
	return s, nil
}

func appendRecord(s *stream, offset uint64, payload []byte) error {
	var header [10]byte
	binary.BigEndian.PutUint64(header[:8], offset)
	binary.BigEndian.PutUint16(header[8:], uint16(len(payload)))
	if _, err := s.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	s.positions[offset] = s.size
	s.size += int64(len(header)) + int64(len(payload))
	return nil
}

func syncStream(s *stream) error {
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// readRecordAt fetches one record by its offset using the position index.
func readRecordAt(s *stream, offset uint64) ([]byte, error) {
	pos, ok := s.positions[offset]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOffset, offset)
	}
	if err := s.writer.Flush(); err != nil {
		return nil, err
	}
	var header [10]byte
	if _, err := s.file.ReadAt(header[:], pos); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[8:])
	payload := make([]byte, length)
	if _, err := s.file.ReadAt(payload, pos+int64(len(header))); err != nil {
		return nil, err
	}
	return payload, nil
}
