package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Journal durably records what a topic store accepts
type Journal interface {
	AppendPostInfo(topic string, info types.PostInfo) error
	AppendPacket(topic string, packet types.Packet) error
	AppendAbort(topic string, postID uint64) error
}

type entry struct {
	seq      uint64
	info     types.PostInfo
	packets  []types.Packet
	complete bool
}

func lessBySeq(a, b *entry) bool {
	return a.seq < b.seq
}

// TopicStore is the ordered log of one topic: PostInfo entries in acceptance
// order and, per post, the packets received so far. A zero sentinel entry
// precedes every real post so "everything since ZeroPostID" is the whole log.
type TopicStore struct {
	name     string
	mu       sync.Mutex
	entries  *btree.BTreeG[*entry]
	byID     map[uint64]*entry
	nextSeq  uint64
	handlers map[uuid.UUID]types.EventHandler
	journal  Journal
	logger   hclog.Logger
}

func newTopicStore(name string, journal Journal, logger hclog.Logger) *TopicStore {
	s := &TopicStore{
		name:     name,
		entries:  btree.NewG(32, lessBySeq),
		byID:     make(map[uint64]*entry),
		handlers: make(map[uuid.UUID]types.EventHandler),
		journal:  journal,
		logger:   logger.With("topic", name),
	}
	sentinel := &entry{seq: 0, info: types.PostInfo{ID: types.ZeroPostID}, complete: true}
	s.entries.ReplaceOrInsert(sentinel)
	s.byID[types.ZeroPostID] = sentinel
	s.nextSeq = 1
	return s
}

// Name of the topic
func (s *TopicStore) Name() string {
	return s.name
}

// Len is the number of accepted posts, complete or not
func (s *TopicStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len() - 1
}

func (s *TopicStore) emit(ev types.DeliveryEvent) {
	ev.Topic = s.name
	for _, h := range s.handlers {
		h(ev)
	}
}

func (s *TopicStore) insert(info types.PostInfo) *entry {
	e := &entry{seq: s.nextSeq, info: info}
	s.nextSeq++
	s.entries.ReplaceOrInsert(e)
	s.byID[info.ID] = e
	return e
}

func (s *TopicStore) remove(e *entry) {
	s.entries.Delete(e)
	delete(s.byID, e.info.ID)
}

// Attempt is a publisher's claim on a post it announced. A later announcement of
// the same open post supersedes the claim, and packets sent under it are then rejected.
type Attempt struct {
	PostID uint64
	seq    uint64
}

// Owns reports whether the attempt was granted, an ignored duplicate owns nothing
func (a Attempt) Owns() bool {
	return a.seq != 0
}

// AddPostInfo appends a post to the log. A complete post already known is ignored
// and yields an Attempt owning nothing, so a publisher retrying a whole batch does
// not duplicate it. A post still being received is taken over: the stale attempt
// is aborted and the post is announced again at the end of the log.
func (s *TopicStore) AddPostInfo(info types.PostInfo) (Attempt, error) {
	if info.ID == types.ZeroPostID {
		return Attempt{}, fmt.Errorf("%w: post id %d is reserved", protocol.ErrInconsistentStream, info.ID)
	}
	if err := info.Validate(); err != nil {
		return Attempt{}, fmt.Errorf("%w: %v", protocol.ErrInconsistentStream, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[info.ID]; ok {
		if e.complete {
			return Attempt{}, nil
		}
		s.logger.Debug("post announced again while open, superseding", "post", info.ID, "packets", len(e.packets))
		s.abort(e)
	}
	if s.journal != nil {
		if err := s.journal.AppendPostInfo(s.name, info); err != nil {
			return Attempt{}, err
		}
	}
	e := s.insert(info)
	s.emit(types.DeliveryEvent{Kind: types.PostAnnounced, PostID: info.ID, Info: info})
	return Attempt{PostID: info.ID, seq: e.seq}, nil
}

// AddPacket appends a packet to the post claimed by attempt. Packets of a post that
// is already complete are ignored.
func (s *TopicStore) AddPacket(attempt Attempt, packet types.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[packet.PostID]
	if !ok || e.seq == 0 || packet.PostID != attempt.PostID {
		return fmt.Errorf("%w: packet for unannounced post %d", protocol.ErrInconsistentStream, packet.PostID)
	}
	if e.seq != attempt.seq {
		return fmt.Errorf("%w: post %d was announced again by another publish", protocol.ErrInconsistentStream, packet.PostID)
	}
	if e.complete {
		return nil
	}
	if s.journal != nil {
		if err := s.journal.AppendPacket(s.name, packet); err != nil {
			return err
		}
	}
	e.packets = append(e.packets, packet)
	e.complete = packet.Final
	s.emit(types.DeliveryEvent{Kind: types.PacketArrived, PostID: packet.PostID, Packet: packet})
	return nil
}

// Abort drops a post whose publisher went away before its final packet.
// It does nothing once the post is complete or was taken over by another attempt.
func (s *TopicStore) Abort(attempt Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[attempt.PostID]
	if !ok || e.complete || e.seq != attempt.seq {
		return
	}
	s.abort(e)
}

func (s *TopicStore) abort(e *entry) {
	if s.journal != nil {
		if err := s.journal.AppendAbort(s.name, e.info.ID); err != nil {
			s.logger.Error("failed to journal aborted post", "post", e.info.ID, "error", err)
		}
	}
	s.remove(e)
	s.logger.Debug("aborted incomplete post", "post", e.info.ID, "packets", len(e.packets))
	s.emit(types.DeliveryEvent{Kind: types.DeliveryFailed, PostID: e.info.ID})
}

// completePrefix walks the entries after `after` and splits them into the complete
// posts leading the log and the remaining ones, starting at the first incomplete post
func (s *TopicStore) completePrefix(after *entry) (done []*entry, rest []*entry) {
	s.entries.AscendGreaterOrEqual(&entry{seq: after.seq + 1}, func(e *entry) bool {
		if len(rest) == 0 && e.complete {
			done = append(done, e)
		} else {
			rest = append(rest, e)
		}
		return true
	})
	return done, rest
}

func collectPosts(entries []*entry) ([]types.PostInfo, map[uint64][]types.Packet) {
	infos := make([]types.PostInfo, 0, len(entries))
	packets := make(map[uint64][]types.Packet, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info)
		packets[e.info.ID] = append([]types.Packet(nil), e.packets...)
	}
	return infos, packets
}

// Since returns the posts accepted after postID, in order, each with its complete
// packet array. It stops before the first post still being received.
// An unknown postID yields an empty result.
func (s *TopicStore) Since(postID uint64) ([]types.PostInfo, map[uint64][]types.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	after, ok := s.byID[postID]
	if !ok {
		return nil, map[uint64][]types.Packet{}
	}
	done, _ := s.completePrefix(after)
	return collectPosts(done)
}

// Subscribe registers handler and returns the complete backlog after lastKnown.
// Posts after the backlog that are still being received are replayed to handler,
// announcement then buffered packets, before any live event. Both happen
// atomically with respect to publishers.
func (s *TopicStore) Subscribe(lastKnown uint64, handler types.EventHandler) ([]types.PostInfo, map[uint64][]types.Packet, uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()

	var infos []types.PostInfo
	packets := map[uint64][]types.Packet{}
	if after, ok := s.byID[lastKnown]; ok {
		done, rest := s.completePrefix(after)
		infos, packets = collectPosts(done)
		for _, e := range rest {
			handler(types.DeliveryEvent{Kind: types.PostAnnounced, Topic: s.name, PostID: e.info.ID, Info: e.info})
			for _, p := range e.packets {
				handler(types.DeliveryEvent{Kind: types.PacketArrived, Topic: s.name, PostID: p.PostID, Packet: p})
			}
		}
	} else {
		s.logger.Debug("unknown last post, subscribing without backlog", "post", lastKnown)
	}
	s.handlers[id] = handler
	return infos, packets, id
}

// Unsubscribe removes a handler
func (s *TopicStore) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

// Subscribers is the number of registered handlers
func (s *TopicStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// restore applies a journaled record without journaling it again or emitting events
func (s *TopicStore) restore(r Record) error {
	switch r.Kind {
	case RecordPostInfo:
		info, err := r.PostInfo()
		if err != nil {
			return err
		}
		if _, ok := s.byID[info.ID]; !ok && info.ID != types.ZeroPostID {
			s.insert(info)
		}
	case RecordPacket:
		p, err := r.Packet()
		if err != nil {
			return err
		}
		if e, ok := s.byID[p.PostID]; ok && !e.complete && e.seq != 0 {
			e.packets = append(e.packets, p)
			e.complete = p.Final
		}
	case RecordAbort:
		id, err := r.PostID()
		if err != nil {
			return err
		}
		if e, ok := s.byID[id]; ok && !e.complete {
			s.remove(e)
		}
	default:
		return fmt.Errorf("unknown record kind %d at seq %d", r.Kind, r.Seq)
	}
	return nil
}

// dropIncomplete removes posts left half-received, their publishers are gone
func (s *TopicStore) dropIncomplete() int {
	var stale []*entry
	s.entries.Ascend(func(e *entry) bool {
		if !e.complete {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		s.remove(e)
	}
	return len(stale)
}

// Topics maps topic names to their stores
type Topics struct {
	mu      sync.Mutex
	topics  map[string]*TopicStore
	journal Journal
	logger  hclog.Logger
}

// NewTopics creates an empty registry. journal may be nil for a memory-only broker.
func NewTopics(journal Journal, logger hclog.Logger) *Topics {
	return &Topics{
		topics:  make(map[string]*TopicStore),
		journal: journal,
		logger:  logger,
	}
}

// GetOrCreate returns the store of a topic, creating it on first reference
func (t *Topics) GetOrCreate(name string) *TopicStore {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.topics[name]
	if !ok {
		s = newTopicStore(name, t.journal, t.logger)
		t.topics[name] = s
		t.logger.Info("created topic", "topic", name)
	}
	return s
}

// Create creates a topic and reports false if it already existed
func (t *Topics) Create(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[name]; ok {
		return false
	}
	t.topics[name] = newTopicStore(name, t.journal, t.logger)
	t.logger.Info("created topic", "topic", name)
	return true
}

// Get returns the store of an existing topic
func (t *Topics) Get(name string) (*TopicStore, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.topics[name]
	return s, ok
}

// Names lists the known topics, sorted
func (t *Topics) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restore rebuilds every topic found in the log
func (t *Topics) Restore(l *Log) error {
	names, err := l.TopicNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		s := t.GetOrCreate(name)
		s.mu.Lock()
		err := l.Load(name, s.restore)
		dropped := s.dropIncomplete()
		posts := s.entries.Len() - 1
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore topic %s: %w", name, err)
		}
		t.logger.Info("restored topic", "topic", name, "posts", posts, "dropped_incomplete", dropped)
	}
	return nil
}
