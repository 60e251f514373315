package sechat

import (
	"sort"
	"sync"
)

// messageStore is a room's id-ordered, deduplicated cache of messages.
// Ids grow monotonically on a host, so ascending id order is
// oldest-to-newest order.
type messageStore struct {
	mu       sync.RWMutex
	messages []*Message // sorted by ID, unique
	capacity int        // 0 means unbounded
}

func newMessageStore(capacity int) *messageStore {
	return &messageStore{capacity: capacity}
}

// index returns the position of id and whether it is present.
func (s *messageStore) index(id uint64) (int, bool) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID >= id })
	return i, i < len(s.messages) && s.messages[i].ID == id
}

// Get returns the stored message with the given id.
func (s *messageStore) Get(id uint64) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index(id)
	if !ok {
		return nil, false
	}
	return s.messages[i], true
}

// Upsert stores m. When a message with the same id is already stored, that
// entry is updated in place and returned so existing holders see the new
// state; otherwise m itself is inserted and returned.
func (s *messageStore) Upsert(m *Message) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index(m.ID)
	if ok {
		existing := s.messages[i]
		if existing != m {
			existing.mergeFrom(m)
		}
		return existing
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	s.evictLocked()
	return m
}

// Update applies fn to the stored message with the given id and reports
// whether one was found.
func (s *messageStore) Update(id uint64, fn func(*Message)) bool {
	s.mu.RLock()
	i, ok := s.index(id)
	var m *Message
	if ok {
		m = s.messages[i]
	}
	s.mu.RUnlock()
	if !ok {
		return false
	}
	fn(m)
	return true
}

// Replace discards the current contents and stores msgs instead. Duplicate
// ids collapse to the last occurrence.
func (s *messageStore) Replace(msgs []*Message) []*Message {
	byID := make(map[uint64]*Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	fresh := make([]*Message, 0, len(byID))
	for _, m := range byID {
		fresh = append(fresh, m)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = fresh
	s.evictLocked()
	return s.snapshotLocked()
}

// Remove drops the message with the given id.
func (s *messageStore) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index(id)
	if !ok {
		return
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

// Snapshot returns the stored messages, oldest first.
func (s *messageStore) Snapshot() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *messageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *messageStore) snapshotLocked() []*Message {
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// evictLocked drops the oldest messages beyond capacity.
func (s *messageStore) evictLocked() {
	if s.capacity <= 0 || len(s.messages) <= s.capacity {
		return
	}
	drop := len(s.messages) - s.capacity
	s.messages = append(s.messages[:0:0], s.messages[drop:]...)
}
