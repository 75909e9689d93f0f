package dmpsync

import (
	"context"
	"sync"
	"time"
)

// SnapshotStore keeps the last history page that loaded successfully, keyed by
// its cache key. The sync engine falls back to it when the backend is unreachable.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (page *HistoryPage, savedAt time.Time, ok bool, err error)
	Save(ctx context.Context, key string, page *HistoryPage) error
}

// ============================================================================
// MemorySnapshotStore
// ============================================================================

type snapshot struct {
	page    *HistoryPage
	savedAt time.Time
}

// MemorySnapshotStore is a goroutine-safe in-memory SnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	pages map[string]snapshot
	now   func() time.Time
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{pages: make(map[string]snapshot), now: time.Now}
}

func (s *MemorySnapshotStore) Load(_ context.Context, key string) (*HistoryPage, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.pages[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return clonePage(snap.page), snap.savedAt, true, nil
}

func (s *MemorySnapshotStore) Save(_ context.Context, key string, page *HistoryPage) error {
	if page == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[key] = snapshot{page: clonePage(page), savedAt: s.now()}
	return nil
}

// Len returns the number of stored snapshots.
func (s *MemorySnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

func clonePage(p *HistoryPage) *HistoryPage {
	if p == nil {
		return nil
	}
	out := &HistoryPage{Messages: append([]Message(nil), p.Messages...)}
	if p.Conversation != nil {
		c := *p.Conversation
		c.Participants = append([]Participant(nil), c.Participants...)
		out.Conversation = &c
	}
	if p.Pagination != nil {
		pg := *p.Pagination
		out.Pagination = &pg
	}
	return out
}
