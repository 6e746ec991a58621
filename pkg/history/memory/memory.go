// Package memory provides an in-memory history.Store for development and
// single-process deployments, adapted from this codebase's storage/memory
// backend: optional LRU eviction over a mutex-guarded map, generalized
// from API responses to execution records.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rhuss/sandboxd/pkg/history"
)

type entry struct {
	rec     *history.Record
	lruElem *list.Element
}

// Store is an in-memory history.Store with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List
	maxSize int // 0 = unlimited
}

var _ history.Store = (*Store)(nil)

// New creates a Store. If maxSize is 0 the store grows without limit; if
// maxSize > 0 the least recently used record is evicted when full.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

func (s *Store) SaveExecution(ctx context.Context, rec *history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[rec.ID]; exists {
		return history.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(rec.ID)
	s.entries[rec.ID] = &entry{rec: rec, lruElem: elem}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)
	return e.rec, nil
}

func (s *Store) ListExecutions(ctx context.Context, opts history.ListOptions) (*history.RecordList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*history.Record
	for _, e := range s.entries {
		if opts.SessionID != "" && e.rec.SessionID != opts.SessionID {
			continue
		}
		matches = append(matches, e.rec)
	}

	sort.Slice(matches, func(i, j int) bool {
		if opts.Desc {
			return matches[i].StartedAt.After(matches[j].StartedAt)
		}
		return matches[i].StartedAt.Before(matches[j].StartedAt)
	})

	if opts.After != "" {
		idx := -1
		for i, r := range matches {
			if r.ID == opts.After {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}
	if matches == nil {
		matches = []*history.Record{}
	}

	return &history.RecordList{Data: matches, HasMore: hasMore}, nil
}

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// evictOldest removes the least recently used entry. Must be called with
// s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
