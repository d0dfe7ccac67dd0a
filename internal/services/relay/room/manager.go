package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

// errSequenceExhausted is returned once every uint32 id has been handed out.
var errSequenceExhausted = errors.New("room id sequence exhausted")

// SequenceStore persists the highest room id allocated by CreateNext.
type SequenceStore interface {
	LoadRoomSequence(ctx context.Context) (uint32, error)
	SaveRoomSequence(ctx context.Context, value uint32) error
}

// Summary is a point-in-time view of one room.
type Summary struct {
	ID      ID  `json:"id"`
	Members int `json:"members"`
}

// Manager is the registry of live rooms.
type Manager struct {
	mu    sync.RWMutex
	rooms map[ID]*Room

	seqMu sync.Mutex
	seq   uint32
	store SequenceStore
}

// NewManager returns a registry whose id counter lives in memory.
func NewManager() *Manager {
	return &Manager{rooms: make(map[ID]*Room)}
}

// NewManagerWithStore returns a registry whose id counter resumes from, and
// is persisted to, store.
func NewManagerWithStore(ctx context.Context, store SequenceStore) (*Manager, error) {
	if store == nil {
		return nil, errors.New("sequence store is required")
	}
	seq, err := store.LoadRoomSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("load room sequence: %w", err)
	}
	m := NewManager()
	m.seq = seq
	m.store = store
	return m, nil
}

// Get returns the room registered under id.
func (m *Manager) Get(id ID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Create registers an empty room under id, or returns the room already
// registered there.
func (m *Manager) Create(id ID) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r
	}
	r := New(id)
	m.rooms[id] = r
	return r
}

// CreateNext registers a room under the next unused counter id.
func (m *Manager) CreateNext(ctx context.Context) (*Room, error) {
	for {
		id, err := m.allocate(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if _, taken := m.rooms[id]; taken {
			m.mu.Unlock()
			continue
		}
		r := New(id)
		m.rooms[id] = r
		m.mu.Unlock()
		return r, nil
	}
}

func (m *Manager) allocate(ctx context.Context) (ID, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	if m.seq == math.MaxUint32 {
		return 0, errSequenceExhausted
	}
	next := m.seq + 1
	if m.store != nil {
		if err := m.store.SaveRoomSequence(ctx, next); err != nil {
			return 0, fmt.Errorf("save room sequence: %w", err)
		}
	}
	m.seq = next
	return ID(next), nil
}

// Delete unregisters id if its room is empty. Non-empty and unknown rooms are
// left alone. A deleted room rejects further joins with ErrRoomClosed.
func (m *Manager) Delete(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return
	}
	if r.closeIfEmpty() {
		delete(m.rooms, id)
	}
}

// ListIDs returns the registered room ids in ascending order.
func (m *Manager) ListIDs() []ID {
	m.mu.RLock()
	ids := make([]ID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Snapshot returns the member count of every registered room, ordered by id.
// Counts are read after the registry lock is released.
func (m *Manager) Snapshot() []Summary {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, len(rooms))
	for i, r := range rooms {
		summaries[i] = Summary{ID: r.ID(), Members: r.Len()}
	}
	slices.SortFunc(summaries, func(a, b Summary) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return summaries
}
