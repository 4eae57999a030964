// Package typing tracks who is typing in which conversation. Entries live only
// in memory and expire after a TTL unless refreshed.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/internal/domain/entity"
)

// DefaultTTL is how long a typing entry survives without a refresh.
const DefaultTTL = 5 * time.Second

type entry struct {
	displayName string
	startedAt   time.Time
	refreshedAt time.Time
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*entry
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		rooms: make(map[string]map[string]*entry),
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start marks userID as typing, or refreshes an existing entry. It reports
// whether the user was idle before the call.
func (t *Tracker) Start(conversationID, userID, displayName string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		room = make(map[string]*entry)
		t.rooms[conversationID] = room
	}

	if e, ok := room[userID]; ok && !t.expired(e, now) {
		e.refreshedAt = now
		if displayName != "" {
			e.displayName = displayName
		}
		return false
	}

	room[userID] = &entry{displayName: displayName, startedAt: now, refreshedAt: now}
	return true
}

// Stop removes userID's entry and reports whether a live one existed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		return false
	}
	e, ok := room[userID]
	if !ok {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, conversationID)
	}
	return !t.expired(e, now)
}

// Users returns the live typing entries of a conversation, evicting expired ones.
func (t *Tracker) Users(conversationID string) []entity.TypingUser {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		return []entity.TypingUser{}
	}

	users := make([]entity.TypingUser, 0, len(room))
	for userID, e := range room {
		if t.expired(e, now) {
			delete(room, userID)
			continue
		}
		users = append(users, entity.TypingUser{
			UserID:      userID,
			DisplayName: e.displayName,
			StartedAt:   e.refreshedAt,
		})
	}
	if len(room) == 0 {
		delete(t.rooms, conversationID)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Sweep evicts every expired entry and returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for conversationID, room := range t.rooms {
		for userID, e := range room {
			if t.expired(e, now) {
				delete(room, userID)
				removed++
			}
		}
		if len(room) == 0 {
			delete(t.rooms, conversationID)
		}
	}
	return removed
}
