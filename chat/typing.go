// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelstore/console/lib/clock"
)

// DefaultTypingExpiry is how long a typing indicator stays up after
// the last typing event for its room.
const DefaultTypingExpiry = 3 * time.Second

// DefaultTypingInterval is the minimum gap TypingThrottle enforces
// between outbound typing signals for one room.
const DefaultTypingInterval = time.Second

// typingRoom is the indicator state of one room.
type typingRoom struct {
	typists []Typist
	timer   *clock.Timer
	// epoch distinguishes a live timer from one superseded by a
	// restart whose Stop lost the race with firing.
	epoch uint64
}

// typingTracker holds inbound typing indicators. It is not safe for
// concurrent use; the Manager calls it under its own lock.
type typingTracker struct {
	rooms map[string]*typingRoom
	epoch uint64
}

func newTypingTracker() *typingTracker {
	return &typingTracker{rooms: make(map[string]*typingRoom)}
}

// observe records a typing event and returns the room's indicator
// and the epoch the caller must arm an expiry timer for.
func (t *typingTracker) observe(roomID string, typist Typist) (TypingIndicator, uint64) {
	room, ok := t.rooms[roomID]
	if !ok {
		room = &typingRoom{}
		t.rooms[roomID] = room
	}
	if room.timer != nil {
		room.timer.Stop()
		room.timer = nil
	}
	if !slices.ContainsFunc(room.typists, func(existing Typist) bool { return existing.UserID == typist.UserID }) {
		room.typists = append(room.typists, typist)
	}
	t.epoch++
	room.epoch = t.epoch
	return TypingIndicator{RoomID: roomID, Typists: slices.Clone(room.typists)}, room.epoch
}

func (t *typingTracker) arm(roomID string, epoch uint64, timer *clock.Timer) {
	if room, ok := t.rooms[roomID]; ok && room.epoch == epoch {
		room.timer = timer
		return
	}
	timer.Stop()
}

// expire clears the room's indicator if epoch is still current.
func (t *typingTracker) expire(roomID string, epoch uint64) bool {
	room, ok := t.rooms[roomID]
	if !ok || room.epoch != epoch {
		return false
	}
	delete(t.rooms, roomID)
	return true
}

// active returns the current typists of a room.
func (t *typingTracker) active(roomID string) []Typist {
	if room, ok := t.rooms[roomID]; ok {
		return slices.Clone(room.typists)
	}
	return nil
}

// reset stops every timer and forgets every indicator.
func (t *typingTracker) reset() {
	for roomID, room := range t.rooms {
		if room.timer != nil {
			room.timer.Stop()
		}
		delete(t.rooms, roomID)
	}
}

// TypingThrottle limits how often a caller forwards keystrokes as
// typing signals: at most one per interval per room. It is safe for
// concurrent use.
type TypingThrottle struct {
	clock    clock.Clock
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTypingThrottle returns a throttle allowing one signal per
// interval per room. A nil clock uses real time; a non-positive
// interval uses DefaultTypingInterval.
func NewTypingThrottle(clk clock.Clock, interval time.Duration) *TypingThrottle {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &TypingThrottle{
		clock:    clk,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a typing signal for roomID may be sent now.
func (t *TypingThrottle) Allow(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	limiter, ok := t.limiters[roomID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[roomID] = limiter
	}
	return limiter.AllowN(t.clock.Now(), 1)
}
