package control

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moblink/moblink-relay/internal/relay"
)

// Entry is the last status a session reported.
type Entry struct {
	Key    string
	Status relay.Status
	Since  time.Time
}

// Board collects session status changes. It implements relay.StatusSink
// and never blocks the reporting session.
type Board struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// NewBoard creates an empty board.
func NewBoard(logger zerolog.Logger) *Board {
	return &Board{
		log:     logger,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// SessionStatus implements relay.StatusSink.
func (b *Board) SessionStatus(key string, status relay.Status) {
	b.mu.Lock()
	b.entries[key] = Entry{Key: key, Status: status, Since: b.now()}
	b.mu.Unlock()

	b.log.Info().Str("session", key).Str("status", status.String()).Msg("session status changed")
}

// SessionRemoved implements relay.SessionRemover.
func (b *Board) SessionRemoved(key string) {
	b.mu.Lock()
	_, ok := b.entries[key]
	delete(b.entries, key)
	b.mu.Unlock()

	if ok {
		b.log.Debug().Str("session", key).Msg("session removed")
	}
}

// Get returns the entry for key.
func (b *Board) Get(key string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok
}

// Entries returns every entry sorted by key.
func (b *Board) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
