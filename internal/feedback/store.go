package feedback

import (
	"hash/fnv"
	"sync"
	"time"
)

// SessionKey scopes a feedback conversation to one user within one thread.
type SessionKey struct {
	UserID   string
	ThreadTS string
}

// Session is the in-progress feedback state for one key. Copies are handed
// out by the store; the canonical instance is only ever touched under its
// shard lock.
type Session struct {
	UserID    string
	ChannelID string
	ThreadTS  string

	Rating   int // 0 means not set yet
	Comments string

	PromptTS string
	FormTS   string

	Submitted bool

	TicketID      string
	CorrelationID string

	CreatedAt time.Time

	// Set while a finalize attempt holds the submission claim. Prevents two
	// concurrent submits from both observing Submitted == false.
	finalizing bool
}

const storeShards = 16

type storeShard struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session
}

// Store is a sharded in-memory session map. All mutations for a given key run
// under that key's shard lock, so per-key updates are linearized while
// unrelated keys proceed in parallel. Sessions do not survive restarts.
type Store struct {
	shards [storeShards]*storeShard
	now    func() time.Time
}

func NewStore() *Store {
	st := &Store{now: time.Now}
	for i := range st.shards {
		st.shards[i] = &storeShard{sessions: make(map[SessionKey]*Session)}
	}
	return st
}

func (st *Store) shardFor(key SessionKey) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.ThreadTS))
	return st.shards[h.Sum32()%storeShards]
}

// Get returns a copy of the session for key, if one exists.
func (st *Store) Get(key SessionKey) (Session, bool) {
	shard := st.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Upsert applies mutate to the session for key, creating it first when absent.
// The mutator runs under the shard lock; a non-nil error aborts the mutation
// for existing sessions (a freshly created session is kept either way).
func (st *Store) Upsert(key SessionKey, mutate func(*Session) error) (Session, error) {
	shard := st.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[key]
	if !ok {
		s = &Session{
			UserID:    key.UserID,
			ThreadTS:  key.ThreadTS,
			CreatedAt: st.now(),
		}
		shard.sessions[key] = s
	}

	if err := mutate(s); err != nil {
		return *s, err
	}
	return *s, nil
}

// Update applies mutate to an existing session. Returns ok == false if no
// session exists for key; the mutator's error is passed through.
func (st *Store) Update(key SessionKey, mutate func(*Session) error) (Session, bool, error) {
	shard := st.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	s, ok := shard.sessions[key]
	if !ok {
		return Session{}, false, nil
	}

	if err := mutate(s); err != nil {
		return *s, true, err
	}
	return *s, true, nil
}

func (st *Store) Remove(key SessionKey) {
	shard := st.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sessions, key)
}

// Len returns the number of live sessions across all shards.
func (st *Store) Len() int {
	total := 0
	for _, shard := range st.shards {
		shard.mu.Lock()
		total += len(shard.sessions)
		shard.mu.Unlock()
	}
	return total
}

// PeriodicCleanup evicts sessions older than ttl every interval until quit is
// closed. Abandoned conversations would otherwise accumulate forever.
func (st *Store) PeriodicCleanup(interval, ttl time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.evictOlderThan(st.now().Add(-ttl))
		case <-quit:
			return
		}
	}
}

func (st *Store) evictOlderThan(cutoff time.Time) int {
	evicted := 0
	for _, shard := range st.shards {
		shard.mu.Lock()
		for key, s := range shard.sessions {
			// A session mid-finalize is about to settle, leave it alone.
			if s.finalizing {
				continue
			}
			if s.CreatedAt.Before(cutoff) {
				delete(shard.sessions, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}
