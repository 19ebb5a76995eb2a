package bizadmin

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Query keys
// ============================================================================

// QueryKey identifies cached data: a domain, a sub-resource and the
// parameters that select it, e.g. accounts/client/7/balance.
type QueryKey []string

// Key builds a QueryKey from its parts.
func Key(parts ...string) QueryKey {
	return append(QueryKey(nil), parts...)
}

// ParseKey splits a slash-separated key.
func ParseKey(s string) QueryKey {
	s = strings.Trim(s, "/")
	if s == "" {
		return QueryKey{}
	}
	return QueryKey(strings.Split(s, "/"))
}

func (k QueryKey) String() string { return strings.Join(k, "/") }

// HasPrefix reports whether k starts with prefix, comparing whole parts.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, p := range prefix {
		if k[i] != p {
			return false
		}
	}
	return true
}

// ============================================================================
// Store
// ============================================================================

// Entry is a read-only view of one cached value. Data must be treated as
// immutable by readers; writers always replace it.
//
// Version counts every change made to the key, including a rollback that
// puts the previous data back, so it is not part of the cached value.
type Entry struct {
	Data      any
	FetchedAt time.Time
	Stale     bool
	Version   uint64
}

// ChangeKind tells subscribers what happened to a key.
type ChangeKind string

const (
	ChangeUpdated     ChangeKind = "updated"
	ChangeInvalidated ChangeKind = "invalidated"
	ChangeRemoved     ChangeKind = "removed"
)

// Change is delivered to subscribers after the store lock is released.
type Change struct {
	Key  QueryKey
	Kind ChangeKind
}

// Ticket is issued when a fetch for a key starts. Commit only accepts the
// ticket if nothing newer has been written to the key since.
type Ticket struct {
	key string
	seq uint64
}

type entry struct {
	key       QueryKey
	present   bool
	data      any
	fetchedAt time.Time
	stale     bool
	version   uint64
	// committed is the highest ticket whose data landed. minTicket rejects
	// fetches that started before the last local write or invalidation.
	committed uint64
	minTicket uint64
}

type subscription struct {
	prefix QueryKey
	fn     func(Change)
}

// Store is a goroutine-safe, process-wide query cache.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	subs      map[int]*subscription
	nextSub   int
	seq       uint64
	gen       atomic.Uint64
	staleTime time.Duration
	now       func() time.Time
}

type StoreOption func(*Store)

// WithStaleTime makes entries older than d count as stale on read.
// Zero keeps entries fresh until they are invalidated.
func WithStaleTime(d time.Duration) StoreOption {
	return func(s *Store) { s.staleTime = d }
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty cache.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		subs:    make(map[int]*subscription),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entryLocked(key QueryKey) *entry {
	k := key.String()
	e := s.entries[k]
	if e == nil {
		e = &entry{key: Key(key...)}
		s.entries[k] = e
	}
	return e
}

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// ── Reads ────────────────────────────────────────────────

// Get returns the cached entry for key.
func (s *Store) Get(key QueryKey) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key.String()]
	if e == nil || !e.present {
		return Entry{}, false
	}
	return Entry{Data: e.data, FetchedAt: e.fetchedAt, Stale: s.isStaleLocked(e), Version: e.version}, true
}

// Fresh returns the cached data when it exists and is not stale.
func (s *Store) Fresh(key QueryKey) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key.String()]
	if e == nil || !e.present || s.isStaleLocked(e) {
		return nil, false
	}
	return e.data, true
}

func (s *Store) isStaleLocked(e *entry) bool {
	if e.stale {
		return true
	}
	return s.staleTime > 0 && s.now().Sub(e.fetchedAt) >= s.staleTime
}

// Keys lists present keys in lexical order.
func (s *Store) Keys() []QueryKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []QueryKey
	for _, e := range s.entries {
		if e.present {
			keys = append(keys, e.key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// ── Fetch tickets ────────────────────────────────────────

// Fence returns the sequence of the last write, removal or invalidation of
// key. Fetches started under an older fence can no longer commit, so they
// must not be shared with callers that arrive after it.
func (s *Store) Fence(key QueryKey) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[key.String()]; e != nil {
		return e.minTicket
	}
	return 0
}

// Generation counts writes, removals and invalidations across all keys.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Begin issues a ticket for a fetch of key that is about to start.
func (s *Store) Begin(key QueryKey) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(key)
	return Ticket{key: key.String(), seq: s.nextSeqLocked()}
}

// Commit stores the result of the fetch that got t. It returns false and
// discards data when a newer fetch already landed or the key was written or
// invalidated after the fetch started.
func (s *Store) Commit(t Ticket, data any) bool {
	s.mu.Lock()
	e := s.entries[t.key]
	if e == nil || t.seq < e.minTicket || t.seq <= e.committed {
		s.mu.Unlock()
		return false
	}
	e.committed = t.seq
	e.present = true
	e.data = data
	e.fetchedAt = s.now()
	e.stale = false
	e.version++
	notify := s.matchSubsLocked(e.key)
	s.mu.Unlock()

	deliver(notify, Change{Key: e.key, Kind: ChangeUpdated})
	return true
}

// ── Writes ───────────────────────────────────────────────

// Set writes data directly. It counts as the newest write for the key.
func (s *Store) Set(key QueryKey, data any) {
	s.mu.Lock()
	e := s.entryLocked(key)
	s.writeLocked(e, data)
	notify := s.matchSubsLocked(e.key)
	s.mu.Unlock()

	deliver(notify, Change{Key: e.key, Kind: ChangeUpdated})
}

func (s *Store) writeLocked(e *entry, data any) {
	s.gen.Add(1)
	seq := s.nextSeqLocked()
	e.committed = seq
	e.minTicket = seq
	e.present = true
	e.data = data
	e.fetchedAt = s.now()
	e.stale = false
	e.version++
}

// Remove drops key from the cache.
func (s *Store) Remove(key QueryKey) {
	s.mu.Lock()
	e := s.entries[key.String()]
	if e == nil || !e.present {
		s.mu.Unlock()
		return
	}
	s.removeLocked(e)
	notify := s.matchSubsLocked(e.key)
	s.mu.Unlock()

	deliver(notify, Change{Key: e.key, Kind: ChangeRemoved})
}

func (s *Store) removeLocked(e *entry) {
	s.gen.Add(1)
	e.present = false
	e.data = nil
	e.stale = false
	e.minTicket = s.nextSeqLocked()
	e.version++
}

// Invalidate marks every present key under prefix as stale. Fetches that
// started before the call can no longer commit.
func (s *Store) Invalidate(prefix QueryKey) int {
	return s.InvalidateAll(prefix)
}

// InvalidateAll marks each key matching any prefix stale exactly once and
// returns how many present keys were marked.
func (s *Store) InvalidateAll(prefixes ...QueryKey) int {
	type pending struct {
		key  QueryKey
		subs []func(Change)
	}
	s.mu.Lock()
	s.gen.Add(1)
	fence := s.nextSeqLocked()
	var changed []pending
	for _, e := range s.entries {
		if !matchesAny(e.key, prefixes) {
			continue
		}
		e.minTicket = fence
		if !e.present {
			continue
		}
		e.stale = true
		changed = append(changed, pending{key: e.key, subs: s.matchSubsLocked(e.key)})
	}
	s.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].key.String() < changed[j].key.String() })
	for _, c := range changed {
		deliver(c.subs, Change{Key: c.key, Kind: ChangeInvalidated})
	}
	return len(changed)
}

func matchesAny(k QueryKey, prefixes []QueryKey) bool {
	for _, p := range prefixes {
		if k.HasPrefix(p) {
			return true
		}
	}
	return false
}

// ── Provisional writes ───────────────────────────────────

// snapshot remembers what a key held before a provisional write.
type snapshot struct {
	key       QueryKey
	existed   bool
	data      any
	fetchedAt time.Time
	stale     bool
	// applied is the entry version right after the provisional write.
	applied uint64
}

// applyProvisional snapshots key and writes fn's result in one critical
// section, so no reader observes the gap between the two.
func (s *Store) applyProvisional(key QueryKey, fn func(prev any, ok bool) any) snapshot {
	s.mu.Lock()
	e := s.entryLocked(key)
	snap := snapshot{
		key:       e.key,
		existed:   e.present,
		data:      e.data,
		fetchedAt: e.fetchedAt,
		stale:     e.stale,
	}
	next := fn(e.data, e.present)
	s.writeLocked(e, next)
	snap.applied = e.version
	notify := s.matchSubsLocked(e.key)
	s.mu.Unlock()

	deliver(notify, Change{Key: e.key, Kind: ChangeUpdated})
	return snap
}

// revertProvisional undoes a provisional write. When nothing touched the key
// since, data, fetch time and staleness are restored verbatim and exact is
// true; Version still moves forward. Otherwise only inverse is applied to
// the current value so sibling writes survive.
func (s *Store) revertProvisional(snap snapshot, inverse func(cur any) any) (exact bool) {
	s.mu.Lock()
	e := s.entries[snap.key.String()]
	if e == nil {
		s.mu.Unlock()
		return false
	}

	kind := ChangeUpdated
	switch {
	case e.version == snap.applied:
		exact = true
		if !snap.existed {
			s.removeLocked(e)
			kind = ChangeRemoved
			break
		}
		e.data = snap.data
		e.fetchedAt = snap.fetchedAt
		e.stale = snap.stale
		e.minTicket = s.nextSeqLocked()
		e.version++
		s.gen.Add(1)
	case e.present && inverse != nil:
		s.gen.Add(1)
		e.data = inverse(e.data)
		e.minTicket = s.nextSeqLocked()
		e.version++
	default:
		s.mu.Unlock()
		return false
	}
	notify := s.matchSubsLocked(e.key)
	s.mu.Unlock()

	deliver(notify, Change{Key: e.key, Kind: kind})
	return exact
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe calls fn for every change under prefix. fn runs on the writer's
// goroutine after the store lock is released.
func (s *Store) Subscribe(prefix QueryKey, fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{prefix: Key(prefix...), fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) matchSubsLocked(key QueryKey) []func(Change) {
	var ids []int
	for id, sub := range s.subs {
		if key.HasPrefix(sub.prefix) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id].fn)
	}
	return fns
}

func deliver(fns []func(Change), c Change) {
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(c)
		}()
	}
}
