package bridge

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store is the in-memory registry of inbound sessions. Lookups and inserts
// for different sessions never contend on a shared lock: the maps are
// concurrent hash maps with per-bucket locking, and each Session carries its
// own mutex for its race state.
type Store struct {
	sessions *xsync.MapOf[string, *Session]
	// legs maps an outbound leg id to the inbound id of its session.
	legs *xsync.MapOf[string, string]
	// evicted remembers recently evicted inbound ids so redelivered
	// call.initiated events cannot restart a finished session.
	evicted *xsync.MapOf[string, time.Time]

	retention time.Duration
	maxAge    time.Duration
}

// NewStore creates an empty session store. Settled sessions are kept for
// retention after the race ends; any session is dropped after maxAge.
func NewStore(retention, maxAge time.Duration) *Store {
	return &Store{
		sessions:  xsync.NewMapOf[string, *Session](),
		legs:      xsync.NewMapOf[string, string](),
		evicted:   xsync.NewMapOf[string, time.Time](),
		retention: retention,
		maxAge:    maxAge,
	}
}

// Open returns the session for inboundID, creating it if needed. created is
// false for an existing session, and the session is nil if inboundID was
// recently evicted. The tombstone check and the insert happen under the
// same map bucket lock as eviction.
func (st *Store) Open(inboundID, from, to string, now time.Time) (sess *Session, created bool) {
	sess, ok := st.sessions.Compute(inboundID, func(old *Session, loaded bool) (*Session, bool) {
		if loaded {
			return old, false
		}
		if _, gone := st.evicted.Load(inboundID); gone {
			return nil, true
		}
		created = true
		return newSession(inboundID, from, to, now), false
	})
	if !ok {
		return nil, false
	}
	return sess, created
}

// Get returns the session keyed by inboundID, or nil.
func (st *Store) Get(inboundID string) *Session {
	sess, _ := st.sessions.Load(inboundID)
	return sess
}

// Owner returns the session that dialed legID, or nil.
func (st *Store) Owner(legID string) *Session {
	inboundID, ok := st.legs.Load(legID)
	if !ok {
		return nil
	}
	return st.Get(inboundID)
}

// index records legID as a candidate of inboundID.
func (st *Store) index(legID, inboundID string) {
	st.legs.Store(legID, inboundID)
}

// Len returns the number of tracked sessions.
func (st *Store) Len() int {
	return st.sessions.Size()
}

// Range calls fn for every tracked session until fn returns false.
func (st *Store) Range(fn func(*Session) bool) {
	st.sessions.Range(func(_ string, sess *Session) bool {
		return fn(sess)
	})
}

// Snapshot returns a view of every tracked session.
func (st *Store) Snapshot() []SessionView {
	views := make([]SessionView, 0, st.sessions.Size())
	st.Range(func(sess *Session) bool {
		views = append(views, sess.View())
		return true
	})
	return views
}

// CountByState returns the number of tracked sessions in each state.
func (st *Store) CountByState() map[SessionState]int {
	counts := make(map[SessionState]int)
	st.Range(func(sess *Session) bool {
		counts[sess.State()]++
		return true
	})
	return counts
}

// Sweep evicts sessions that are past their retention or maximum age and
// forgets tombstones older than maxAge. It returns the number evicted.
func (st *Store) Sweep(now time.Time) int {
	evicted := 0
	st.sessions.Range(func(id string, sess *Session) bool {
		if !sess.evictable(now, st.retention, st.maxAge) {
			return true
		}
		removed := false
		st.sessions.Compute(id, func(cur *Session, loaded bool) (*Session, bool) {
			if !loaded || cur != sess {
				return cur, !loaded
			}
			st.evicted.Store(id, now)
			removed = true
			return nil, true
		})
		if !removed {
			return true
		}
		for _, legID := range sess.CandidateIDs() {
			st.legs.Delete(legID)
		}
		evicted++
		return true
	})

	st.evicted.Range(func(id string, at time.Time) bool {
		if now.Sub(at) >= st.maxAge {
			st.evicted.Delete(id)
		}
		return true
	})
	return evicted
}
