package bridge

import (
	"sync"
	"time"

	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
)

// Leg is one outbound candidate dialed for an inbound session.
type Leg struct {
	ID        string
	Role      LegRole
	Number    string
	State     LegState
	CreatedAt time.Time

	// hangupSent is set once a hangup command has been issued (or claimed
	// for issue) for this leg, so no leg is ever hung up twice.
	hangupSent bool
}

type parkedEvent struct {
	ev      callcontrol.Event
	expires time.Time
}

// verdict is the command a leg transition asks the orchestrator to issue.
type verdict int

const (
	verdictIgnore verdict = iota
	verdictPrompt
	verdictHangup
	verdictWon
	verdictLost
)

func (v verdict) String() string {
	switch v {
	case verdictPrompt:
		return "prompt"
	case verdictHangup:
		return "hangup"
	case verdictWon:
		return "won"
	case verdictLost:
		return "lost"
	default:
		return "ignore"
	}
}

// Session is the orchestration record for one inbound call, keyed by the
// inbound leg id. Every field below mu is guarded by it; all transitions are
// decided under the lock and the resulting provider commands are issued by
// the caller after the lock is released.
type Session struct {
	InboundID string
	From      string
	To        string
	CreatedAt time.Time

	mu              sync.Mutex
	state           SessionState
	winnerID        string
	legs            map[string]*Leg
	order           []string
	parked          map[string][]parkedEvent
	fanOutStarted   bool
	sealed          bool
	settled         bool
	inboundEnded    bool
	inboundReleased bool
	terminalAt      time.Time
}

func newSession(inboundID, from, to string, now time.Time) *Session {
	return &Session{
		InboundID: inboundID,
		From:      from,
		To:        to,
		CreatedAt: now,
		state:     SessionDialing,
		legs:      make(map[string]*Leg),
		parked:    make(map[string][]parkedEvent),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WinnerID returns the leg that claimed the caller, or "" if none has.
func (s *Session) WinnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winnerID
}

// CandidateIDs returns the registered outbound legs in dial completion order.
func (s *Session) CandidateIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// LegState returns the state of a candidate leg.
func (s *Session) LegState(legID string) (LegState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.legs[legID]
	if !ok {
		return "", false
	}
	return leg.State, true
}

// beginFanOut returns true exactly once per session.
func (s *Session) beginFanOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fanOutStarted || s.state.IsTerminal() {
		return false
	}
	s.fanOutStarted = true
	return true
}

// register adds a freshly dialed leg to the candidate set. It returns any
// events that arrived for the leg before it was known, and whether the leg
// has to be hung up at once because the race is already over. ok is false
// when the candidate set is already sealed. Registering a known leg again
// is a no-op.
func (s *Session) register(leg *Leg) (replay []callcontrol.Event, hangup, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.legs[leg.ID]; dup {
		return nil, false, true
	}
	if s.sealed {
		return nil, false, false
	}
	s.legs[leg.ID] = leg
	s.order = append(s.order, leg.ID)

	if s.state.IsTerminal() {
		leg.State = LegTerminated
		leg.hangupSent = true
		hangup = true
	}

	for _, p := range s.parked[leg.ID] {
		replay = append(replay, p.ev)
	}
	delete(s.parked, leg.ID)
	return replay, hangup, true
}

// parkResult tells the router what park did with an event.
type parkResult int

const (
	parkRejected parkResult = iota
	parkHeld
	parkLegKnown
)

// park holds an event for a leg whose dial request has not returned yet. If
// the leg was registered in the meantime the event is not held and
// parkLegKnown is returned so the caller handles it now. Once the candidate
// set is sealed unknown legs are rejected.
func (s *Session) park(ev callcontrol.Event, expires time.Time) parkResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.legs[ev.LegID]; ok {
		return parkLegKnown
	}
	if s.sealed {
		return parkRejected
	}
	s.parked[ev.LegID] = append(s.parked[ev.LegID], parkedEvent{ev: ev, expires: expires})
	return parkHeld
}

// expireParked drops parked events whose wait has run out.
func (s *Session) expireParked(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for legID, events := range s.parked {
		kept := events[:0]
		for _, p := range events {
			if now.Before(p.expires) {
				kept = append(kept, p)
				continue
			}
			dropped++
		}
		if len(kept) == 0 {
			delete(s.parked, legID)
		} else {
			s.parked[legID] = kept
		}
	}
	return dropped
}

// seal freezes the candidate set after fan-out. Events still parked for legs
// that never materialised are dropped. It reports whether the session ended
// up abandoned, which happens when no dial succeeded or every candidate
// already finished without accepting.
func (s *Session) seal(now time.Time) (dropped int, abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sealed = true
	for _, events := range s.parked {
		dropped += len(events)
	}
	s.parked = nil
	if s.state == SessionDialing {
		s.state = SessionAwaitingWinner
	}
	return dropped, s.abandonIfExhaustedLocked(now)
}

// abandonIfExhaustedLocked moves the session to ABANDONED when the candidate
// set is sealed, no winner exists, and every candidate is done.
func (s *Session) abandonIfExhaustedLocked(now time.Time) bool {
	if !s.sealed || s.state.IsTerminal() {
		return false
	}
	for _, leg := range s.legs {
		if !leg.State.Done() {
			return false
		}
	}
	s.state = SessionAbandoned
	s.terminalAt = now
	return true
}

// lateLocked handles an event for a leg that can no longer win: the session
// already has a different winner or was abandoned. The only permitted
// effect is making sure the leg gets hung up.
func (s *Session) lateLocked(leg *Leg) (verdict, bool) {
	lost := s.winnerID != "" && s.winnerID != leg.ID
	if !lost && s.state != SessionAbandoned {
		return verdictIgnore, false
	}
	if leg.hangupSent {
		return verdictIgnore, true
	}
	leg.hangupSent = true
	leg.State = LegTerminated
	return verdictHangup, true
}

// legRinging records call.initiated for an outbound leg.
func (s *Session) legRinging(legID string) verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok {
		return verdictIgnore
	}
	if v, late := s.lateLocked(leg); late {
		return v
	}
	if leg.State == LegCreated {
		leg.State = LegRinging
	}
	return verdictIgnore
}

// legAnswered records call.answered. A leg is prompted at most once.
func (s *Session) legAnswered(legID string) verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok {
		return verdictIgnore
	}
	if v, late := s.lateLocked(leg); late {
		return v
	}
	if leg.State != LegCreated && leg.State != LegRinging {
		return verdictIgnore
	}
	leg.State = LegAnswered
	return verdictPrompt
}

// promptIssued moves a prompted leg to AWAITING_DIGIT.
func (s *Session) promptIssued(legID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leg, ok := s.legs[legID]; ok && leg.State == LegAnswered {
		leg.State = LegAwaitingDigit
	}
}

// promptFailed rejects a leg whose prompt could not be started; it can never
// accept so it is hung up like any other reject.
func (s *Session) promptFailed(legID string) verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok || !leg.State.prompted() || leg.hangupSent {
		return verdictIgnore
	}
	leg.State = LegRejected
	leg.hangupSent = true
	return verdictHangup
}

// legGathered records call.gather.ended. An accepting leg attempts the
// claim; every other outcome rejects the leg.
func (s *Session) legGathered(legID string, accepted bool, now time.Time) verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok {
		return verdictIgnore
	}
	if v, late := s.lateLocked(leg); late {
		return v
	}
	if !leg.State.prompted() {
		return verdictIgnore
	}
	if !accepted {
		leg.State = LegRejected
		leg.hangupSent = true
		return verdictHangup
	}

	leg.State = LegAccepted
	if s.claimLocked(leg, now) {
		return verdictWon
	}
	leg.State = LegTerminated
	leg.hangupSent = true
	return verdictLost
}

// claimLocked is the single decision point of the race: it sets winnerID
// from empty to leg.ID, or fails if the slot is taken or the session is over.
// winnerID is never cleared or overwritten.
func (s *Session) claimLocked(leg *Leg, now time.Time) bool {
	if s.winnerID != "" || s.state.IsTerminal() {
		return false
	}
	s.winnerID = leg.ID
	s.state = SessionBridged
	s.terminalAt = now
	leg.State = LegBridged
	return true
}

// finishHangup marks a rejected leg terminated once its hangup was issued and
// reports whether that exhausted the candidate set.
func (s *Session) finishHangup(legID string, now time.Time) (abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leg, ok := s.legs[legID]; ok && leg.State == LegRejected {
		leg.State = LegTerminated
	}
	return s.abandonIfExhaustedLocked(now)
}

// legEnded records call.hangup for an outbound leg.
func (s *Session) legEnded(legID string, now time.Time) (abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.legs[legID]
	if !ok {
		return false
	}
	leg.State = LegTerminated
	return s.abandonIfExhaustedLocked(now)
}

// inboundHungUp records the caller hanging up. Before a winner exists this
// abandons the session.
func (s *Session) inboundHungUp(now time.Time) (abandoned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundEnded = true
	if s.state.IsTerminal() {
		return false
	}
	s.state = SessionAbandoned
	s.terminalAt = now
	return true
}

// abandonNow abandons a session that is still racing, for example when the
// caller could not be answered.
func (s *Session) abandonNow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return false
	}
	s.state = SessionAbandoned
	s.terminalAt = now
	return true
}

// beginSettle returns the candidates that still need a hangup once the race
// is over. It yields a non-empty result at most once per session.
func (s *Session) beginSettle() (losers []string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled || !s.state.IsTerminal() {
		return nil, false
	}
	s.settled = true
	for _, id := range s.order {
		if id == s.winnerID {
			continue
		}
		leg := s.legs[id]
		if leg.hangupSent {
			continue
		}
		leg.hangupSent = true
		leg.State = LegTerminated
		losers = append(losers, id)
	}
	return losers, true
}

// beginRelease returns true once for an abandoned session whose caller is
// still on the line.
func (s *Session) beginRelease() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionAbandoned || s.inboundEnded || s.inboundReleased {
		return false
	}
	s.inboundReleased = true
	return true
}

// bridgeFailed claims teardown of both legs after the bridge command failed.
func (s *Session) bridgeFailed() (winnerHangup, inboundHangup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leg, ok := s.legs[s.winnerID]; ok && !leg.hangupSent {
		leg.hangupSent = true
		leg.State = LegTerminated
		winnerHangup = true
	}
	if !s.inboundEnded && !s.inboundReleased {
		s.inboundReleased = true
		inboundHangup = true
	}
	return winnerHangup, inboundHangup
}

// evictable reports whether the session may be dropped from the store.
func (s *Session) evictable(now time.Time, retention, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() && !s.terminalAt.IsZero() && now.Sub(s.terminalAt) >= retention {
		return true
	}
	return maxAge > 0 && now.Sub(s.CreatedAt) >= maxAge
}

// LegView is a read-only copy of a candidate leg.
type LegView struct {
	ID     string   `json:"id"`
	Number string   `json:"number"`
	State  LegState `json:"state"`
}

// SessionView is a read-only copy of a session.
type SessionView struct {
	InboundID  string       `json:"inbound_id"`
	From       string       `json:"from"`
	To         string       `json:"to"`
	State      SessionState `json:"state"`
	WinnerID   string       `json:"winner_id,omitempty"`
	Candidates []LegView    `json:"candidates"`
	CreatedAt  time.Time    `json:"created_at"`
}

// View returns a consistent snapshot of the session.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SessionView{
		InboundID:  s.InboundID,
		From:       s.From,
		To:         s.To,
		State:      s.state,
		WinnerID:   s.winnerID,
		Candidates: make([]LegView, 0, len(s.order)),
		CreatedAt:  s.CreatedAt,
	}
	for _, id := range s.order {
		leg := s.legs[id]
		v.Candidates = append(v.Candidates, LegView{ID: leg.ID, Number: leg.Number, State: leg.State})
	}
	return v
}
