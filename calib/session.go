package calib

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxPointPairs caps how many completed point pairs a session may hold.
const MaxPointPairs = 10

// SessionState is the annotation workflow state.
type SessionState int

const (
	StateNormal SessionState = iota
	StateSelectRadar
	StateSelectImage
	StateLaneStart
	StateLaneEnd
)

// String returns the wire name used in status payloads.
func (s SessionState) String() string {
	switch s {
	case StateSelectRadar:
		return "select_radar"
	case StateSelectImage:
		return "select_image"
	case StateLaneStart:
		return "lane_start"
	case StateLaneEnd:
		return "lane_end"
	default:
		return "normal"
	}
}

type entryKind int

const (
	entryPendingRadar entryKind = iota
	entryPendingLaneStart
	entryCompletedPair
	entryCompletedLane
)

// logEntry is one action in the session's undo log. Pending entries only
// ever appear at the top; completing or cancelling a capture replaces or
// removes them.
type logEntry struct {
	kind entryKind

	// Pending radar half-pair.
	target RadarTarget
	projU  float64
	projV  float64

	// Pending lane start.
	laneU float64
	laneV float64

	pair PointPair
	lane Lane
}

// PendingMark describes an in-progress capture for redraw purposes.
type PendingMark struct {
	Kind string  `json:"kind"` // "radar" or "lane_start"
	U    float64 `json:"u"`
	V    float64 `json:"v"`
}

// SessionSnapshot is the JSON view of a session for status endpoints.
type SessionSnapshot struct {
	ID        string       `json:"id"`
	State     string       `json:"state"`
	Batch     int          `json:"batch"`
	PairCount int          `json:"pairCount"`
	LaneCount int          `json:"laneCount"`
	Pairs     []PointPair  `json:"pairs"`
	Lanes     []Lane       `json:"lanes"`
	Pending   *PendingMark `json:"pending,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Session drives the interactive annotation workflow: point-pair capture,
// lane drawing, batch switching, and two-tier undo. Completed pairs and
// lanes accumulate across batches; pending half-captures never survive a
// mode or batch switch. Safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	id        string
	createdAt time.Time
	state     SessionState
	batch     int
	log       []logEntry
}

// NewSession creates an idle session positioned on batch 0.
func NewSession() *Session {
	return &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		state:     StateNormal,
	}
}

// ID returns the session's run identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current workflow state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Batch returns the current batch index.
func (s *Session) Batch() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch
}

// StartPairSelection enters point-pair mode, discarding any pending
// half-capture.
func (s *Session) StartPairSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked()
	s.state = StateSelectRadar
}

// StartLaneDrawing enters lane mode, discarding any pending half-capture.
func (s *Session) StartLaneDrawing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked()
	s.state = StateLaneStart
}

// SelectRadarPoint records the radar half of a pair: the chosen target
// and its projected image position. Returns false without changing state
// when not in select_radar, or when the session already holds
// MaxPointPairs completed pairs.
func (s *Session) SelectRadarPoint(target RadarTarget, projU, projV float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectRadar {
		return false
	}
	if s.pairCountLocked() >= MaxPointPairs {
		return false
	}
	s.log = append(s.log, logEntry{
		kind:   entryPendingRadar,
		target: target,
		projU:  projU,
		projV:  projV,
	})
	s.state = StateSelectImage
	return true
}

// SelectImagePoint completes the pending pair with a clicked pixel. The
// caller supplies the image bounds it knows; clicks outside them are
// rejected and the session stays in select_image awaiting a valid click.
func (s *Session) SelectImagePoint(u, v float64, bounds ImageBounds) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectImage {
		return false
	}
	if !bounds.Contains(u, v) {
		return false
	}

	top := len(s.log) - 1
	pending := s.log[top] // invariant: select_image implies a pending radar entry on top
	pair := PointPair{
		Batch:    s.batch,
		RadarID:  pending.target.ID,
		RadarX:   pending.target.X,
		RadarY:   pending.target.Y,
		RadarU:   pending.projU,
		RadarV:   pending.projV,
		PixelU:   u,
		PixelV:   v,
		Range:    pending.target.Range,
		Velocity: pending.target.Velocity,
		RCS:      pending.target.RCS,
	}
	s.log[top] = logEntry{kind: entryCompletedPair, pair: pair}
	s.state = StateSelectRadar
	return true
}

// SetLaneStart records the first endpoint of a lane line.
func (s *Session) SetLaneStart(u, v float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLaneStart {
		return false
	}
	s.log = append(s.log, logEntry{kind: entryPendingLaneStart, laneU: u, laneV: v})
	s.state = StateLaneEnd
	return true
}

// SetLaneEnd completes the pending lane line.
func (s *Session) SetLaneEnd(u, v float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLaneEnd {
		return false
	}

	top := len(s.log) - 1
	pending := s.log[top]
	lane := Lane{
		Batch:  s.batch,
		StartU: pending.laneU,
		StartV: pending.laneV,
		EndU:   u,
		EndV:   v,
	}
	s.log[top] = logEntry{kind: entryCompletedLane, lane: lane}
	s.state = StateLaneStart
	return true
}

// Cancel discards any pending half-capture and returns to idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked()
	s.state = StateNormal
}

// SwitchBatch moves the session to another batch. Pending half-captures
// are discarded and the session drops to idle; completed pairs and lanes
// from earlier batches are kept.
func (s *Session) SwitchBatch(batch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked()
	s.state = StateNormal
	s.batch = batch
}

// Undo pops the most recent entry in the capture log: a pending
// half-capture reverts to the mode that preceded it, a completed pair
// or lane is removed outright. Returns the wire name of what was
// undone: "pending", "pair", "lane", or "none".
func (s *Session) Undo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := len(s.log) - 1
	if top < 0 {
		return "none"
	}
	e := s.log[top]
	s.log = s.log[:top]
	switch e.kind {
	case entryPendingRadar:
		s.state = StateSelectRadar
		return "pending"
	case entryPendingLaneStart:
		s.state = StateLaneStart
		return "pending"
	case entryCompletedPair:
		return "pair"
	default:
		return "lane"
	}
}

// UndoPending discards an in-progress half-capture and reverts to the
// state that preceded it. Reports whether anything was undone.
func (s *Session) UndoPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := len(s.log) - 1
	if top < 0 {
		return false
	}
	switch s.log[top].kind {
	case entryPendingRadar:
		s.log = s.log[:top]
		s.state = StateSelectRadar
		return true
	case entryPendingLaneStart:
		s.log = s.log[:top]
		s.state = StateLaneStart
		return true
	default:
		return false
	}
}

// UndoLastPair removes the most recently completed pair, regardless of
// which batch it belongs to. ok is false when no pair exists.
func (s *Session) UndoLastPair() (PointPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].kind == entryCompletedPair {
			pair := s.log[i].pair
			s.log = append(s.log[:i], s.log[i+1:]...)
			return pair, true
		}
	}
	return PointPair{}, false
}

// UndoLastLane removes the most recently completed lane. ok is false
// when no lane exists.
func (s *Session) UndoLastLane() (Lane, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].kind == entryCompletedLane {
			lane := s.log[i].lane
			s.log = append(s.log[:i], s.log[i+1:]...)
			return lane, true
		}
	}
	return Lane{}, false
}

// ClearAll empties the undo log, dropping every completed pair and lane,
// and resets the session to idle on the same batch.
func (s *Session) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.state = StateNormal
}

// ClearBatch removes the completed pairs and lanes captured in one
// batch. Pending selections and the current mode are untouched.
func (s *Session) ClearBatch(batch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.log[:0]
	for _, e := range s.log {
		if e.kind == entryCompletedPair && e.pair.Batch == batch {
			continue
		}
		if e.kind == entryCompletedLane && e.lane.Batch == batch {
			continue
		}
		kept = append(kept, e)
	}
	s.log = kept
}

// Pairs returns all completed pairs in capture order.
func (s *Session) Pairs() []PointPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairsLocked()
}

// Lanes returns all completed lanes in capture order.
func (s *Session) Lanes() []Lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lanesLocked()
}

// PairCount returns the number of completed pairs.
func (s *Session) PairCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairCountLocked()
}

// LaneCount returns the number of completed lanes.
func (s *Session) LaneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.log {
		if e.kind == entryCompletedLane {
			n++
		}
	}
	return n
}

// PairsForBatch returns the completed pairs tagged with the given batch,
// in capture order.
func (s *Session) PairsForBatch(batch int) []PointPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PointPair
	for _, e := range s.log {
		if e.kind == entryCompletedPair && e.pair.Batch == batch {
			out = append(out, e.pair)
		}
	}
	return out
}

// LanesForBatch returns the completed lanes tagged with the given batch,
// in capture order.
func (s *Session) LanesForBatch(batch int) []Lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Lane
	for _, e := range s.log {
		if e.kind == entryCompletedLane && e.lane.Batch == batch {
			out = append(out, e.lane)
		}
	}
	return out
}

// Snapshot captures the session for status payloads.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:        s.id,
		State:     s.state.String(),
		Batch:     s.batch,
		Pairs:     s.pairsLocked(),
		Lanes:     s.lanesLocked(),
		CreatedAt: s.createdAt,
	}
	snap.PairCount = len(snap.Pairs)
	snap.LaneCount = len(snap.Lanes)

	if top := len(s.log) - 1; top >= 0 {
		switch e := s.log[top]; e.kind {
		case entryPendingRadar:
			snap.Pending = &PendingMark{Kind: "radar", U: e.projU, V: e.projV}
		case entryPendingLaneStart:
			snap.Pending = &PendingMark{Kind: "lane_start", U: e.laneU, V: e.laneV}
		}
	}
	return snap
}

func (s *Session) pairsLocked() []PointPair {
	out := make([]PointPair, 0, len(s.log))
	for _, e := range s.log {
		if e.kind == entryCompletedPair {
			out = append(out, e.pair)
		}
	}
	return out
}

func (s *Session) lanesLocked() []Lane {
	out := make([]Lane, 0, len(s.log))
	for _, e := range s.log {
		if e.kind == entryCompletedLane {
			out = append(out, e.lane)
		}
	}
	return out
}

func (s *Session) pairCountLocked() int {
	n := 0
	for _, e := range s.log {
		if e.kind == entryCompletedPair {
			n++
		}
	}
	return n
}

// dropPendingLocked removes a trailing pending entry, if present.
func (s *Session) dropPendingLocked() {
	top := len(s.log) - 1
	if top < 0 {
		return
	}
	switch s.log[top].kind {
	case entryPendingRadar, entryPendingLaneStart:
		s.log = s.log[:top]
	}
}
