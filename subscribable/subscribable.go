// Package subscribable implements C4: the set of subscriber positions
// attached to a stream, including the untethered-subscriber lifecycle
// state machine (spec.md §3 "Subscribable", §4.4).
package subscribable

import (
	"math"

	"github.com/nimbusmq/mediadriver/internal/ratomic"
)

// UntetheredState is the per-subscriber state machine of §3/§4.4.
type UntetheredState int32

const (
	Active UntetheredState = iota
	Linger
	Resting
)

func (s UntetheredState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Linger:
		return "LINGER"
	case Resting:
		return "RESTING"
	default:
		return "UNKNOWN"
	}
}

// Link identifies a subscriber attachment; opaque to this package beyond
// equality, per the handle-not-pointer discipline of spec.md §9 (cyclic
// references broken via opaque indices).
type Link int64

// Subscriber is one reader position attached to the stream.
type Subscriber struct {
	Link       Link
	Tethered   bool
	Rejoin     bool
	position   ratomic.Int64
	untethered *untethered
}

func (s *Subscriber) Position() int64  { return s.position.Load() }
func (s *Subscriber) SetPosition(p int64) { s.position.Store(p) }

// UntetheredState returns the subscriber's current state, or Active for
// a tethered subscriber (which has no untethered lifecycle).
func (s *Subscriber) UntetheredState() UntetheredState {
	if s.untethered == nil {
		return Active
	}
	return s.untethered.state
}

type untethered struct {
	state            UntetheredState
	timeOfLastUpdate int64
	joinPosition     int64
}

// Transition is one observed state change, handed back to the caller of
// CheckUntethered so it can emit AVAILABLE_IMAGE/UNAVAILABLE_IMAGE.
type Transition struct {
	Link     Link
	From, To UntetheredState
	// JoinPosition is set when To == Active (a rejoin): the position a
	// newly rejoining subscriber should start reading from.
	JoinPosition int64
	Removed      bool // true: a non-rejoin subscriber's LINGER timeout expired and it was removed (From and To are both Linger)
}

// timerNotStarted marks an untethered record whose timer has not yet
// been stamped by a CheckUntethered pass.
const timerNotStarted = math.MinInt64

// Subscribable holds every subscriber attached to one stream (IPC
// publication, network publication, or image).
type Subscribable struct {
	subscribers []*Subscriber
}

func New() *Subscribable { return &Subscribable{} }

// AddSubscriber appends a new reader position. If the link is
// untethered it also starts an untethered record in ACTIVE, whose timer
// starts at the nowNs of the first CheckUntethered pass that sees it.
func (sb *Subscribable) AddSubscriber(link Link, position int64, tethered, rejoin bool) *Subscriber {
	s := &Subscriber{Link: link, Tethered: tethered, Rejoin: rejoin}
	s.position.Store(position)
	if !tethered {
		s.untethered = &untethered{state: Active, timeOfLastUpdate: timerNotStarted, joinPosition: position}
	}
	sb.subscribers = append(sb.subscribers, s)
	return s
}

// RemoveSubscriber deletes the subscriber and its untethered record, if
// any.
func (sb *Subscribable) RemoveSubscriber(link Link) bool {
	for i, s := range sb.subscribers {
		if s.Link == link {
			sb.subscribers = append(sb.subscribers[:i], sb.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (sb *Subscribable) Subscribers() []*Subscriber { return sb.subscribers }

func (sb *Subscribable) Count() int { return len(sb.subscribers) }

// MinPosition returns the minimum subscriber position, or ok=false if
// there are no subscribers. RESTING subscribers do not count toward it:
// they are not currently being delivered to.
func (sb *Subscribable) MinPosition() (min int64, ok bool) {
	for _, s := range sb.subscribers {
		if s.untethered != nil && s.untethered.state == Resting {
			continue
		}
		if !ok || s.Position() < min {
			min = s.Position()
			ok = true
		}
	}
	return
}

// MaxPosition returns the maximum subscriber position, or ok=false if
// there are no subscribers.
func (sb *Subscribable) MaxPosition() (max int64, ok bool) {
	for _, s := range sb.subscribers {
		if !ok || s.Position() > max {
			max = s.Position()
			ok = true
		}
	}
	return
}

// CheckUntethered runs the §4.4 state machine for every untethered
// subscriber against the current consumerPosition and termWindowLength,
// returning the transitions that occurred so the caller can emit the
// corresponding client events.
func (sb *Subscribable) CheckUntethered(nowNs int64, consumerPosition int64, termWindowLength int32, windowLimitTimeoutNs, lingerTimeoutNs, restingTimeoutNs int64) []Transition {
	limit := consumerPosition - int64(termWindowLength) + int64(termWindowLength)/4

	var transitions []Transition
	var toRemove []Link

	for _, s := range sb.subscribers {
		u := s.untethered
		if u == nil {
			continue
		}
		switch u.state {
		case Active:
			if u.timeOfLastUpdate == timerNotStarted || s.Position() >= limit {
				u.timeOfLastUpdate = nowNs
				continue
			}
			if nowNs-u.timeOfLastUpdate >= windowLimitTimeoutNs {
				from := u.state
				u.state = Linger
				u.timeOfLastUpdate = nowNs
				transitions = append(transitions, Transition{Link: s.Link, From: from, To: Linger})
			}
		case Linger:
			if nowNs-u.timeOfLastUpdate >= lingerTimeoutNs {
				if s.Rejoin {
					from := u.state
					u.state = Resting
					u.timeOfLastUpdate = nowNs
					if min, ok := sb.MinPosition(); ok {
						u.joinPosition = min
					}
					transitions = append(transitions, Transition{Link: s.Link, From: from, To: Resting})
				} else {
					toRemove = append(toRemove, s.Link)
					transitions = append(transitions, Transition{Link: s.Link, From: Linger, To: Linger, Removed: true})
				}
			}
		case Resting:
			if nowNs-u.timeOfLastUpdate >= restingTimeoutNs {
				from := u.state
				u.state = Active
				u.timeOfLastUpdate = nowNs
				s.SetPosition(u.joinPosition)
				transitions = append(transitions, Transition{Link: s.Link, From: from, To: Active, JoinPosition: u.joinPosition})
			}
		}
	}

	for _, link := range toRemove {
		sb.RemoveSubscriber(link)
	}
	return transitions
}
