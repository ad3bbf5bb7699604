// Package ipc implements C5: the IPC publication lifecycle of
// spec.md §3/§4.5 — a local (same-host) publication whose LogBuffer is
// mapped directly by same-host subscribers rather than shipped over
// UDP. NetworkPublication (package network) shares this lifecycle and
// adds the send/retransmit/flow-control machinery of §4.6.
package ipc

import (
	"github.com/nimbusmq/mediadriver/aerr"
	"github.com/nimbusmq/mediadriver/internal/debug"
	"github.com/nimbusmq/mediadriver/internal/nlog"
	"github.com/nimbusmq/mediadriver/internal/ratomic"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/subscribable"
)

// State is the publication lifecycle of §3: "state ∈ {ACTIVE,
// DRAINING, LINGER, DONE}".
type State int32

const (
	Active State = iota
	Draining
	Linger
	Done
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Draining:
		return "DRAINING"
	case Linger:
		return "LINGER"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Publication is one IPC publication: a LogBuffer, its lifecycle
// state, and the bookkeeping §3/§4.5 describes to throttle the
// publisher to the slowest attached subscriber.
type Publication struct {
	RegistrationID      int64
	SessionID           int32
	StreamID            int32
	InitialTermID       int32
	StartingTermID      int32
	StartingTermOffset  int32
	TermBufferLength    int32
	MtuLength           int32
	TermWindowLength    int32
	TripGain            int32
	Exclusive           bool

	LogBuffer   *logbuffer.LogBuffer
	Subscribers *subscribable.Subscribable

	state    ratomic.Int32
	refCount ratomic.Int32
	revoked  ratomic.Bool

	publisherPos   ratomic.Int64
	publisherLimit ratomic.Int64

	consumerPosition                   int64
	lastConsumerPosition               int64
	timeOfLastConsumerPositionUpdateNs int64
	tripLimit                          int64
	cleanPosition                      int64

	lingerDeadlineNs int64
	cooldownUntilNs  int64

	reachedEndOfLife bool

	unblockCount ratomic.Int64
}

// New builds a publication in ACTIVE state with refCount 1 (the
// creating client holds the first reference).
func New(registrationID int64, sessionID, streamID, initialTermID, termBufferLength, mtuLength, termWindowLength int32, exclusive bool, lb *logbuffer.LogBuffer) *Publication {
	p := &Publication{
		RegistrationID:     registrationID,
		SessionID:          sessionID,
		StreamID:           streamID,
		InitialTermID:      initialTermID,
		StartingTermID:     initialTermID,
		TermBufferLength:   termBufferLength,
		MtuLength:          mtuLength,
		TermWindowLength:   termWindowLength,
		TripGain:           termWindowLength / 8,
		Exclusive:          exclusive,
		LogBuffer:          lb,
		Subscribers:        subscribable.New(),
	}
	p.refCount.Store(1)
	p.tripLimit = int64(termWindowLength)
	p.publisherLimit.Store(int64(termWindowLength))
	return p
}

func (p *Publication) State() State { return State(p.state.Load()) }

func (p *Publication) IncRef() int32 { return p.refCount.Inc() }

// DecRef drops a client reference; reaching zero begins draining.
func (p *Publication) DecRef() int32 {
	n := p.refCount.Dec()
	if n == 0 {
		p.state.CAS(int32(Active), int32(Draining))
	}
	return n
}

func (p *Publication) RefCount() int32 { return p.refCount.Load() }

// PublisherPosition is the current producer position, the position
// immediately beyond the last committed frame.
func (p *Publication) PublisherPosition() int64 { return p.publisherPos.Load() }

// PublisherLimit is the position the producer may claim up to.
func (p *Publication) PublisherLimit() int64 { return p.publisherLimit.Load() }

// Revoke marks the publication as revoked: the next OnTimeEvent will
// publish publisherLimit at the current producer position, stop
// accepting further claims, and tear down subscribers.
func (p *Publication) Revoke() { p.revoked.Store(true) }

// OnTimeEvent runs one §4.5 "onTimeEvent(nowNs)" pass. unblockTimeoutNs
// gates the blocked-publisher check; lingerTimeoutNs bounds how long a
// DRAINING→LINGER publication lingers before DONE.
func (p *Publication) OnTimeEvent(nowNs int64, unblockTimeoutNs, lingerTimeoutNs int64, untetheredWindowLimitTimeoutNs, untetheredLingerTimeoutNs, untetheredRestingTimeoutNs int64) {
	switch p.State() {
	case Active:
		if p.revoked.Load() {
			pos := p.LogBuffer.Position()
			p.publisherPos.Store(pos)
			p.publisherLimit.Store(pos)
			p.Subscribers = subscribable.New()
			p.state.Store(int32(Linger))
			p.lingerDeadlineNs = nowNs + lingerTimeoutNs
			nlog.Infof("ipc: publication %d revoked at position %d, entering LINGER", p.RegistrationID, pos)
			return
		}
		p.Subscribers.CheckUntethered(nowNs, p.consumerPosition, p.TermWindowLength, untetheredWindowLimitTimeoutNs, untetheredLingerTimeoutNs, untetheredRestingTimeoutNs)
		p.refreshPublisherPosition()
		if !p.Exclusive {
			p.checkBlockedPublisher(nowNs, unblockTimeoutNs)
		}
	case Draining:
		p.refreshPublisherPosition()
		if p.drained() {
			p.state.Store(int32(Linger))
			p.lingerDeadlineNs = nowNs + lingerTimeoutNs
			return
		}
		p.LogBuffer.Unblock(p.consumerPosition)
	case Linger:
		if p.refCount.Load() == 0 && nowNs >= p.lingerDeadlineNs {
			p.reachedEndOfLife = true
			p.state.Store(int32(Done))
		}
	case Done:
		// terminal; caller reaps via ReachedEndOfLife.
	}
}

func (p *Publication) drained() bool {
	return p.publisherPos.Load() >= p.LogBuffer.Position()
}

// ReachedEndOfLife reports whether the conductor may free this
// publication's LogBuffer and remove it from the registry.
func (p *Publication) ReachedEndOfLife() bool { return p.reachedEndOfLife }

func (p *Publication) refreshPublisherPosition() {
	p.publisherPos.Store(p.LogBuffer.Position())
}

// UpdatePublisherPositionAndLimit implements §4.5's trip-limit
// hysteresis: the publisher limit is only republished once the
// proposed new limit clears tripLimit, avoiding a publish on every
// single subscriber-position update.
func (p *Publication) UpdatePublisherPositionAndLimit() {
	minPos, hasMin := p.Subscribers.MinPosition()
	maxPos, hasMax := p.Subscribers.MaxPosition()

	if hasMax && maxPos > p.consumerPosition {
		p.consumerPosition = maxPos
	}

	if !hasMin {
		p.publisherLimit.Store(p.consumerPosition)
		return
	}

	newLimit := minPos + int64(p.TermWindowLength)
	if newLimit >= p.tripLimit {
		p.LogBuffer.CleanTo(minPos)
		p.publisherLimit.Store(newLimit)
		p.tripLimit = newLimit + int64(p.TripGain)
	}
}

// checkBlockedPublisher implements §4.5's watchdog: a concurrent
// publisher that claimed a frame and died before committing it leaves
// a zero-length frame at consumerPosition forever; if the position has
// not moved for unblockTimeoutNs while the buffer's tail has advanced
// past it, force a padding frame so subscribers are not stuck.
func (p *Publication) checkBlockedPublisher(nowNs int64, unblockTimeoutNs int64) {
	if p.consumerPosition != p.lastConsumerPosition {
		p.lastConsumerPosition = p.consumerPosition
		p.timeOfLastConsumerPositionUpdateNs = nowNs
		return
	}
	if nowNs-p.timeOfLastConsumerPositionUpdateNs < unblockTimeoutNs {
		return
	}
	if p.LogBuffer.Unblock(p.consumerPosition) {
		nlog.Warnf("ipc: publication %d unblocked stalled publisher at position %d", p.RegistrationID, p.consumerPosition)
		p.timeOfLastConsumerPositionUpdateNs = nowNs
		p.unblockCount.Inc()
	}
}

// TakeUnblockCount returns the number of blocked-publisher recoveries
// since the last call and resets the count to zero. Single-writer:
// only the conductor's serial doWork path calls this.
func (p *Publication) TakeUnblockCount() int64 {
	n := p.unblockCount.Load()
	if n != 0 {
		p.unblockCount.Add(-n)
	}
	return n
}

// Reject implements §4.5's reject(position, reason): publish an
// error, disconnect, and enter cooldown until nowNs+imageLivenessTimeoutNs
// during which no new subscriber may join.
func (p *Publication) Reject(nowNs int64, position int64, reason aerr.Code, imageLivenessTimeoutNs int64) error {
	debug.Assert(position >= 0, "reject position must be non-negative")
	p.Subscribers = subscribable.New()
	p.cooldownUntilNs = nowNs + imageLivenessTimeoutNs
	return aerr.New(aerr.ImageRejected, "publication rejected at position")
}

// InCooldown reports whether new subscribers must currently be
// refused.
func (p *Publication) InCooldown(nowNs int64) bool { return nowNs < p.cooldownUntilNs }
