// Package network implements C6 NetworkPublication and C7
// PublicationImage: the sender- and receiver-side halves of a UDP
// stream, built on top of the ipc package's shared publication
// lifecycle (spec.md §4.6/§4.7). Operating-system socket code is out
// of scope (spec.md §1); this package calls a small Transport
// interface for the actual datagram I/O, so the send/receive/
// retransmit logic here is exercised independently of any particular
// socket implementation.
package network

import (
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/nimbusmq/mediadriver/flowcontrol"
	"github.com/nimbusmq/mediadriver/internal/nlog"
	"github.com/nimbusmq/mediadriver/internal/ratomic"
	"github.com/nimbusmq/mediadriver/ipc"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/subscribable"
	"github.com/nimbusmq/mediadriver/wire"
)

// Transport is the wire-side collaborator this package calls; actual
// socket code lives outside this module's scope.
type Transport interface {
	Send(destination string, frame []byte) error
}

const retransmitDedupCapacity = 4096

// Publication is a network publication: the ipc.Publication lifecycle
// plus the send loop, SETUP/heartbeat cadence, retransmit handler, and
// spy support of §4.6.
type Publication struct {
	*ipc.Publication

	Destination string
	Transport   Transport
	FlowControl flowcontrol.Strategy

	senderPos   ratomic.Int64
	senderLimit ratomic.Int64

	timeOfLastDataOrHbNs    int64
	timeOfLastSetupNs       int64
	hasSentSetup            bool
	statusMessageDeadlineNs int64

	maxMessagesPerSend int
	setupTimeoutNs     int64
	heartbeatTimeoutNs int64

	retransmitFilter *cuckoo.Filter
	maxRetransmits   int
	retransmitCount  map[int64]int

	SpiesSimulateConnection bool
	spies                   *subscribable.Subscribable

	unseenReceivers bool

	eosPosition int64
	hasEOS      bool
}

// NewPublication wraps an ipc.Publication with network send-side
// state. setupTimeoutNs/heartbeatTimeoutNs are the cadences of §4.6.
func NewPublication(base *ipc.Publication, destination string, transport Transport, fc flowcontrol.Strategy, maxMessagesPerSend, maxRetransmits int, setupTimeoutNs, heartbeatTimeoutNs int64) *Publication {
	return &Publication{
		Publication:        base,
		Destination:        destination,
		Transport:          transport,
		FlowControl:        fc,
		maxMessagesPerSend: maxMessagesPerSend,
		maxRetransmits:     maxRetransmits,
		setupTimeoutNs:     setupTimeoutNs,
		heartbeatTimeoutNs: heartbeatTimeoutNs,
		retransmitFilter:   cuckoo.NewFilter(retransmitDedupCapacity),
		retransmitCount:    make(map[int64]int),
		spies:              subscribable.New(),
		unseenReceivers:    true,
	}
}

func (p *Publication) SenderPosition() int64 { return p.senderPos.Load() }
func (p *Publication) SenderLimit() int64    { return p.senderLimit.Load() }

// AddSpy attaches a local subscriber directly to the LogBuffer,
// bypassing the network.
func (p *Publication) AddSpy(link subscribable.Link, position int64) *subscribable.Subscriber {
	return p.spies.AddSubscriber(link, position, true, false)
}

func (p *Publication) RemoveSpy(link subscribable.Link) bool {
	return p.spies.RemoveSubscriber(link)
}

func (p *Publication) SpyCount() int { return p.spies.Count() }

// IsConnected reports whether this publication has at least one
// receiver for the purposes of the driver's "connected" counter. Per
// spec.md §9's documented asymmetry, a spy counts here when
// SpiesSimulateConnection is set, but must never be folded into the
// flow-control min aggregate — spies never send status messages, so
// FlowControl never even sees them.
func (p *Publication) IsConnected() bool {
	if p.spies.Count() > 0 && p.SpiesSimulateConnection {
		return true
	}
	return p.FlowControl.CurrentLimit() > 0
}

// SendTick runs one send-loop pass: up to maxMessagesPerSend frames
// between senderPosition and min(senderLimit, publisherPosition) are
// copied from the term buffer and handed to Transport. A partial send
// (Transport.Send failing partway) leaves the remainder for the next
// tick.
func (p *Publication) SendTick(nowNs int64) (sent int, backPressured bool) {
	limit := p.senderLimit.Load()
	if pubLimit := p.PublisherPosition(); pubLimit < limit {
		limit = pubLimit
	}

	bits := p.LogBuffer.Bits()
	pos := p.senderPos.Load()

	for i := 0; i < p.maxMessagesPerSend && pos < limit; i++ {
		termID := logbuffer.ComputeTermIDFromPosition(pos, bits, p.InitialTermID)
		termOffset := logbuffer.ComputeTermOffsetFromPosition(pos, bits)
		idx := logbuffer.IndexByTerm(p.InitialTermID, termID)
		frame := p.LogBuffer.FrameAt(termID, termOffset)
		if frame.IsZero() {
			backPressured = true
			break
		}
		if err := logbuffer.ValidateFrame(frame); err != nil {
			nlog.Warnf("network: send tick term %d offset %d: %v", termID, termOffset, err)
			backPressured = true
			break
		}
		frameLength := frame.FrameLength()

		partition := p.LogBuffer.Partition(idx)
		datagram := partition.Buffer()[termOffset : termOffset+frameLength]
		if err := p.Transport.Send(p.Destination, datagram); err != nil {
			backPressured = true
			break
		}

		pos += int64(frameLength)
		sent++
		p.timeOfLastDataOrHbNs = nowNs
	}

	p.senderPos.Store(pos)
	return sent, backPressured
}

// MaybeSendSetup emits a SETUP frame every setupTimeoutNs while at
// least one receiver is unseen, or when elicited by a setup-eliciting
// status message.
func (p *Publication) MaybeSendSetup(nowNs int64, elicited bool) error {
	if !elicited && !p.unseenReceivers {
		return nil
	}
	if !elicited && p.hasSentSetup && nowNs-p.timeOfLastSetupNs < p.setupTimeoutNs {
		return nil
	}

	bits := p.LogBuffer.Bits()
	pos := p.senderPos.Load()
	termID := logbuffer.ComputeTermIDFromPosition(pos, bits, p.InitialTermID)
	termOffset := logbuffer.ComputeTermOffsetFromPosition(pos, bits)

	buf := make([]byte, logbuffer.HeaderLength+64)
	if err := wire.EncodeSetup(buf, wire.Setup{
		TermOffset:    termOffset,
		SessionID:     p.SessionID,
		StreamID:      p.StreamID,
		InitialTermID: p.InitialTermID,
		ActiveTermID:  termID,
		TermLength:    p.TermBufferLength,
		MtuLength:     p.MtuLength,
	}); err != nil {
		return err
	}
	if err := p.Transport.Send(p.Destination, buf); err != nil {
		return err
	}
	p.timeOfLastSetupNs = nowNs
	p.hasSentSetup = true
	return nil
}

// MaybeSendHeartbeat emits a zero-length data frame with the current
// term position every heartbeatTimeoutNs when no other data was sent.
func (p *Publication) MaybeSendHeartbeat(nowNs int64) error {
	if nowNs-p.timeOfLastDataOrHbNs < p.heartbeatTimeoutNs {
		return nil
	}
	bits := p.LogBuffer.Bits()
	pos := p.senderPos.Load()
	termID := logbuffer.ComputeTermIDFromPosition(pos, bits, p.InitialTermID)
	termOffset := logbuffer.ComputeTermOffsetFromPosition(pos, bits)

	buf := make([]byte, logbuffer.HeaderLength)
	h := logbuffer.FrameHeader(buf)
	h.SetType(logbuffer.TypeData)
	h.SetSessionID(p.SessionID)
	h.SetStreamID(p.StreamID)
	h.SetTermID(termID)
	h.SetTermOffset(termOffset)
	h.SetFlags(logbuffer.FlagBegin | logbuffer.FlagEnd)
	h.SetFrameLengthOrdered(logbuffer.HeaderLength)

	if err := p.Transport.Send(p.Destination, buf); err != nil {
		return err
	}
	p.timeOfLastDataOrHbNs = nowNs
	return nil
}

// OnStatusMessage folds a received status message into the
// flow-control strategy and updates senderLimit; it also clears
// unseenReceivers, since a status message proves the receiver has seen
// this publication.
func (p *Publication) OnStatusMessage(sm wire.StatusMessage, nowNs int64) {
	p.unseenReceivers = false
	bits := p.LogBuffer.Bits()
	pos := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, bits, p.InitialTermID)
	groupTag := int64(0)
	if sm.HasGroupTag {
		groupTag = sm.GroupTag
	}
	limit := p.FlowControl.OnStatusMessage(sm.ReceiverID, pos, sm.ReceiverWindow, groupTag, nowNs)
	p.senderLimit.Store(limit)
}

// OnNAK is the retransmit handler of §4.6: dedup-suppresses an
// overlapping in-flight request via the cuckoo filter, and only
// schedules a resend if the requested range is already cleaned and
// committed, capped by maxRetransmits per (termId, termOffset).
func (p *Publication) OnNAK(n wire.NAK) (shouldResend bool) {
	key := dedupKey(n.TermID, n.TermOffset)
	if p.retransmitFilter.Lookup(keyBytes(key)) {
		return false
	}

	if p.retransmitCount[key] >= p.maxRetransmits {
		return false
	}

	frame := p.LogBuffer.FrameAt(n.TermID, n.TermOffset)
	if frame.IsZero() {
		// Requested range isn't committed yet: nothing to resend.
		return false
	}
	if err := logbuffer.ValidateFrame(frame); err != nil {
		nlog.Warnf("network: NAK for term %d offset %d: %v", n.TermID, n.TermOffset, err)
		return false
	}

	p.retransmitFilter.Insert(keyBytes(key))
	p.retransmitCount[key]++
	nlog.Infof("network: scheduling retransmit for term %d offset %d length %d", n.TermID, n.TermOffset, n.Length)
	return true
}

// ClearRetransmit releases the dedup entry for (termId, termOffset)
// once a retransmit has actually been sent, so the next NAK for the same
// range can schedule another resend (still capped by maxRetransmits).
func (p *Publication) ClearRetransmit(termID, termOffset int32) {
	key := dedupKey(termID, termOffset)
	p.retransmitFilter.Delete(keyBytes(key))
}

func dedupKey(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

func keyBytes(key int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	return b
}

// EndOfStream implements §4.6: decRef to zero sets the EOS position;
// DRAINING completes once the sender has sent up to EOS.
func (p *Publication) EndOfStream() {
	p.eosPosition = p.LogBuffer.Position()
	p.hasEOS = true
}

func (p *Publication) DrainedPastEOS() bool {
	return p.hasEOS && p.senderPos.Load() >= p.eosPosition
}
