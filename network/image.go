package network

import (
	"github.com/nimbusmq/mediadriver/internal/ratomic"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/subscribable"
	"github.com/nimbusmq/mediadriver/wire"
)

// FeedbackDelayGenerator computes the delay before a NAK is sent for a
// newly detected gap, and the next backoff after a NAK has already
// been sent once for that gap (§4.7: "pluggable FeedbackDelayGenerator
// ... back off exponentially up to nakMaxBackoff").
type FeedbackDelayGenerator interface {
	InitialDelayNs() int64
	NextBackoffNs(currentNs int64) int64
}

// ExponentialBackoff is the default FeedbackDelayGenerator: doubles the
// delay on every repeat NAK for the same gap, capped at MaxNs.
type ExponentialBackoff struct {
	InitialNs int64
	MaxNs     int64
}

func (b ExponentialBackoff) InitialDelayNs() int64 { return b.InitialNs }

func (b ExponentialBackoff) NextBackoffNs(currentNs int64) int64 {
	next := currentNs * 2
	if next > b.MaxNs {
		next = b.MaxNs
	}
	return next
}

// ImageState is the image lifecycle of §3/§4.7: active while receiving
// traffic, cooling down after an explicit reject, and end-of-life once
// no traffic has arrived for imageLivenessTimeoutNs.
type ImageState int32

const (
	ImageActive ImageState = iota
	ImageCooldown
	ImageEndOfLife
)

// lossRecord is the begin/end counter pair of §4.7's onGapDetected: the
// writer increments begin, updates the fields, then increments end. A
// reader that loads end, reads the fields, and then finds begin equal
// to the end it loaded got a consistent (termId, offset, length)
// snapshot; otherwise a concurrent writer raced it and it retries.
type lossRecord struct {
	begin      ratomic.Int64
	end        ratomic.Int64
	termID     int32
	termOffset int32
	length     int32
}

// Image is one PublicationImage: term reassembly for one
// (sessionId, streamId, source) triple on the receive side.
type Image struct {
	CorrelationID int64
	SessionID     int32
	StreamID      int32
	InitialTermID int32

	LogBuffer   *logbuffer.LogBuffer
	Subscribers *subscribable.Subscribable

	WindowLength int32
	TripGain     int32

	hwmPosition ratomic.Int64
	rcvPosition ratomic.Int64

	rcvNaksSent     ratomic.Int64
	heartbeatCount  ratomic.Int64

	loss lossRecord

	state           ratomic.Int32
	cooldownUntilNs int64
	lastTrafficNs   ratomic.Int64

	statusMessageDeadlineNs int64
	tripLimit               int64

	backoff           FeedbackDelayGenerator
	nextNakDeadlineNs int64
	nakScheduled      bool
	currentBackoffNs  int64
}

// NewImage constructs an image in ACTIVE state.
func NewImage(correlationID int64, sessionID, streamID, initialTermID int32, lb *logbuffer.LogBuffer, windowLength int32, backoff FeedbackDelayGenerator) *Image {
	img := &Image{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		StreamID:      streamID,
		InitialTermID: initialTermID,
		LogBuffer:     lb,
		Subscribers:   subscribable.New(),
		WindowLength:  windowLength,
		TripGain:      windowLength / 8,
		backoff:       backoff,
	}
	img.tripLimit = int64(windowLength)
	return img
}

func (img *Image) State() ImageState { return ImageState(img.state.Load()) }

func (img *Image) HighWaterMark() int64 { return img.hwmPosition.Load() }

func (img *Image) ReceiverPosition() int64 { return img.rcvPosition.Load() }

// InsertPacket implements §4.7's insertPacket: rejects data outside
// the receive window, copies the payload (idempotent — writing the
// same frame twice is allowed), and advances hwmPosition whether or
// not the payload was empty (a zero-length heartbeat still advances
// HWM).
func (img *Image) InsertPacket(nowNs int64, termID, termOffset int32, payload []byte, srcPosition int64) (accepted bool) {
	hwm := img.hwmPosition.Load()
	if srcPosition < hwm-int64(img.WindowLength) || srcPosition > hwm+int64(img.WindowLength) {
		return false
	}

	bits := img.LogBuffer.Bits()
	idx := logbuffer.IndexByTerm(img.InitialTermID, termID)
	partition := img.LogBuffer.Partition(idx)
	copy(partition.Buffer()[termOffset:], payload)

	packetPosition := logbuffer.ComputePosition(termID, termOffset, bits, img.InitialTermID)
	newHwm := packetPosition + int64(len(payload))
	if newHwm > hwm {
		img.hwmPosition.Store(newHwm)
	}

	if len(payload) == logbuffer.HeaderLength {
		img.heartbeatCount.Inc()
	}

	img.lastTrafficNs.Store(nowNs)
	if img.State() == ImageEndOfLife {
		img.state.Store(int32(ImageActive))
	}

	if packetPosition == img.rcvPosition.Load() {
		img.rcvPosition.Store(newHwm)
	}
	return true
}

// OnStatusMessageTick implements §4.7's onStatusMessageTick: emits a
// status message if the deadline has passed or HWM advanced by the
// trip gain since the last one, mirroring the publisher-side trip-
// limit hysteresis of §4.5.
func (img *Image) OnStatusMessageTick(nowNs int64, receiverID int64, receiverWindow int32) (sm wire.StatusMessage, shouldSend bool) {
	hwm := img.hwmPosition.Load()
	if nowNs < img.statusMessageDeadlineNs && hwm < img.tripLimit {
		return wire.StatusMessage{}, false
	}

	bits := img.LogBuffer.Bits()
	termID := logbuffer.ComputeTermIDFromPosition(img.rcvPosition.Load(), bits, img.InitialTermID)
	termOffset := logbuffer.ComputeTermOffsetFromPosition(img.rcvPosition.Load(), bits)

	img.tripLimit = hwm + int64(img.TripGain)
	img.statusMessageDeadlineNs = nowNs + int64(img.WindowLength) // conservative re-arm; overwritten by caller's cadence if provided

	return wire.StatusMessage{
		SessionID:             img.SessionID,
		StreamID:              img.StreamID,
		ConsumptionTermID:     termID,
		ConsumptionTermOffset: termOffset,
		ReceiverWindow:        receiverWindow,
		ReceiverID:            receiverID,
	}, true
}

// OnGapDetected implements §4.7's onGapDetected: records loss only
// when the new report extends what is already tracked (a larger
// length, an overlapping higher offset, or a different term), wrapped
// in a begin/end counter pair.
func (img *Image) OnGapDetected(nowNs int64, termID, termOffset, length int32) {
	extends := termID != img.loss.termID ||
		termOffset > img.loss.termOffset ||
		length > img.loss.length
	if !extends {
		return
	}

	img.loss.begin.Inc()
	img.loss.termID = termID
	img.loss.termOffset = termOffset
	img.loss.length = length
	img.loss.end.Inc()

	if !img.nakScheduled {
		img.currentBackoffNs = img.backoff.InitialDelayNs()
		img.nextNakDeadlineNs = nowNs + img.currentBackoffNs
		img.nakScheduled = true
	}
}

// LossSnapshot returns a consistent (termId, offset, length) snapshot
// of the currently tracked gap, retrying while a concurrent writer is
// mid-update (begin and end counters differ).
func (img *Image) LossSnapshot() (termID, termOffset, length int32, ok bool) {
	for {
		before := img.loss.end.Load()
		termID, termOffset, length = img.loss.termID, img.loss.termOffset, img.loss.length
		after := img.loss.begin.Load()
		if before == after {
			return termID, termOffset, length, length > 0
		}
	}
}

// MaybeSendNAK returns a NAK frame and clears the scheduled-NAK flag,
// advancing the backoff so a still-unresolved gap escalates on the
// next call; returns ok=false if no NAK is currently due.
func (img *Image) MaybeSendNAK(nowNs int64) (n wire.NAK, ok bool) {
	if !img.nakScheduled || nowNs < img.nextNakDeadlineNs {
		return wire.NAK{}, false
	}
	termID, termOffset, length, hasLoss := img.LossSnapshot()
	if !hasLoss {
		img.nakScheduled = false
		return wire.NAK{}, false
	}

	img.rcvNaksSent.Inc()
	img.currentBackoffNs = img.backoff.NextBackoffNs(img.currentBackoffNs)
	img.nextNakDeadlineNs = nowNs + img.currentBackoffNs

	return wire.NAK{
		SessionID:  img.SessionID,
		StreamID:   img.StreamID,
		TermID:     termID,
		TermOffset: termOffset,
		Length:     length,
	}, true
}

// ResolveLoss clears the tracked gap once the missing range has been
// received, either via retransmit or FEC reconstruction.
func (img *Image) ResolveLoss() {
	img.loss.begin.Inc()
	img.loss.termID = 0
	img.loss.termOffset = 0
	img.loss.length = 0
	img.loss.end.Inc()
	img.nakScheduled = false
}

func (img *Image) RcvNaksSent() int64 { return img.rcvNaksSent.Load() }

// OnTimeEvent implements §4.7's onTimeEvent: marks end-of-life after
// imageLivenessTimeoutNs without traffic, and exits cooldown once it
// expires.
func (img *Image) OnTimeEvent(nowNs int64, imageLivenessTimeoutNs int64) {
	switch img.State() {
	case ImageActive:
		if nowNs-img.lastTrafficNs.Load() >= imageLivenessTimeoutNs {
			img.state.Store(int32(ImageEndOfLife))
		}
	case ImageCooldown:
		if nowNs >= img.cooldownUntilNs {
			img.state.Store(int32(ImageActive))
			img.lastTrafficNs.Store(nowNs)
		}
	case ImageEndOfLife:
		// no timed transition; InsertPacket revives the image on fresh
		// traffic, otherwise the caller reaps it.
	}
}

// Reject puts the image into cooldown until nowNs+imageLivenessTimeoutNs,
// during which the conductor refuses new subscribers (§4.5's reject
// semantics, shared by images).
func (img *Image) Reject(nowNs int64, imageLivenessTimeoutNs int64) {
	img.state.Store(int32(ImageCooldown))
	img.cooldownUntilNs = nowNs + imageLivenessTimeoutNs
}
