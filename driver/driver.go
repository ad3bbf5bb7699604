// Package driver wires the conductor, the UDP transport, and the
// admin surface into the running agent loops of spec.md §5: a single
// cooperative conductor that owns all lifecycle state, plus sender and
// receiver loops that only read the narrow fields the conductor
// publishes through network.Publication/network.Image. A
// network.Transport/conductor.FeedbackTransport implementation and a
// godirwalk-backed startup sweep live here too, since both need real
// OS sockets and a real filesystem — the one corner of this module
// that cannot stay pure and independently testable.
package driver

import (
	"sync"
	"time"

	"github.com/nimbusmq/mediadriver/admin"
	"github.com/nimbusmq/mediadriver/conductor"
	"github.com/nimbusmq/mediadriver/config"
	"github.com/nimbusmq/mediadriver/internal/mono"
	"github.com/nimbusmq/mediadriver/internal/nlog"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/network"
	"github.com/nimbusmq/mediadriver/wire"
)

// maxDatagram is sized for the largest MTU this module's config ever
// hands out plus the frame header.
const maxDatagram = 64 * 1024

// conductorView is the narrow read/tick surface the agent loops need
// from the conductor; *conductor.Conductor satisfies it. A seam lets
// the routing logic below be driven by a fake in tests instead of a
// fully-wired conductor.
type conductorView interface {
	DoWork(nowNs int64)
	NetworkPublications() []*network.Publication
	Images() []*network.Image
	RecordRetransmitSent()
}

// Driver composes the conductor, transport, and admin server into the
// running process. Threading mode picks how many goroutines carry the
// conductor/sender/receiver roles; Go has no direct equivalent of
// pinning a goroutine to an OS thread, so a dedicated goroutine per
// role is this module's analogue of a dedicated OS thread.
type Driver struct {
	cfg       *config.Config
	conductor conductorView
	admin     *admin.Server
	transport *UDPTransport

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Driver. Call Start to launch its agent loops.
func New(cfg *config.Config, c *conductor.Conductor, adminSrv *admin.Server, t *UDPTransport) *Driver {
	return &Driver{cfg: cfg, conductor: c, admin: adminSrv, transport: t, stop: make(chan struct{})}
}

// Start launches the admin HTTP surface and the agent loops dictated
// by cfg.ThreadingMode, then returns; it does not block.
func (d *Driver) Start() {
	d.spawn(func() {
		if err := d.admin.ListenAndServe(); err != nil {
			nlog.Warnf("driver: admin server stopped: %v", err)
		}
	})

	switch d.cfg.ThreadingMode {
	case "DEDICATED":
		d.spawn(d.conductorLoop)
		d.spawn(d.senderLoop)
		d.spawn(d.receiverLoop)
	case "SHARED_NETWORK":
		d.spawn(d.conductorLoop)
		d.spawn(d.networkLoop)
	default: // SHARED
		d.spawn(d.allInOneLoop)
	}
}

// Stop signals every agent loop to exit and shuts down the admin
// surface and the receive socket; it does not wait for loop exit.
func (d *Driver) Stop() {
	close(d.stop)
	_ = d.admin.Shutdown()
	_ = d.transport.Close()
}

// Wait blocks until every agent loop spawned by Start has returned.
func (d *Driver) Wait() { d.wg.Wait() }

func (d *Driver) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Driver) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// conductorLoop runs DoWork as fast as it can, per §5's "the conductor
// may only block on an idle strategy" — DoWork itself is the work, so
// this is a tight Gosched spin rather than a backoff.
func (d *Driver) conductorLoop() {
	idle := NewIdleStrategy(time.Millisecond.Nanoseconds())
	for !d.stopped() {
		d.conductor.DoWork(mono.NanoTime())
		idle.Idle(1)
	}
}

// senderLoop drives every network publication's send cadence: data
// drained from the term buffer, SETUP while unconnected, and
// heartbeats when idle. Publications come from the conductor's
// lock-free snapshot, so this never touches the conductor's registry.
func (d *Driver) senderLoop() {
	idle := NewIdleStrategy(5 * time.Millisecond.Nanoseconds())
	for !d.stopped() {
		idle.Idle(d.sendPass())
	}
}

func (d *Driver) sendPass() int {
	now := mono.NanoTime()
	work := 0
	for _, pub := range d.conductor.NetworkPublications() {
		sent, _ := pub.SendTick(now)
		work += sent
		if err := pub.MaybeSendSetup(now, false); err != nil {
			nlog.Warnf("driver: send SETUP for session %d: %v", pub.SessionID, err)
		}
		if err := pub.MaybeSendHeartbeat(now); err != nil {
			nlog.Warnf("driver: send heartbeat for session %d: %v", pub.SessionID, err)
		}
	}
	return work
}

// receiverLoop blocks on the UDP socket, so it needs no idle strategy
// of its own: a blocking read is itself a valid idle strategy under §5.
func (d *Driver) receiverLoop() {
	buf := make([]byte, maxDatagram)
	for !d.stopped() {
		n, err := d.transport.receive(buf, 200*time.Millisecond)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if d.stopped() {
				return
			}
			nlog.Warnf("driver: receive: %v", err)
			continue
		}
		d.dispatchFrame(buf[:n])
	}
}

// networkLoop interleaves sender and receiver passes on one goroutine,
// for SHARED_NETWORK mode: a short read deadline stands in for the
// blocking receive so the same loop can also service sends.
func (d *Driver) networkLoop() {
	buf := make([]byte, maxDatagram)
	idle := NewIdleStrategy(2 * time.Millisecond.Nanoseconds())
	for !d.stopped() {
		work := d.sendPass()
		n, err := d.transport.receive(buf, time.Millisecond)
		if err == nil {
			d.dispatchFrame(buf[:n])
			work++
		} else if !isTimeout(err) && !d.stopped() {
			nlog.Warnf("driver: receive: %v", err)
		}
		idle.Idle(work)
	}
}

// allInOneLoop is SHARED mode: conductor, sender, and receiver all on
// a single goroutine.
func (d *Driver) allInOneLoop() {
	buf := make([]byte, maxDatagram)
	idle := NewIdleStrategy(2 * time.Millisecond.Nanoseconds())
	for !d.stopped() {
		d.conductor.DoWork(mono.NanoTime())
		work := d.sendPass() + 1

		n, err := d.transport.receive(buf, time.Millisecond)
		if err == nil {
			d.dispatchFrame(buf[:n])
			work++
		} else if !isTimeout(err) && !d.stopped() {
			nlog.Warnf("driver: receive: %v", err)
		}
		idle.Idle(work)
	}
}

// dispatchFrame routes one inbound datagram by frame type: DATA/SETUP
// go to the matching image, SM/NAK go to the matching network
// publication.
func (d *Driver) dispatchFrame(frame []byte) {
	if len(frame) < logbuffer.HeaderLength {
		return
	}
	h := logbuffer.FrameHeader(frame)
	switch h.Type() {
	case logbuffer.TypeData, logbuffer.TypeSetup:
		d.dispatchToImage(h, frame)
	case logbuffer.TypeSM:
		d.dispatchStatusMessage(frame)
	case logbuffer.TypeNAK:
		d.dispatchNAK(frame)
	default:
		// RTTM and reserved/error frames are not consumed by this
		// module's sender/receiver loops.
	}
}

func (d *Driver) dispatchToImage(h logbuffer.FrameHeader, frame []byte) int {
	img := findImage(d.conductor.Images(), h.SessionID(), h.StreamID())
	if img == nil {
		return 0
	}
	payload := frame
	bits := img.LogBuffer.Bits()
	srcPosition := logbuffer.ComputePosition(h.TermID(), h.TermOffset(), bits, img.InitialTermID)
	if img.InsertPacket(mono.NanoTime(), h.TermID(), h.TermOffset(), payload, srcPosition) {
		return 1
	}
	return 0
}

func (d *Driver) dispatchStatusMessage(frame []byte) {
	sm, err := wire.DecodeStatusMessage(frame)
	if err != nil {
		return
	}
	pub := findPublication(d.conductor.NetworkPublications(), sm.SessionID, sm.StreamID)
	if pub == nil {
		return
	}
	pub.OnStatusMessage(sm, mono.NanoTime())
}

func (d *Driver) dispatchNAK(frame []byte) {
	n, err := wire.DecodeNAK(frame)
	if err != nil {
		return
	}
	pub := findPublication(d.conductor.NetworkPublications(), n.SessionID, n.StreamID)
	if pub == nil {
		return
	}
	if pub.OnNAK(n) {
		if resend(pub, n.TermID, n.TermOffset) {
			d.conductor.RecordRetransmitSent()
		}
	}
}

// resend replays one already-committed frame, the same extraction
// SendTick uses for the regular send path. It reports whether a
// datagram actually went out, so the caller can account it against
// the driver's retransmitsSent system counter.
func resend(pub *network.Publication, termID, termOffset int32) bool {
	frame := pub.LogBuffer.FrameAt(termID, termOffset)
	if frame.IsZero() {
		return false
	}
	if err := logbuffer.ValidateFrame(frame); err != nil {
		nlog.Warnf("driver: retransmit session %d term %d offset %d: %v", pub.SessionID, termID, termOffset, err)
		return false
	}
	idx := logbuffer.IndexByTerm(pub.InitialTermID, termID)
	partition := pub.LogBuffer.Partition(idx)
	frameLength := frame.FrameLength()
	datagram := partition.Buffer()[termOffset : termOffset+frameLength]
	if err := pub.Transport.Send(pub.Destination, datagram); err != nil {
		nlog.Warnf("driver: retransmit session %d term %d offset %d: %v", pub.SessionID, termID, termOffset, err)
		return false
	}
	pub.ClearRetransmit(termID, termOffset)
	return true
}

func findImage(images []*network.Image, sessionID, streamID int32) *network.Image {
	for _, img := range images {
		if img.SessionID == sessionID && img.StreamID == streamID {
			return img
		}
	}
	return nil
}

func findPublication(pubs []*network.Publication, sessionID, streamID int32) *network.Publication {
	for _, pub := range pubs {
		if pub.SessionID == sessionID && pub.StreamID == streamID {
			return pub
		}
	}
	return nil
}
