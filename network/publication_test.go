package network_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nimbusmq/mediadriver/flowcontrol"
	"github.com/nimbusmq/mediadriver/ipc"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/network"
	"github.com/nimbusmq/mediadriver/wire"
)

type recordingTransport struct {
	sent [][]byte
	fail bool
}

func (t *recordingTransport) Send(destination string, frame []byte) error {
	if t.fail {
		return errFakeSendFailure
	}
	cp := append([]byte(nil), frame...)
	t.sent = append(t.sent, cp)
	return nil
}

var errFakeSendFailure = &fakeErr{"send failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

const hugeTimeout = int64(1) << 40

func newNetworkPublication(transport network.Transport) *network.Publication {
	lb, err := logbuffer.Create("", 64*1024, 4096, 4096, 0, 1408, true)
	Expect(err).NotTo(HaveOccurred())
	base := ipc.New(1, 7, 9, 0, 64*1024, 1408, 32*1024, true, lb)
	fc := flowcontrol.NewMin()
	return network.NewPublication(base, "239.1.1.1:40123", transport, fc, 4, 16, hugeTimeout, hugeTimeout)
}

var _ = Describe("NetworkPublication", func() {
	var (
		transport *recordingTransport
		pub       *network.Publication
	)

	BeforeEach(func() {
		transport = &recordingTransport{}
		pub = newNetworkPublication(transport)
	})

	Describe("send loop", func() {
		It("sends committed frames between senderPosition and the limit", func() {
			termID, termOffset, result, err := pub.LogBuffer.Claim(16, 1<<20)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(logbuffer.ClaimSucceeded))
			pub.LogBuffer.Commit(termID, termOffset, 16)

			pub.OnTimeEvent(0, hugeTimeout, hugeTimeout, hugeTimeout, hugeTimeout, hugeTimeout)
			pub.OnStatusMessage(wire.StatusMessage{ReceiverID: 1, ReceiverWindow: 1 << 20}, 0)

			sent, backPressured := pub.SendTick(0)
			Expect(backPressured).To(BeFalse())
			Expect(sent).To(Equal(1))
			Expect(transport.sent).To(HaveLen(1))
		})

		It("stops at an uncommitted frame and reports back-pressure", func() {
			_, _, _, err := pub.LogBuffer.Claim(16, 1<<20) // claimed but never committed
			Expect(err).NotTo(HaveOccurred())

			pub.OnTimeEvent(0, hugeTimeout, hugeTimeout, hugeTimeout, hugeTimeout, hugeTimeout)
			pub.OnStatusMessage(wire.StatusMessage{ReceiverID: 1, ReceiverWindow: 1 << 20}, 0)

			sent, backPressured := pub.SendTick(0)
			Expect(sent).To(Equal(0))
			Expect(backPressured).To(BeTrue())
		})
	})

	Describe("SETUP cadence", func() {
		It("sends SETUP while receivers are unseen", func() {
			Expect(pub.MaybeSendSetup(0, false)).To(Succeed())
			Expect(transport.sent).To(HaveLen(1))
		})

		It("stops sending SETUP once a status message has been seen", func() {
			pub.OnStatusMessage(wire.StatusMessage{ReceiverID: 1, ReceiverWindow: 1024}, 0)
			Expect(pub.MaybeSendSetup(0, false)).To(Succeed())
			Expect(transport.sent).To(BeEmpty())
		})
	})

	Describe("retransmit dedup", func() {
		It("suppresses an overlapping in-flight NAK for the same range", func() {
			termID, termOffset, _, err := pub.LogBuffer.Claim(16, 1<<20)
			Expect(err).NotTo(HaveOccurred())
			pub.LogBuffer.Commit(termID, termOffset, 16)

			nak := wire.NAK{TermID: termID, TermOffset: termOffset, Length: 16}
			Expect(pub.OnNAK(nak)).To(BeTrue())
			Expect(pub.OnNAK(nak)).To(BeFalse())

			pub.ClearRetransmit(termID, termOffset)
			Expect(pub.OnNAK(nak)).To(BeTrue())
		})

		It("refuses to retransmit an uncommitted range", func() {
			nak := wire.NAK{TermID: 0, TermOffset: 0, Length: 16}
			Expect(pub.OnNAK(nak)).To(BeFalse())
		})
	})
})
