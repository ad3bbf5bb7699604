package network_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/network"
)

func newImage() *network.Image {
	lb, err := logbuffer.Create("", 64*1024, 4096, 4096, 0, 1408, true)
	Expect(err).NotTo(HaveOccurred())
	backoff := network.ExponentialBackoff{InitialNs: 1000, MaxNs: 8000}
	return network.NewImage(1, 7, 9, 0, lb, 32*1024, backoff)
}

var _ = Describe("PublicationImage", func() {
	var img *network.Image

	BeforeEach(func() {
		img = newImage()
	})

	Describe("InsertPacket", func() {
		It("rejects packets far outside the receive window", func() {
			accepted := img.InsertPacket(0, 0, 0, make([]byte, logbuffer.HeaderLength+16), 100*1024)
			Expect(accepted).To(BeFalse())
		})

		It("accepts an in-window packet and advances the high water mark", func() {
			payload := make([]byte, logbuffer.HeaderLength+16)
			accepted := img.InsertPacket(0, 0, 0, payload, 0)
			Expect(accepted).To(BeTrue())
			Expect(img.HighWaterMark()).To(BeEquivalentTo(len(payload)))
		})

		It("accepts a zero-payload heartbeat frame", func() {
			payload := make([]byte, logbuffer.HeaderLength)
			accepted := img.InsertPacket(0, 0, 0, payload, 0)
			Expect(accepted).To(BeTrue())
		})

		It("revives an end-of-life image on fresh traffic", func() {
			img.OnTimeEvent(0, 10)
			img.OnTimeEvent(1000, 10)
			Expect(img.State()).To(Equal(network.ImageEndOfLife))

			payload := make([]byte, logbuffer.HeaderLength+16)
			img.InsertPacket(1000, 0, 0, payload, 0)
			Expect(img.State()).To(Equal(network.ImageActive))
		})
	})

	Describe("OnStatusMessageTick", func() {
		It("does not resend before the deadline or trip gain is cleared", func() {
			_, shouldSend := img.OnStatusMessageTick(0, 1, 1024)
			Expect(shouldSend).To(BeTrue()) // first tick always fires: the status-message deadline starts at zero

			_, shouldSend = img.OnStatusMessageTick(1, 1, 1024)
			Expect(shouldSend).To(BeFalse())
		})

		It("fires again once HighWaterMark clears the trip gain", func() {
			img.OnStatusMessageTick(0, 1, 1024)

			payload := make([]byte, logbuffer.HeaderLength+int(32*1024/8)+16)
			img.InsertPacket(0, 0, 0, payload, 0)

			_, shouldSend := img.OnStatusMessageTick(1, 1, 1024)
			Expect(shouldSend).To(BeTrue())
		})
	})

	Describe("loss tracking", func() {
		It("schedules a NAK once a gap is detected and escalates the backoff on repeat", func() {
			img.OnGapDetected(0, 0, 64, 16)
			termID, termOffset, length, ok := img.LossSnapshot()
			Expect(ok).To(BeTrue())
			Expect(termID).To(BeEquivalentTo(0))
			Expect(termOffset).To(BeEquivalentTo(64))
			Expect(length).To(BeEquivalentTo(16))

			_, ok = img.MaybeSendNAK(500)
			Expect(ok).To(BeFalse()) // before the initial 1000ns delay

			n, ok := img.MaybeSendNAK(1000)
			Expect(ok).To(BeTrue())
			Expect(n.TermOffset).To(BeEquivalentTo(64))
			Expect(img.RcvNaksSent()).To(BeEquivalentTo(1))

			_, ok = img.MaybeSendNAK(1500)
			Expect(ok).To(BeFalse()) // backoff doubled to 2000ns

			_, ok = img.MaybeSendNAK(3000)
			Expect(ok).To(BeTrue())
			Expect(img.RcvNaksSent()).To(BeEquivalentTo(2))
		})

		It("ignores a report that does not extend the tracked gap", func() {
			img.OnGapDetected(0, 0, 64, 32)
			img.OnGapDetected(0, 0, 32, 16)
			_, termOffset, length, _ := img.LossSnapshot()
			Expect(termOffset).To(BeEquivalentTo(64))
			Expect(length).To(BeEquivalentTo(32))
		})

		It("clears the tracked gap once resolved", func() {
			img.OnGapDetected(0, 0, 64, 16)
			img.ResolveLoss()
			_, _, _, ok := img.LossSnapshot()
			Expect(ok).To(BeFalse())

			_, ok = img.MaybeSendNAK(100000)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("OnTimeEvent", func() {
		It("moves ACTIVE to END_OF_LIFE after the liveness timeout", func() {
			img.OnTimeEvent(0, 1000)
			Expect(img.State()).To(Equal(network.ImageActive))

			img.OnTimeEvent(1000, 1000)
			Expect(img.State()).To(Equal(network.ImageEndOfLife))
		})

		It("exits cooldown back to ACTIVE once the reject window elapses", func() {
			img.Reject(0, 1000)
			Expect(img.State()).To(Equal(network.ImageCooldown))

			img.OnTimeEvent(500, 1000)
			Expect(img.State()).To(Equal(network.ImageCooldown))

			img.OnTimeEvent(1000, 1000)
			Expect(img.State()).To(Equal(network.ImageActive))
		})
	})
})
