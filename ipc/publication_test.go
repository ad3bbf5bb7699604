package ipc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nimbusmq/mediadriver/ipc"
	"github.com/nimbusmq/mediadriver/logbuffer"
)

func newPublication() *ipc.Publication {
	lb, err := logbuffer.Create("", 64*1024, 4096, 4096, 0, 1408, false)
	Expect(err).NotTo(HaveOccurred())
	return ipc.New(1, 10, 20, 0, 64*1024, 1408, 32*1024, false, lb)
}

var _ = Describe("Publication", func() {
	var pub *ipc.Publication

	BeforeEach(func() {
		pub = newPublication()
	})

	Describe("lifecycle", func() {
		It("starts ACTIVE with refCount 1", func() {
			Expect(pub.State()).To(Equal(ipc.Active))
			Expect(pub.RefCount()).To(BeEquivalentTo(1))
		})

		It("transitions to DRAINING when the last reference is released", func() {
			pub.DecRef()
			Expect(pub.State()).To(Equal(ipc.Draining))
		})

		It("transitions DRAINING -> LINGER once the publisher has caught up", func() {
			pub.DecRef()
			pub.OnTimeEvent(0, 1e9, 1e9, 1e9, 1e9, 1e9)
			Expect(pub.State()).To(Equal(ipc.Linger))
		})

		It("transitions LINGER -> DONE after the linger timeout with refCount 0", func() {
			pub.DecRef()
			pub.OnTimeEvent(0, 1e9, 100, 1e9, 1e9, 1e9)
			Expect(pub.State()).To(Equal(ipc.Linger))

			pub.OnTimeEvent(200, 1e9, 100, 1e9, 1e9, 1e9)
			Expect(pub.State()).To(Equal(ipc.Done))
			Expect(pub.ReachedEndOfLife()).To(BeTrue())
		})

		It("revocation jumps straight from ACTIVE to LINGER", func() {
			pub.Revoke()
			pub.OnTimeEvent(0, 1e9, 100, 1e9, 1e9, 1e9)
			Expect(pub.State()).To(Equal(ipc.Linger))
		})
	})

	Describe("trip-limit hysteresis", func() {
		It("does not republish the limit again until the proposed limit clears the new tripLimit", func() {
			pub.Subscribers.AddSubscriber(1, 0, true, false)

			pub.UpdatePublisherPositionAndLimit()
			settledLimit := pub.PublisherLimit()

			// Same subscriber position: the proposed limit is unchanged
			// and must not clear the advanced tripLimit, so a second
			// pass is a no-op.
			pub.UpdatePublisherPositionAndLimit()
			Expect(pub.PublisherLimit()).To(Equal(settledLimit))
		})

		It("advances the limit once minPosition + termWindowLength clears tripLimit", func() {
			s := pub.Subscribers.AddSubscriber(1, 0, true, false)
			pub.UpdatePublisherPositionAndLimit()

			s.SetPosition(40 * 1024)
			pub.UpdatePublisherPositionAndLimit()
			Expect(pub.PublisherLimit()).To(BeEquivalentTo(40*1024 + 32*1024))
		})
	})

	Describe("cooldown", func() {
		It("refuses new subscribers until the liveness timeout elapses", func() {
			err := pub.Reject(0, 0, 0, 1000)
			Expect(err).To(HaveOccurred())
			Expect(pub.InCooldown(500)).To(BeTrue())
			Expect(pub.InCooldown(1500)).To(BeFalse())
		})
	})
})
