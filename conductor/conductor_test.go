package conductor_test

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nimbusmq/mediadriver/aerr"
	"github.com/nimbusmq/mediadriver/conductor"
	"github.com/nimbusmq/mediadriver/config"
	"github.com/nimbusmq/mediadriver/counters"
	"github.com/nimbusmq/mediadriver/flowcontrol"
	"github.com/nimbusmq/mediadriver/wire"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []conductor.Event
}

func (d *recordingDispatcher) Dispatch(ev conductor.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) last() conductor.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return conductor.Event{}
	}
	return d.events[len(d.events)-1]
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type recordingFeedback struct {
	mu   sync.Mutex
	naks int
	sms  int
}

func (f *recordingFeedback) SendNAK(destination string, n wire.NAK) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.naks++
	return nil
}

func (f *recordingFeedback) SendStatusMessage(destination string, sm wire.StatusMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sms++
	return nil
}

type nullTransport struct{}

func (nullTransport) Send(destination string, frame []byte) error { return nil }

func newTestConductor() (*conductor.Conductor, *recordingDispatcher, *recordingFeedback) {
	dir, err := os.MkdirTemp("", "mdriver-conductor-test")
	Expect(err).NotTo(HaveOccurred())
	Expect(os.MkdirAll(dir+"/publications", 0o755)).To(Succeed())
	Expect(os.MkdirAll(dir+"/images", 0o755)).To(Succeed())

	cfg := config.Default()
	cfg.DriverDir = dir
	cfg.TermBufferLength = 64 * 1024
	cfg.ClientLivenessTimeoutNs = 1000
	cfg.ConductorServiceTimeoutNs = 1000

	table, err := counters.New(64)
	Expect(err).NotTo(HaveOccurred())

	dispatcher := &recordingDispatcher{}
	feedback := &recordingFeedback{}

	c, err := conductor.New(cfg, table, flowcontrol.NewRegistry(), dispatcher, feedback, nullTransport{}, 16)
	Expect(err).NotTo(HaveOccurred())
	return c, dispatcher, feedback
}

// runTicking pumps DoWork on c in the background, reading nowNs from
// clock on every pass, while fn runs. This stands in for the driver
// package's agent loop: Request* calls block on a queued command's result
// channel, which only a concurrent DoWork pass ever drains.
func runTicking(c *conductor.Conductor, clock *int64, fn func()) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.DoWork(atomic.LoadInt64(clock))
				time.Sleep(time.Millisecond)
			}
		}
	}()
	fn()
	close(stop)
	wg.Wait()
}

var _ = Describe("Conductor", func() {
	var (
		c          *conductor.Conductor
		dispatcher *recordingDispatcher
	)

	BeforeEach(func() {
		c, dispatcher, _ = newTestConductor()
	})

	Describe("RequestAddPublication", func() {
		It("creates an IPC publication and dispatches PUBLICATION_READY", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				regID, err := c.RequestAddPublication(1, "aeron:ipc", 9, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(regID).To(BeNumerically(">", 0))
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventPublicationReady))
			})
		})

		It("creates a network publication for a udp channel", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				regID, err := c.RequestAddPublication(1, "aeron:udp?endpoint=239.1.1.1:40123", 9, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(regID).To(BeNumerically(">", 0))
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventPublicationReady))
			})
		})

		It("dispatches EXCLUSIVE_PUBLICATION_READY for an exclusive request", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				_, err := c.RequestAddPublication(1, "aeron:ipc", 9, true)
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventExclusivePublicationReady))
			})
		})

		It("increments the ref count instead of allocating twice for the same tuple", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				regID1, err := c.RequestAddPublication(1, "aeron:ipc", 9, false)
				Expect(err).NotTo(HaveOccurred())
				regID2, err := c.RequestAddPublication(2, "aeron:ipc", 9, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(regID2).To(Equal(regID1))
			})
		})

		It("rejects a malformed channel", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				_, err := c.RequestAddPublication(1, "not-a-channel", 9, false)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("RequestAddSubscription", func() {
		It("creates an image entry and dispatches SUBSCRIPTION_READY", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				corrID, err := c.RequestAddSubscription(1, "aeron:udp?endpoint=239.1.1.1:40124", 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(corrID).To(BeNumerically(">", 0))
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventSubscriptionReady))
			})
		})
	})

	Describe("counters", func() {
		It("allocates a counter and dispatches COUNTER_READY", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				id, err := c.RequestAddCounter(1, 42, []byte("k"), "label")
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(BeNumerically(">=", 0))
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventCounterReady))
			})
		})

		It("is idempotent for a repeated static counter request", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				id1, err := c.RequestAddStaticCounter(1, 7, []byte("static-key"), "label", 100)
				Expect(err).NotTo(HaveOccurred())
				Eventually(func() int { return dispatcher.count() }).Should(BeNumerically(">", 0))
				countAfterFirst := dispatcher.count()

				id2, err := c.RequestAddStaticCounter(1, 7, []byte("static-key"), "label", 100)
				Expect(err).NotTo(HaveOccurred())
				Expect(id2).To(Equal(id1))
				Consistently(func() int { return dispatcher.count() }, "20ms", "5ms").Should(Equal(countAfterFirst))
			})
		})
	})

	Describe("command queue back-pressure", func() {
		It("returns RESOURCE_TEMPORARILY_UNAVAILABLE once the queue is full", func() {
			dir, err := os.MkdirTemp("", "mdriver-conductor-queue-test")
			Expect(err).NotTo(HaveOccurred())
			Expect(os.MkdirAll(dir+"/publications", 0o755)).To(Succeed())

			cfg := config.Default()
			cfg.DriverDir = dir
			table, err := counters.New(8)
			Expect(err).NotTo(HaveOccurred())

			tiny, err := conductor.New(cfg, table, flowcontrol.NewRegistry(), &recordingDispatcher{}, &recordingFeedback{}, nullTransport{}, 1)
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			results := make([]error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := tiny.RequestAddCounter(1, int32(i), []byte{byte(i)}, "c")
					results[i] = err
				}(i)
			}
			time.Sleep(20 * time.Millisecond) // let goroutines race to fill the one-slot queue
			tiny.DoWork(0)                    // drain the single queued command so its goroutine unblocks
			wg.Wait()

			sawBackPressure := false
			for _, err := range results {
				if de, ok := err.(*aerr.DriverError); ok && de.Code == aerr.ResourceTemporarilyUnavailable {
					sawBackPressure = true
				}
			}
			Expect(sawBackPressure).To(BeTrue())
		})
	})

	Describe("RejectImage", func() {
		It("returns IMAGE_REJECTED for a known image", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				corrID, err := c.RequestAddSubscription(1, "aeron:udp?endpoint=239.1.1.1:40125", 11)
				Expect(err).NotTo(HaveOccurred())

				err = c.RejectImage(corrID, aerr.GenericError)
				Expect(err).To(HaveOccurred())
				de, ok := err.(*aerr.DriverError)
				Expect(ok).To(BeTrue())
				Expect(de.Code).To(Equal(aerr.ImageRejected))
			})
		})

		It("fails for an unknown correlation id", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				err := c.RejectImage(999999, aerr.GenericError)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("client reaping", func() {
		It("frees owned counters and emits CLIENT_TIMEOUT once the liveness timeout elapses", func() {
			clock := int64(0)
			runTicking(c, &clock, func() {
				id, err := c.RequestAddCounter(1, 1, []byte("k"), "label")
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(BeNumerically(">=", 0))
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventCounterReady))

				atomic.StoreInt64(&clock, 5000) // past ClientLivenessTimeoutNs=1000
				Eventually(func() conductor.EventKind { return dispatcher.last().Kind }).Should(Equal(conductor.EventClientTimeout))
			})
		})
	})

	Describe("DoWork service interval", func() {
		It("surfaces CONDUCTOR_SERVICE_TIMEOUT once the gap between passes is too large", func() {
			c.DoWork(1)
			c.DoWork(2001) // gap 2000ns > ConductorServiceTimeoutNs=1000
			Expect(dispatcher.last().Kind).To(Equal(conductor.EventError))
			Expect(dispatcher.last().Code).To(Equal(aerr.ConductorServiceTimeout))
		})

		It("does not surface a timeout for a normal-cadence pass", func() {
			c.DoWork(0)
			c.DoWork(1)
			Expect(dispatcher.count()).To(Equal(0))
		})
	})
})
