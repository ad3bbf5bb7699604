// Package conductor implements C9 DriverConductor: the single
// cooperative event loop of spec.md §4.9/§5 that is the sole mutator of
// publication, image, and counter state. Every other thread role
// (sender, receiver) only reads or release-writes the narrow fields
// §5 grants them; all lifecycle transitions happen here, reached only
// through the command queue or a Request* call.
package conductor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/teris-io/shortid"

	"github.com/nimbusmq/mediadriver/aerr"
	"github.com/nimbusmq/mediadriver/config"
	"github.com/nimbusmq/mediadriver/counters"
	"github.com/nimbusmq/mediadriver/flowcontrol"
	"github.com/nimbusmq/mediadriver/internal/nlog"
	"github.com/nimbusmq/mediadriver/ipc"
	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/network"
	"github.com/nimbusmq/mediadriver/stats"
	"github.com/nimbusmq/mediadriver/uri"
	"github.com/nimbusmq/mediadriver/wire"
)

// FeedbackTransport is the small seam this package calls to actually
// put a NAK or status message on the wire; real socket code lives
// outside this module's scope, the same pattern as network.Transport.
type FeedbackTransport interface {
	SendNAK(destination string, n wire.NAK) error
	SendStatusMessage(destination string, sm wire.StatusMessage) error
}

// CommandKind tags a queued client request.
type CommandKind int

const (
	CmdAddPublication CommandKind = iota
	CmdRemovePublication
	CmdAddSubscription
	CmdRemoveSubscription
	CmdAddCounter
	CmdRemoveCounter
	CmdAddStaticCounter
	CmdClientKeepalive
	CmdClientClose
	CmdRejectImage
	CmdTerminateDriver
)

type commandResult struct {
	id  int64
	err error
}

// Command is one queued client request. Only the fields relevant to
// Kind are read; unused fields are the zero value.
type Command struct {
	Kind          CommandKind
	ClientID      int64
	CorrelationID int64

	Channel   string
	StreamID  int32
	Exclusive bool

	RegistrationID int64
	CorrelationRef int64 // image correlationId, for RejectImage/RemoveSubscription

	TypeID int32
	Key    []byte
	Label  string

	Reason aerr.Code

	resultCh chan commandResult
}

type clientState struct {
	id                int64
	lastKeepaliveNs   int64
	ownedRegistrations map[int64]bool
	ownedImages        map[int64]bool
}

// Conductor is the C9 DriverConductor.
type Conductor struct {
	cfg        *config.Config
	dispatcher Dispatcher
	feedback   FeedbackTransport

	cmdCh chan Command

	registry    *registry
	counters    *counters.Table
	flowControl *flowcontrol.Registry
	transport   network.Transport

	mu      sync.Mutex // guards clients only; doWork is otherwise single-threaded
	clients map[int64]*clientState

	regIDGen int64
	corrIDGen int64
	sessionIDGen int32

	sid *shortid.Shortid

	addPubGroup singleflight.Group
	asyncExec   *errgroup.Group

	lastServiceNs int64
	lastRecycleNs int64

	errorsCounter                *counters.Slot
	unblockedPublicationsCounter *counters.Slot
	retransmitsSentCounter       *counters.Slot
	stats                        *stats.Registry

	pubSnapshot atomic.Pointer[[]*network.Publication]
	imgSnapshot atomic.Pointer[[]*network.Image]
}

// SetStats attaches a prometheus-backed stats.Registry. Optional: a
// Conductor with none attached simply skips the increments.
func (c *Conductor) SetStats(s *stats.Registry) {
	c.stats = s
}

// New builds a Conductor. commandQueueLength bounds how many queued
// Request* calls may be outstanding before back-pressure kicks in, per
// §7's RESOURCE_TEMPORARILY_UNAVAILABLE policy on the command path.
func New(cfg *config.Config, table *counters.Table, fc *flowcontrol.Registry, dispatcher Dispatcher, feedback FeedbackTransport, transport network.Transport, commandQueueLength int) (*Conductor, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		return nil, err
	}
	eg := &errgroup.Group{}
	eg.SetLimit(cfg.AsyncTaskExecutorThreads)

	errID, err := table.Allocate(0 /* ERRORS system counter typeId */, []byte("errors"), "ERRORS", -1, counters.NoOwner)
	if err != nil {
		return nil, err
	}
	unblockedID, err := table.Allocate(1 /* UNBLOCKED_PUBLICATIONS system counter typeId */, []byte("unblockedPublications"), "unblockedPublications", -1, counters.NoOwner)
	if err != nil {
		return nil, err
	}
	retransmitsID, err := table.Allocate(2 /* RETRANSMITS_SENT system counter typeId */, []byte("retransmitsSent"), "retransmitsSent", -1, counters.NoOwner)
	if err != nil {
		return nil, err
	}

	return &Conductor{
		cfg:                          cfg,
		dispatcher:                   dispatcher,
		feedback:                     feedback,
		cmdCh:                        make(chan Command, commandQueueLength),
		registry:                     newRegistry(),
		counters:                     table,
		flowControl:                  fc,
		transport:                    transport,
		clients:                      make(map[int64]*clientState),
		sid:                          sid,
		asyncExec:                    eg,
		errorsCounter:                table.Get(errID),
		unblockedPublicationsCounter: table.Get(unblockedID),
		retransmitsSentCounter:       table.Get(retransmitsID),
	}, nil
}

func (c *Conductor) recordError() {
	if c.errorsCounter != nil {
		c.errorsCounter.Add(1)
	}
	if c.stats != nil {
		c.stats.Errors.Inc()
	}
}

// recordUnblocked implements spec.md §8 S3's unblockedPublications
// system counter, incremented once per blocked-publisher recovery.
func (c *Conductor) recordUnblocked(n int64) {
	if c.unblockedPublicationsCounter != nil {
		c.unblockedPublicationsCounter.Add(n)
	}
	if c.stats != nil {
		c.stats.UnblockedPublications.Add(float64(n))
	}
}

// RecordRetransmitSent implements spec.md §8 S5's retransmitsSent
// system counter, incremented once per NAK-triggered datagram actually
// transmitted. Called from the driver's receiver loop, which owns the
// socket send and so is the only place that knows a retransmit really
// went out.
func (c *Conductor) RecordRetransmitSent() {
	if c.retransmitsSentCounter != nil {
		c.retransmitsSentCounter.Add(1)
	}
	if c.stats != nil {
		c.stats.RetransmitsSent.Inc()
	}
}

// SubmitAsync runs fn on the bounded async executor rather than the
// serial doWork path, for work the conductor wants done without
// stalling the next tick (e.g. directory cleanup, dump compression).
func (c *Conductor) SubmitAsync(fn func() error) {
	c.asyncExec.Go(fn)
}

// WaitAsync blocks until every SubmitAsync task so far has completed,
// returning the first error, if any.
func (c *Conductor) WaitAsync() error {
	return c.asyncExec.Wait()
}

func (c *Conductor) nextRegistrationID() int64 {
	c.regIDGen++
	return c.regIDGen
}

func (c *Conductor) nextCorrelationID() int64 {
	c.corrIDGen++
	return c.corrIDGen
}

func (c *Conductor) nextSessionID() int32 {
	c.sessionIDGen++
	return c.sessionIDGen
}

func (c *Conductor) touchClient(clientID int64, nowNs int64) *clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[clientID]
	if !ok {
		cl = &clientState{id: clientID, ownedRegistrations: make(map[int64]bool), ownedImages: make(map[int64]bool)}
		c.clients[clientID] = cl
	}
	cl.lastKeepaliveNs = nowNs
	return cl
}

// enqueue pushes cmd onto the command queue without blocking; a full
// queue is RESOURCE_TEMPORARILY_UNAVAILABLE back-pressure per §7.
func (c *Conductor) enqueue(cmd Command) (int64, error) {
	cmd.resultCh = make(chan commandResult, 1)
	select {
	case c.cmdCh <- cmd:
	default:
		return 0, aerr.New(aerr.ResourceTemporarilyUnavailable, "conductor: command queue full")
	}
	res := <-cmd.resultCh
	return res.id, res.err
}

// RequestAddPublication implements ADD_PUBLICATION. Concurrent
// requests for the same (channel, streamId, exclusive) tuple are
// collapsed by singleflight into one queued command so a burst of
// identical client requests allocates at most one publication.
func (c *Conductor) RequestAddPublication(clientID int64, channel string, streamID int32, exclusive bool) (int64, error) {
	key := fmt.Sprintf("%s|%d|%v", channel, streamID, exclusive)
	v, err, _ := c.addPubGroup.Do(key, func() (interface{}, error) {
		return c.enqueueAndUnwrap(Command{
			Kind: CmdAddPublication, ClientID: clientID, Channel: channel, StreamID: streamID, Exclusive: exclusive,
		})
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Conductor) enqueueAndUnwrap(cmd Command) (interface{}, error) {
	id, err := c.enqueue(cmd)
	return id, err
}

func (c *Conductor) RequestRemovePublication(registrationID int64) error {
	_, err := c.enqueue(Command{Kind: CmdRemovePublication, RegistrationID: registrationID})
	return err
}

func (c *Conductor) RequestAddSubscription(clientID int64, channel string, streamID int32) (int64, error) {
	return c.enqueue(Command{Kind: CmdAddSubscription, ClientID: clientID, Channel: channel, StreamID: streamID})
}

func (c *Conductor) RequestRemoveSubscription(correlationID int64) error {
	_, err := c.enqueue(Command{Kind: CmdRemoveSubscription, CorrelationRef: correlationID})
	return err
}

func (c *Conductor) RequestAddCounter(clientID int64, typeID int32, key []byte, label string) (int64, error) {
	return c.enqueue(Command{Kind: CmdAddCounter, ClientID: clientID, TypeID: typeID, Key: key, Label: label})
}

func (c *Conductor) RequestAddStaticCounter(clientID int64, typeID int32, key []byte, label string, registrationID int64) (int64, error) {
	return c.enqueue(Command{Kind: CmdAddStaticCounter, ClientID: clientID, TypeID: typeID, Key: key, Label: label, RegistrationID: registrationID})
}

func (c *Conductor) RequestRemoveCounter(counterID int64) error {
	_, err := c.enqueue(Command{Kind: CmdRemoveCounter, RegistrationID: counterID})
	return err
}

func (c *Conductor) Keepalive(clientID int64) error {
	_, err := c.enqueue(Command{Kind: CmdClientKeepalive, ClientID: clientID})
	return err
}

func (c *Conductor) ClientClose(clientID int64) error {
	_, err := c.enqueue(Command{Kind: CmdClientClose, ClientID: clientID})
	return err
}

func (c *Conductor) RejectImage(correlationID int64, reason aerr.Code) error {
	_, err := c.enqueue(Command{Kind: CmdRejectImage, CorrelationRef: correlationID, Reason: reason})
	return err
}

func (c *Conductor) Terminate() error {
	_, err := c.enqueue(Command{Kind: CmdTerminateDriver})
	return err
}

// DoWork runs one §4.9 doWork pass: drain commands, tick every
// publication and image, age out dead clients, then check the service
// interval. nowNs is the conductor's single CachedNanoClock read for
// this pass.
func (c *Conductor) DoWork(nowNs int64) {
	c.drainCommands(nowNs)
	c.tickPublications(nowNs)
	c.tickImages(nowNs)
	c.reapClients(nowNs)
	c.recycleCounters(nowNs)
	c.refreshSnapshots()
	c.checkServiceInterval(nowNs)
}

// recycleCounters implements the rest of §4.3's free(): once every
// CounterRecycleGraceNs it completes RECLAIMED -> UNUSED for every slot
// still in RECLAIMED, so a long-running driver's fixed-capacity counter
// table doesn't monotonically fill with slots whose owning client or
// publication is long gone.
func (c *Conductor) recycleCounters(nowNs int64) {
	if nowNs-c.lastRecycleNs < c.cfg.CounterRecycleGraceNs {
		return
	}
	c.lastRecycleNs = nowNs
	c.counters.Recycle()
}

// NetworkPublications returns the current set of network publications,
// a lock-free snapshot the sender agent loop polls each cycle per §5's
// threading model (sender reads publication state, never mutates the
// registry).
func (c *Conductor) NetworkPublications() []*network.Publication {
	if p := c.pubSnapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Images returns the current set of receive-side images, the same
// lock-free snapshot pattern as NetworkPublications for the receiver
// agent loop.
func (c *Conductor) Images() []*network.Image {
	if p := c.imgSnapshot.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Conductor) refreshSnapshots() {
	pubEntries := c.registry.allPublications()
	pubs := make([]*network.Publication, 0, len(pubEntries))
	for _, e := range pubEntries {
		if e.netPub != nil {
			pubs = append(pubs, e.netPub)
		}
	}
	c.pubSnapshot.Store(&pubs)

	imgEntries := c.registry.allImages()
	imgs := make([]*network.Image, 0, len(imgEntries))
	for _, e := range imgEntries {
		imgs = append(imgs, e.img)
	}
	c.imgSnapshot.Store(&imgs)
}

func (c *Conductor) drainCommands(nowNs int64) {
	for {
		select {
		case cmd := <-c.cmdCh:
			c.apply(cmd, nowNs)
		default:
			return
		}
	}
}

func (c *Conductor) apply(cmd Command, nowNs int64) {
	var res commandResult
	switch cmd.Kind {
	case CmdAddPublication:
		res.id, res.err = c.handleAddPublication(cmd, nowNs)
	case CmdRemovePublication:
		res.err = c.handleRemovePublication(cmd)
	case CmdAddSubscription:
		res.id, res.err = c.handleAddSubscription(cmd, nowNs)
	case CmdRemoveSubscription:
		res.err = c.handleRemoveSubscription(cmd)
	case CmdAddCounter:
		res.id, res.err = c.handleAddCounter(cmd)
	case CmdAddStaticCounter:
		res.id, res.err = c.handleAddStaticCounter(cmd)
	case CmdRemoveCounter:
		res.err = c.handleRemoveCounter(cmd)
	case CmdClientKeepalive:
		c.touchClient(cmd.ClientID, nowNs)
	case CmdClientClose:
		res.err = c.handleClientClose(cmd, nowNs)
	case CmdRejectImage:
		res.err = c.handleRejectImage(cmd, nowNs)
	case CmdTerminateDriver:
		nlog.Infof("conductor: TERMINATE_DRIVER received")
	}
	if cmd.resultCh != nil {
		cmd.resultCh <- res
	}
}

// handleAddPublication parses the channel URI, allocates a
// memory-mapped log buffer and builds either an ipc.Publication or a
// network.Publication, per whether the URI names the "ipc" or "udp"
// media.
func (c *Conductor) handleAddPublication(cmd Command, nowNs int64) (int64, error) {
	cu, err := uri.Parse(cmd.Channel)
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.InvalidChannel, err, "conductor: bad channel URI")
	}

	if existing := c.registry.findPublication(sessionIDOf(cu), cmd.StreamID, cmd.Channel); existing != nil && !cmd.Exclusive {
		existing.base.IncRef()
		return existing.registrationID, nil
	}

	sessionID := sessionIDOf(cu)
	if sessionID == 0 {
		sessionID = c.nextSessionID()
	}
	termLength := c.cfg.TermBufferLength
	if cu.TermLength != 0 {
		termLength = cu.TermLength
	}
	mtu := c.cfg.MtuLength
	if cu.Mtu != 0 {
		mtu = cu.Mtu
	}
	initialTermID := int32(0)
	if cu.InitTermID != nil {
		initialTermID = *cu.InitTermID
	}

	path := fmt.Sprintf("%s/publications/%s-%d-%d-%d.logbuffer", c.cfg.DriverDir, cu.Media, sessionID, cmd.StreamID, termLength)
	lb, err := logbuffer.Create(path, termLength, 4096, c.cfg.FilePageSize, initialTermID, mtu, cmd.Exclusive)
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.GenericError, err, "conductor: create log buffer")
	}

	regID := c.nextRegistrationID()
	base := ipc.New(regID, sessionID, cmd.StreamID, initialTermID, termLength, mtu, c.cfg.InitialWindowLength, cmd.Exclusive, lb)

	lingerNs := c.cfg.LingerTimeoutNs
	if cu.Linger > 0 {
		lingerNs = cu.Linger.Nanoseconds()
	}

	// A non-exclusive publication is registered under the session id the
	// channel requested (0 when it names none), the key the lookup above
	// uses, so a later request for the same channel and stream shares it.
	keySessionID := sessionID
	if !cmd.Exclusive {
		keySessionID = sessionIDOf(cu)
	}
	entry := &pubEntry{
		sessionID: keySessionID, streamID: cmd.StreamID, channel: cmd.Channel,
		registrationID: regID, clientID: cmd.ClientID, base: base,
		alias: c.generateAlias(), lingerNs: lingerNs,
	}

	kind := flowControlKindOf(cu)
	groupTag := int64(0)
	if cu.GroupTag != nil {
		groupTag = *cu.GroupTag
	}

	if cu.Media == uri.MediaUDP {
		fc := c.flowControl.Resolve(cmd.Channel, kind, groupTag)
		net := network.NewPublication(base, cu.Endpoint, c.transport, fc, c.cfg.MaxMessagesPerSend, c.cfg.MaxRetransmits,
			c.cfg.StatusMessageTimeoutNs, c.cfg.StatusMessageTimeoutNs)
		net.SpiesSimulateConnection = c.cfg.SpiesSimulateConnection || cu.SSC
		entry.netPub = net
	}

	c.registry.addPublication(entry)
	cl := c.touchClient(cmd.ClientID, nowNs)
	cl.ownedRegistrations[regID] = true

	kind2 := EventPublicationReady
	if cmd.Exclusive {
		kind2 = EventExclusivePublicationReady
	}
	c.dispatcher.Dispatch(Event{Kind: kind2, ClientID: cmd.ClientID, RegistrationID: regID, SessionID: sessionID, StreamID: cmd.StreamID, Channel: cmd.Channel})
	if c.stats != nil {
		c.stats.PublicationsReady.Inc()
	}
	nlog.Infof("conductor: publication %s (%d) ready on %s:%d", entry.alias, regID, cu.Media, cmd.StreamID)
	return regID, nil
}

func (c *Conductor) handleRemovePublication(cmd Command) error {
	e := c.registry.publicationByRegistration(cmd.RegistrationID)
	if e == nil {
		return aerr.New(aerr.UnknownEntity, "conductor: unknown publication registration")
	}
	e.base.DecRef()
	return nil
}

// handleAddSubscription creates an image entry awaiting traffic; a
// real network image starts ACTIVE the moment the first packet (or
// SETUP) arrives, but the registry slot and correlation id are handed
// back to the client immediately so it can start listening.
func (c *Conductor) handleAddSubscription(cmd Command, nowNs int64) (int64, error) {
	cu, err := uri.Parse(cmd.Channel)
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.InvalidChannel, err, "conductor: bad channel URI")
	}

	corrID := c.nextCorrelationID()
	sessionID := sessionIDOf(cu)
	initialTermID := int32(0)
	if cu.InitTermID != nil {
		initialTermID = *cu.InitTermID
	}
	termLength := c.cfg.TermBufferLength
	if cu.TermLength != 0 {
		termLength = cu.TermLength
	}

	path := fmt.Sprintf("%s/images/%s-%d-%d-%d.logbuffer", c.cfg.DriverDir, cu.Media, sessionID, cmd.StreamID, termLength)
	lb, err := logbuffer.Create(path, termLength, 4096, c.cfg.FilePageSize, initialTermID, c.cfg.MtuLength, false)
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.GenericError, err, "conductor: create image log buffer")
	}

	backoff := network.ExponentialBackoff{InitialNs: c.cfg.NakUnicastDelayNs, MaxNs: c.cfg.NakMulticastMaxBackoffNs}
	img := network.NewImage(corrID, sessionID, cmd.StreamID, initialTermID, lb, c.cfg.InitialWindowLength, backoff)

	entry := &imgEntry{
		sessionID: sessionID, streamID: cmd.StreamID, channel: cmd.Channel,
		correlationID: corrID, clientID: cmd.ClientID, destination: cu.Endpoint,
		alias: c.generateAlias(), img: img,
	}
	c.registry.addImage(entry)
	cl := c.touchClient(cmd.ClientID, nowNs)
	cl.ownedImages[corrID] = true

	c.dispatcher.Dispatch(Event{Kind: EventSubscriptionReady, ClientID: cmd.ClientID, CorrelationID: corrID, SessionID: sessionID, StreamID: cmd.StreamID, Channel: cmd.Channel})
	if c.stats != nil {
		c.stats.SubscriptionsReady.Inc()
	}
	return corrID, nil
}

func (c *Conductor) handleRemoveSubscription(cmd Command) error {
	e := c.registry.imageByCorrelation(cmd.CorrelationRef)
	if e == nil {
		return aerr.New(aerr.UnknownEntity, "conductor: unknown image correlation")
	}
	c.registry.removeImage(e)
	return nil
}

func (c *Conductor) handleAddCounter(cmd Command) (int64, error) {
	id, err := c.counters.Allocate(cmd.TypeID, cmd.Key, cmd.Label, c.nextRegistrationID(), cmd.ClientID)
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.GenericError, err, "conductor: allocate counter")
	}
	c.dispatcher.Dispatch(Event{Kind: EventCounterReady, ClientID: cmd.ClientID, CounterID: id})
	if c.stats != nil {
		c.stats.CountersAllocated.Inc()
	}
	return int64(id), nil
}

// handleAddStaticCounter implements §4.9's static-counter idempotence
// rule / testable property 7.
func (c *Conductor) handleAddStaticCounter(cmd Command) (int64, error) {
	id, existed, conflict, err := c.counters.AllocateStatic(cmd.TypeID, cmd.Key, cmd.Label, cmd.RegistrationID)
	if conflict {
		return 0, aerr.New(aerr.GenericError, "conductor: static counter conflicts with non-static registration")
	}
	if err != nil {
		c.recordError()
		return 0, aerr.Wrap(aerr.GenericError, err, "conductor: allocate static counter")
	}
	if !existed {
		c.dispatcher.Dispatch(Event{Kind: EventCounterReady, ClientID: cmd.ClientID, CounterID: id})
		if c.stats != nil {
			c.stats.CountersAllocated.Inc()
		}
	}
	return int64(id), nil
}

func (c *Conductor) handleRemoveCounter(cmd Command) error {
	if err := c.counters.Free(int32(cmd.RegistrationID)); err != nil {
		return aerr.Wrap(aerr.UnknownEntity, err, "conductor: remove counter")
	}
	c.dispatcher.Dispatch(Event{Kind: EventUnavailableCounter, CounterID: int32(cmd.RegistrationID)})
	return nil
}

func (c *Conductor) handleClientClose(cmd Command, nowNs int64) error {
	c.reclaimClient(cmd.ClientID, nowNs, false)
	return nil
}

func (c *Conductor) handleRejectImage(cmd Command, nowNs int64) error {
	e := c.registry.imageByCorrelation(cmd.CorrelationRef)
	if e == nil {
		return aerr.New(aerr.UnknownEntity, "conductor: unknown image correlation")
	}
	e.img.Reject(nowNs, c.cfg.ImageLivenessTimeoutNs)
	return aerr.New(aerr.ImageRejected, "conductor: image rejected")
}

func sessionIDOf(cu *uri.ChannelURI) int32 {
	if cu.SessionID != nil {
		return *cu.SessionID
	}
	return 0
}

func flowControlKindOf(cu *uri.ChannelURI) flowcontrol.Kind {
	switch cu.FlowControl {
	case "max":
		return flowcontrol.KindMax
	case "tagged":
		return flowcontrol.KindTagged
	default:
		return flowcontrol.KindMin
	}
}

func (c *Conductor) generateAlias() string {
	id, err := c.sid.Generate()
	if err != nil {
		return ""
	}
	return id
}

// tickPublications implements §4.9 step 2: onTimeEvent +
// updatePublisherPositionAndLimit for every registered publication,
// reaping those that have reached end of life.
func (c *Conductor) tickPublications(nowNs int64) {
	for _, e := range c.registry.allPublications() {
		e.base.OnTimeEvent(nowNs, c.cfg.PublicationUnblockTimeoutNs, e.lingerNs,
			c.cfg.UntetheredWindowLimitTimeoutNs, c.cfg.UntetheredLingerTimeoutNs, c.cfg.UntetheredRestingTimeoutNs)
		if n := e.base.TakeUnblockCount(); n > 0 {
			c.recordUnblocked(n)
		}
		e.base.UpdatePublisherPositionAndLimit()
		if e.base.ReachedEndOfLife() {
			c.registry.removePublication(e)
			if e.base.LogBuffer != nil {
				_ = e.base.LogBuffer.Close()
			}
			nlog.Infof("conductor: publication %s (%d) reached end of life", e.alias, e.registrationID)
		}
	}
}

// tickImages implements §4.9 step 3: onTimeEvent plus NAK/SM logic for
// every registered image.
func (c *Conductor) tickImages(nowNs int64) {
	for _, e := range c.registry.allImages() {
		e.img.OnTimeEvent(nowNs, c.cfg.ImageLivenessTimeoutNs)

		if n, ok := e.img.MaybeSendNAK(nowNs); ok && c.feedback != nil {
			if err := c.feedback.SendNAK(e.destination, n); err != nil {
				nlog.Warnf("conductor: send NAK for image %d failed: %v", e.correlationID, err)
			} else if c.stats != nil {
				c.stats.NaksSent.Inc()
			}
		}
		if sm, ok := e.img.OnStatusMessageTick(nowNs, e.correlationID, c.cfg.InitialWindowLength); ok && c.feedback != nil {
			if err := c.feedback.SendStatusMessage(e.destination, sm); err != nil {
				nlog.Warnf("conductor: send SM for image %d failed: %v", e.correlationID, err)
			} else if c.stats != nil {
				c.stats.StatusMessagesSent.Inc()
			}
		}

		if e.img.State() == network.ImageEndOfLife {
			c.registry.removeImage(e)
			c.dispatcher.Dispatch(Event{Kind: EventUnavailableImage, ClientID: e.clientID, CorrelationID: e.correlationID, SessionID: e.sessionID, StreamID: e.streamID, Channel: e.channel})
			if c.stats != nil {
				c.stats.ImagesUnavailable.Inc()
			}
			nlog.Infof("conductor: image %s (%d) reached end of life", e.alias, e.correlationID)
		}
	}
}

// reapClients implements §4.9 step 4: age out clients past
// clientLivenessTimeoutNs.
func (c *Conductor) reapClients(nowNs int64) {
	c.mu.Lock()
	var dead []int64
	for id, cl := range c.clients {
		if nowNs-cl.lastKeepaliveNs >= c.cfg.ClientLivenessTimeoutNs {
			dead = append(dead, id)
		}
	}
	c.mu.Unlock()

	for _, id := range dead {
		c.reclaimClient(id, nowNs, true)
	}
}

func (c *Conductor) reclaimClient(clientID int64, nowNs int64, emitTimeout bool) {
	c.mu.Lock()
	cl, ok := c.clients[clientID]
	if ok {
		delete(c.clients, clientID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, freedID := range c.counters.FreeOwnedBy(clientID) {
		nlog.Infof("conductor: reclaimed counter %d owned by client %d", freedID, clientID)
	}
	for regID := range cl.ownedRegistrations {
		if e := c.registry.publicationByRegistration(regID); e != nil {
			e.base.DecRef()
		}
	}
	for corrID := range cl.ownedImages {
		if e := c.registry.imageByCorrelation(corrID); e != nil {
			c.dispatcher.Dispatch(Event{Kind: EventUnavailableImage, ClientID: clientID, CorrelationID: corrID, SessionID: e.sessionID, StreamID: e.streamID, Channel: e.channel})
			if c.stats != nil {
				c.stats.ImagesUnavailable.Inc()
			}
		}
	}
	if emitTimeout {
		c.dispatcher.Dispatch(Event{Kind: EventClientTimeout, ClientID: clientID})
		if c.stats != nil {
			c.stats.ClientTimeouts.Inc()
		}
		nlog.Warnf("conductor: client %d timed out", clientID)
	}
}

// checkServiceInterval implements §4.9 step 5: if the gap since the
// previous doWork pass exceeded the configured service timeout, surface
// CONDUCTOR_SERVICE_TIMEOUT once and continue running (§7: "emit once;
// continue"). A lastServiceNs of 0 counts as no previous pass, so the
// pass after one run at nowNs 0 is never checked.
func (c *Conductor) checkServiceInterval(nowNs int64) {
	if c.lastServiceNs != 0 && nowNs-c.lastServiceNs > c.cfg.ConductorServiceTimeoutNs {
		c.recordError()
		c.dispatcher.Dispatch(Event{Kind: EventError, Code: aerr.ConductorServiceTimeout, Message: "conductor service interval exceeded"})
		if c.stats != nil {
			c.stats.ConductorServiceTimeouts.Inc()
		}
		nlog.Warnf("conductor: service interval exceeded: %dns", nowNs-c.lastServiceNs)
	}
	c.lastServiceNs = nowNs
}
