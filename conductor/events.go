package conductor

import "github.com/nimbusmq/mediadriver/aerr"

// EventKind enumerates the driver-to-client events of spec.md §6.
type EventKind int

const (
	EventPublicationReady EventKind = iota
	EventExclusivePublicationReady
	EventSubscriptionReady
	EventAvailableImage
	EventUnavailableImage
	EventOperationSuccess
	EventError
	EventCounterReady
	EventUnavailableCounter
	EventClientTimeout
	EventPublicationError
)

func (k EventKind) String() string {
	switch k {
	case EventPublicationReady:
		return "PUBLICATION_READY"
	case EventExclusivePublicationReady:
		return "EXCLUSIVE_PUBLICATION_READY"
	case EventSubscriptionReady:
		return "SUBSCRIPTION_READY"
	case EventAvailableImage:
		return "AVAILABLE_IMAGE"
	case EventUnavailableImage:
		return "UNAVAILABLE_IMAGE"
	case EventOperationSuccess:
		return "OPERATION_SUCCESS"
	case EventError:
		return "ERROR"
	case EventCounterReady:
		return "COUNTER_READY"
	case EventUnavailableCounter:
		return "UNAVAILABLE_COUNTER"
	case EventClientTimeout:
		return "CLIENT_TIMEOUT"
	case EventPublicationError:
		return "PUBLICATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one message handed to a Dispatcher for delivery to a
// client. Fields are a superset; only those relevant to Kind are set.
type Event struct {
	Kind           EventKind
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	Channel        string
	CounterID      int32
	Code           aerr.Code
	Message        string
	JoinPosition   int64
}

// Dispatcher delivers events to clients. The actual client transport
// (broadcast ring buffer, per spec.md §5's "driver->clients" shared
// resource) is out of this package's scope, mirroring the network
// package's Transport seam.
type Dispatcher interface {
	Dispatch(ev Event)
}

// NullDispatcher discards every event; useful as a default and in
// tests that only assert on registry/counter state.
type NullDispatcher struct{}

func (NullDispatcher) Dispatch(Event) {}
