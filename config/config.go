// Package config builds the driver's immutable configuration record
// from defaults overlaid with environment variables, per SPEC_FULL.md's
// "Configuration" section and spec.md §9.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is built once at startup by Load and never mutated afterward;
// every agent loop reads it through a read-only pointer.
type Config struct {
	PublicationUnblockTimeoutNs   int64
	ImageLivenessTimeoutNs        int64
	ClientLivenessTimeoutNs       int64
	StatusMessageTimeoutNs        int64
	NakUnicastDelayNs             int64
	NakMulticastMaxBackoffNs      int64
	UntetheredWindowLimitTimeoutNs int64
	UntetheredLingerTimeoutNs     int64
	UntetheredRestingTimeoutNs    int64
	ConductorServiceTimeoutNs     int64
	// LingerTimeoutNs bounds how long a DRAINING publication stays in
	// LINGER before DONE (spec.md S2), distinct from
	// UntetheredLingerTimeoutNs's untethered-subscriber timeout.
	// Overridden per-publication by the channel URI's linger= key.
	LingerTimeoutNs int64
	// CounterRecycleGraceNs is how long a RECLAIMED counter slot (§4.3)
	// waits before the conductor completes RECLAIMED -> UNUSED, giving
	// any in-flight client snapshot read a window to observe the freed
	// value before the slot is handed out again.
	CounterRecycleGraceNs int64

	MtuLength             int32
	TermBufferLength      int32
	InitialWindowLength   int32
	FilePageSize          int32
	ErrorBufferLength     int32
	LossReportBufferLength int32
	CounterValuesBufferLength int32
	ConductorBufferLength int32
	ToClientsBufferLength int32
	AsyncTaskExecutorThreads int

	MaxRetransmits    int
	MaxMessagesPerSend int

	SpiesSimulateConnection bool

	DriverDir string

	// ListenAddr is the local UDP address the driver's single receive
	// socket binds to (spec.md §5's Receiver role).
	ListenAddr string
	// AdminAddr is the local TCP address the admin HTTP surface binds to.
	AdminAddr string
	// ThreadingMode selects how many OS threads run the conductor,
	// sender, and receiver agents: "SHARED", "SHARED_NETWORK", or
	// "DEDICATED" (spec.md §5).
	ThreadingMode string

	CommandQueueLength int
}

// Default returns the driver's baked-in defaults, the starting point
// Load overlays environment variables onto.
func Default() *Config {
	return &Config{
		PublicationUnblockTimeoutNs:   (15 * time.Second).Nanoseconds(),
		ImageLivenessTimeoutNs:        (10 * time.Second).Nanoseconds(),
		ClientLivenessTimeoutNs:       (10 * time.Second).Nanoseconds(),
		StatusMessageTimeoutNs:        (200 * time.Millisecond).Nanoseconds(),
		NakUnicastDelayNs:             (100 * time.Microsecond).Nanoseconds(),
		NakMulticastMaxBackoffNs:      (60 * time.Millisecond).Nanoseconds(),
		UntetheredWindowLimitTimeoutNs: (5 * time.Second).Nanoseconds(),
		UntetheredLingerTimeoutNs:     (60 * time.Second).Nanoseconds(),
		UntetheredRestingTimeoutNs:    (30 * time.Second).Nanoseconds(),
		ConductorServiceTimeoutNs:     (1 * time.Second).Nanoseconds(),
		LingerTimeoutNs:               (5 * time.Second).Nanoseconds(),
		CounterRecycleGraceNs:         (1 * time.Second).Nanoseconds(),

		MtuLength:                1408,
		TermBufferLength:         16 * 1024 * 1024,
		InitialWindowLength:      128 * 1024,
		FilePageSize:             4096,
		ErrorBufferLength:        1024 * 1024,
		LossReportBufferLength:   1024 * 1024,
		CounterValuesBufferLength: 1024 * 1024,
		ConductorBufferLength:    1024 * 1024,
		ToClientsBufferLength:    1024 * 1024,
		AsyncTaskExecutorThreads: 2,

		MaxRetransmits:     16,
		MaxMessagesPerSend: 2,

		SpiesSimulateConnection: false,

		DriverDir: os.TempDir() + "/mediadriver",

		ListenAddr:         "0.0.0.0:40123",
		AdminAddr:          ":8061",
		ThreadingMode:      "SHARED",
		CommandQueueLength: 256,
	}
}

// Load returns Default() overlaid with recognized MDRIVER_* environment
// variables. It is the only constructor of a live Config.
func Load() *Config {
	c := Default()
	envInt64(&c.PublicationUnblockTimeoutNs, "MDRIVER_PUBLICATION_UNBLOCK_TIMEOUT_NS")
	envInt64(&c.ImageLivenessTimeoutNs, "MDRIVER_IMAGE_LIVENESS_TIMEOUT_NS")
	envInt64(&c.ClientLivenessTimeoutNs, "MDRIVER_CLIENT_LIVENESS_TIMEOUT_NS")
	envInt64(&c.StatusMessageTimeoutNs, "MDRIVER_STATUS_MESSAGE_TIMEOUT_NS")
	envInt64(&c.NakUnicastDelayNs, "MDRIVER_NAK_UNICAST_DELAY_NS")
	envInt64(&c.NakMulticastMaxBackoffNs, "MDRIVER_NAK_MULTICAST_MAX_BACKOFF_NS")
	envInt64(&c.UntetheredWindowLimitTimeoutNs, "MDRIVER_UNTETHERED_WINDOW_LIMIT_TIMEOUT_NS")
	envInt64(&c.UntetheredLingerTimeoutNs, "MDRIVER_UNTETHERED_LINGER_TIMEOUT_NS")
	envInt64(&c.UntetheredRestingTimeoutNs, "MDRIVER_UNTETHERED_RESTING_TIMEOUT_NS")
	envInt64(&c.ConductorServiceTimeoutNs, "MDRIVER_CONDUCTOR_SERVICE_TIMEOUT_NS")
	envInt64(&c.LingerTimeoutNs, "MDRIVER_LINGER_TIMEOUT_NS")
	envInt64(&c.CounterRecycleGraceNs, "MDRIVER_COUNTER_RECYCLE_GRACE_NS")
	envInt32(&c.MtuLength, "MDRIVER_MTU_LENGTH")
	envInt32(&c.TermBufferLength, "MDRIVER_TERM_BUFFER_LENGTH")
	envInt32(&c.InitialWindowLength, "MDRIVER_INITIAL_WINDOW_LENGTH")
	envInt(&c.AsyncTaskExecutorThreads, "MDRIVER_ASYNC_TASK_EXECUTOR_THREADS")
	if v := os.Getenv("MDRIVER_DIR"); v != "" {
		c.DriverDir = v
	}
	if v := os.Getenv("MDRIVER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("MDRIVER_ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv("MDRIVER_THREADING_MODE"); v != "" {
		c.ThreadingMode = v
	}
	envInt(&c.CommandQueueLength, "MDRIVER_COMMAND_QUEUE_LENGTH")
	return c
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
