// Package uri parses the channel-URI grammar of spec.md §6:
// "aeron(:scheme)?:media?params", scheme in {udp, ipc}, params a
// "|"-joined list of key=value pairs. Every recognized key gets a
// typed field rather than an opaque map, since flow control (gtag),
// the untethered timeouts, and the sparse/eos/tether switches all need
// a typed read of the same parsed URI.
package uri

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Media is the transport named after the scheme.
type Media int

const (
	MediaUDP Media = iota
	MediaIPC
)

func (m Media) String() string {
	if m == MediaIPC {
		return "ipc"
	}
	return "udp"
}

// ControlMode selects how a multi-destination publication resolves a
// control address.
type ControlMode int

const (
	ControlModeNone ControlMode = iota
	ControlModeManual
	ControlModeDynamic
	ControlModeResponse
)

// ChannelURI is the fully parsed, typed representation of one channel
// string.
type ChannelURI struct {
	Media Media
	Spy   bool

	Endpoint string
	Control  string

	ControlMode ControlMode

	TermLength  int32
	Mtu         int32
	InitTermID  *int32
	TermID      *int32
	TermOffset  *int32
	SessionID   *int32

	Linger time.Duration
	Sparse bool
	EOS    bool
	Tether bool

	Group  bool
	Rejoin bool
	SSC    bool

	SoSndbuf int32
	SoRcvbuf int32
	RcvWnd   int32

	Reliable bool
	TTL      int32

	CongestionControl string // "cc"
	FlowControl       string // "fc"
	GroupTag          *int64 // "gtag"

	Alias string
	Tags  string

	ResponseCorrelationID *int64 // -1, a non-negative id, or "prototype" sentinel (ResponseCorrelationPrototype)

	NakDelay time.Duration

	UntetheredWindowLimitTimeout time.Duration
	UntetheredLingerTimeout      time.Duration
	UntetheredRestingTimeout     time.Duration

	MaxResend int32

	StreamID *int32
	PubWnd   int32

	ChannelRcvTSOffset string
	ChannelSndTSOffset string
	MediaRcvTSOffset   string

	FEC string // "off" or "xor+N", see package fec

	// Raw retains every key=value pair for keys not otherwise modeled,
	// so a future recognized key doesn't require a parser rewrite to
	// round-trip.
	Raw map[string]string
}

// ResponseCorrelationPrototype is the sentinel value of the
// "response-correlation-id" key's "prototype" literal.
const ResponseCorrelationPrototype = int64(-2)

const tethered = true // default per the driver's untethered-sweep semantics: explicit "tether=false" opts out

// Parse parses a channel URI string.
func Parse(s string) (*ChannelURI, error) {
	const schemePrefix = "aeron:"

	rest := s
	spy := false
	if strings.HasPrefix(rest, "aeron-spy:") {
		spy = true
		rest = rest[len("aeron-spy:"):]
	}
	if !strings.HasPrefix(rest, schemePrefix) {
		return nil, errors.Errorf("uri: missing %q scheme in %q", schemePrefix, s)
	}
	rest = rest[len(schemePrefix):]

	var media Media
	switch {
	case strings.HasPrefix(rest, "udp?"):
		media = MediaUDP
		rest = rest[len("udp?"):]
	case rest == "udp":
		media = MediaUDP
		rest = ""
	case strings.HasPrefix(rest, "ipc?"):
		media = MediaIPC
		rest = rest[len("ipc?"):]
	case rest == "ipc":
		media = MediaIPC
		rest = ""
	default:
		return nil, errors.Errorf("uri: unrecognized media in %q", s)
	}

	c := &ChannelURI{
		Media:     media,
		Spy:       spy,
		Tether:    tethered,
		Raw:       make(map[string]string),
		SoSndbuf:  0,
		SoRcvbuf:  0,
	}

	if rest == "" {
		return c, nil
	}

	for _, pair := range strings.Split(rest, "|") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("uri: malformed param %q in %q", pair, s)
		}
		key, value := kv[0], kv[1]
		c.Raw[key] = value

		if err := c.applyKey(key, value); err != nil {
			return nil, errors.Wrapf(err, "uri: param %q", pair)
		}
	}
	return c, nil
}

func (c *ChannelURI) applyKey(key, value string) error {
	switch key {
	case "endpoint":
		c.Endpoint = value
	case "control":
		c.Control = value
	case "control-mode":
		switch value {
		case "manual":
			c.ControlMode = ControlModeManual
		case "dynamic":
			c.ControlMode = ControlModeDynamic
		case "response":
			c.ControlMode = ControlModeResponse
		default:
			return errors.Errorf("invalid control-mode %q", value)
		}
	case "term-length":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.TermLength = v
	case "mtu":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.Mtu = v
	case "init-term-id":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.InitTermID = &v
	case "term-id":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.TermID = &v
	case "term-offset":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.TermOffset = &v
	case "session-id":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.SessionID = &v
	case "linger":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.Linger = d
	case "sparse":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.Sparse = v
	case "eos":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.EOS = v
	case "tether":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.Tether = v
	case "group":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.Group = v
	case "rejoin":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.Rejoin = v
	case "ssc":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.SSC = v
	case "so-sndbuf":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.SoSndbuf = v
	case "so-rcvbuf":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.SoRcvbuf = v
	case "rcv-wnd":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.RcvWnd = v
	case "reliable":
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		c.Reliable = v
	case "ttl":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.TTL = v
	case "cc":
		c.CongestionControl = value
	case "fc":
		c.FlowControl = value
	case "gtag":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "gtag")
		}
		c.GroupTag = &v
	case "alias":
		c.Alias = value
	case "tags":
		c.Tags = value
	case "response-correlation-id":
		if value == "prototype" {
			v := ResponseCorrelationPrototype
			c.ResponseCorrelationID = &v
			return nil
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrap(err, "response-correlation-id")
		}
		if v < -1 {
			return errors.Errorf("response-correlation-id %d out of range", v)
		}
		c.ResponseCorrelationID = &v
	case "nak-delay":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.NakDelay = d
	case "untethered-window-limit-timeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.UntetheredWindowLimitTimeout = d
	case "untethered-linger-timeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.UntetheredLingerTimeout = d
	case "untethered-resting-timeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		c.UntetheredRestingTimeout = d
	case "max-resend":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.MaxResend = v
	case "stream-id":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.StreamID = &v
	case "pub-wnd":
		v, err := parseInt32(value)
		if err != nil {
			return err
		}
		c.PubWnd = v
	case "channel-rcv-ts-offset":
		c.ChannelRcvTSOffset = value
	case "channel-snd-ts-offset":
		c.ChannelSndTSOffset = value
	case "media-rcv-ts-offset":
		c.MediaRcvTSOffset = value
	case "fec":
		c.FEC = value
	}
	return nil
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer %q", s)
	}
	return int32(v), nil
}

func parseBool(s string) (bool, error) {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid boolean %q", s)
	}
	return v, nil
}

// parseDuration accepts a bare number (nanoseconds) or a suffixed
// value ("200ms", "5s", "10us", "1500ns") per §6.
func parseDuration(s string) (time.Duration, error) {
	suffixes := []struct {
		suf  string
		unit time.Duration
	}{
		{"ns", time.Nanosecond},
		{"us", time.Microsecond},
		{"ms", time.Millisecond},
		{"s", time.Second},
	}
	for _, sx := range suffixes {
		if strings.HasSuffix(s, sx.suf) {
			numPart := strings.TrimSuffix(s, sx.suf)
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "invalid duration %q", s)
			}
			return time.Duration(n) * sx.unit, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return time.Duration(n), nil
}
