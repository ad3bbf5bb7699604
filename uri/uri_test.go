package uri

import (
	"testing"
	"time"
)

func TestParseBasicUDP(t *testing.T) {
	c, err := Parse("aeron:udp?endpoint=localhost:40123|term-length=65536|mtu=1408")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Media != MediaUDP {
		t.Errorf("Media = %v, want udp", c.Media)
	}
	if c.Endpoint != "localhost:40123" {
		t.Errorf("Endpoint = %q", c.Endpoint)
	}
	if c.TermLength != 65536 {
		t.Errorf("TermLength = %d, want 65536", c.TermLength)
	}
	if c.Mtu != 1408 {
		t.Errorf("Mtu = %d, want 1408", c.Mtu)
	}
}

func TestParseIPC(t *testing.T) {
	c, err := Parse("aeron:ipc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Media != MediaIPC {
		t.Errorf("Media = %v, want ipc", c.Media)
	}
}

func TestParseSpyPrefix(t *testing.T) {
	c, err := Parse("aeron-spy:aeron:udp?endpoint=localhost:40123")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.Spy {
		t.Errorf("expected Spy == true")
	}
	if c.Endpoint != "localhost:40123" {
		t.Errorf("Endpoint = %q", c.Endpoint)
	}
}

func TestParseDurationSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1500", 1500 * time.Nanosecond},
		{"1500ns", 1500 * time.Nanosecond},
		{"20us", 20 * time.Microsecond},
		{"200ms", 200 * time.Millisecond},
		{"5s", 5 * time.Second},
	}
	for _, c := range cases {
		got, err := parseDuration(c.in)
		if err != nil {
			t.Errorf("parseDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseUntetheredTimeoutsAndFlowControl(t *testing.T) {
	c, err := Parse("aeron:udp?endpoint=localhost:9999|fc=tagged|gtag=7|untethered-window-limit-timeout=5s|untethered-linger-timeout=100ms|untethered-resting-timeout=1s|tether=false|rejoin=false")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.FlowControl != "tagged" {
		t.Errorf("FlowControl = %q, want tagged", c.FlowControl)
	}
	if c.GroupTag == nil || *c.GroupTag != 7 {
		t.Errorf("GroupTag = %v, want 7", c.GroupTag)
	}
	if c.UntetheredWindowLimitTimeout != 5*time.Second {
		t.Errorf("UntetheredWindowLimitTimeout = %v", c.UntetheredWindowLimitTimeout)
	}
	if c.UntetheredLingerTimeout != 100*time.Millisecond {
		t.Errorf("UntetheredLingerTimeout = %v", c.UntetheredLingerTimeout)
	}
	if c.UntetheredRestingTimeout != 1*time.Second {
		t.Errorf("UntetheredRestingTimeout = %v", c.UntetheredRestingTimeout)
	}
	if c.Tether {
		t.Errorf("expected Tether == false")
	}
	if c.Rejoin {
		t.Errorf("expected Rejoin == false")
	}
}

func TestParseResponseCorrelationIDPrototype(t *testing.T) {
	c, err := Parse("aeron:udp?endpoint=localhost:1234|response-correlation-id=prototype")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ResponseCorrelationID == nil || *c.ResponseCorrelationID != ResponseCorrelationPrototype {
		t.Errorf("ResponseCorrelationID = %v, want prototype sentinel", c.ResponseCorrelationID)
	}
}

func TestParseResponseCorrelationIDNumeric(t *testing.T) {
	c, err := Parse("aeron:udp?endpoint=localhost:1234|response-correlation-id=42")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ResponseCorrelationID == nil || *c.ResponseCorrelationID != 42 {
		t.Errorf("ResponseCorrelationID = %v, want 42", c.ResponseCorrelationID)
	}
}

func TestParseResponseCorrelationIDTooNegative(t *testing.T) {
	if _, err := Parse("aeron:udp?endpoint=localhost:1234|response-correlation-id=-5"); err == nil {
		t.Fatalf("expected error for response-correlation-id < -1")
	}
}

func TestParseFEC(t *testing.T) {
	c, err := Parse("aeron:udp?endpoint=localhost:1234|fec=xor+4")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.FEC != "xor+4" {
		t.Errorf("FEC = %q, want xor+4", c.FEC)
	}
}

func TestParseMissingScheme(t *testing.T) {
	if _, err := Parse("udp?endpoint=localhost:1234"); err == nil {
		t.Fatalf("expected error for missing aeron: scheme")
	}
}

func TestParseMalformedParam(t *testing.T) {
	if _, err := Parse("aeron:udp?endpoint"); err == nil {
		t.Fatalf("expected error for malformed param")
	}
}
