package fec

import (
	"bytes"
	"testing"
)

func TestEncodeReconstructSingleLoss(t *testing.T) {
	const shardLen = 64
	g, err := NewGroup(4, shardLen)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}

	frames := [][]byte{
		bytes.Repeat([]byte{0x01}, 10),
		bytes.Repeat([]byte{0x02}, 20),
		bytes.Repeat([]byte{0x03}, 30),
		bytes.Repeat([]byte{0x04}, 40),
	}
	for i, f := range frames {
		if err := g.SetData(i, f); err != nil {
			t.Fatalf("SetData(%d): %v", i, err)
		}
	}
	parity, err := g.EncodeParity()
	if err != nil {
		t.Fatalf("EncodeParity: %v", err)
	}

	// Simulate losing data shard 2; everything else, including parity,
	// arrived.
	present := make([][]byte, 5)
	present[0] = g.shards[0]
	present[1] = g.shards[1]
	present[2] = nil
	present[3] = g.shards[3]
	present[4] = parity

	recovered, err := Reconstruct(4, present)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	want := make([]byte, shardLen)
	copy(want, frames[2])
	if !bytes.Equal(recovered[2], want) {
		t.Fatalf("reconstructed shard mismatch")
	}
}

func TestReconstructFailsWithTwoLosses(t *testing.T) {
	present := make([][]byte, 5)
	present[2] = nil
	present[3] = nil
	if _, err := Reconstruct(4, present); err == nil {
		t.Fatalf("expected error for two missing shards")
	}
}

func TestParseKey(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"off", 0, false},
		{"xor+4", 4, false},
		{"xor+1", 1, false},
		{"xor+0", 0, true},
		{"xor+", 0, true},
		{"bogus", 0, true},
	}
	for _, c := range cases {
		got, err := ParseKey(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseKey(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err == nil && got != c.want {
			t.Errorf("ParseKey(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
