// Package fec provides the forward-error-correction building blocks for
// the channel-URI key "fec=xor+N": a Group that computes one parity
// shard over N equal-length data shards, Reconstruct that repairs a
// single missing shard, and ParseKey for the key's value. It repairs at
// most one missing shard per group. No send or receive path in this
// module calls this package: publications send no parity datagrams and
// images recover loss through NAKs only.
package fec

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Off is the zero value: FEC disabled for a channel.
const Off = 0

// Group encodes and decodes one shard group: N data shards plus one
// parity shard, all the same length (the caller pads with zero bytes
// to the group's max frame length before encoding).
type Group struct {
	n      int
	enc    reedsolomon.Encoder
	shards [][]byte
}

// NewGroup builds a shard group for N data frames plus 1 parity
// shard. shardLen is the padded length every shard must share.
func NewGroup(n int, shardLen int) (*Group, error) {
	if n < 1 {
		return nil, errors.Errorf("fec: group size must be >= 1, got %d", n)
	}
	enc, err := reedsolomon.New(n, 1)
	if err != nil {
		return nil, errors.Wrap(err, "fec: new encoder")
	}
	shards := make([][]byte, n+1)
	for i := range shards {
		shards[i] = make([]byte, shardLen)
	}
	return &Group{n: n, enc: enc, shards: shards}, nil
}

// N is the number of data shards (frames) per group.
func (g *Group) N() int { return g.n }

// SetData copies frame into data shard index (0 <= index < N),
// zero-padding the remainder of the shard if frame is shorter than the
// group's shard length.
func (g *Group) SetData(index int, frame []byte) error {
	if index < 0 || index >= g.n {
		return errors.Errorf("fec: data shard index %d out of range [0,%d)", index, g.n)
	}
	dst := g.shards[index]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, frame)
	return nil
}

// EncodeParity computes the parity shard from the N data shards
// currently set via SetData. Call once after the group's data shards
// are filled, before transmitting the parity datagram.
func (g *Group) EncodeParity() ([]byte, error) {
	if err := g.enc.Encode(g.shards); err != nil {
		return nil, errors.Wrap(err, "fec: encode parity")
	}
	return g.shards[g.n], nil
}

// Reconstruct fills in exactly one missing shard (data or parity)
// given the shards observed so far, where a missing shard is
// represented by a nil entry in present (len(present) must equal
// n+1). It returns present with the missing shard filled in, or an
// error if more than one shard is missing (not recoverable by this
// supplemental path; the caller should fall back to NAK recovery).
func Reconstruct(n int, present [][]byte) ([][]byte, error) {
	enc, err := reedsolomon.New(n, 1)
	if err != nil {
		return nil, errors.Wrap(err, "fec: new decoder")
	}

	missing := 0
	for _, s := range present {
		if s == nil {
			missing++
		}
	}
	if missing > 1 {
		return nil, errors.Errorf("fec: %d shards missing, can only repair 1 — fall back to NAK", missing)
	}
	if missing == 0 {
		return present, nil
	}

	if err := enc.Reconstruct(present); err != nil {
		return nil, errors.Wrap(err, "fec: reconstruct")
	}
	return present, nil
}

// ParseKey parses the channel-URI "fec" value: "off" (the default) or
// "xor+N" for a group size of N data shards per parity shard.
func ParseKey(value string) (groupSize int, err error) {
	if value == "" || value == "off" {
		return Off, nil
	}
	const prefix = "xor+"
	if len(value) <= len(prefix) || value[:len(prefix)] != prefix {
		return 0, errors.Errorf("fec: invalid fec key %q, want \"off\" or \"xor+N\"", value)
	}
	n := 0
	for _, c := range value[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("fec: invalid fec key %q, want \"off\" or \"xor+N\"", value)
		}
		n = n*10 + int(c-'0')
	}
	if n < 1 {
		return 0, errors.Errorf("fec: group size must be >= 1 in %q", value)
	}
	return n, nil
}
