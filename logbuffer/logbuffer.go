// Package logbuffer implements C1 of the driver spec: a triple-
// partitioned, append-only term storage with framing, atomic tail
// claim, padding and cleaning (spec.md §3, §4.1).
//
// Term buffers are memory-mapped (golang.org/x/sys/unix.Mmap) rather
// than held as plain heap slices, matching §6's "memory-mapped log
// buffers" and the on-disk layout it describes: a log buffer file sized
// 3*T + metadataLength. Create with an empty path allocates the same
// layout as a plain heap slice with no backing file.
package logbuffer

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nimbusmq/mediadriver/aerr"
	"github.com/nimbusmq/mediadriver/internal/ratomic"
)

// ClaimResult is the outcome of a Claim call.
type ClaimResult int

const (
	ClaimSucceeded ClaimResult = iota
	BackPressured
	AdminAction
)

const MaxMessageLengthCap = 16 * 1024 * 1024

// Partition is one of the three term buffers backing a LogBuffer.
type Partition struct {
	buffer  []byte
	rawTail ratomic.Int64
}

// Buffer exposes the raw backing bytes of this partition (read-only use
// from subscribers; the owning publication is the only writer).
func (p *Partition) Buffer() []byte { return p.buffer }

func (p *Partition) rawTailValue() (termID, termOffset int32) {
	v := p.rawTail.Load()
	return int32(v >> 32), int32(v)
}

func packRawTail(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

// LogBuffer is the triple-partitioned term storage described by §3.
// Exactly one partition is active at a time; Claim/Commit operate on
// the active partition and roll over to the next on term rollover.
type LogBuffer struct {
	partitions    [3]*Partition
	meta          []byte
	termLength    int32
	bits          uint
	initialTermID int32
	mtuLength     int32
	maxMsgLen     int32
	exclusive     bool

	activeIndex   ratomic.Int32
	cleanPosition ratomic.Int64

	mapping *mapping // nil for in-memory (test) buffers
}

type mapping struct {
	file *os.File
	data []byte // the full 3T+meta mapping; partitions/meta are slices into it
}

// Create allocates (and, when path is non-empty, memory-maps) a new log
// buffer file sized 3*termLength + metadataLength, per §6.
func Create(path string, termLength, metadataLength, filePageSize int32, initialTermID int32, mtuLength int32, exclusive bool) (*LogBuffer, error) {
	if !ValidateTermLength(termLength) {
		return nil, errors.Errorf("logbuffer: invalid term length %d", termLength)
	}
	total := alignUp(3*int64(termLength)+int64(metadataLength), int64(filePageSize))

	lb := &LogBuffer{
		termLength:    termLength,
		bits:          BitsToShift(termLength),
		initialTermID: initialTermID,
		mtuLength:     mtuLength,
		exclusive:     exclusive,
	}
	lb.maxMsgLen = termLength / 8
	if lb.maxMsgLen > MaxMessageLengthCap {
		lb.maxMsgLen = MaxMessageLengthCap
	}

	var backing []byte
	if path == "" {
		backing = make([]byte, total)
	} else {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "logbuffer: open")
		}
		if err := f.Truncate(total); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "logbuffer: truncate")
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "logbuffer: mmap")
		}
		backing = data
		lb.mapping = &mapping{file: f, data: data}
	}

	for i := 0; i < 3; i++ {
		lb.partitions[i] = &Partition{buffer: backing[int64(i)*int64(termLength) : (int64(i)+1)*int64(termLength)]}
	}
	lb.meta = backing[3*int64(termLength):]
	lb.partitions[0].rawTail.Store(packRawTail(initialTermID, 0))
	lb.partitions[1].rawTail.Store(packRawTail(initialTermID+1, 0))
	lb.partitions[2].rawTail.Store(packRawTail(initialTermID+2, 0))
	return lb, nil
}

// Map opens an existing log buffer file read-write (as a subscriber
// would for its own image, or a spy for a network publication's
// buffer).
func Map(path string, termLength, metadataLength, filePageSize int32) (*LogBuffer, error) {
	total := alignUp(3*int64(termLength)+int64(metadataLength), int64(filePageSize))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "logbuffer: open")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "logbuffer: mmap")
	}
	lb := &LogBuffer{
		termLength: termLength,
		bits:       BitsToShift(termLength),
		mapping:    &mapping{file: f, data: data},
	}
	lb.maxMsgLen = termLength / 8
	if lb.maxMsgLen > MaxMessageLengthCap {
		lb.maxMsgLen = MaxMessageLengthCap
	}
	for i := 0; i < 3; i++ {
		lb.partitions[i] = &Partition{buffer: data[int64(i)*int64(termLength) : (int64(i)+1)*int64(termLength)]}
	}
	lb.meta = data[3*int64(termLength):]
	return lb, nil
}

// Close unmaps and closes the backing file, if any.
func (lb *LogBuffer) Close() error {
	if lb.mapping == nil {
		return nil
	}
	if err := unix.Munmap(lb.mapping.data); err != nil {
		return errors.Wrap(err, "logbuffer: munmap")
	}
	return lb.mapping.file.Close()
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

func (lb *LogBuffer) TermLength() int32      { return lb.termLength }
func (lb *LogBuffer) Bits() uint             { return lb.bits }
func (lb *LogBuffer) InitialTermID() int32   { return lb.initialTermID }
func (lb *LogBuffer) MtuLength() int32       { return lb.mtuLength }
func (lb *LogBuffer) MaxMessageLength() int32 { return lb.maxMsgLen }
func (lb *LogBuffer) Partition(index int32) *Partition { return lb.partitions[index] }
func (lb *LogBuffer) Metadata() []byte       { return lb.meta }
func (lb *LogBuffer) CleanPosition() int64   { return lb.cleanPosition.Load() }

// Position returns the current (uncommitted) tail position of the
// stream: the position the next Claim will be offered.
func (lb *LogBuffer) Position() int64 {
	idx := lb.activeIndex.Load()
	termID, termOffset := lb.partitions[idx].rawTailValue()
	if termOffset > lb.termLength {
		termOffset = lb.termLength
	}
	return ComputePosition(termID, termOffset, lb.bits, lb.initialTermID)
}

// Claim atomically advances the active partition's raw tail by
// Align(HeaderLength+length), returning the (termId, termOffset) of the
// claimed frame's header. If the frame would cross the term end, it
// writes a padding frame filling the remainder and returns AdminAction
// so the caller retries (now against the rolled-over term). If the
// publisherLimit would be exceeded it returns BackPressured without
// mutating anything.
func (lb *LogBuffer) Claim(length int32, publisherLimit int64) (termID, termOffset int32, result ClaimResult, err error) {
	if length < 0 || length > lb.maxMsgLen {
		return 0, 0, ClaimSucceeded, aerr.New(aerr.MessageTooLong, fmt.Sprintf("logbuffer: message length %d exceeds max %d", length, lb.maxMsgLen))
	}
	frameLength := Align(HeaderLength + length)

	idx := lb.activeIndex.Load()
	p := lb.partitions[idx]

	for {
		rawTail := p.rawTail.Load()
		curTermID := int32(rawTail >> 32)
		curOffset := int32(rawTail)

		if curOffset >= lb.termLength {
			// another goroutine has already sealed this term;
			// signal the caller to retry against the (by-now
			// rotated) active partition.
			return 0, 0, AdminAction, nil
		}

		position := ComputePosition(curTermID, curOffset, lb.bits, lb.initialTermID)
		if position+int64(frameLength) > publisherLimit {
			return 0, 0, BackPressured, nil
		}

		resulting := curOffset + frameLength
		if resulting > lb.termLength {
			if !p.rawTail.CAS(rawTail, packRawTail(curTermID, lb.termLength)) {
				continue
			}
			lb.appendPadding(p, curOffset, lb.termLength-curOffset, curTermID)
			lb.rotate(idx, curTermID)
			return 0, 0, AdminAction, nil
		}

		if !p.rawTail.CAS(rawTail, packRawTail(curTermID, resulting)) {
			continue
		}
		return curTermID, curOffset, ClaimSucceeded, nil
	}
}

func (lb *LogBuffer) appendPadding(p *Partition, termOffset, length, termID int32) {
	h := FrameHeader(p.buffer[termOffset : termOffset+HeaderLength])
	h.SetVersion(CurrentVersion)
	h.SetFlags(FlagBegin | FlagEnd)
	h.SetType(TypePad)
	h.SetTermOffset(termOffset)
	h.SetTermID(termID)
	h.SetReserved(0)
	h.SetFrameLengthOrdered(length)
}

func (lb *LogBuffer) rotate(idx, sealedTermID int32) {
	next := NextPartitionIndex(idx)
	lb.partitions[next].rawTail.Store(packRawTail(sealedTermID+1, 0))
	lb.activeIndex.CAS(idx, next)
}

// Commit writes a non-fragmented data frame's header (both Begin and
// End set) at (termID, termOffset) and release-stores the frame length
// last, per §4.1.
func (lb *LogBuffer) Commit(termID, termOffset, length int32) {
	idx := IndexByTerm(lb.initialTermID, termID)
	h := FrameHeader(lb.partitions[idx].buffer[termOffset : termOffset+HeaderLength])
	h.SetVersion(CurrentVersion)
	h.SetFlags(FlagBegin | FlagEnd)
	h.SetType(TypeData)
	h.SetTermOffset(termOffset)
	h.SetTermID(termID)
	h.SetReserved(0)
	h.SetFrameLengthOrdered(Align(HeaderLength + length))
}

// CommitFragment is like Commit but lets the caller control the B/E
// flags, for fragmented messages (spec.md §3: "a fragment spans
// multiple frames iff either B or E is cleared").
func (lb *LogBuffer) CommitFragment(termID, termOffset, length int32, flags byte) {
	idx := IndexByTerm(lb.initialTermID, termID)
	h := FrameHeader(lb.partitions[idx].buffer[termOffset : termOffset+HeaderLength])
	h.SetVersion(CurrentVersion)
	h.SetFlags(flags)
	h.SetType(TypeData)
	h.SetTermOffset(termOffset)
	h.SetTermID(termID)
	h.SetReserved(0)
	h.SetFrameLengthOrdered(Align(HeaderLength + length))
}

// Payload returns the writable payload slice for a previously-claimed
// frame, for the caller to fill before Commit.
func (lb *LogBuffer) Payload(termID, termOffset, length int32) []byte {
	idx := IndexByTerm(lb.initialTermID, termID)
	return lb.partitions[idx].buffer[termOffset+HeaderLength : termOffset+HeaderLength+length]
}

// FrameAt returns the frame header view at (termID, termOffset).
func (lb *LogBuffer) FrameAt(termID, termOffset int32) FrameHeader {
	idx := IndexByTerm(lb.initialTermID, termID)
	return FrameHeader(lb.partitions[idx].buffer[termOffset : termOffset+HeaderLength])
}

// ValidateFrame implements spec.md §4.1's "frame length mismatch with
// header constant fails with INVALID_FRAME": a committed frame's length
// must be at least HeaderLength and aligned to FrameAlignment. Callers
// that read a frame back out of the log buffer for retransmission
// check this before trusting frameLength to size a slice.
func ValidateFrame(h FrameHeader) error {
	fl := h.FrameLength()
	if fl < HeaderLength || fl != Align(fl) {
		return aerr.New(aerr.InvalidFrame, fmt.Sprintf("logbuffer: frame length %d invalid", fl))
	}
	return nil
}

// Unblock implements §4.1/§4.5's blocked-publisher recovery: if the
// frame at consumerPosition is unwritten (zero length) and the term has
// otherwise progressed past it, writes a padding frame spanning the gap
// up to the next committed frame (or term end) and reports success.
func (lb *LogBuffer) Unblock(consumerPosition int64) bool {
	termID := ComputeTermIDFromPosition(consumerPosition, lb.bits, lb.initialTermID)
	termOffset := ComputeTermOffsetFromPosition(consumerPosition, lb.bits)
	idx := IndexByTerm(lb.initialTermID, termID)
	p := lb.partitions[idx]

	h := FrameHeader(p.buffer[termOffset:])
	if !h.IsZero() {
		return false
	}

	_, tailOffset := p.rawTailValue()
	gap := tailOffset - termOffset
	if tailOffset >= lb.termLength {
		gap = lb.termLength - termOffset
	}
	if gap <= 0 {
		return false
	}

	// scan forward for the next non-zero frame length to bound the gap
	scanLimit := termOffset + gap
	length := gap
	for off := termOffset + HeaderLength; off < scanLimit; off += FrameAlignment {
		if off+HeaderLength > int32(len(p.buffer)) {
			break
		}
		probe := FrameHeader(p.buffer[off:])
		if !probe.IsZero() {
			length = off - termOffset
			break
		}
	}

	lb.appendPadding(p, termOffset, length, termID)
	return true
}

// CleanTo zeros every byte in (cleanPosition, position], frame by frame,
// writing each frame's first 8 bytes (which includes the frame-length
// release word) last so a concurrent reader never observes a partially
// zeroed, non-zero-length frame (spec.md §4.1, testable property 4).
func (lb *LogBuffer) CleanTo(position int64) {
	from := lb.cleanPosition.Load()
	if position <= from {
		return
	}
	for pos := from; pos < position; {
		termID := ComputeTermIDFromPosition(pos, lb.bits, lb.initialTermID)
		termOffset := ComputeTermOffsetFromPosition(pos, lb.bits)
		idx := IndexByTerm(lb.initialTermID, termID)
		buf := lb.partitions[idx].buffer

		h := FrameHeader(buf[termOffset:])
		frameLen := h.FrameLength()
		if frameLen <= 0 {
			frameLen = FrameAlignment
		}
		end := termOffset + frameLen
		if end > lb.termLength {
			end = lb.termLength
		}

		if end-termOffset > 8 {
			for i := termOffset + 8; i < end; i++ {
				buf[i] = 0
			}
		}
		for i := termOffset; i < termOffset+8 && i < end; i++ {
			buf[i] = 0
		}

		pos += int64(end - termOffset)
	}
	lb.cleanPosition.Store(position)
}
