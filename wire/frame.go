// Package wire implements the non-DATA UDP message layouts of
// spec.md §6: SETUP, status message (SM), NAK, and RTT measurement
// (RTTM), each riding on the same 32-byte frame header as DATA/PAD
// frames (see logbuffer.FrameHeader), little-endian, with a
// message-specific body following the header.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/nimbusmq/mediadriver/logbuffer"
)

// Body lengths in bytes, each following the 32-byte frame header.
const (
	setupBodyLength = 32
	smBodyLength    = 24
	nakBodyLength   = 16
	rttBodyLength   = 24
)

// Setup is the SETUP message body: §6 "(termOffset, sessionId,
// streamId, initialTermId, activeTermId, termLength, mtuLength, ttl)".
// termOffset/sessionId/streamId already live in the shared frame
// header, activeTermId in its termId field; the remaining fields
// follow it.
type Setup struct {
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MtuLength     int32
	TTL           int32
}

// EncodeSetup writes a complete SETUP frame (header + body) into buf,
// which must be at least HeaderLength+setupBodyLength bytes.
func EncodeSetup(buf []byte, s Setup) error {
	if len(buf) < logbuffer.HeaderLength+setupBodyLength {
		return errors.New("wire: buffer too small for SETUP")
	}
	h := logbuffer.FrameHeader(buf)
	h.SetType(logbuffer.TypeSetup)
	h.SetVersion(logbuffer.CurrentVersion)
	h.SetFlags(0)
	h.SetTermOffset(s.TermOffset)
	h.SetSessionID(s.SessionID)
	h.SetStreamID(s.StreamID)
	h.SetTermID(s.ActiveTermID)

	body := buf[logbuffer.HeaderLength:]
	binary.LittleEndian.PutUint32(body[0:], uint32(s.InitialTermID))
	binary.LittleEndian.PutUint32(body[4:], uint32(s.TermLength))
	binary.LittleEndian.PutUint32(body[8:], uint32(s.MtuLength))
	binary.LittleEndian.PutUint32(body[12:], uint32(s.TTL))

	h.SetFrameLengthOrdered(int32(logbuffer.HeaderLength + setupBodyLength))
	return nil
}

// DecodeSetup parses a SETUP frame previously written by EncodeSetup.
func DecodeSetup(buf []byte) (Setup, error) {
	if len(buf) < logbuffer.HeaderLength+setupBodyLength {
		return Setup{}, errors.New("wire: buffer too small for SETUP")
	}
	h := logbuffer.FrameHeader(buf)
	if h.Type() != logbuffer.TypeSetup {
		return Setup{}, errors.Errorf("wire: frame type %d is not SETUP", h.Type())
	}
	body := buf[logbuffer.HeaderLength:]
	return Setup{
		TermOffset:    h.TermOffset(),
		SessionID:     h.SessionID(),
		StreamID:      h.StreamID(),
		ActiveTermID:  h.TermID(),
		InitialTermID: int32(binary.LittleEndian.Uint32(body[0:])),
		TermLength:    int32(binary.LittleEndian.Uint32(body[4:])),
		MtuLength:     int32(binary.LittleEndian.Uint32(body[8:])),
		TTL:           int32(binary.LittleEndian.Uint32(body[12:])),
	}, nil
}

// StatusMessage is the SM body: §6 "(sessionId, streamId,
// consumptionTermId, consumptionTermOffset, receiverWindow,
// receiverId, groupTag?)". GroupTag is only meaningful when HasGroupTag
// is set (an SM from a receiver on a "tagged" flow-control channel).
type StatusMessage struct {
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
	ReceiverID            int64
	HasGroupTag           bool
	GroupTag              int64
}

func EncodeStatusMessage(buf []byte, sm StatusMessage) error {
	if len(buf) < logbuffer.HeaderLength+smBodyLength {
		return errors.New("wire: buffer too small for SM")
	}
	h := logbuffer.FrameHeader(buf)
	h.SetType(logbuffer.TypeSM)
	h.SetVersion(logbuffer.CurrentVersion)
	flags := byte(0)
	if sm.HasGroupTag {
		flags |= 0x80
	}
	h.SetFlags(flags)
	h.SetSessionID(sm.SessionID)
	h.SetStreamID(sm.StreamID)
	h.SetTermID(sm.ConsumptionTermID)
	h.SetTermOffset(sm.ConsumptionTermOffset)

	body := buf[logbuffer.HeaderLength:]
	binary.LittleEndian.PutUint32(body[0:], uint32(sm.ReceiverWindow))
	binary.LittleEndian.PutUint64(body[4:], uint64(sm.ReceiverID))
	binary.LittleEndian.PutUint64(body[12:], uint64(sm.GroupTag))

	h.SetFrameLengthOrdered(int32(logbuffer.HeaderLength + smBodyLength))
	return nil
}

func DecodeStatusMessage(buf []byte) (StatusMessage, error) {
	if len(buf) < logbuffer.HeaderLength+smBodyLength {
		return StatusMessage{}, errors.New("wire: buffer too small for SM")
	}
	h := logbuffer.FrameHeader(buf)
	if h.Type() != logbuffer.TypeSM {
		return StatusMessage{}, errors.Errorf("wire: frame type %d is not SM", h.Type())
	}
	body := buf[logbuffer.HeaderLength:]
	return StatusMessage{
		SessionID:             h.SessionID(),
		StreamID:              h.StreamID(),
		ConsumptionTermID:     h.TermID(),
		ConsumptionTermOffset: h.TermOffset(),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(body[0:])),
		ReceiverID:            int64(binary.LittleEndian.Uint64(body[4:])),
		HasGroupTag:           h.Flags()&0x80 != 0,
		GroupTag:              int64(binary.LittleEndian.Uint64(body[12:])),
	}, nil
}

// NAK is the NAK body: §6 "(sessionId, streamId, termId, termOffset,
// length)".
type NAK struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

func EncodeNAK(buf []byte, n NAK) error {
	if len(buf) < logbuffer.HeaderLength+nakBodyLength {
		return errors.New("wire: buffer too small for NAK")
	}
	h := logbuffer.FrameHeader(buf)
	h.SetType(logbuffer.TypeNAK)
	h.SetVersion(logbuffer.CurrentVersion)
	h.SetFlags(0)
	h.SetSessionID(n.SessionID)
	h.SetStreamID(n.StreamID)
	h.SetTermID(n.TermID)
	h.SetTermOffset(n.TermOffset)

	body := buf[logbuffer.HeaderLength:]
	binary.LittleEndian.PutUint32(body[0:], uint32(n.Length))

	h.SetFrameLengthOrdered(int32(logbuffer.HeaderLength + nakBodyLength))
	return nil
}

func DecodeNAK(buf []byte) (NAK, error) {
	if len(buf) < logbuffer.HeaderLength+nakBodyLength {
		return NAK{}, errors.New("wire: buffer too small for NAK")
	}
	h := logbuffer.FrameHeader(buf)
	if h.Type() != logbuffer.TypeNAK {
		return NAK{}, errors.Errorf("wire: frame type %d is not NAK", h.Type())
	}
	body := buf[logbuffer.HeaderLength:]
	return NAK{
		SessionID:  h.SessionID(),
		StreamID:   h.StreamID(),
		TermID:     h.TermID(),
		TermOffset: h.TermOffset(),
		Length:     int32(binary.LittleEndian.Uint32(body[0:])),
	}, nil
}

// RTT is the RTTM body: §6 "(echoTimestampNs, receptionDelayNs,
// receiverId)".
type RTT struct {
	SessionID        int32
	StreamID         int32
	EchoTimestampNs  int64
	ReceptionDelayNs int64
	ReceiverID       int64
	IsReply          bool
}

func EncodeRTT(buf []byte, r RTT) error {
	if len(buf) < logbuffer.HeaderLength+rttBodyLength {
		return errors.New("wire: buffer too small for RTT")
	}
	h := logbuffer.FrameHeader(buf)
	h.SetType(logbuffer.TypeRTT)
	h.SetVersion(logbuffer.CurrentVersion)
	flags := byte(0)
	if r.IsReply {
		flags |= 0x80
	}
	h.SetFlags(flags)
	h.SetSessionID(r.SessionID)
	h.SetStreamID(r.StreamID)

	body := buf[logbuffer.HeaderLength:]
	binary.LittleEndian.PutUint64(body[0:], uint64(r.EchoTimestampNs))
	binary.LittleEndian.PutUint64(body[8:], uint64(r.ReceptionDelayNs))
	binary.LittleEndian.PutUint64(body[16:], uint64(r.ReceiverID))

	h.SetFrameLengthOrdered(int32(logbuffer.HeaderLength + rttBodyLength))
	return nil
}

func DecodeRTT(buf []byte) (RTT, error) {
	if len(buf) < logbuffer.HeaderLength+rttBodyLength {
		return RTT{}, errors.New("wire: buffer too small for RTT")
	}
	h := logbuffer.FrameHeader(buf)
	if h.Type() != logbuffer.TypeRTT {
		return RTT{}, errors.Errorf("wire: frame type %d is not RTT", h.Type())
	}
	body := buf[logbuffer.HeaderLength:]
	return RTT{
		SessionID:        h.SessionID(),
		StreamID:         h.StreamID(),
		EchoTimestampNs:  int64(binary.LittleEndian.Uint64(body[0:])),
		ReceptionDelayNs: int64(binary.LittleEndian.Uint64(body[8:])),
		ReceiverID:       int64(binary.LittleEndian.Uint64(body[16:])),
		IsReply:          h.Flags()&0x80 != 0,
	}, nil
}
