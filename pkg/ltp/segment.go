package ltp

import "github.com/pkg/errors"

// SegmentType is the low nibble of the LTP control byte (§4.3.1, §6).
type SegmentType uint8

const (
	SegRedData       SegmentType = 0x0
	SegRedCheckpoint SegmentType = 0x1 // red data segment, checkpoint bit set
	SegGreenData     SegmentType = 0x4
	SegGreenEOB      SegmentType = 0x7 // green data segment, EOB bit set
	SegReport        SegmentType = 0x8
	SegReportAck     SegmentType = 0x9
	SegCancelSender  SegmentType = 0xc
	SegCancelAck     SegmentType = 0xe // acks either direction of cancel
	SegCancelReceiver SegmentType = 0xd
)

const ltpVersion = 0

// ErrSegmentTooLarge is returned when a caller attempts to enqueue a
// segment exceeding a span's negotiated maximum, or a convergence layer's
// own datagram/message ceiling (§8 boundary behaviors).
var ErrSegmentTooLarge = errors.New("ltp: segment exceeds maximum size")

// SessionID names an LTP session: the engine that opened it plus a
// session number scoped to that engine (§3.3).
type SessionID struct {
	SourceEngine uint64
	Number       uint64
}

// ReceptionClaim is one contiguous span of received red-part bytes, as
// carried in a report segment's claim list (§6).
type ReceptionClaim struct {
	Offset uint64
	Length uint64
}

// Segment is a single LTP wire unit (§3.3, §4.3.1). Only the fields
// relevant to its Type are populated by Encode/Decode.
type Segment struct {
	Type    SegmentType
	Session SessionID

	// Data segments.
	ClientID         uint64
	Offset           uint64
	Length           uint64
	Payload          []byte
	IsCheckpoint     bool
	CheckpointSerial uint64
	ReportSerial     uint64
	IsEOB            bool

	// Report segments.
	RptSerial     uint64
	RptCkptSerial uint64
	UpperBound    uint64
	LowerBound    uint64
	Claims        []ReceptionClaim

	// Report-ack.
	AckSerial uint64

	// Cancel / cancel-ack.
	Reason CancelReason
}

// CancelReason mirrors the small enumeration the CCSDS LTP spec defines
// for why a session was cancelled.
type CancelReason uint8

const (
	ReasonUserCancelled CancelReason = iota
	ReasonUnreachable
	ReasonRLEXC // retransmission limit exceeded
	ReasonMiscolored
	ReasonSystemCancelled
)

func isRed(t SegmentType) bool { return t == SegRedData || t == SegRedCheckpoint }
func isGreen(t SegmentType) bool { return t == SegGreenData || t == SegGreenEOB }
func isData(t SegmentType) bool { return isRed(t) || isGreen(t) }

// Encode serializes s per §6's wire layout.
func (s *Segment) Encode() []byte {
	buf := make([]byte, 0, 32+len(s.Payload))
	control := byte(ltpVersion<<4) | byte(s.Type)
	buf = append(buf, control)
	buf = encodeSDNV(buf, s.Session.SourceEngine)
	buf = encodeSDNV(buf, s.Session.Number)

	switch {
	case isData(s.Type):
		buf = encodeSDNV(buf, s.ClientID)
		buf = encodeSDNV(buf, s.Offset)
		buf = encodeSDNV(buf, s.Length)
		if s.IsCheckpoint {
			buf = encodeSDNV(buf, s.CheckpointSerial)
			buf = encodeSDNV(buf, s.ReportSerial)
		}
		buf = append(buf, s.Payload...)
	case s.Type == SegReport:
		buf = encodeSDNV(buf, s.RptSerial)
		buf = encodeSDNV(buf, s.RptCkptSerial)
		buf = encodeSDNV(buf, s.UpperBound)
		buf = encodeSDNV(buf, s.LowerBound)
		buf = encodeSDNV(buf, uint64(len(s.Claims)))
		for _, c := range s.Claims {
			buf = encodeSDNV(buf, c.Offset)
			buf = encodeSDNV(buf, c.Length)
		}
	case s.Type == SegReportAck:
		buf = encodeSDNV(buf, s.AckSerial)
	case s.Type == SegCancelSender || s.Type == SegCancelReceiver:
		buf = append(buf, byte(s.Reason))
	case s.Type == SegCancelAck:
		// body-less
	}
	return buf
}

// DecodeSegment parses a wire segment per Encode's layout.
func DecodeSegment(buf []byte) (*Segment, error) {
	if len(buf) < 1 {
		return nil, errors.New("ltp: empty segment")
	}
	control := buf[0]
	s := &Segment{Type: SegmentType(control & 0x0f)}
	buf = buf[1:]

	v, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, errors.Wrap(err, "ltp: decode source engine")
	}
	s.Session.SourceEngine = v
	buf = buf[n:]

	v, n, err = decodeSDNV(buf)
	if err != nil {
		return nil, errors.Wrap(err, "ltp: decode session number")
	}
	s.Session.Number = v
	buf = buf[n:]

	switch {
	case isData(s.Type):
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, errors.Wrap(err, "ltp: decode client id")
		}
		s.ClientID = v
		buf = buf[n:]
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, errors.Wrap(err, "ltp: decode offset")
		}
		s.Offset = v
		buf = buf[n:]
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, errors.Wrap(err, "ltp: decode length")
		}
		s.Length = v
		buf = buf[n:]

		s.IsEOB = s.Type == SegGreenEOB
		s.IsCheckpoint = s.Type == SegRedCheckpoint
		if s.IsCheckpoint {
			if v, n, err = decodeSDNV(buf); err != nil {
				return nil, errors.Wrap(err, "ltp: decode checkpoint serial")
			}
			s.CheckpointSerial = v
			buf = buf[n:]
			if v, n, err = decodeSDNV(buf); err != nil {
				return nil, errors.Wrap(err, "ltp: decode report serial")
			}
			s.ReportSerial = v
			buf = buf[n:]
		}
		s.Payload = append([]byte(nil), buf...)

	case s.Type == SegReport:
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		s.RptSerial = v
		buf = buf[n:]
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		s.RptCkptSerial = v
		buf = buf[n:]
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		s.UpperBound = v
		buf = buf[n:]
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		s.LowerBound = v
		buf = buf[n:]
		var count uint64
		if count, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		buf = buf[n:]
		s.Claims = make([]ReceptionClaim, 0, count)
		for i := uint64(0); i < count; i++ {
			var off, length uint64
			if off, n, err = decodeSDNV(buf); err != nil {
				return nil, err
			}
			buf = buf[n:]
			if length, n, err = decodeSDNV(buf); err != nil {
				return nil, err
			}
			buf = buf[n:]
			s.Claims = append(s.Claims, ReceptionClaim{Offset: off, Length: length})
		}

	case s.Type == SegReportAck:
		if v, n, err = decodeSDNV(buf); err != nil {
			return nil, err
		}
		s.AckSerial = v

	case s.Type == SegCancelSender || s.Type == SegCancelReceiver:
		if len(buf) < 1 {
			return nil, errors.New("ltp: truncated cancel reason")
		}
		s.Reason = CancelReason(buf[0])

	case s.Type == SegCancelAck:
		// nothing further
	}
	return s, nil
}
