// Package ltp implements the Licklider Transmission Protocol engine: the
// sender (ExportSession) and receiver (ImportSession) state machines that
// move a block of client service data across a single high-latency link,
// plus the span bookkeeping and timers that drive retransmission.
package ltp

import (
	"github.com/pkg/errors"
)

// ErrSDNVOverflow is returned when decoding a self-delimiting numeric
// value whose encoded length would exceed 64 bits of payload.
var ErrSDNVOverflow = errors.New("ltp: sdnv overflow")

// ErrSDNVTruncated is returned when buf runs out before a terminating
// (high-bit-clear) octet is seen.
var ErrSDNVTruncated = errors.New("ltp: sdnv truncated")

// encodeSDNV appends the CCSDS self-delimiting numeric value encoding of
// v to dst: 7 bits of payload per octet, continuation bit set on every
// octet but the last (§6, "SDNV session source engine id" etc.).
func encodeSDNV(dst []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp)
	i--
	tmp[i] = byte(v & 0x7f)
	v >>= 7
	for v > 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(dst, tmp[i:]...)
}

// decodeSDNV reads an SDNV from the front of buf, returning the decoded
// value and the number of bytes consumed.
func decodeSDNV(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		if i == 9 && buf[i]&0x80 != 0 {
			return 0, 0, ErrSDNVOverflow
		}
		v = (v << 7) | uint64(buf[i]&0x7f)
		if buf[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrSDNVTruncated
}
