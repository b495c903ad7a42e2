package bp

import (
	"github.com/pkg/errors"
)

// primaryBlockVersion is the only BPv6 primary block version this
// transport emits or accepts.
const primaryBlockVersion = 6

const (
	procFlagCustodyRequested byte = 1 << iota
	procFlagCritical
	procFlagUnreliable
	procFlagAckRequested
)

// encodeSDNV and decodeSDNV are bp's own copy of the CCSDS
// self-delimiting numeric value encoding pkg/ltp/codec.go uses for its
// segment fields; the primary block reuses the same scheme for its
// variable-length integers (timestamp, lifetime, EID lengths) rather
// than fixed-width fields, per §6 External Interfaces.
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

func decodeSDNV(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		if i == 9 && buf[i]&0x80 != 0 {
			return 0, 0, errors.New("bp: sdnv overflow")
		}
		v = (v << 7) | uint64(buf[i]&0x7f)
		if buf[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("bp: sdnv truncated")
}

func encodeEID(dst []byte, eid EID) []byte {
	dst = encodeSDNV(dst, uint64(len(eid)))
	return append(dst, eid...)
}

func decodeEID(buf []byte) (EID, []byte, error) {
	n, consumed, err := decodeSDNV(buf)
	if err != nil {
		return "", nil, errors.Wrap(err, "eid length")
	}
	buf = buf[consumed:]
	if uint64(len(buf)) < n {
		return "", nil, errors.New("bp: truncated eid")
	}
	return EID(buf[:n]), buf[n:], nil
}

// EncodeBundle renders b's primary block per §6 External Interfaces:
// version, processing flags, priority and ordinal bytes, SRR byte, flow
// label, the four
// EIDs (source, destination, report-to, previous-hop), creation
// timestamp, lifetime, and the age block. It does not implement BPv6's
// compressed offset-into-dictionary EID scheme; each EID is carried as
// its own length-prefixed string, which is sufficient for this
// transport's convergence layers to round-trip every field a local
// forwarding decision or status report needs.
func EncodeBundle(b *Bundle) []byte {
	out := make([]byte, 0, 64)
	out = append(out, primaryBlockVersion)

	var procFlags byte
	if b.COS.Custody == SourceCustodyRequired {
		procFlags |= procFlagCustodyRequested
	}
	if b.COS.Critical {
		procFlags |= procFlagCritical
	}
	if b.COS.Unreliable {
		procFlags |= procFlagUnreliable
	}
	if b.AckToken {
		procFlags |= procFlagAckRequested
	}
	out = append(out, procFlags, b.COS.Priority, b.COS.Ordinal, byte(b.SRR))
	out = encodeSDNV(out, uint64(b.COS.FlowLabel))

	out = encodeEID(out, b.Source)
	out = encodeEID(out, b.Dest)
	out = encodeEID(out, b.ReportTo)
	out = encodeEID(out, b.ProxNodeEID)

	out = encodeSDNV(out, b.Creation.Seconds)
	out = encodeSDNV(out, b.Creation.SequenceCnt)
	out = encodeSDNV(out, b.TTLSec)

	var ageByte byte
	if b.Age.Enabled {
		ageByte = 1
	}
	out = append(out, ageByte)
	out = encodeSDNV(out, b.Age.AgeMs)

	return out
}

// DecodeBundle parses a primary block encoded by EncodeBundle, returning
// the populated Bundle (minus Payload, ID and persistence bookkeeping,
// which the caller fills in) and the number of leading bytes the
// primary block consumed, so the caller can treat the remainder of raw
// as the bundle's application data unit.
func DecodeBundle(raw []byte) (*Bundle, int, error) {
	if len(raw) < 1 {
		return nil, 0, errors.New("bp: empty primary block")
	}
	if raw[0] != primaryBlockVersion {
		return nil, 0, errors.Errorf("bp: unsupported primary block version %d", raw[0])
	}
	if len(raw) < 5 {
		return nil, 0, errors.New("bp: truncated primary block")
	}
	procFlags := raw[1]
	priority := raw[2]
	ordinal := raw[3]
	srr := SRRFlags(raw[4])
	buf := raw[5:]

	flowLabel, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "flow label")
	}
	buf = buf[n:]

	source, buf, err := decodeEID(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "source eid")
	}
	dest, buf, err := decodeEID(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "destination eid")
	}
	reportTo, buf, err := decodeEID(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "report-to eid")
	}
	proxNode, buf, err := decodeEID(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "previous-hop eid")
	}

	creationSec, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "creation seconds")
	}
	buf = buf[n:]
	creationSeq, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "creation sequence")
	}
	buf = buf[n:]
	ttl, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "lifetime")
	}
	buf = buf[n:]

	if len(buf) < 1 {
		return nil, 0, errors.New("bp: truncated age block")
	}
	ageEnabled := buf[0] != 0
	buf = buf[1:]
	ageMs, n, err := decodeSDNV(buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "age")
	}
	buf = buf[n:]

	b := &Bundle{
		Source:   source,
		Dest:     dest,
		ReportTo: reportTo,
		Creation: Timestamp{Seconds: creationSec, SequenceCnt: creationSeq},
		TTLSec:   ttl,
		COS: ClassOfService{
			Custody:    custodyFromProcFlags(procFlags),
			Priority:   priority,
			Ordinal:    ordinal,
			Unreliable: procFlags&procFlagUnreliable != 0,
			Critical:   procFlags&procFlagCritical != 0,
			FlowLabel:  uint32(flowLabel),
		},
		SRR:         srr,
		AckToken:    procFlags&procFlagAckRequested != 0,
		ProxNodeEID: proxNode,
		Age:         AgeBlock{Enabled: ageEnabled, AgeMs: ageMs},
	}
	return b, len(raw) - len(buf), nil
}

func custodyFromProcFlags(procFlags byte) CustodyRequirement {
	if procFlags&procFlagCustodyRequested != 0 {
		return SourceCustodyRequired
	}
	return NoCustodyRequested
}
