// Package bp implements the Bundle Protocol engine: bundle admission and
// delivery through named endpoints, forwarding against a static plan/rule/
// group table with BSS stream tracking, custody and suspend/resume, and
// convergence-layer reception with a bounded acquisition-area pool
// (§3.4, §4.4).
package bp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/xid"

	"github.com/go-dtn/ion/internal/heap"
	"github.com/go-dtn/ion/pkg/zco"
)

// EID is a scheme-qualified endpoint identifier ("ipn:12.1", "dtn://host/sv").
type EID string

// Timestamp is a bundle creation timestamp: seconds since the DTN epoch
// plus a sequence count disambiguating bundles created in the same second.
type Timestamp struct {
	Seconds     uint64
	SequenceCnt uint64
}

// CustodyRequirement is the bundle's custody-transfer switch.
type CustodyRequirement int

const (
	NoCustodyRequested CustodyRequirement = iota
	SourceCustodyRequired
)

// SRRFlags are the status-report-request bits a sender can set (matching
// bping's report-flag vocabulary: rcv, ct, fwd, dlv, del, ctr).
type SRRFlags uint8

const (
	SRRReceived SRRFlags = 1 << iota
	SRRCustodyAccepted
	SRRForwarded
	SRRDelivered
	SRRDeleted
	SRRCustodyTimeout
)

// ECOSFlags are the extended class-of-service bits.
type ECOSFlags uint8

const (
	// ECOSCritical marks the bundle MINIMUM_LATENCY: it must never be
	// suspended (§4.4.3).
	ECOSCritical ECOSFlags = 1 << iota
	ECOSUnreliable
)

// ClassOfService is the parsed form of a COS token (§3.4, §6).
type ClassOfService struct {
	Custody    CustodyRequirement
	Priority   uint8 // 0-2
	Ordinal    uint8 // 0-254, 255 demoted to 254 by Send
	Unreliable bool
	Critical   bool
	FlowLabel  uint32
}

// MinimumLatency reports whether this COS marks the bundle as critical
// traffic, which suspend() must refuse to touch (§4.4.3).
func (c ClassOfService) MinimumLatency() bool { return c.Critical }

// AgeBlock tracks cumulative in-transit age in lieu of a trustworthy
// creation-time clock at every hop (ION's bei.c; populated only when the
// source's clock is not known to be reliable).
type AgeBlock struct {
	Enabled bool
	AgeMs   uint64
}

// Bundle is the BP-level application data unit plus its metadata (§3.4).
type Bundle struct {
	Source   EID
	Dest     EID
	ReportTo EID

	Creation Timestamp
	TTLSec   uint64

	COS ClassOfService

	SRR      SRRFlags
	AckToken bool

	Delivered bool
	Suspended bool

	Payload *zco.Zco

	ProxNodeEID EID

	Age AgeBlock

	// id is an opaque, process-unique handle (not part of the wire
	// bundle); engines key their tables on it. Not a wire-mandated
	// numeric domain, so it uses the ambient xid handle idiom rather
	// than a hand-rolled counter.
	id string

	// dh/recList/recNode locate this bundle's metadata record in the
	// "bpBundleDB" DH list, set by Engine.persistBundle and cleared by
	// retire once the bundle is delivered locally. Nil/zero on a bundle
	// that was never persisted (e.g. decoded stand-alone in a test).
	dh      *heap.Heap
	recList heap.ListID
	recNode heap.NodeID
}

// newBundleID mints a fresh process-unique bundle handle.
func newBundleID() string { return xid.New().String() }

// ID returns the bundle's process-unique handle.
func (b *Bundle) ID() string { return b.id }

// Ordinal255 is the reserved ordinal value that Send demotes to 254
// (§8 property 8).
const Ordinal255 = 255

const maxOrdinal = 254

func clampOrdinal(o uint8) uint8 {
	if o == Ordinal255 {
		return maxOrdinal
	}
	return o
}

// ParseCOSToken parses a dotted class-of-service string:
// "custody.priority.ordinal[.unreliable.critical[.flowLabel]]". Valid
// field counts are 2, 3, 5 or 6; any other count, or an out-of-bounds
// field, is rejected (§3.4, §8 boundary behaviors, §8 scenario S6).
func ParseCOSToken(token string) (ClassOfService, error) {
	parts := strings.Split(token, ".")
	n := len(parts)
	if n != 2 && n != 3 && n != 5 && n != 6 {
		return ClassOfService{}, fmt.Errorf("bp: cos token %q has %d fields, want 2, 3, 5 or 6", token, n)
	}
	vals := make([]uint64, n)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ClassOfService{}, fmt.Errorf("bp: cos token %q: field %d: %w", token, i, err)
		}
		vals[i] = v
	}

	cos := ClassOfService{}
	if vals[0] > 1 {
		return ClassOfService{}, fmt.Errorf("bp: cos token %q: custody field out of range", token)
	}
	if vals[0] == 1 {
		cos.Custody = SourceCustodyRequired
	}
	if vals[1] > 2 {
		return ClassOfService{}, fmt.Errorf("bp: cos token %q: priority %d exceeds 2", token, vals[1])
	}
	cos.Priority = uint8(vals[1])

	if n >= 3 {
		if vals[2] > 255 {
			return ClassOfService{}, fmt.Errorf("bp: cos token %q: ordinal %d exceeds 255", token, vals[2])
		}
		cos.Ordinal = uint8(vals[2])
	}
	if n >= 5 {
		if vals[3] > 1 || vals[4] > 1 {
			return ClassOfService{}, fmt.Errorf("bp: cos token %q: unreliable/critical must be 0 or 1", token)
		}
		cos.Unreliable = vals[3] == 1
		cos.Critical = vals[4] == 1
	}
	if n == 6 {
		cos.FlowLabel = uint32(vals[5])
	}
	return cos, nil
}
