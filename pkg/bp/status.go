package bp

import log "github.com/sirupsen/logrus"

// Indication identifies which event a StatusReport describes, matching
// bping's report-flag vocabulary (rcv, ct, fwd, dlv, del, ctr) plus the
// custody-acceptance signal ION sends back to the custodian source
// separately from delivery (§6, SUPPLEMENTED FEATURES item 5).
type Indication int

const (
	IndicationReceived Indication = iota
	IndicationCustodyAccepted
	IndicationForwarded
	IndicationDelivered
	IndicationDeleted
	IndicationCustodyTimeout
)

// DeletionReason qualifies an IndicationDeleted report.
type DeletionReason int

const (
	DeletionReasonNone DeletionReason = iota
	DeletionReasonLifetimeExpired
	DeletionReasonUnforwardable
	DeletionReasonDepletedStorage
)

// StatusReport is generated when a bundle's SRR flags request the
// corresponding indication. reportIfRequested logs it, naming the
// bundle's ReportTo EID; it is not sent as a bundle.
type StatusReport struct {
	Indication Indication
	Bundle     EID // source EID + creation timestamp identifies the bundle
	Creation   Timestamp
	ReasonCode DeletionReason
	AtTime     Timestamp
}

// wantsIndication reports whether the bundle's SRR flags request report
// generation for the given indication.
func wantsIndication(b *Bundle, ind Indication) bool {
	switch ind {
	case IndicationReceived:
		return b.SRR&SRRReceived != 0
	case IndicationCustodyAccepted:
		return b.SRR&SRRCustodyAccepted != 0
	case IndicationForwarded:
		return b.SRR&SRRForwarded != 0
	case IndicationDelivered:
		return b.SRR&SRRDelivered != 0
	case IndicationDeleted:
		return b.SRR&SRRDeleted != 0
	case IndicationCustodyTimeout:
		return b.SRR&SRRCustodyTimeout != 0
	}
	return false
}

func buildStatusReport(b *Bundle, ind Indication, reason DeletionReason, now Timestamp) *StatusReport {
	return &StatusReport{
		Indication: ind,
		Bundle:     b.Source,
		Creation:   b.Creation,
		ReasonCode: reason,
		AtTime:     now,
	}
}

func (ind Indication) String() string {
	switch ind {
	case IndicationReceived:
		return "received"
	case IndicationCustodyAccepted:
		return "custody-accepted"
	case IndicationForwarded:
		return "forwarded"
	case IndicationDelivered:
		return "delivered"
	case IndicationDeleted:
		return "deleted"
	case IndicationCustodyTimeout:
		return "custody-timeout"
	}
	return "unknown"
}

// reportIfRequested builds and dispatches a status report when b's SRR
// flags request ind. Status reports are routed back to ReportTo as a log
// record rather than a re-injected bundle: no scenario requires a status
// report to survive as Durable-Heap state or to arrive at a remote node
// over a convergence layer, and bping's own status-report handling is
// itself just formatted output (§6, SUPPLEMENTED FEATURES item 5).
func reportIfRequested(b *Bundle, ind Indication, reason DeletionReason, now Timestamp) {
	if !wantsIndication(b, ind) {
		return
	}
	buildStatusReport(b, ind, reason, now)
	log.Infof("bp: status report indication=%s bundle=%s source=%s dest=%s reportTo=%s reason=%d",
		ind, b.id, b.Source, b.Dest, b.ReportTo, reason)
}
