package bp

import (
	"fmt"
	"sync"
	"time"
)

// nowSeconds is the custody clock source; a single indirection point so
// tests can substitute a deterministic clock.
var nowSeconds = func() int64 { return time.Now().Unix() }

// custodyRecord is a key->deadline entry scanned by a clock thread; on
// expiry without a custody signal, the bundle is reforwarded (Design
// Notes, "Custody-due timer"). It is intentionally not coupled to any
// specific timing primitive: ScanExpired takes the caller's clock.
type custodyRecord struct {
	bundle   *Bundle
	deadline int64
}

// CustodyTable tracks the custody-due deadline for every bundle currently
// forwarded with SourceCustodyRequired.
type CustodyTable struct {
	mu      sync.Mutex
	records map[string]*custodyRecord
}

func NewCustodyTable() *CustodyTable {
	return &CustodyTable{records: make(map[string]*custodyRecord)}
}

// Arm sets (or resets) bundle's custody-due deadline to now+expectedRTTSec
// (§4.4.3).
func (c *CustodyTable) Arm(b *Bundle, expectedRTTSec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[b.id] = &custodyRecord{bundle: b, deadline: nowSeconds() + expectedRTTSec}
}

// Accept clears the custody-due timer on receipt of a custody-acceptance
// signal (the CT status report, SUPPLEMENTED FEATURES item 5).
func (c *CustodyTable) Accept(b *Bundle) {
	c.mu.Lock()
	delete(c.records, b.id)
	c.mu.Unlock()
	reportIfRequested(b, IndicationCustodyAccepted, DeletionReasonNone, Timestamp{Seconds: uint64(nowSeconds())})
}

// ScanExpired returns every bundle whose deadline is at or before now,
// removing them from the table; the caller is responsible for
// reforwarding each one (via Forwarder.Forward).
func (c *CustodyTable) ScanExpired(now int64) []*Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*Bundle
	for id, rec := range c.records {
		if rec.deadline <= now {
			due = append(due, rec.bundle)
			delete(c.records, id)
		}
	}
	for _, b := range due {
		reportIfRequested(b, IndicationCustodyTimeout, DeletionReasonNone, Timestamp{Seconds: uint64(now)})
	}
	return due
}

// ErrCriticalCannotSuspend names the condition of Suspend being asked to
// touch a MINIMUM_LATENCY bundle. Suspend does not return it: that case
// is a silent no-op (no state change, nil error).
var ErrCriticalCannotSuspend = fmt.Errorf("bp: cannot suspend a minimum-latency bundle")

// Suspend moves bundle from its outduct queue to the limbo queue and
// marks it suspended (§4.4.3). A MINIMUM_LATENCY bundle is left queued
// and untouched; Suspend still reports success (S5: "return value is
// success-with-no-op").
func Suspend(f *Forwarder, out *Outduct, b *Bundle) error {
	if b.COS.MinimumLatency() {
		return nil
	}
	if !out.Remove(b) {
		return nil
	}
	f.mu.Lock()
	f.limbo = append(f.limbo, b)
	f.metrics.limboed.Inc()
	f.metrics.limboDepth.Set(float64(len(f.limbo)))
	f.mu.Unlock()
	b.Suspended = true
	return nil
}

// Resume removes bundle from the limbo queue and re-admits it to the
// forwarder for a fresh routing decision (§4.4.3).
func Resume(f *Forwarder, b *Bundle) error {
	f.mu.Lock()
	idx := -1
	for i, cand := range f.limbo {
		if cand == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.mu.Unlock()
		return nil
	}
	f.limbo = append(f.limbo[:idx], f.limbo[idx+1:]...)
	f.metrics.limboDepth.Set(float64(len(f.limbo)))
	f.mu.Unlock()

	b.Suspended = false
	return f.Forward(b)
}
