package bp

import (
	"sync"

	"github.com/go-dtn/ion/internal/ipc"
)

// DirectiveKind selects which of a plan's up to three directives applies.
type DirectiveKind int

const (
	DirectiveDefault DirectiveKind = iota
	DirectiveRealTime
	DirectivePlayback
)

// Directive names the outduct a bundle should be queued to, plus the
// expected-RTT hint used to arm custody-due timers (§4.4.2, §4.4.3).
type Directive struct {
	OutductName    string
	ExpectedRTTSec int64
}

// Outduct is a per-convergence-layer outbound channel: three priority
// queues, a ready semaphore, and the nominal rate of a rate-limited
// protocol (§3.4). The limbo queue belongs to the Forwarder, not here.
type Outduct struct {
	Name        string
	Protocol    string
	NominalRate uint64 // bytes/sec, 0 = unthrottled

	mu     sync.Mutex
	queues [3][]*Bundle // indexed by ClassOfService.Priority

	ready *ipc.Semaphore
}

// NewOutduct creates an empty outduct for protocol (e.g. "ltp", "tcp").
func NewOutduct(name, protocol string, nominalRate uint64) *Outduct {
	return &Outduct{
		Name:        name,
		Protocol:    protocol,
		NominalRate: nominalRate,
		ready:       ipc.NewSemaphore("", 0, ipc.FIFO),
	}
}

// Enqueue appends bundle to its priority-class queue and wakes a
// DequeueBlocking caller (the convergence-layer output daemon for this
// outduct's protocol).
func (o *Outduct) Enqueue(b *Bundle) {
	o.mu.Lock()
	p := b.COS.Priority
	if p > 2 {
		p = 2
	}
	o.queues[p] = append(o.queues[p], b)
	o.mu.Unlock()
	o.ready.Give()
}

// DequeueBlocking blocks on the outduct's ready semaphore until a
// bundle is queued or the outduct is shut down, mirroring
// Span.DequeueOutboundSegment so a convergence-layer output daemon can
// drain an Outduct the same way an LSO drains a Span. Remove/
// removeExpired can pull a bundle out from under a pending Give without
// a matching Take, so a woken call that finds nothing queued retries
// rather than reporting a false shutdown.
func (o *Outduct) DequeueBlocking() (*Bundle, bool) {
	for {
		if o.ready.Take() == ipc.Ended {
			return nil, false
		}
		if b := o.Dequeue(); b != nil {
			return b, true
		}
	}
}

// Shutdown ends the outduct's ready semaphore, waking any blocked
// DequeueBlocking caller with an ended indication.
func (o *Outduct) Shutdown() {
	o.ready.End()
}

// Dequeue pops the highest-priority bundle queued, or nil if all three
// queues are empty.
func (o *Outduct) Dequeue() *Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	for p := 2; p >= 0; p-- {
		if len(o.queues[p]) > 0 {
			b := o.queues[p][0]
			o.queues[p] = o.queues[p][1:]
			return b
		}
	}
	return nil
}

// Depth reports the total bundle count across all three priority queues.
// It is not exported as a metric; the forwarder's only gauge is limbo depth.
func (o *Outduct) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range o.queues {
		n += len(q)
	}
	return n
}

// removeExpired drops and returns every bundle whose lifetime has
// passed nowSec from all three priority queues, called by
// Forwarder.SweepExpired (§3.4 bundle lifecycle).
func (o *Outduct) removeExpired(nowSec int64) []*Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	var expired []*Bundle
	for p, q := range o.queues {
		var kept []*Bundle
		for _, b := range q {
			if bundleExpired(b, nowSec) {
				expired = append(expired, b)
			} else {
				kept = append(kept, b)
			}
		}
		o.queues[p] = kept
	}
	return expired
}

// Remove drops b from whichever priority queue currently holds it, used
// by suspend() to pull a bundle out for the limbo queue (§4.4.3).
func (o *Outduct) Remove(b *Bundle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for p, q := range o.queues {
		for i, cand := range q {
			if cand == b {
				o.queues[p] = append(q[:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}
