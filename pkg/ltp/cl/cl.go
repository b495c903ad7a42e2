// Package cl implements LTP convergence-layer adapters: per-link
// transports (TCP, UDP, POSIX message queue) that carry already-encoded
// LTP segments to and from a peer engine (§4.3.4, §6).
package cl

import "fmt"

// Link is a convergence-layer adapter. An LSO (link service output
// daemon) drains a Span's outbound queue and calls Send; an LSA (link
// service adapter, input) calls Subscribe once and delivers inbound
// segments to its callback. Mirrors the teacher's can.Bus interface
// (pkg/can/bus.go) with CAN frames replaced by encoded LTP segments.
type Link interface {
	Connect(...any) error
	Disconnect() error
	Send(segment []byte) error
	Subscribe(callback SegmentListener) error
}

// SegmentListener receives one inbound, already-defragmented LTP segment.
type SegmentListener interface {
	Handle(segment []byte)
}

// SegmentListenerFunc adapts a plain function to SegmentListener.
type SegmentListenerFunc func(segment []byte)

func (f SegmentListenerFunc) Handle(segment []byte) { f(segment) }

// NewLinkFunc constructs a Link bound to channel (an address, file path,
// or queue name depending on the transport).
type NewLinkFunc func(channel string) (Link, error)

var registry = make(map[string]NewLinkFunc)

// RegisterLink registers a new convergence-layer transport under name.
// Called from each transport's init(), matching
// can.RegisterInterface's plugin-registration idiom.
func RegisterLink(name string, newLink NewLinkFunc) {
	registry[name] = newLink
}

// NewLink creates a Link using the transport registered under name.
func NewLink(name, channel string) (Link, error) {
	newLink, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("ltp/cl: unsupported convergence layer %q", name)
	}
	return newLink(channel)
}
