package cl

import (
	"fmt"
	"net"
	"sync"
	"time"
)

func init() {
	RegisterLink("udp", NewUDPLink)
	RegisterLink("udplso", NewUDPLink)
}

// maxUDPSegment is the largest payload one IPv4 UDP datagram can carry,
// so each LTP segment fits in a single datagram (§6: "UDP: one datagram =
// one segment"); segments above the path MTU are IP-fragmented.
const maxUDPSegment = 65507

// MaxUDPSegmentSize exposes maxUDPSegment for callers (e.g. the udplso
// command) that need to size a Span's MaxSegmentSize to match this link.
func MaxUDPSegmentSize() int { return maxUDPSegment }

// UDPLink is the UDP convergence layer (udplso/udpcli, §6). One
// datagram always carries exactly one LTP segment; no length prefix is
// needed. The output side honors an optional bits-per-second rate
// limit, sleeping after each send proportional to the segment size
// (§4.3.4, §6).
type UDPLink struct {
	mu       sync.Mutex
	channel  string
	conn     *net.UDPConn
	remote   *net.UDPAddr
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool

	// RateBitsPerSec throttles Send when non-zero.
	RateBitsPerSec uint64
}

// NewUDPLink returns a link for channel ("host:port"); Connect resolves
// it as the remote peer address, Listen as the local one.
func NewUDPLink(channel string) (Link, error) {
	return &UDPLink{channel: channel, stopChan: make(chan struct{})}, nil
}

func (l *UDPLink) Connect(...any) error {
	addr, err := net.ResolveUDPAddr("udp", l.channel)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.remote = addr
	l.mu.Unlock()
	return nil
}

// Listen binds channel as the local receiving address, for use as an
// input-side (udpcli) daemon.
func (l *UDPLink) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.channel)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *UDPLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopChan)
		l.wg.Wait()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Send writes segment as one datagram, then sleeps long enough to honor
// RateBitsPerSec if set.
func (l *UDPLink) Send(segment []byte) error {
	if len(segment) > maxUDPSegment {
		return fmt.Errorf("ltp/cl: udp segment %d exceeds %d bytes", len(segment), maxUDPSegment)
	}
	l.mu.Lock()
	conn := l.conn
	remote := l.remote
	rate := l.RateBitsPerSec
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ltp/cl: udp link not connected")
	}

	var err error
	if remote != nil {
		_, err = conn.WriteToUDP(segment, remote)
	} else {
		_, err = conn.Write(segment)
	}
	if err != nil {
		return err
	}
	if rate > 0 {
		bits := uint64(len(segment)) * 8
		time.Sleep(time.Duration(bits) * time.Second / time.Duration(rate))
	}
	return nil
}

// Subscribe reads datagrams, each delivered as exactly one segment.
func (l *UDPLink) Subscribe(listener SegmentListener) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	conn := l.conn
	l.running = true
	l.wg.Add(1)
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ltp/cl: udp link not connected")
	}

	go func() {
		defer l.wg.Done()
		buf := make([]byte, maxUDPSegment)
		for {
			select {
			case <-l.stopChan:
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
			segment := make([]byte, n)
			copy(segment, buf[:n])
			listener.Handle(segment)
		}
	}()
	return nil
}
