package cl

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

func init() {
	RegisterLink("tcp", NewTCPLink)
	RegisterLink("stcp", NewTCPLink)
}

// maxTCPSegment is the length-prefix ceiling the spec calls out for
// tcpts: a 2-byte big-endian length field tops out at 65535 (§6, §8
// boundary behaviors).
const maxTCPSegment = 65535

// TCPLink is the length-prefixed TCP convergence layer (STCP/TCPTS,
// §6). Framing follows the teacher's virtual CAN bus transport
// (pkg/can/virtual/virtual.go) almost exactly, with a 4-byte frame
// swapped for a 2-byte segment length.
type TCPLink struct {
	mu        sync.Mutex
	channel   string
	conn      net.Conn
	listener  net.Listener
	listener_ bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// NewTCPLink returns a link for channel ("host:port"); Connect dials it.
// Use Listen instead for the input-side (stcpcli-style) daemon.
func NewTCPLink(channel string) (Link, error) {
	return &TCPLink{channel: channel, stopChan: make(chan struct{})}, nil
}

func (l *TCPLink) Connect(...any) error {
	conn, err := net.Dial("tcp", l.channel)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

// Listen starts accepting inbound connections instead of dialing out,
// for use as a CL input daemon (§4.4.4's stcpcli).
func (l *TCPLink) Listen() error {
	ln, err := net.Listen("tcp", l.channel)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.listener = ln
	l.listener_ = true
	l.mu.Unlock()
	return nil
}

func (l *TCPLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopChan)
		l.wg.Wait()
	}
	if l.listener != nil {
		_ = l.listener.Close()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// Send writes one length-prefixed segment; errors are transient I/O
// (§7): the caller (an LSO) drops the segment and lets LTP retransmit.
func (l *TCPLink) Send(segment []byte) error {
	if len(segment) > maxTCPSegment {
		return fmt.Errorf("ltp/cl: tcp segment %d exceeds %d bytes", len(segment), maxTCPSegment)
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ltp/cl: tcp link not connected")
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(segment)))
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(segment)
	return err
}

// Subscribe accepts connections (if listening) or reads from the single
// dialed connection, delivering one length-prefixed segment at a time.
func (l *TCPLink) Subscribe(listener SegmentListener) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.wg.Add(1)
	ln := l.listener
	conn := l.conn
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		if ln != nil {
			l.acceptLoop(ln, listener)
			return
		}
		if conn != nil {
			l.readLoop(conn, listener)
		}
	}()
	return nil
}

func (l *TCPLink) acceptLoop(ln net.Listener, listener SegmentListener) {
	for {
		select {
		case <-l.stopChan:
			return
		default:
		}
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(200 * time.Millisecond))
		}
		conn, err := ln.Accept()
		if err != nil {
			continue
		}
		go l.readLoop(conn, listener)
	}
}

func (l *TCPLink) readLoop(conn net.Conn, listener SegmentListener) {
	defer conn.Close()
	header := make([]byte, 2)
	for {
		select {
		case <-l.stopChan:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, header); err != nil {
			if isTimeout(err) {
				continue
			}
			log.Debugf("ltp/cl: tcp read loop closing: %v", err)
			return
		}
		length := binary.BigEndian.Uint16(header)
		body := make([]byte, length)
		if _, err := readFull(conn, body); err != nil {
			log.Warnf("ltp/cl: tcp short body read: %v", err)
			return
		}
		listener.Handle(body)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
