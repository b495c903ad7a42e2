//go:build unix

package cl

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	RegisterLink("pmq", NewPMQLink)
	RegisterLink("pmqlso", NewPMQLink)
}

// maxPMQSegment bounds one queue message. Go has no POSIX mq_open
// binding in the standard library or golang.org/x/sys; a named FIFO
// created with mkfifo(2) stands in for the message queue, framed with
// the same 2-byte length prefix as the TCP convergence layer so a
// reader can tell where one segment ends and the next begins.
const maxPMQSegment = 65535

// PMQLink approximates the POSIX message queue convergence layer
// (pmqlso/pmqcli, §6) with a mkfifo(2) named pipe. Writes retry on
// EINTR, matching the spec's "retries on EINTR" requirement for the
// real mq_send/mq_receive calls this substitutes for.
type PMQLink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewPMQLink returns a link for the named FIFO at path; Connect creates
// the FIFO if needed and opens it.
func NewPMQLink(path string) (Link, error) {
	return &PMQLink{path: path, stopChan: make(chan struct{})}, nil
}

func (l *PMQLink) Connect(...any) error {
	if err := unix.Mkfifo(l.path, 0o600); err != nil && err != unix.EEXIST {
		return fmt.Errorf("ltp/cl: mkfifo %s: %w", l.path, err)
	}
	f, err := openRetryEINTR(l.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.file = f
	l.mu.Unlock()
	return nil
}

func (l *PMQLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopChan)
		l.wg.Wait()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Send writes one length-prefixed message, retrying the write on EINTR.
func (l *PMQLink) Send(segment []byte) error {
	if len(segment) > maxPMQSegment {
		return fmt.Errorf("ltp/cl: pmq segment %d exceeds %d bytes", len(segment), maxPMQSegment)
	}
	l.mu.Lock()
	f := l.file
	l.mu.Unlock()
	if f == nil {
		return fmt.Errorf("ltp/cl: pmq link not connected")
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(segment)))
	if err := writeRetryEINTR(f, header); err != nil {
		return err
	}
	return writeRetryEINTR(f, segment)
}

// Subscribe reads length-prefixed messages off the FIFO, retrying reads
// on EINTR.
func (l *PMQLink) Subscribe(listener SegmentListener) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	f := l.file
	l.running = true
	l.wg.Add(1)
	l.mu.Unlock()
	if f == nil {
		return fmt.Errorf("ltp/cl: pmq link not connected")
	}

	go func() {
		defer l.wg.Done()
		header := make([]byte, 2)
		for {
			select {
			case <-l.stopChan:
				return
			default:
			}
			if err := readFullRetryEINTR(f, header); err != nil {
				log.Debugf("ltp/cl: pmq read loop closing: %v", err)
				return
			}
			length := binary.BigEndian.Uint16(header)
			body := make([]byte, length)
			if err := readFullRetryEINTR(f, body); err != nil {
				log.Warnf("ltp/cl: pmq short message read: %v", err)
				return
			}
			listener.Handle(body)
		}
	}()
	return nil
}

func openRetryEINTR(path string, flag int, perm os.FileMode) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, flag, perm)
		if err == nil {
			return f, nil
		}
		if err == syscall.EINTR {
			continue
		}
		return nil, err
	}
}

func writeRetryEINTR(f *os.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := f.Write(buf)
		buf = buf[n:]
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}
	}
	return nil
}

func readFullRetryEINTR(f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return err
		}
	}
	return nil
}
