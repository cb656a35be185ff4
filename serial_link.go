package camsync

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/openrig/camsync/internal/unboundedchan"
)

// SerialLink owns the host side of the controller link. Exactly one reader
// goroutine touches the port; it demultiplexes the interleaved stream of
// text reply tokens and binary edge records onto separate channels, so the
// acquisition loop never blocks edge delivery while waiting for a reply.
type SerialLink struct {
	name string
	port io.ReadWriteCloser

	tokens *unboundedchan.UnboundedChannel[string]
	edges  *unboundedchan.UnboundedChannel[EdgeRecord]

	lastByteNS atomic.Int64
	badRecords atomic.Uint64
	closed     atomic.Bool
	readerDone chan struct{}
}

// ControllerBaud is the rate the controller firmware configures its UART to.
const ControllerBaud = 115200

// OpenSerialLink opens the named port at the controller baud rate and starts
// the reader.
func OpenSerialLink(portName string) (*SerialLink, error) {
	mode := &serial.Mode{BaudRate: ControllerBaud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return NewSerialLink(port, portName), nil
}

// NewSerialLink wraps an already-open port. Tests hand in one end of a pipe.
func NewSerialLink(port io.ReadWriteCloser, name string) *SerialLink {
	l := &SerialLink{
		name:       name,
		port:       port,
		tokens:     unboundedchan.NewUnboundedChannel[string](),
		edges:      unboundedchan.NewUnboundedChannel[EdgeRecord](),
		readerDone: make(chan struct{}),
	}
	l.lastByteNS.Store(time.Now().UnixNano())
	go l.readLoop()
	return l
}

// DiscoverPort scans the system serial ports for one that speaks the
// controller protocol, identified by its once-per-second READY heartbeat.
func DiscoverPort(waitPerPort time.Duration) (string, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	for _, name := range names {
		link, err := OpenSerialLink(name)
		if err != nil {
			continue
		}
		_, err = link.AwaitToken(ReplyReady, waitPerPort)
		link.Close()
		if err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no controller found on %d serial ports", len(names))
}

func (l *SerialLink) readLoop() {
	defer close(l.readerDone)
	defer close(l.tokens.In())
	defer close(l.edges.In())

	r := bufio.NewReader(l.port)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		l.lastByteNS.Store(time.Now().UnixNano())
		if b == STX && len(line) == 0 {
			// Binary edge record; the remaining 12 bytes follow.
			rec := make([]byte, EdgeRecordLength)
			rec[0] = STX
			if _, err := io.ReadFull(r, rec[1:]); err != nil {
				return
			}
			er, derr := DecodeEdgeRecord(rec)
			if derr != nil {
				l.badRecords.Add(1)
				continue
			}
			l.edges.In() <- er
			continue
		}
		if b == '\n' {
			tok := strings.TrimSpace(string(line))
			line = line[:0]
			if tok != "" {
				l.tokens.In() <- tok
			}
			continue
		}
		line = append(line, b)
		if len(line) > MaxLineLen {
			line = line[:0]
		}
	}
}

// Tokens returns the stream of reply tokens from the controller.
func (l *SerialLink) Tokens() <-chan string { return l.tokens.Out() }

// Edges returns the stream of decoded input edge reports.
func (l *SerialLink) Edges() <-chan EdgeRecord { return l.edges.Out() }

// BadRecords counts edge records that failed framing or decode checks.
func (l *SerialLink) BadRecords() uint64 { return l.badRecords.Load() }

// SinceLastByte reports how long the controller has been silent. The idle
// heartbeat bounds this near one second on a healthy link.
func (l *SerialLink) SinceLastByte() time.Duration {
	return time.Duration(time.Now().UnixNano() - l.lastByteNS.Load())
}

// WriteCommand sends a full session command frame.
func (l *SerialLink) WriteCommand(cfg *SessionConfig) error {
	_, err := l.port.Write(EncodeCommand(cfg))
	if err != nil {
		return fmt.Errorf("write command to %s: %w", l.name, err)
	}
	return nil
}

// WriteInterrupt sends the single-byte session interrupt.
func (l *SerialLink) WriteInterrupt() error {
	if _, err := l.port.Write([]byte{InterruptByte}); err != nil {
		return fmt.Errorf("write interrupt to %s: %w", l.name, err)
	}
	return nil
}

// AwaitToken consumes tokens until want arrives, returning the tokens seen
// before it. ReplyError short-circuits with an error, as does the deadline
// or a closed link.
func (l *SerialLink) AwaitToken(want string, timeout time.Duration) ([]string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	var seen []string
	for {
		select {
		case tok, ok := <-l.tokens.Out():
			if !ok {
				return seen, fmt.Errorf("link %s closed awaiting %s", l.name, want)
			}
			if tok == want {
				return seen, nil
			}
			if tok == ReplyError {
				return seen, fmt.Errorf("controller reported %s awaiting %s", ReplyError, want)
			}
			seen = append(seen, tok)
		case <-deadline.C:
			return seen, fmt.Errorf("timeout awaiting %s on %s", want, l.name)
		}
	}
}

// Close shuts the port and waits for the reader to drain.
func (l *SerialLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.port.Close()
	<-l.readerDone
	return err
}
