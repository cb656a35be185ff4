package camsync

// The trigger controller program: one cooperative loop that speaks the
// serial protocol on one side and drives pins on the other. The same state
// machine runs on a bare-metal target, under rigsim over TCP, or against
// net.Pipe and a simulated clock in tests.
//
// Concurrency model: a single goroutine owns all controller state. The only
// other goroutine is the serial reader feeding a byte channel, standing in
// for a UART receive interrupt and its ring buffer. Nothing in the timing
// path blocks; serial writes happen only in idle windows between scheduled
// pin events.

import (
	"fmt"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
)

const (
	// readyIntervalUS is the idle READY heartbeat period.
	readyIntervalUS = 1_000_000
	// idleThresholdUS: an idle window is any moment with at least this long
	// until the next scheduled pin event. Serial work and edge polling
	// happen only inside these windows.
	idleThresholdUS = 200
	// maxEdgeFlushPerIdle bounds edge reports written per idle window so a
	// burst of transitions cannot monopolize the loop.
	maxEdgeFlushPerIdle = 4
	// rxBytesPerPass bounds command bytes consumed per idle pass.
	rxBytesPerPass = 64
	// defaultEdgeCapacity is the edge ring size; at 13 bytes per record the
	// drain easily outruns any plausible transition rate on a handful of
	// monitored pins.
	defaultEdgeCapacity = 512
)

// Controller runs the acquisition firmware state machine over a byte stream.
type Controller struct {
	clock Clock
	pins  PinBank
	w     io.Writer
	rx    chan byte

	// Verbose dumps each accepted session config to the update log.
	Verbose bool
	// EdgeCapacity overrides the edge ring size when positive.
	EdgeCapacity int
	// IdleSleep, when positive, is slept between idle passes outside any
	// session. Busy-waiting is required only while a session runs; a
	// process-hosted controller need not spin while waiting for commands.
	IdleSleep time.Duration

	lineBuf  []byte
	fields   [][]byte
	inFrame  bool
	writeErr error
	encBuf   []byte
}

// NewController wraps rw, which carries the host link. The reader side is
// drained by an internal goroutine immediately; Run drives everything else.
func NewController(rw io.ReadWriter, clock Clock, pins PinBank) *Controller {
	c := &Controller{
		clock: clock,
		pins:  pins,
		w:     rw,
		rx:    make(chan byte, 4096),
	}
	go c.readLoop(rw)
	return c
}

// readLoop moves bytes from the link into the rx channel until read error.
func (c *Controller) readLoop(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			c.rx <- b
		}
		if err != nil {
			close(c.rx)
			return
		}
	}
}

// Run is the controller main loop: emit READY once per second, parse command
// frames, execute sessions. It returns when stop is closed, the link is
// lost, or a reply cannot be written.
func (c *Controller) Run(stop <-chan struct{}) error {
	lastReady := c.clock.Micros() - readyIntervalUS
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		now := c.clock.Micros()
		if now-lastReady >= readyIntervalUS {
			c.emit(ReplyReady)
			lastReady = now
		}
		if c.writeErr != nil {
			return c.writeErr
		}
		cfg, closed := c.pumpIdleBytes()
		if closed {
			return nil
		}
		if cfg != nil {
			c.runSession(cfg, stop)
			// Force an immediate READY so the host sees idle promptly.
			lastReady = c.clock.Micros() - readyIntervalUS
		} else if c.IdleSleep > 0 {
			time.Sleep(c.IdleSleep)
		}
	}
}

// pumpIdleBytes consumes up to rxBytesPerPass waiting bytes while idle.
// It returns a parsed session config once a complete valid frame arrives,
// or closed=true when the link reader has terminated.
func (c *Controller) pumpIdleBytes() (cfg *SessionConfig, closed bool) {
	for i := 0; i < rxBytesPerPass; i++ {
		var b byte
		var ok bool
		select {
		case b, ok = <-c.rx:
			if !ok {
				return nil, true
			}
		default:
			return nil, false
		}

		if !c.inFrame && len(c.lineBuf) == 0 {
			if b == InterruptByte {
				// Nothing is running; acknowledge so a host-side interrupt
				// is idempotent.
				c.emit(ReplyInterrupted)
				continue
			}
			if b != STX {
				// Stale or partial bytes from an aborted session.
				c.resetFrame()
				c.emit(ReplyError)
				continue
			}
		}

		c.lineBuf = append(c.lineBuf, b)
		if b == '\n' {
			line := c.lineBuf[:len(c.lineBuf)-1]
			cfg = c.handleLine(line)
			c.lineBuf = c.lineBuf[:0]
			if cfg != nil {
				return cfg, false
			}
			continue
		}
		if len(c.lineBuf) > MaxLineLen {
			c.resetFrame()
			c.emit(ReplyError)
		}
	}
	return nil, false
}

// handleLine advances the command-frame state machine by one received line.
func (c *Controller) handleLine(line []byte) *SessionConfig {
	switch {
	case !c.inFrame:
		if len(line) == 1 && line[0] == STX {
			c.inFrame = true
			c.fields = c.fields[:0]
			return nil
		}
		c.resetFrame()
		c.emit(ReplyError)
	case len(c.fields) < NumCommandFields:
		if len(line) == 1 && line[0] == ETX {
			// Footer arrived early: the frame is short.
			c.resetFrame()
			c.emit(ReplyError)
			return nil
		}
		field := make([]byte, len(line))
		copy(field, line)
		c.fields = append(c.fields, field)
	default:
		if len(line) != 1 || line[0] != ETX {
			c.resetFrame()
			c.emit(ReplyError)
			return nil
		}
		cfg, err := ParseCommandFields(c.fields)
		c.resetFrame()
		if err != nil {
			ProblemLogger.Printf("rejected command frame: %v", err)
			c.emit(ReplyError)
			return nil
		}
		return cfg
	}
	return nil
}

// resetFrame discards any partial frame and flushes waiting receive bytes,
// so the next session attempt starts from a clean buffer.
func (c *Controller) resetFrame() {
	c.inFrame = false
	c.fields = c.fields[:0]
	c.lineBuf = c.lineBuf[:0]
	for {
		select {
		case _, ok := <-c.rx:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// runSession executes one acquisition session to completion or interrupt.
func (c *Controller) runSession(cfg *SessionConfig, stop <-chan struct{}) {
	c.emit(ReplyReceived)
	if c.Verbose {
		UpdateLogger.Printf("accepted session:\n%s", spew.Sdump(cfg))
	}

	prog := CompileProgram(cfg)
	capacity := c.EdgeCapacity
	if capacity <= 0 {
		capacity = defaultEdgeCapacity
	}
	edges := NewEdgeLog(capacity)
	src := NewPolledEdgeSource(c.pins, prog.InputPins)
	engine := NewCycleEngine(prog, c.pins, c.clock.Micros())

	interrupted := false
	for !engine.Done() {
		select {
		case <-stop:
			engine.Abort()
			interrupted = true
		default:
		}
		if interrupted {
			break
		}
		now := c.clock.Micros()
		engine.Tick(now)
		if engine.Done() {
			break
		}
		if engine.NextEventInUS(c.clock.Micros()) < idleThresholdUS {
			continue
		}
		// Idle window: sample inputs, drain a few edge reports, check for
		// a host interrupt. The interrupt check runs at least once per
		// cycle since every cycle contains idle windows.
		now = c.clock.Micros()
		src.Poll(engine.Elapsed(now), engine.Cycle(), edges)
		c.flushEdges(edges, maxEdgeFlushPerIdle)
		if c.drainInterrupt() {
			engine.Abort()
			interrupted = true
		}
	}

	if interrupted {
		if n := edges.Len(); n > 0 {
			ProblemLogger.Printf("interrupt at cycle %d discarded %d buffered edge records", engine.Cycle(), n)
		}
		c.emit(ReplyInterrupted)
		return
	}
	c.flushEdges(edges, edges.Len())
	if d := edges.Dropped(); d > 0 {
		ProblemLogger.Printf("edge ring overflowed: %d oldest records dropped", d)
	}
	c.emit(ReplyFinished)
}

// drainInterrupt consumes any waiting bytes; only the interrupt byte is
// meaningful while running, everything else is discarded.
func (c *Controller) drainInterrupt() bool {
	saw := false
	for {
		select {
		case b, ok := <-c.rx:
			if !ok {
				return saw
			}
			if b == InterruptByte {
				saw = true
			}
		default:
			return saw
		}
	}
}

// flushEdges writes up to max edge reports from the ring to the link.
func (c *Controller) flushEdges(edges *EdgeLog, max int) {
	for i := 0; i < max; i++ {
		rec, ok := edges.Pop()
		if !ok {
			return
		}
		c.encBuf = AppendEdgeRecord(c.encBuf[:0], rec)
		c.write(c.encBuf)
	}
}

func (c *Controller) emit(token string) {
	c.write([]byte(token + "\n"))
}

func (c *Controller) write(p []byte) {
	if c.writeErr != nil {
		return
	}
	if _, err := c.w.Write(p); err != nil {
		c.writeErr = fmt.Errorf("link write: %w", err)
	}
}
