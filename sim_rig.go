package camsync

// Software stand-ins for the rig hardware: a steppable clock, a pin bank
// with optional loopback wiring, and a trigger-paced camera. They let the
// whole stack, controller included, run and be tested with no hardware
// attached.

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SimClock is a deterministic Clock. Every Micros call advances the clock by
// a fixed step, so a controller busy-loop makes time pass at a rate set by
// the test instead of the host scheduler.
type SimClock struct {
	mu   sync.Mutex
	now  uint32
	step uint32
}

// NewSimClock returns a clock advancing stepUS µs per Micros call.
func NewSimClock(stepUS uint32) *SimClock {
	return &SimClock{step: stepUS}
}

// Micros steps the clock and returns the new reading.
func (c *SimClock) Micros() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Advance moves the clock forward without a reader observing it.
func (c *SimClock) Advance(us uint32) {
	c.mu.Lock()
	c.now += us
	c.mu.Unlock()
}

// SimPinBank is an in-memory PinBank. Outputs can be wired back to inputs,
// standing in for the physical loopback of a trigger line into a monitored
// input pin, which is how edge records are produced without hardware.
type SimPinBank struct {
	mu    sync.Mutex
	level map[uint16]bool
	wires map[uint16]uint16 // output pin -> input pin it drives
	rises map[uint16]uint64
}

// NewSimPinBank returns an empty bank; all pins start LOW.
func NewSimPinBank() *SimPinBank {
	return &SimPinBank{
		level: make(map[uint16]bool),
		wires: make(map[uint16]uint16),
		rises: make(map[uint16]uint64),
	}
}

// Wire connects an output pin to an input pin, as a jumper would.
func (b *SimPinBank) Wire(out, in uint16) {
	b.mu.Lock()
	b.wires[out] = in
	b.mu.Unlock()
}

// Set drives a pin, propagating through any loopback wire.
func (b *SimPinBank) Set(pin uint16, high bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if high && !b.level[pin] {
		b.rises[pin]++
	}
	b.level[pin] = high
	if in, ok := b.wires[pin]; ok {
		if high && !b.level[in] {
			b.rises[in]++
		}
		b.level[in] = high
	}
}

// Get samples a pin.
func (b *SimPinBank) Get(pin uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level[pin]
}

// Rises counts LOW-to-HIGH transitions seen on a pin since creation.
func (b *SimPinBank) Rises(pin uint16) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rises[pin]
}

// SimRig bundles a controller running over an in-memory link with simulated
// hardware. HostPort is the host's end of the serial link.
type SimRig struct {
	Clock      *SimClock
	Pins       *SimPinBank
	Controller *Controller
	HostPort   io.ReadWriteCloser

	ctlPort net.Conn
	stop    chan struct{}
	done    chan error
}

// NewSimRig builds a controller on one end of a net.Pipe, with the given
// clock step and loopback wires (output pin -> input pin).
func NewSimRig(stepUS uint32, wires map[uint16]uint16) *SimRig {
	hostEnd, ctlEnd := net.Pipe()
	rig := &SimRig{
		Clock:    NewSimClock(stepUS),
		Pins:     NewSimPinBank(),
		HostPort: hostEnd,
		ctlPort:  ctlEnd,
		stop:     make(chan struct{}),
		done:     make(chan error, 1),
	}
	for out, in := range wires {
		rig.Pins.Wire(out, in)
	}
	rig.Controller = NewController(ctlEnd, rig.Clock, rig.Pins)
	return rig
}

// Start launches the controller loop.
func (r *SimRig) Start() {
	go func() {
		r.done <- r.Controller.Run(r.stop)
	}()
}

// Stop shuts the controller down and closes both pipe ends.
func (r *SimRig) Stop() error {
	close(r.stop)
	r.HostPort.Close()
	r.ctlPort.Close()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("controller loop did not exit")
	}
}

// SimCamera is a Camera that produces a frame once per configured period,
// as a hardware-triggered camera would at the rig's frame rate. A stalled
// camera times out every grab, for exercising the disconnect path.
type SimCamera struct {
	name    string
	period  time.Duration
	opened  bool
	stalled atomic.Bool
	seq     atomic.Uint64
	payload []byte
}

// NewSimCamera returns a camera emitting one frame per period.
func NewSimCamera(name string, period time.Duration) *SimCamera {
	return &SimCamera{
		name:    name,
		period:  period,
		payload: make([]byte, 64),
	}
}

// Open marks the camera usable.
func (s *SimCamera) Open() error {
	s.opened = true
	return nil
}

// Configure accepts any settings; a simulated sensor has nothing to set.
func (s *SimCamera) Configure(CameraSettings) error { return nil }

// SetStalled makes every subsequent Grab time out (or resumes frames).
func (s *SimCamera) SetStalled(v bool) { s.stalled.Store(v) }

// Grab waits one frame period and returns the next frame, or ErrGrabTimeout
// if the timeout elapses first.
func (s *SimCamera) Grab(timeout time.Duration) (*Frame, error) {
	if !s.opened {
		return nil, fmt.Errorf("camera %s not open", s.name)
	}
	if s.stalled.Load() || s.period > timeout {
		time.Sleep(timeout)
		return nil, ErrGrabTimeout
	}
	time.Sleep(s.period)
	return &Frame{
		Data:      s.payload,
		Timestamp: time.Now(),
		CamSeq:    s.seq.Add(1) - 1,
	}, nil
}

// Close releases the camera.
func (s *SimCamera) Close() error {
	s.opened = false
	return nil
}
