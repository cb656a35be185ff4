package camsync

import "time"

// Clock is the controller's time source. Implementations return µs as a
// uint32 that wraps roughly every 71 minutes, the same arithmetic a
// microcontroller's micros() counter uses; all elapsed-time math in the
// cycle engine is wrap-safe uint32 subtraction.
type Clock interface {
	Micros() uint32
}

// PinBank is the controller's digital I/O. Pin numbers are flat; direction
// setup is the implementation's concern (a session config names every pin it
// will touch before the run starts).
type PinBank interface {
	Set(pin uint16, high bool)
	Get(pin uint16) bool
}

// WallClock is a Clock backed by the host's monotonic clock. Used when the
// controller state machine runs as an ordinary process (rigsim, soak tests)
// rather than on a bare-metal target.
type WallClock struct {
	start time.Time
}

// NewWallClock starts counting µs from now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Micros returns µs since the clock was created, wrapping like micros().
func (c *WallClock) Micros() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}
