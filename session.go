package camsync

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// SessionConfig is the complete parameter set for one acquisition session,
// exactly the contents of a command frame. It is immutable once a session
// starts: the host builds and validates it, the controller re-parses and
// re-validates it, and neither side mutates it afterward.
type SessionConfig struct {
	NumCycles             uint32
	CycleDurationUS       uint32
	InputPins             []uint16
	RandomOutputPins      []uint16
	CyclesPerRandomUpdate uint32

	// Per-cycle output schedule, sorted by time. Parallel slices: entry i
	// drives StateChangePins[i] to StateChangeStates[i] at StateChangeTimes[i]
	// µs after the cycle boundary.
	StateChangeTimes  []uint32
	StateChangePins   []uint16
	StateChangeStates []uint8
}

// NewSessionID returns a fresh ULID string identifying one acquisition run.
func NewSessionID() string {
	return ulid.Make().String()
}

// Validate checks the structural invariants of a session configuration.
// Schedule semantics (pulse pairing, illumination containment) are checked
// where the schedule is built or compiled; this method rejects anything a
// fixed-buffer controller could not safely hold.
func (cfg *SessionConfig) Validate() error {
	if cfg.NumCycles == 0 {
		return fmt.Errorf("num_cycles must be positive")
	}
	if cfg.CycleDurationUS == 0 {
		return fmt.Errorf("cycle_duration must be positive")
	}
	if len(cfg.InputPins) > MaxPinList || len(cfg.RandomOutputPins) > MaxPinList {
		return fmt.Errorf("pin list exceeds %d entries", MaxPinList)
	}
	n := len(cfg.StateChangeTimes)
	if len(cfg.StateChangePins) != n || len(cfg.StateChangeStates) != n {
		return fmt.Errorf("schedule lists have mismatched lengths %d/%d/%d",
			n, len(cfg.StateChangePins), len(cfg.StateChangeStates))
	}
	if n > MaxScheduleLen {
		return fmt.Errorf("schedule has %d entries, max is %d", n, MaxScheduleLen)
	}
	if cfg.CyclesPerRandomUpdate == 0 && len(cfg.RandomOutputPins) > 0 {
		return fmt.Errorf("cycles_per_random_update must be positive when random output pins are set")
	}
	seen := make(map[uint16]string)
	for _, p := range cfg.InputPins {
		if prior, ok := seen[p]; ok {
			return fmt.Errorf("pin %d appears in both %s and input pins", p, prior)
		}
		seen[p] = "input"
	}
	for _, p := range cfg.RandomOutputPins {
		if prior, ok := seen[p]; ok {
			return fmt.Errorf("pin %d appears in both %s and random-output pins", p, prior)
		}
		seen[p] = "random-output"
	}
	for i := 0; i < n; i++ {
		if cfg.StateChangeStates[i] > 1 {
			return fmt.Errorf("schedule entry %d has state %d, want 0 or 1", i, cfg.StateChangeStates[i])
		}
		if cfg.StateChangeTimes[i] >= cfg.CycleDurationUS {
			return fmt.Errorf("schedule entry %d at %d µs is not inside the %d µs cycle",
				i, cfg.StateChangeTimes[i], cfg.CycleDurationUS)
		}
		if i > 0 && cfg.StateChangeTimes[i] < cfg.StateChangeTimes[i-1] {
			return fmt.Errorf("schedule times not sorted at entry %d", i)
		}
		if prior, ok := seen[cfg.StateChangePins[i]]; ok && prior != "schedule" {
			return fmt.Errorf("pin %d appears in both %s and schedule pins", cfg.StateChangePins[i], prior)
		}
		seen[cfg.StateChangePins[i]] = "schedule"
	}
	return nil
}
