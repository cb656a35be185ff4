package camsync

// Pulse-train generation: converts a rig layout (which pins trigger which
// camera group, pulse widths, depth-sensor presence) into the per-cycle
// output schedule that one command frame carries.
//
// With a depth sensor present, the cycle is anchored to the sensor's own
// 33333 µs frame. The sensor emits 9 IR subframes per frame, spaced 1575 µs
// apart; its external sync pulse fires 3 subframe periods into the cycle.
// Camera triggers are interleaved into the gaps between subframes, which is
// why only frame rates whose period divides the depth cycle are accepted and
// why some offsets are snapped to subframe boundaries rather than exact
// multiples of the frame period.

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Depth-sensor timing constants, all in µs except counts.
const (
	DepthCycleDurationUS     = 33333
	DepthIntersubframeUS     = 1575
	DepthNumSubframes        = 9
	DepthSubframesBeforeSync = 3
	DepthSubframeDurationUS  = 160
)

// SyncPulseOnsetUS is when the depth sync pulse rises within each cycle.
const SyncPulseOnsetUS = DepthSubframesBeforeSync * DepthIntersubframeUS

// Errors reported by schedule generation. Configurations are rejected whole:
// no partial schedule is ever produced.
var (
	ErrUnsupportedFramerate = errors.New("unsupported inverse framerate")
	ErrScheduleOverflow     = errors.New("schedule extends past end of cycle")
)

// subframeSlots lists, per supported frame period, each trigger's offset from
// the first trigger of the cycle. Entries are chosen so no exposure collides
// with a depth subframe; where an even spacing would collide, the trigger is
// snapped to a subframe boundary instead.
var subframeSlots = map[uint32][]uint32{
	33333: {0},
	16667: {0, 16666},
	11111: {0, 7 * DepthIntersubframeUS, 22222},
	8333:  {0, 5 * DepthIntersubframeUS, 16666, 25000},
	6667:  {0, 4 * DepthIntersubframeUS, 8 * DepthIntersubframeUS, 20000, 26666},
}

// SupportedFramePeriods returns the inverse framerates (µs) accepted when a
// depth sensor anchors the cycle, sorted ascending.
func SupportedFramePeriods() []uint32 {
	periods := make([]uint32, 0, len(subframeSlots))
	for p := range subframeSlots {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	return periods
}

// TopOffsets computes the primary camera group's trigger offsets within one
// depth-anchored cycle. framePeriodUS is the requested inverse framerate;
// gapUS is the guard gap between the end of a depth subframe and the camera
// exposure. Offsets are strictly increasing. Returns ErrUnsupportedFramerate
// if framePeriodUS is not a divisor slot of the depth cycle.
func TopOffsets(framePeriodUS uint32, numDepth int, gapUS uint32) ([]uint32, error) {
	slots, ok := subframeSlots[framePeriodUS]
	if !ok {
		return nil, fmt.Errorf("%w: %d µs (supported: %v)",
			ErrUnsupportedFramerate, framePeriodUS, SupportedFramePeriods())
	}
	// At the base rate there is one exposure per cycle, placed after the
	// final subframe. At higher rates the first exposure slots in right
	// after the subframes in flight at the cycle boundary.
	var first uint32
	if framePeriodUS == DepthCycleDurationUS {
		first = DepthNumSubframes * DepthIntersubframeUS
	} else {
		first = uint32(numDepth)*DepthSubframeDurationUS + gapUS
	}
	offsets := make([]uint32, len(slots))
	for i, s := range slots {
		offsets[i] = first + s
	}
	return offsets, nil
}

// BottomOffsets derives the secondary group's offsets from the primary's.
// With interleaved subframes the compensation is one inter-subframe period;
// at the base rate (or with no depth sensor) the secondary group instead
// waits out the primary group's illumination plus a configured gap.
func BottomOffsets(top []uint32, framePeriodUS, bottomOffsetUS, topLightDurUS uint32, withDepth bool) []uint32 {
	delay := bottomOffsetUS + topLightDurUS
	if withDepth && framePeriodUS != DepthCycleDurationUS {
		delay = DepthIntersubframeUS
	}
	bottom := make([]uint32, len(top))
	for i, t := range top {
		bottom[i] = t + delay
	}
	return bottom
}

// TriggerLayout describes the physical rig: which controller pins drive
// which camera group, light bank and depth sensor, the pulse widths, and the
// auxiliary input/output pins. It is host-side configuration; BuildSession
// turns it into the wire-format SessionConfig.
type TriggerLayout struct {
	TopCameraPins    []uint16
	BottomCameraPins []uint16
	TopLightPins     []uint16
	BottomLightPins  []uint16
	DepthTriggerPins []uint16
	InputPins        []uint16
	RandomOutputPins []uint16

	// Extra one-shot state changes merged into every cycle, parallel lists.
	CustomTimes  []uint32
	CustomPins   []uint16
	CustomStates []uint8

	FramePeriodUS      uint32 // inverse framerate of the camera groups
	NumDepth           int    // number of depth sensors sharing the trigger
	TriggerPulseUS     uint32 // camera trigger pulse width
	DepthPulseUS       uint32 // depth sync pulse width
	TopLightDurUS      uint32 // illumination hold, top bank
	BottomLightDurUS   uint32 // illumination hold, bottom bank
	BottomOffsetUS     uint32 // extra delay before the bottom group (base rate)
	DepthCameraGapUS   uint32 // guard gap between subframe end and exposure
	CyclesPerRandomBit uint32
}

// CycleDurationUS is the cycle period the layout implies: the depth frame
// when a depth sensor anchors the rig, otherwise the camera frame period.
func (lay *TriggerLayout) CycleDurationUS() uint32 {
	if lay.NumDepth > 0 {
		return DepthCycleDurationUS
	}
	return lay.FramePeriodUS
}

// Validate checks the rig description itself, before any schedule is built.
func (lay *TriggerLayout) Validate() error {
	if len(lay.TopCameraPins) == 0 {
		return fmt.Errorf("layout needs at least one top camera trigger pin")
	}
	if lay.NumDepth > 0 && len(lay.DepthTriggerPins) == 0 {
		return fmt.Errorf("layout has %d depth sensors but no depth trigger pins", lay.NumDepth)
	}
	if lay.FramePeriodUS == 0 {
		return fmt.Errorf("frame period must be positive")
	}
	if lay.TriggerPulseUS == 0 {
		return fmt.Errorf("trigger pulse width must be positive")
	}
	if lay.TopLightDurUS < lay.TriggerPulseUS || (len(lay.BottomLightPins) > 0 && lay.BottomLightDurUS < lay.TriggerPulseUS) {
		return fmt.Errorf("illumination must fully contain the trigger pulse")
	}
	if n := len(lay.CustomTimes); len(lay.CustomPins) != n || len(lay.CustomStates) != n {
		return fmt.Errorf("custom output lists have mismatched lengths")
	}
	for i, s := range lay.CustomStates {
		if s > 1 {
			return fmt.Errorf("custom output state %d is %d, want 0 or 1", i, s)
		}
	}
	seen := make(map[uint16]bool)
	for _, pins := range [][]uint16{
		lay.TopCameraPins, lay.BottomCameraPins, lay.TopLightPins, lay.BottomLightPins,
		lay.DepthTriggerPins, lay.RandomOutputPins, lay.InputPins, lay.CustomPins,
	} {
		for _, p := range pins {
			if seen[p] {
				return fmt.Errorf("pin %d is assigned more than one role", p)
			}
			seen[p] = true
		}
	}
	return nil
}

// scheduleEntry is one (time, pin, state) triple during schedule assembly.
type scheduleEntry struct {
	timeUS uint32
	pin    uint16
	state  uint8
}

// BuildSession assembles and validates the full session configuration for
// numCycles cycles. It fails with ErrUnsupportedFramerate for a frame period
// outside the depth divisor set, and with ErrScheduleOverflow if any state
// change, or the tail of any illumination pulse, would run past the cycle
// boundary. It never truncates or wraps a late schedule.
func (lay *TriggerLayout) BuildSession(numCycles uint32) (*SessionConfig, error) {
	if err := lay.Validate(); err != nil {
		return nil, err
	}
	cycleUS := lay.CycleDurationUS()

	var top []uint32
	var err error
	if lay.NumDepth > 0 {
		top, err = TopOffsets(lay.FramePeriodUS, lay.NumDepth, lay.DepthCameraGapUS)
		if err != nil {
			return nil, err
		}
	} else {
		top = []uint32{0}
	}
	bottom := BottomOffsets(top, lay.FramePeriodUS, lay.BottomOffsetUS, lay.TopLightDurUS, lay.NumDepth > 0)

	var entries []scheduleEntry
	addPulses := func(onsets []uint32, pins []uint16, width uint32) {
		for _, on := range onsets {
			for _, p := range pins {
				entries = append(entries,
					scheduleEntry{on, p, 1},
					scheduleEntry{on + width, p, 0})
			}
		}
	}
	addPulses(top, lay.TopCameraPins, lay.TriggerPulseUS)
	addPulses(bottom, lay.BottomCameraPins, lay.TriggerPulseUS)
	addPulses(top, lay.TopLightPins, lay.TopLightDurUS)
	addPulses(bottom, lay.BottomLightPins, lay.BottomLightDurUS)
	if lay.NumDepth > 0 {
		addPulses([]uint32{SyncPulseOnsetUS}, lay.DepthTriggerPins, lay.DepthPulseUS)
	}
	for i := range lay.CustomTimes {
		entries = append(entries, scheduleEntry{lay.CustomTimes[i], lay.CustomPins[i], lay.CustomStates[i]})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].timeUS < entries[j].timeUS })

	cfg := &SessionConfig{
		NumCycles:             numCycles,
		CycleDurationUS:       cycleUS,
		InputPins:             lay.InputPins,
		RandomOutputPins:      lay.RandomOutputPins,
		CyclesPerRandomUpdate: lay.CyclesPerRandomBit,
		StateChangeTimes:      make([]uint32, len(entries)),
		StateChangePins:       make([]uint16, len(entries)),
		StateChangeStates:     make([]uint8, len(entries)),
	}
	for i, e := range entries {
		if e.timeUS >= cycleUS {
			return nil, fmt.Errorf("%w: pin %d state change at %d µs, cycle is %d µs",
				ErrScheduleOverflow, e.pin, e.timeUS, cycleUS)
		}
		cfg.StateChangeTimes[i] = e.timeUS
		cfg.StateChangePins[i] = e.pin
		cfg.StateChangeStates[i] = e.state
	}
	// Illumination must also clear the gap to the following sub-frame.
	if err := checkPulseSpacing(top, lay.TopLightDurUS, cycleUS); err != nil {
		return nil, err
	}
	if len(lay.BottomCameraPins) > 0 {
		if err := checkPulseSpacing(bottom, lay.BottomLightDurUS, cycleUS); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkPulseSpacing(onsets []uint32, holdUS, cycleUS uint32) error {
	for i, on := range onsets {
		end := on + holdUS
		if end >= cycleUS {
			return fmt.Errorf("%w: pulse at %d µs holds until %d µs, cycle is %d µs",
				ErrScheduleOverflow, on, end, cycleUS)
		}
		if i+1 < len(onsets) {
			if onsets[i+1] <= on {
				return fmt.Errorf("trigger offsets not strictly increasing at %d µs", on)
			}
			if end >= onsets[i+1] {
				return fmt.Errorf("%w: pulse at %d µs overlaps next sub-frame at %d µs",
					ErrScheduleOverflow, on, onsets[i+1])
			}
		}
	}
	return nil
}

// CyclesForDuration converts a requested recording duration to a cycle count,
// rounding down as the original acquisition tooling does.
func CyclesForDuration(d time.Duration, cycleDurationUS uint32) uint32 {
	if cycleDurationUS == 0 {
		return 0
	}
	return uint32(d.Microseconds() / int64(cycleDurationUS))
}
