package camsync

// The real-time cycle engine: the controller-side state machine that turns a
// compiled session into pin transitions. One Tick call performs at most a
// handful of pin writes and never blocks, so a single cooperative loop can
// interleave it with edge sampling and serial I/O.
//
// Cycle boundaries are carried forward by subtraction (cycleStart +=
// duration), never reset to "now", so late ticks do not accumulate drift:
// sync pulses stay phase-locked to the session origin.

import "fmt"

// channelState is the per-group trigger state within one cycle.
type channelState int

const (
	chanArmed        channelState = iota // next pulse scheduled, waiting for its offset
	chanActive                           // pins asserted, waiting for the pulse width to elapse
	chanAwaitingSync                     // offset table exhausted until the next sync anchor
)

// pulseChannel is one camera group, light bank or sync line: a set of pins
// sharing an offset table within the cycle. Offsets are strictly increasing;
// widths are per-pulse.
type pulseChannel struct {
	pins  []uint16
	onAt  []uint32 // µs from cycle start, strictly increasing
	width []uint32 // hold time per pulse
	state channelState
	next  int    // index of the next sub-frame
	offAt uint32 // µs from cycle start when the active pulse deasserts
}

// rawEvent is an unpaired custom output: a single state write per cycle.
type rawEvent struct {
	timeUS uint32
	pin    uint16
	state  uint8
}

// CycleProgram is a session compiled for execution: the flat wire-format
// schedule regrouped into pulse channels plus leftover raw events.
type CycleProgram struct {
	NumCycles             uint32
	CycleDurationUS       uint32
	InputPins             []uint16
	RandomOutputPins      []uint16
	CyclesPerRandomUpdate uint32

	channels []pulseChannel
	events   []rawEvent
}

// CompileProgram regroups a validated SessionConfig into pulse channels.
// Pins whose per-cycle transitions pair cleanly into HIGH-then-LOW pulses
// become pulse channels (pins with identical pulse trains share one
// channel); anything else stays a raw event. The config is already sorted
// and bounds-checked by Validate.
func CompileProgram(cfg *SessionConfig) *CycleProgram {
	prog := &CycleProgram{
		NumCycles:             cfg.NumCycles,
		CycleDurationUS:       cfg.CycleDurationUS,
		InputPins:             cfg.InputPins,
		RandomOutputPins:      cfg.RandomOutputPins,
		CyclesPerRandomUpdate: cfg.CyclesPerRandomUpdate,
	}

	perPin := make(map[uint16][]scheduleEntry)
	var pinOrder []uint16
	for i := range cfg.StateChangeTimes {
		p := cfg.StateChangePins[i]
		if _, ok := perPin[p]; !ok {
			pinOrder = append(pinOrder, p)
		}
		perPin[p] = append(perPin[p], scheduleEntry{cfg.StateChangeTimes[i], p, cfg.StateChangeStates[i]})
	}

	signatures := make(map[string]int) // pulse-train signature -> channel index
	for _, p := range pinOrder {
		entries := perPin[p]
		tr, ok := pairIntoPulses(entries)
		if !ok {
			for _, e := range entries {
				prog.events = append(prog.events, rawEvent{e.timeUS, e.pin, e.state})
			}
			continue
		}
		sig := fmt.Sprint(tr.onAt, tr.width)
		if idx, seen := signatures[sig]; seen {
			prog.channels[idx].pins = append(prog.channels[idx].pins, p)
			continue
		}
		signatures[sig] = len(prog.channels)
		prog.channels = append(prog.channels, pulseChannel{
			pins:  []uint16{p},
			onAt:  tr.onAt,
			width: tr.width,
		})
	}
	return prog
}

// pulseTrain is the (onset, width) form of one pin's per-cycle transitions.
type pulseTrain struct {
	onAt  []uint32
	width []uint32
}

// pairIntoPulses tries to read a pin's sorted transitions as alternating
// HIGH/LOW pairs with positive widths.
func pairIntoPulses(entries []scheduleEntry) (pulseTrain, bool) {
	var tr pulseTrain
	if len(entries)%2 != 0 {
		return tr, false
	}
	for i := 0; i < len(entries); i += 2 {
		on, off := entries[i], entries[i+1]
		if on.state != 1 || off.state != 0 || off.timeUS <= on.timeUS {
			return tr, false
		}
		tr.onAt = append(tr.onAt, on.timeUS)
		tr.width = append(tr.width, off.timeUS-on.timeUS)
	}
	return tr, true
}

// CycleEngine executes a CycleProgram. All mutable timing state lives here,
// owned by whichever single loop calls Tick; there are no package globals.
type CycleEngine struct {
	prog *CycleProgram
	pins PinBank

	cycleStart uint32 // Clock µs of the current cycle boundary
	cycle      uint32 // current cycle index
	nextEvent  int    // cursor into prog.events for this cycle
	randomBit  bool
	rng        uint32 // xorshift32 state for the broadcast bit
	done       bool
}

// NewCycleEngine prepares an engine. The session formally starts at nowUS:
// cycle 0's boundary is pinned there and doubles as the first sync anchor.
func NewCycleEngine(prog *CycleProgram, pins PinBank, nowUS uint32) *CycleEngine {
	e := &CycleEngine{
		prog:       prog,
		pins:       pins,
		cycleStart: nowUS,
		rng:        0x2545f491, // any nonzero seed; the bit stream, not its value, matters
	}
	e.updateRandomOutputs()
	return e
}

// Cycle returns the index of the cycle currently executing.
func (e *CycleEngine) Cycle() uint32 { return e.cycle }

// Done reports whether all cycles have completed.
func (e *CycleEngine) Done() bool { return e.done }

// Elapsed returns µs since the current cycle boundary.
func (e *CycleEngine) Elapsed(nowUS uint32) uint32 { return nowUS - e.cycleStart }

// Tick advances the state machine to nowUS. It performs every pin transition
// whose scheduled time has arrived and handles at most one cycle boundary
// per call; the caller loops fast enough that boundaries never stack up.
func (e *CycleEngine) Tick(nowUS uint32) {
	if e.done {
		return
	}
	elapsed := nowUS - e.cycleStart

	if elapsed >= e.prog.CycleDurationUS {
		e.beginCycle()
		if e.done {
			return
		}
		elapsed = nowUS - e.cycleStart
	}

	for i := range e.prog.channels {
		e.tickChannel(&e.prog.channels[i], elapsed)
	}
	for e.nextEvent < len(e.prog.events) && elapsed >= e.prog.events[e.nextEvent].timeUS {
		ev := e.prog.events[e.nextEvent]
		e.pins.Set(ev.pin, ev.state == 1)
		e.nextEvent++
	}
}

// beginCycle is the sync anchor: carry the boundary forward, advance the
// cycle counter, rearm every channel's sub-frame index and refresh the
// broadcast bit if it is due.
func (e *CycleEngine) beginCycle() {
	e.cycleStart += e.prog.CycleDurationUS
	e.cycle++
	if e.cycle >= e.prog.NumCycles {
		e.deassertAll()
		e.done = true
		return
	}
	e.nextEvent = 0
	for i := range e.prog.channels {
		ch := &e.prog.channels[i]
		if ch.state == chanActive {
			// A pulse may legitimately straddle the boundary only if the
			// schedule was corrupted; force it low rather than leave a pin
			// latched for a full extra cycle.
			e.setChannel(ch, false)
		}
		ch.state = chanArmed
		ch.next = 0
	}
	if e.prog.CyclesPerRandomUpdate > 0 && e.cycle%e.prog.CyclesPerRandomUpdate == 0 {
		e.advanceRandomBit()
		e.updateRandomOutputs()
	}
}

func (e *CycleEngine) tickChannel(ch *pulseChannel, elapsed uint32) {
	switch ch.state {
	case chanActive:
		if elapsed >= ch.offAt {
			e.setChannel(ch, false)
			if ch.next >= len(ch.onAt) {
				ch.state = chanAwaitingSync
			} else {
				ch.state = chanArmed
			}
		}
	case chanArmed:
		if ch.next < len(ch.onAt) && elapsed >= ch.onAt[ch.next] {
			e.setChannel(ch, true)
			ch.offAt = ch.onAt[ch.next] + ch.width[ch.next]
			ch.next++
			ch.state = chanActive
		}
	case chanAwaitingSync:
		// Nothing until the next cycle boundary rearms us.
	}
}

func (e *CycleEngine) setChannel(ch *pulseChannel, high bool) {
	for _, p := range ch.pins {
		e.pins.Set(p, high)
	}
}

// deassertAll drives every scheduled output low. Called at natural
// completion and on interrupt so no trigger or light is left latched.
func (e *CycleEngine) deassertAll() {
	for i := range e.prog.channels {
		e.setChannel(&e.prog.channels[i], false)
	}
	for _, ev := range e.prog.events {
		e.pins.Set(ev.pin, false)
	}
	for _, p := range e.prog.RandomOutputPins {
		e.pins.Set(p, false)
	}
}

// Abort ends the session immediately, deasserting all outputs.
func (e *CycleEngine) Abort() {
	e.deassertAll()
	e.done = true
}

// NextEventInUS returns how many µs until the engine next needs to touch a
// pin (or the cycle boundary, whichever is sooner). The controller loop uses
// this to find idle windows safe for serial work.
func (e *CycleEngine) NextEventInUS(nowUS uint32) uint32 {
	if e.done {
		return ^uint32(0)
	}
	elapsed := nowUS - e.cycleStart
	if elapsed >= e.prog.CycleDurationUS {
		return 0
	}
	soonest := e.prog.CycleDurationUS - elapsed
	consider := func(at uint32) {
		if at < elapsed {
			soonest = 0
		} else if at-elapsed < soonest {
			soonest = at - elapsed
		}
	}
	for i := range e.prog.channels {
		ch := &e.prog.channels[i]
		switch ch.state {
		case chanActive:
			consider(ch.offAt)
		case chanArmed:
			if ch.next < len(ch.onAt) {
				consider(ch.onAt[ch.next])
			}
		}
	}
	if e.nextEvent < len(e.prog.events) {
		consider(e.prog.events[e.nextEvent].timeUS)
	}
	return soonest
}

// advanceRandomBit steps a xorshift32 generator one word and keeps its low
// bit. The sequence only needs to be unpredictable enough to be a unique
// alignment signature across recordings.
func (e *CycleEngine) advanceRandomBit() {
	x := e.rng
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	e.rng = x
	e.randomBit = x&1 == 1
}

func (e *CycleEngine) updateRandomOutputs() {
	for _, p := range e.prog.RandomOutputPins {
		e.pins.Set(p, e.randomBit)
	}
}
