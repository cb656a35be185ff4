package camsync

import "testing"

// timedBank records every pin transition along with the tick time that
// caused it, for checking schedule placement exactly.
type timedBank struct {
	level map[uint16]bool
	log   []timedWrite
	now   *uint32
}

type timedWrite struct {
	atUS  uint32
	pin   uint16
	state bool
}

func newTimedBank(now *uint32) *timedBank {
	return &timedBank{level: make(map[uint16]bool), now: now}
}

func (b *timedBank) Set(pin uint16, high bool) {
	if b.level[pin] == high {
		return
	}
	b.level[pin] = high
	b.log = append(b.log, timedWrite{*b.now, pin, high})
}

func (b *timedBank) Get(pin uint16) bool { return b.level[pin] }

func (b *timedBank) rises(pin uint16) []uint32 {
	var out []uint32
	for _, w := range b.log {
		if w.pin == pin && w.state {
			out = append(out, w.atUS)
		}
	}
	return out
}

// runEngine ticks an engine one simulated microsecond at a time until done.
func runEngine(e *CycleEngine, now *uint32, stepUS, limitUS uint32) {
	for i := uint32(0); i < limitUS && !e.Done(); i += stepUS {
		e.Tick(*now)
		*now += stepUS
	}
}

func pulseConfig(numCycles, cycleUS uint32) *SessionConfig {
	return &SessionConfig{
		NumCycles:         numCycles,
		CycleDurationUS:   cycleUS,
		StateChangeTimes:  []uint32{1000, 1100},
		StateChangePins:   []uint16{2, 2},
		StateChangeStates: []uint8{1, 0},
	}
}

func TestEnginePulsePerCycle(t *testing.T) {
	var now uint32 = 5000 // session origin need not be zero
	bank := newTimedBank(&now)
	cfg := &SessionConfig{
		NumCycles:         5,
		CycleDurationUS:   10000,
		StateChangeTimes:  []uint32{1000, 1100},
		StateChangePins:   []uint16{2, 2},
		StateChangeStates: []uint8{1, 0},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	e := NewCycleEngine(CompileProgram(cfg), bank, now)
	runEngine(e, &now, 1, 100*10000)

	if !e.Done() {
		t.Fatal("engine never finished")
	}
	rises := bank.rises(2)
	if len(rises) != 5 {
		t.Fatalf("pin 2 rose %d times over 5 cycles, want 5", len(rises))
	}
	// Carried-remainder boundaries: every rise sits at origin + n*cycle + offset.
	for i, at := range rises {
		want := uint32(5000) + uint32(i)*10000 + 1000
		if at != want {
			t.Errorf("cycle %d rise at %d µs, want %d", i, at, want)
		}
	}
	if bank.Get(2) {
		t.Error("pin 2 left high after session end")
	}
}

func TestEngineNoDriftWithLateTicks(t *testing.T) {
	var now uint32
	bank := newTimedBank(&now)
	cfg := &SessionConfig{
		NumCycles:         50,
		CycleDurationUS:   10000,
		StateChangeTimes:  []uint32{0, 500},
		StateChangePins:   []uint16{3, 3},
		StateChangeStates: []uint8{1, 0},
	}
	e := NewCycleEngine(CompileProgram(cfg), bank, now)
	// Coarse 7 µs ticks never divide the cycle evenly, so every boundary
	// is observed late. Offsets must not accumulate.
	runEngine(e, &now, 7, 100*10000)

	rises := bank.rises(3)
	if len(rises) != 50 {
		t.Fatalf("pin 3 rose %d times over 50 cycles, want 50", len(rises))
	}
	for i, at := range rises {
		ideal := uint32(i) * 10000
		if at < ideal || at-ideal > 7 {
			t.Errorf("cycle %d rise at %d µs, want within one tick of %d", i, at, ideal)
		}
	}
}

func TestEngineMicrosWraparound(t *testing.T) {
	// Start 20 ms before the uint32 µs counter wraps; the session must run
	// straight through the wrap.
	var now uint32 = ^uint32(0) - 20_000
	bank := newTimedBank(&now)
	cfg := &SessionConfig{
		NumCycles:         10,
		CycleDurationUS:   10000,
		StateChangeTimes:  []uint32{2000, 2100},
		StateChangePins:   []uint16{2, 2},
		StateChangeStates: []uint8{1, 0},
	}
	e := NewCycleEngine(CompileProgram(cfg), bank, now)
	runEngine(e, &now, 5, 20*10000)

	if !e.Done() {
		t.Fatal("engine never finished across the counter wrap")
	}
	if rises := bank.rises(2); len(rises) != 10 {
		t.Errorf("pin 2 rose %d times, want 10", len(rises))
	}
}

func TestEngineSharedPulseTrainsShareAChannel(t *testing.T) {
	cfg := &SessionConfig{
		NumCycles:       2,
		CycleDurationUS: 10000,
		// Pins 2 and 4 carry identical trains; pin 6 differs; pin 9 has an
		// unpaired single write.
		StateChangeTimes:  []uint32{100, 100, 100, 200, 200, 200, 300, 400, 500},
		StateChangePins:   []uint16{2, 4, 6, 2, 4, 9, 6, 6, 6},
		StateChangeStates: []uint8{1, 1, 1, 0, 0, 1, 0, 1, 0},
	}
	prog := CompileProgram(cfg)
	if len(prog.channels) != 2 {
		t.Fatalf("compiled %d channels, want 2", len(prog.channels))
	}
	if len(prog.channels[0].pins) != 2 {
		t.Errorf("shared channel has pins %v, want 2 pins", prog.channels[0].pins)
	}
	if len(prog.events) != 1 || prog.events[0].pin != 9 {
		t.Errorf("events = %+v, want exactly the unpaired pin 9 write", prog.events)
	}
}

func TestEngineRandomBitUpdates(t *testing.T) {
	var now uint32
	bank := newTimedBank(&now)
	cfg := &SessionConfig{
		NumCycles:             30,
		CycleDurationUS:       1000,
		RandomOutputPins:      []uint16{22, 23},
		CyclesPerRandomUpdate: 5,
	}
	e := NewCycleEngine(CompileProgram(cfg), bank, now)

	// Sample the pin once per cycle and note at which cycle it changed.
	lastState := bank.Get(22)
	var changes []uint32
	for !e.Done() {
		e.Tick(now)
		if cur := bank.Get(22); cur != lastState && !e.Done() {
			lastState = cur
			changes = append(changes, e.Cycle())
		}
		if bank.Get(22) != bank.Get(23) && !e.Done() {
			t.Fatal("broadcast pins disagree")
		}
		now += 100
	}
	for _, c := range changes {
		if c%5 != 0 {
			t.Errorf("broadcast bit changed at cycle %d, want only at multiples of 5", c)
		}
	}
	if bank.Get(22) || bank.Get(23) {
		t.Error("broadcast pins left high after session end")
	}
}

func TestEngineAbortDeasserts(t *testing.T) {
	var now uint32
	bank := newTimedBank(&now)
	cfg := &SessionConfig{
		NumCycles:             100,
		CycleDurationUS:       10000,
		RandomOutputPins:      []uint16{22},
		CyclesPerRandomUpdate: 1,
		StateChangeTimes:      []uint32{100, 9000},
		StateChangePins:       []uint16{2, 2},
		StateChangeStates:     []uint8{1, 0},
	}
	e := NewCycleEngine(CompileProgram(cfg), bank, now)
	// Tick into the middle of the first pulse, then abort.
	for now < 500 {
		e.Tick(now)
		now++
	}
	if !bank.Get(2) {
		t.Fatal("pin 2 should be mid-pulse")
	}
	e.Abort()
	if !e.Done() {
		t.Error("Abort did not mark the engine done")
	}
	if bank.Get(2) || bank.Get(22) {
		t.Error("outputs left asserted after Abort")
	}
	before := len(bank.log)
	e.Tick(now + 10000)
	if len(bank.log) != before {
		t.Error("Tick after Abort still drove pins")
	}
}

func TestNextEventInUS(t *testing.T) {
	var now uint32
	bank := newTimedBank(&now)
	cfg := pulseConfig(3, 10000)
	e := NewCycleEngine(CompileProgram(cfg), bank, now)

	if got := e.NextEventInUS(0); got != 1000 {
		t.Errorf("NextEventInUS(0) = %d, want 1000 (first pulse onset)", got)
	}
	e.Tick(1000) // assert the pulse
	if got := e.NextEventInUS(1000); got != 100 {
		t.Errorf("NextEventInUS(1000) = %d, want 100 (pulse width remaining)", got)
	}
	e.Tick(1100) // deassert
	if got := e.NextEventInUS(1100); got != 10000-1100 {
		t.Errorf("NextEventInUS(1100) = %d, want %d (cycle boundary)", got, 10000-1100)
	}
}
