package camsync

import (
	"testing"
	"time"
)

// startRig builds a controller on a pipe with pin 2 looped back to input
// pin 14, and a host link on the other end.
func startRig(t *testing.T) (*SimRig, *SerialLink) {
	t.Helper()
	rig := NewSimRig(25, map[uint16]uint16{2: 14})
	rig.Start()
	link := NewSerialLink(rig.HostPort, "testpipe")
	t.Cleanup(func() {
		link.Close()
		if err := rig.Stop(); err != nil {
			t.Errorf("rig stop: %v", err)
		}
	})
	if _, err := link.AwaitToken(ReplyReady, 5*time.Second); err != nil {
		t.Fatalf("controller never became ready: %v", err)
	}
	return rig, link
}

func loopbackConfig(numCycles uint32) *SessionConfig {
	return &SessionConfig{
		NumCycles:         numCycles,
		CycleDurationUS:   10000,
		InputPins:         []uint16{14},
		StateChangeTimes:  []uint32{1000, 2000},
		StateChangePins:   []uint16{2, 2},
		StateChangeStates: []uint8{1, 0},
	}
}

// collectSession reads edges until a terminal token arrives.
func collectSession(t *testing.T, link *SerialLink, wait time.Duration) (edges []EdgeRecord, final string) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case rec, ok := <-link.Edges():
			if !ok {
				t.Fatal("edge channel closed mid-session")
			}
			edges = append(edges, rec)
		case tok, ok := <-link.Tokens():
			if !ok {
				t.Fatal("token channel closed mid-session")
			}
			switch tok {
			case ReplyFinished, ReplyInterrupted, ReplyError:
				return edges, tok
			}
		case <-deadline:
			t.Fatalf("no terminal token within %v; %d edges so far", wait, len(edges))
		}
	}
}

func TestControllerFullSession(t *testing.T) {
	_, link := startRig(t)

	cfg := loopbackConfig(3)
	if err := link.WriteCommand(cfg); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if _, err := link.AwaitToken(ReplyReceived, 5*time.Second); err != nil {
		t.Fatalf("no RECEIVED ack: %v", err)
	}

	edges, final := collectSession(t, link, 10*time.Second)
	if final != ReplyFinished {
		t.Fatalf("session ended with %s, want %s", final, ReplyFinished)
	}

	var rises, falls int
	lastAbs := uint64(0)
	for _, rec := range edges {
		if rec.Pin != 14 {
			t.Errorf("edge on pin %d, only pin 14 is monitored", rec.Pin)
		}
		abs := rec.AbsoluteTimeUS(cfg.CycleDurationUS)
		if abs < lastAbs {
			t.Errorf("edges out of order: %d µs after %d µs", abs, lastAbs)
		}
		lastAbs = abs
		if rec.State == 1 {
			rises++
		} else {
			falls++
		}
	}
	if rises != 3 || falls != 3 {
		t.Errorf("got %d rises and %d falls, want 3 and 3 (one pulse per cycle)", rises, falls)
	}
	// Polling lag is bounded by the loop cadence, not the pulse width: a
	// rise scheduled at 1000 µs must be stamped inside the pulse.
	for _, rec := range edges {
		if rec.State == 1 && (rec.TimeUS < 1000 || rec.TimeUS >= 2000) {
			t.Errorf("rise stamped at %d µs, want within the 1000-2000 µs pulse", rec.TimeUS)
		}
	}

	// After F the controller is idle again and heartbeats resume.
	if _, err := link.AwaitToken(ReplyReady, 5*time.Second); err != nil {
		t.Errorf("no READY after session end: %v", err)
	}
}

func TestControllerInterruptMidSession(t *testing.T) {
	_, link := startRig(t)

	if err := link.WriteCommand(loopbackConfig(1_000_000)); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if _, err := link.AwaitToken(ReplyReceived, 5*time.Second); err != nil {
		t.Fatalf("no RECEIVED ack: %v", err)
	}

	// Let the session produce at least one edge, then interrupt.
	select {
	case <-link.Edges():
	case <-time.After(5 * time.Second):
		t.Fatal("no edges before interrupt")
	}
	if err := link.WriteInterrupt(); err != nil {
		t.Fatalf("WriteInterrupt: %v", err)
	}
	if _, err := link.AwaitToken(ReplyInterrupted, 5*time.Second); err != nil {
		t.Fatalf("no INTERRUPTED ack: %v", err)
	}
	// The controller must return to idle, not continue the session.
	if _, err := link.AwaitToken(ReplyReady, 5*time.Second); err != nil {
		t.Errorf("no READY after interrupt: %v", err)
	}
}

func TestControllerInterruptWhileIdle(t *testing.T) {
	_, link := startRig(t)
	if err := link.WriteInterrupt(); err != nil {
		t.Fatalf("WriteInterrupt: %v", err)
	}
	if _, err := link.AwaitToken(ReplyInterrupted, 5*time.Second); err != nil {
		t.Errorf("idle interrupt not acknowledged: %v", err)
	}
}

// drainTokens discards any queued reply tokens, leaving the link ready for
// a fresh exchange. Stray bytes can produce several ERROR replies.
func drainTokens(link *SerialLink) {
	for {
		select {
		case <-link.Tokens():
		default:
			return
		}
	}
}

func TestControllerRejectsGarbage(t *testing.T) {
	rig, link := startRig(t)

	if _, err := rig.HostPort.Write([]byte("BOGUS\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := link.AwaitToken(ReplyError, 5*time.Second); err != nil {
		t.Fatalf("no ERROR for garbage bytes: %v", err)
	}

	// Give the controller time to flush all stale bytes, then confirm it
	// recovers: a valid frame afterwards still runs.
	time.Sleep(100 * time.Millisecond)
	drainTokens(link)
	if err := link.WriteCommand(loopbackConfig(2)); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if _, err := link.AwaitToken(ReplyReceived, 5*time.Second); err != nil {
		t.Fatalf("no RECEIVED after recovery: %v", err)
	}
	if _, final := collectSession(t, link, 10*time.Second); final != ReplyFinished {
		t.Errorf("session after garbage ended with %s, want %s", final, ReplyFinished)
	}
}

func TestControllerRejectsShortFrame(t *testing.T) {
	rig, link := startRig(t)

	short := []byte{STX, '\n'}
	short = append(short, []byte("10\n5000\n")...)
	short = append(short, ETX, '\n')
	if _, err := rig.HostPort.Write(short); err != nil {
		t.Fatalf("write short frame: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tok := <-link.Tokens():
			switch tok {
			case ReplyError:
				return // rejected, as required
			case ReplyReceived:
				t.Fatal("short frame was accepted")
			}
		case <-deadline:
			t.Fatal("no ERROR for a short frame")
		}
	}
}

func TestControllerRejectsInvalidConfig(t *testing.T) {
	_, link := startRig(t)

	bad := loopbackConfig(3)
	bad.StateChangeTimes = []uint32{2000, 1000} // unsorted
	if err := link.WriteCommand(bad); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tok := <-link.Tokens():
			switch tok {
			case ReplyError:
				return
			case ReplyReceived:
				t.Fatal("invalid config was accepted")
			}
		case <-deadline:
			t.Fatal("no ERROR for an invalid config")
		}
	}
}

func TestControllerRecoversFromMissingFooter(t *testing.T) {
	rig, link := startRig(t)

	// A full frame minus its ETX line. The violation only becomes visible
	// when the next frame's STX arrives where the footer belonged.
	truncated := EncodeCommand(loopbackConfig(2))
	truncated = truncated[:len(truncated)-2]
	if _, err := rig.HostPort.Write(truncated); err != nil {
		t.Fatalf("write truncated frame: %v", err)
	}
	if err := link.WriteCommand(loopbackConfig(2)); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if _, err := link.AwaitToken(ReplyError, 5*time.Second); err != nil {
		t.Fatalf("no ERROR for a frame without a footer: %v", err)
	}

	// Once the stale bytes are gone a clean frame runs normally.
	time.Sleep(100 * time.Millisecond)
	drainTokens(link)
	if err := link.WriteCommand(loopbackConfig(2)); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if _, err := link.AwaitToken(ReplyReceived, 5*time.Second); err != nil {
		t.Fatalf("no RECEIVED after recovery: %v", err)
	}
	if _, final := collectSession(t, link, 10*time.Second); final != ReplyFinished {
		t.Errorf("session after truncated frame ended with %s, want %s", final, ReplyFinished)
	}
}
