package camsync

import (
	"net"
	"testing"
	"time"
)

// pipeLink returns a SerialLink plus the raw connection playing the
// controller's side of the wire.
func pipeLink(t *testing.T) (*SerialLink, net.Conn) {
	t.Helper()
	hostEnd, ctlEnd := net.Pipe()
	link := NewSerialLink(hostEnd, "pipe")
	t.Cleanup(func() {
		link.Close()
		ctlEnd.Close()
	})
	return link, ctlEnd
}

func TestLinkDemuxTokensAndEdges(t *testing.T) {
	link, ctl := pipeLink(t)

	want := EdgeRecord{Pin: 14, State: 1, TimeUS: 2500, Cycle: 7}
	go func() {
		ctl.Write([]byte("READY\n"))
		ctl.Write(AppendEdgeRecord(nil, want))
		ctl.Write([]byte("RECEIVED\n"))
	}()

	if tok := <-link.Tokens(); tok != ReplyReady {
		t.Fatalf("first token = %q, want READY", tok)
	}
	if rec := <-link.Edges(); rec != want {
		t.Fatalf("edge = %+v, want %+v", rec, want)
	}
	if tok := <-link.Tokens(); tok != ReplyReceived {
		t.Fatalf("second token = %q, want RECEIVED", tok)
	}
}

func TestLinkBinaryRecordInsideTextIsNotConfused(t *testing.T) {
	// STX only starts a record at the beginning of a line. Mid-line it is
	// ordinary (if hostile) text and must not desync the stream.
	link, ctl := pipeLink(t)
	go func() {
		ctl.Write([]byte{'X', STX, 'Y', '\n'})
		ctl.Write([]byte("READY\n"))
	}()
	first := <-link.Tokens()
	if first != "X\x02Y" {
		t.Errorf("mid-line STX mangled the token: %q", first)
	}
	if tok := <-link.Tokens(); tok != ReplyReady {
		t.Errorf("stream desynced after mid-line STX: got %q", tok)
	}
}

func TestLinkCountsBadRecords(t *testing.T) {
	link, ctl := pipeLink(t)

	bad := AppendEdgeRecord(nil, EdgeRecord{Pin: 3, State: 1, TimeUS: 9, Cycle: 0})
	bad[3] = 7 // state byte out of range
	go func() {
		ctl.Write(bad)
		ctl.Write(AppendEdgeRecord(nil, EdgeRecord{Pin: 3, State: 1, TimeUS: 9, Cycle: 1}))
	}()

	rec := <-link.Edges()
	if rec.Cycle != 1 {
		t.Errorf("got edge %+v, want the record after the corrupt one", rec)
	}
	if got := link.BadRecords(); got != 1 {
		t.Errorf("BadRecords = %d, want 1", got)
	}
}

func TestLinkAwaitTokenSkipsAndErrors(t *testing.T) {
	link, ctl := pipeLink(t)
	go func() {
		ctl.Write([]byte("READY\nREADY\nRECEIVED\n"))
	}()
	seen, err := link.AwaitToken(ReplyReceived, time.Second)
	if err != nil {
		t.Fatalf("AwaitToken: %v", err)
	}
	if len(seen) != 2 || seen[0] != ReplyReady {
		t.Errorf("skipped tokens = %v, want two READY", seen)
	}

	go func() { ctl.Write([]byte("ERROR\n")) }()
	if _, err := link.AwaitToken(ReplyFinished, time.Second); err == nil {
		t.Error("AwaitToken ignored an ERROR reply")
	}
}

func TestLinkAwaitTokenTimeout(t *testing.T) {
	link, _ := pipeLink(t)
	start := time.Now()
	if _, err := link.AwaitToken(ReplyReady, 20*time.Millisecond); err == nil {
		t.Fatal("AwaitToken returned without a token")
	}
	if time.Since(start) > time.Second {
		t.Error("AwaitToken overshot its deadline")
	}
}

func TestLinkCloseUnblocksAwait(t *testing.T) {
	link, _ := pipeLink(t)
	done := make(chan error, 1)
	go func() {
		_, err := link.AwaitToken(ReplyReady, time.Minute)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	link.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("AwaitToken returned nil on a closed link")
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitToken still blocked after Close")
	}
}

func TestLinkSinceLastByte(t *testing.T) {
	link, ctl := pipeLink(t)
	time.Sleep(30 * time.Millisecond)
	if got := link.SinceLastByte(); got < 20*time.Millisecond {
		t.Errorf("SinceLastByte = %v on a silent link", got)
	}
	go func() { ctl.Write([]byte("READY\n")) }()
	<-link.Tokens()
	if got := link.SinceLastByte(); got > 20*time.Millisecond {
		t.Errorf("SinceLastByte = %v right after traffic", got)
	}
}
