package asyncbufio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteOrderAndFlush(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "out.txt")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var want bytes.Buffer
	w := NewWriter(f, 100, time.Second)
	for i := 0; i < 100; i++ {
		line := fmt.Appendf(nil, "edge record %3d\n", i)
		want.Write(line)
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		if i%25 == 19 {
			w.Flush()
		}
	}
	w.WriteString("end of session\n")
	want.WriteString("end of session\n")
	w.Close()

	got, err := os.ReadFile(fname)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("file contents differ: %d bytes written, want %d", len(got), want.Len())
	}
	if w.Dropped() != 0 {
		t.Errorf("Dropped = %d with a deep channel", w.Dropped())
	}

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("Flush() after Close() did not panic")
}

func TestFullChannelCountsDrops(t *testing.T) {
	// A pipe with no reader makes the flush goroutine stall on its first
	// write, so the channel fills and later writes must be dropped.
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	w := NewWriter(pw, 2, time.Millisecond)
	payload := bytes.Repeat([]byte("x"), 128*1024)
	drops := 0
	for i := 0; i < 20; i++ {
		if _, err := w.Write(payload); err != nil {
			drops++
		}
		time.Sleep(2 * time.Millisecond)
	}
	if drops == 0 {
		t.Fatal("no writes rejected despite a stalled sink")
	}
	if got := w.Dropped(); got != uint64(drops) {
		t.Errorf("Dropped = %d, but %d writes returned errors", got, drops)
	}
	// Closing the read side fails the stalled write so Close can finish.
	pr.Close()
	w.Close()
}

func TestCloseTwicePanics(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := NewWriter(f, 100, time.Second)
	w.Close()

	defer func() { recover() }()
	w.Close()
	t.Errorf("second Close() did not panic")
}
