package camsync

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sbinet/npyio"
)

func TestWritingStateSessionFiles(t *testing.T) {
	tmp := t.TempDir()
	ws := &WritingState{}

	if err := ws.RecordEdge(EdgeRecord{}); err == nil {
		t.Error("RecordEdge before Start should fail")
	}
	if _, err := ws.AttachCamera("top0", &DiscardWriter{}); err == nil {
		t.Error("AttachCamera before Start should fail")
	}

	if err := ws.Start(tmp, "20260831_session", 10000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ws.IsActive() {
		t.Error("not active after Start")
	}

	edges := []EdgeRecord{
		{Pin: 14, State: 1, TimeUS: 1000, Cycle: 0},
		{Pin: 14, State: 0, TimeUS: 2000, Cycle: 0},
		{Pin: 14, State: 1, TimeUS: 1003, Cycle: 1},
	}
	for _, rec := range edges {
		if err := ws.RecordEdge(rec); err != nil {
			t.Fatalf("RecordEdge: %v", err)
		}
	}
	if got := ws.EdgesWritten(); got != 3 {
		t.Errorf("EdgesWritten = %d, want 3", got)
	}
	if err := ws.SetExperimentStateLabel(time.Now(), "TRIAL1"); err != nil {
		t.Fatalf("SetExperimentStateLabel: %v", err)
	}
	state := ws.ComputeState()
	if state.ExperimentStateLabel != "TRIAL1" {
		t.Errorf("computed label = %q", state.ExperimentStateLabel)
	}

	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ws.IsActive() {
		t.Error("still active after Stop")
	}

	dir := filepath.Join(tmp, "20260831_session")
	trig, err := os.ReadFile(filepath.Join(dir, "triggerdata.csv"))
	if err != nil {
		t.Fatalf("read triggerdata: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(trig)), "\n")
	if len(lines) != 4 {
		t.Fatalf("triggerdata has %d lines, want header + 3 edges:\n%s", len(lines), trig)
	}
	if lines[0] != "time,pin,state" {
		t.Errorf("header = %q", lines[0])
	}
	// The time column is unwrapped: cycle 1 at offset 1003 µs lands after
	// one 10000 µs cycle.
	if lines[3] != "11003,14,1" {
		t.Errorf("third edge line = %q, want 11003,14,1", lines[3])
	}

	labels, err := os.ReadFile(filepath.Join(dir, "experiment_state.txt"))
	if err != nil {
		t.Fatalf("read experiment state: %v", err)
	}
	text := string(labels)
	for _, want := range []string{"# unix time in nanoseconds, state label", "START", "TRIAL1", "STOP"} {
		if !strings.Contains(text, want) {
			t.Errorf("experiment state file missing %q:\n%s", want, text)
		}
	}
}

func TestWritingStateCameraTap(t *testing.T) {
	tmp := t.TempDir()
	ws := &WritingState{}
	if err := ws.Start(tmp, "sess", 33333); err != nil {
		t.Fatal(err)
	}

	tap, err := ws.AttachCamera("bottom0", &DiscardWriter{})
	if err != nil {
		t.Fatalf("AttachCamera: %v", err)
	}
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	camBase := base.Add(-50 * time.Microsecond) // camera clock runs ahead of the host stamp
	for i := 0; i < 5; i++ {
		meta := FrameMeta{
			CameraName: "bottom0",
			Index:      uint64(i),
			CamSeq:     uint64(i + 100),
			HostTime:   base.Add(time.Duration(i) * 33333 * time.Microsecond),
			QueueDepth: i % 3,
		}
		frame := &Frame{
			Data:      []byte{1, 2, 3},
			Timestamp: camBase.Add(time.Duration(i) * 33333 * time.Microsecond),
			CamSeq:    meta.CamSeq,
		}
		if err := tap.WriteFrame(meta, frame); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if err := tap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ws.Stop()

	dir := filepath.Join(tmp, "sess")
	meta, err := os.ReadFile(filepath.Join(dir, "bottom0_metadata.csv"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(meta)), "\n")
	if len(lines) != 6 {
		t.Fatalf("metadata has %d lines, want header + 5", len(lines))
	}
	if lines[0] != "frame_index,cam_seq,cam_time_ns,host_time_ns,queue_depth" {
		t.Errorf("metadata header = %q", lines[0])
	}
	cols := strings.Split(lines[1], ",")
	if len(cols) != 5 || cols[0] != "0" || cols[1] != "100" {
		t.Errorf("first metadata row = %q", lines[1])
	}
	if want := strconv.FormatInt(camBase.UnixNano(), 10); cols[2] != want {
		t.Errorf("camera timestamp column = %q, want %q", cols[2], want)
	}
	if want := strconv.FormatInt(base.UnixNano(), 10); cols[3] != want {
		t.Errorf("host timestamp column = %q, want %q", cols[3], want)
	}
	if q := strings.Split(lines[2], ","); len(q) != 5 || q[4] != "1" {
		t.Errorf("second metadata row = %q, want queue depth 1", lines[2])
	}

	// The timestamp file is valid NPY holding the same host times.
	f, err := os.Open(filepath.Join(dir, "bottom0_host_timestamps.npy"))
	if err != nil {
		t.Fatalf("open npy: %v", err)
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		t.Fatalf("npy header: %v", err)
	}
	if got := r.Header.Descr.Shape; len(got) != 1 || got[0] != 5 {
		t.Fatalf("npy shape = %v, want [5]", got)
	}
	var ts []int64
	if err := r.Read(&ts); err != nil {
		t.Fatalf("npy read: %v", err)
	}
	for i, ns := range ts {
		want := base.Add(time.Duration(i) * 33333 * time.Microsecond).UnixNano()
		if ns != want {
			t.Errorf("timestamp %d = %d, want %d", i, ns, want)
			break
		}
	}
}
