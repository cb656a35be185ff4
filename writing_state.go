package camsync

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openrig/camsync/internal/appendablenpy"
	"github.com/openrig/camsync/internal/asyncbufio"
)

// WritingState monitors the state of session file writing. One instance
// covers a session directory: the triggerdata CSV of input edges, the
// experiment state label file, and per-camera metadata files.
type WritingState struct {
	Active                       bool
	BasePath                     string
	SessionID                    string
	TriggerdataFilename          string
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64

	cycleDurationUS     uint32
	edgesWritten        int
	triggerFile         *os.File
	triggerWriter       *asyncbufio.Writer
	experimentStateFile *os.File
	cameraNames         []string
	sync.Mutex
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the "active" features like open files or writers.
func (ws *WritingState) ComputeState() WritingState {
	ws.Lock()
	defer ws.Unlock()
	var copyState WritingState
	copyState.Active = ws.Active
	copyState.BasePath = ws.BasePath
	copyState.SessionID = ws.SessionID
	copyState.TriggerdataFilename = ws.TriggerdataFilename
	copyState.ExperimentStateFilename = ws.ExperimentStateFilename
	copyState.ExperimentStateLabel = ws.ExperimentStateLabel
	copyState.ExperimentStateLabelUnixNano = ws.ExperimentStateLabelUnixNano
	copyState.edgesWritten = ws.edgesWritten
	return copyState
}

// Start opens the session directory and its triggerdata file.
func (ws *WritingState) Start(basePath, sessionID string, cycleDurationUS uint32) error {
	ws.Lock()
	defer ws.Unlock()
	dir := filepath.Join(basePath, sessionID)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	ws.Active = true
	ws.BasePath = basePath
	ws.SessionID = sessionID
	ws.cycleDurationUS = cycleDurationUS
	ws.TriggerdataFilename = filepath.Join(dir, "triggerdata.csv")
	ws.ExperimentStateFilename = filepath.Join(dir, "experiment_state.txt")

	f, err := os.Create(ws.TriggerdataFilename)
	if err != nil {
		return fmt.Errorf("create triggerdata file: %w", err)
	}
	ws.triggerFile = f
	ws.triggerWriter = asyncbufio.NewWriter(f, 8192, time.Second)
	if _, err := ws.triggerWriter.WriteString("time,pin,state\n"); err != nil {
		return err
	}
	return ws.setExperimentStateLabel(time.Now(), "START")
}

// RecordEdge appends one input edge to the triggerdata file. The time column
// is microseconds since session start, unwrapped across cycles.
func (ws *WritingState) RecordEdge(rec EdgeRecord) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot record an edge when writing is not active")
	}
	line := fmt.Sprintf("%d,%d,%d\n", rec.AbsoluteTimeUS(ws.cycleDurationUS), rec.Pin, rec.State)
	if _, err := ws.triggerWriter.WriteString(line); err != nil {
		ProblemLogger.Printf("triggerdata write dropped (%d so far): %v", ws.triggerWriter.Dropped(), err)
		return nil
	}
	ws.edgesWritten++
	return nil
}

// EdgesWritten reports how many edges reached the triggerdata file.
func (ws *WritingState) EdgesWritten() int {
	ws.Lock()
	defer ws.Unlock()
	return ws.edgesWritten
}

// AttachCamera wraps a frame writer so each written frame also appends one
// line to the camera's metadata CSV and its host timestamp to a growing
// .npy file. The returned writer owns those side files and closes them with
// the inner writer.
func (ws *WritingState) AttachCamera(name string, inner FrameWriter) (FrameWriter, error) {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil, fmt.Errorf("cannot attach camera %s when writing is not active", name)
	}
	dir := filepath.Join(ws.BasePath, ws.SessionID)
	metaFile, err := os.Create(filepath.Join(dir, name+"_metadata.csv"))
	if err != nil {
		return nil, fmt.Errorf("create metadata file for %s: %w", name, err)
	}
	tsFile, err := os.Create(filepath.Join(dir, name+"_host_timestamps.npy"))
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("create timestamp file for %s: %w", name, err)
	}
	ts, err := appendablenpy.OpenAppendableNPY(tsFile, "'<i8'")
	if err != nil {
		metaFile.Close()
		tsFile.Close()
		return nil, fmt.Errorf("write timestamp header for %s: %w", name, err)
	}
	tw := &tappedWriter{
		inner:    inner,
		metaFile: metaFile,
		meta:     asyncbufio.NewWriter(metaFile, 4096, time.Second),
		tsFile:   tsFile,
		ts:       ts,
	}
	if _, err := tw.meta.WriteString("frame_index,cam_seq,cam_time_ns,host_time_ns,queue_depth\n"); err != nil {
		return nil, err
	}
	ws.cameraNames = append(ws.cameraNames, name)
	return tw, nil
}

// SetExperimentStateLabel writes to the session's experiment_state.txt file.
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		if _, err := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := fmt.Fprintf(ws.experimentStateFile, "%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel)
	return err
}

// Stop flushes and closes the session files. Per-camera files close with
// their tapped writers, not here.
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = false
	if ws.triggerFile != nil {
		ws.triggerWriter.Close()
		if err := ws.triggerFile.Close(); err != nil {
			return fmt.Errorf("failed to close triggerdata file, err: %v", err)
		}
		ws.triggerFile = nil
		ws.triggerWriter = nil
	}
	if ws.experimentStateFile != nil {
		if err := ws.setExperimentStateLabel(time.Now(), "STOP"); err != nil {
			return err
		}
		if err := ws.experimentStateFile.Close(); err != nil {
			return fmt.Errorf("failed to close experiment state file, err: %v", err)
		}
		ws.experimentStateFile = nil
	}
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	ws.cameraNames = nil
	return nil
}

// tappedWriter records per-frame metadata on the way to the inner writer.
type tappedWriter struct {
	inner    FrameWriter
	metaFile *os.File
	meta     *asyncbufio.Writer
	tsFile   *os.File
	ts       *appendablenpy.AppendableNPY
	tsBuf    [8]byte
}

func (tw *tappedWriter) WriteFrame(meta FrameMeta, frame *Frame) error {
	line := fmt.Sprintf("%d,%d,%d,%d,%d\n",
		meta.Index, meta.CamSeq, frame.Timestamp.UnixNano(), meta.HostTime.UnixNano(), meta.QueueDepth)
	if _, err := tw.meta.WriteString(line); err != nil {
		ProblemLogger.Printf("camera %s metadata write dropped: %v", meta.CameraName, err)
	}
	binary.LittleEndian.PutUint64(tw.tsBuf[:], uint64(meta.HostTime.UnixNano()))
	if err := tw.ts.Write([][]byte{append(tw.tsBuf[:0:0], tw.tsBuf[:]...)}); err != nil {
		return err
	}
	return tw.inner.WriteFrame(meta, frame)
}

func (tw *tappedWriter) Close() error {
	tw.meta.Close()
	merr := tw.metaFile.Close()
	terr := tw.tsFile.Close()
	ierr := tw.inner.Close()
	if ierr != nil {
		return ierr
	}
	if merr != nil {
		return merr
	}
	return terr
}
