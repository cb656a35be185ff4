package camsyncdb

import "time"

// The composite types used for messages to the ClickHouse database.

// CamsyncActivityMessage is the information for the camsyncactivity table,
// one row per daemon invocation.
type CamsyncActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table.
type SessionMessage struct {
	ID              string
	CamsyncID       string
	Intention       string
	Directory       string
	NumCycles       uint32
	CycleDurationUS uint32
	NumCameras      int
	Interrupted     bool
	Start           time.Time
	End             time.Time
}

// CameraRunMessage records one camera's participation in a session.
type CameraRunMessage struct {
	ID            string
	SessionID     string
	CameraName    string
	FramesWritten uint64
	GrabTimeouts  uint64
	QueueDrops    uint64
	Filename      string
	Start         time.Time
	End           time.Time
}

// EdgeBatchMessage carries a batch of input edge reports for the edges
// table. Batching keeps the insert rate far below the edge rate.
type EdgeBatchMessage struct {
	SessionID string
	Pins      []uint16
	States    []uint8
	TimesUS   []uint64
}
