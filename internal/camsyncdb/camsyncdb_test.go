package camsyncdb

import (
	"testing"
	"time"
)

func TestIsConnectedNilSafe(t *testing.T) {
	var db *CamsyncDBConnection
	if db.IsConnected() {
		t.Error("nil connection reports connected")
	}
	if (&CamsyncDBConnection{}).IsConnected() {
		t.Error("zero-value connection reports connected")
	}
}

// A dummy connection must absorb every record call without blocking, since
// the acquisition engine calls them unconditionally.
func TestDummyConnectionNoOps(t *testing.T) {
	db := DummyDBConnection()
	done := make(chan struct{})
	go func() {
		defer close(done)
		db.RecordSession(&SessionMessage{ID: "s1", Start: time.Now()})
		db.RecordEdges(&EdgeBatchMessage{SessionID: "s1", Pins: []uint16{14}, States: []uint8{1}, TimesUS: []uint64{1000}})
		db.RecordCameraRun(&CameraRunMessage{ID: "c1", SessionID: "s1", CameraName: "top0"})
		db.FinishSession(&SessionMessage{ID: "s1"})
		db.RecordSession(nil)
		db.RecordEdges(nil)
		db.RecordCameraRun(nil)
		db.FinishSession(nil)
		db.Disconnect()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record call blocked on a dummy connection")
	}
}

func TestRecordEdgesSkipsEmptyBatch(t *testing.T) {
	db := DummyDBConnection()
	db.RecordEdges(&EdgeBatchMessage{SessionID: "s1"})
}
