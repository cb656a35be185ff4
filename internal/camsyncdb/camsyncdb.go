// Package camsyncdb provides classes that read or write to a ClickHouse database.
package camsyncdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type CamsyncDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *CamsyncActivityMessage
	sessionmsg    chan *SessionMessage
	camrunmsg     chan *CameraRunMessage
	edgemsg       chan *EdgeBatchMessage
	sync.WaitGroup
}

const databaseName = "camsync" // official SQL name of the database

func (db *CamsyncDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

func StartDBConnection(activity *CamsyncActivityMessage, abort <-chan struct{}) *CamsyncDBConnection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

// DummyDBConnection stands in when no database is configured; every record
// call becomes a no-op.
func DummyDBConnection() *CamsyncDBConnection {
	db := &CamsyncDBConnection{}
	db.Add(1)
	return db
}

func createDBConnection() *CamsyncDBConnection {

	db := &CamsyncDBConnection{}
	dbUser := os.Getenv("CAMSYNC_DB_USER")
	dbPass := os.Getenv("CAMSYNC_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "camsync", Version: "unknown"},
		},
	}
	opt :=
		clickhouse.Options{
			Addr:       []string{"localhost:9000"},
			Auth:       auth,
			ClientInfo: client,
			TLS:        nil,
		}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.camrunmsg = make(chan *CameraRunMessage)
	db.edgemsg = make(chan *EdgeBatchMessage)
	return db
}

func (db *CamsyncDBConnection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO camsyncactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into camsyncactivity ", err)
		db.err = err
	}
}

func (db *CamsyncDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case cmsg := <-db.camrunmsg:
			db.handleCameraRunMessage(cmsg)
		case emsg := <-db.edgemsg:
			db.handleEdgeBatch(emsg)
		}
	}
}

func (db *CamsyncDBConnection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession takes a SessionMessage and stores it in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// session is entered in the DB before any corresponding calls to
// `RecordCameraRun` or `RecordEdges` begin. Without the blocking, there would
// be a race between the kinds of DB entries, and some camera runs or edges
// would be entered without valid session IDs.
func (db *CamsyncDBConnection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

func (db *CamsyncDBConnection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

func (db *CamsyncDBConnection) RecordCameraRun(msg *CameraRunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.camrunmsg <- msg }()
}

func (db *CamsyncDBConnection) RecordEdges(msg *EdgeBatchMessage) {
	if !db.IsConnected() || msg == nil || len(msg.Pins) == 0 {
		return
	}
	go func() { db.edgemsg <- msg }()
}

func (db *CamsyncDBConnection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Intention, m.Directory,
		m.NumCycles, m.CycleDurationUS, m.NumCameras, m.Interrupted,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *CamsyncDBConnection) handleCameraRunMessage(m *CameraRunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO camera_runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.CameraName, m.FramesWritten,
		m.GrabTimeouts, m.QueueDrops, m.Filename,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into camera_runs ", err)
		db.err = err
	}
}

func (db *CamsyncDBConnection) handleEdgeBatch(m *EdgeBatchMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = true
	for i := range m.Pins {
		if err := db.conn.AsyncInsert(ctx, `INSERT INTO edges VALUES (?, ?, ?, ?)`, nowait,
			m.SessionID, m.Pins[i], m.States[i], m.TimesUS[i],
		); err != nil {
			fmt.Println("Error raised on AsyncInsert into edges ", err)
			db.err = err
			return
		}
	}
}
