package camsync

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/openrig/camsync/internal/camsyncdb"
	"github.com/openrig/camsync/internal/runjournal"
)

// AcquisitionState is used to indicate the active/inactive/transition state
// of the acquisition engine.
type AcquisitionState int

// Names for the possible values of AcquisitionState
const (
	Inactive AcquisitionState = iota // No session in progress
	Starting                         // Session is in transition to Active state
	Active                           // Session is running on the controller
	Stopping                         // Session is in transition to Inactive state
)

func (s AcquisitionState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("AcquisitionState(%d)", int(s))
}

// CameraSpec names one camera participating in a session.
type CameraSpec struct {
	Name       string
	Cam        Camera
	Settings   CameraSettings
	Writer     FrameWriter // nil means frames go to a RawFileWriter in the session dir
	QueueDepth int
}

// AcquisitionConfig is the host-side configuration for one session run.
type AcquisitionConfig struct {
	Session   *SessionConfig
	BasePath  string
	Intention string

	ReplyTimeout     time.Duration // wait for RECEIVED / INTERRUPTED acks
	LinkSilenceLimit time.Duration // silent-link threshold treated as controller loss
	FinishMargin     time.Duration // grace past the nominal session end before giving up on F
	StatusInterval   time.Duration
	StopGrace        time.Duration // per-pipeline worker join timeout
	Verbose          bool
}

func (c *AcquisitionConfig) fillDefaults() {
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 3 * time.Second
	}
	if c.LinkSilenceLimit == 0 {
		c.LinkSilenceLimit = 3 * time.Second
	}
	if c.FinishMargin == 0 {
		c.FinishMargin = 5 * time.Second
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
}

// SessionReport summarizes one completed (or interrupted) session.
type SessionReport struct {
	SessionID   string
	Directory   string
	Interrupted bool
	LinkLost    bool
	Edges       int
	BadRecords  uint64
	Cameras     map[string]CaptureCounts
	Jitter      []JitterStats
}

// AcquisitionStatus is the JSON-encoded payload for the status port.
type AcquisitionStatus struct {
	State      string
	SessionID  string
	Edges      int
	ElapsedSec float64
}

// Acquisition owns one controller link and runs sessions over it. Edge
// records and status updates fan out to the optional publishers and
// databases; only the serial link and the writing state are required.
type Acquisition struct {
	link    *SerialLink
	db      *camsyncdb.CamsyncDBConnection
	journal *runjournal.Journal
	updates chan<- ClientUpdate
	edgePub chan<- EdgeRecord
	ws      *WritingState

	mu        sync.Mutex
	state     AcquisitionState
	sessionID string
	interrupt chan struct{}
}

// NewAcquisition wires an acquisition engine to an open controller link.
// db, journal, updates, and edgePub may each be nil/absent.
func NewAcquisition(link *SerialLink, db *camsyncdb.CamsyncDBConnection, journal *runjournal.Journal) *Acquisition {
	if db == nil {
		db = camsyncdb.DummyDBConnection()
	}
	return &Acquisition{
		link:    link,
		db:      db,
		journal: journal,
		ws:      new(WritingState),
	}
}

// SetPublishers attaches the status and edge publisher channels.
func (a *Acquisition) SetPublishers(updates chan<- ClientUpdate, edgePub chan<- EdgeRecord) {
	a.updates = updates
	a.edgePub = edgePub
}

// State returns the current engine state, with proper locking.
func (a *Acquisition) State() AcquisitionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Acquisition) setState(s AcquisitionState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Interrupt asks the running session to stop early. Safe to call from any
// goroutine; a no-op unless a session is Active.
func (a *Acquisition) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Active && a.interrupt != nil {
		select {
		case a.interrupt <- struct{}{}:
		default:
		}
	}
}

// Run executes one full session: start the cameras, send the command frame,
// route edges to disk and publishers until the controller reports F (or the
// session is interrupted or the link is lost), then tear everything down.
func (a *Acquisition) Run(cfg AcquisitionConfig, cameras []CameraSpec) (*SessionReport, error) {
	if a.State() != Inactive {
		return nil, fmt.Errorf("cannot start a session in state %v", a.State())
	}
	cfg.fillDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	a.setState(Starting)
	defer a.setState(Inactive)

	sessionID := NewSessionID()
	a.mu.Lock()
	a.sessionID = sessionID
	a.interrupt = make(chan struct{}, 1)
	a.mu.Unlock()

	if cfg.Verbose {
		UpdateLogger.Printf("starting session %s:\n%s", sessionID, spew.Sdump(cfg.Session))
	}
	if err := a.ws.Start(cfg.BasePath, sessionID, cfg.Session.CycleDurationUS); err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.BasePath, sessionID)

	if a.journal != nil {
		if err := a.journal.BeginSession(sessionID, dir, cfg.Session.NumCycles, cfg.Session.CycleDurationUS); err != nil {
			ProblemLogger.Printf("journal begin session: %v", err)
		}
	}
	sessionMsg := &camsyncdb.SessionMessage{
		ID:              sessionID,
		Intention:       cfg.Intention,
		Directory:       dir,
		NumCycles:       cfg.Session.NumCycles,
		CycleDurationUS: cfg.Session.CycleDurationUS,
		NumCameras:      len(cameras),
		Start:           time.Now(),
	}
	a.db.RecordSession(sessionMsg)

	pipelines, camStart, err := a.startCameras(cfg, cameras, dir)
	if err != nil {
		a.ws.Stop()
		return nil, err
	}

	report, runErr := a.runSession(cfg, sessionID, dir)

	a.setState(Stopping)
	a.stopCameras(cfg, pipelines, camStart, sessionID, report)

	if err := a.ws.Stop(); err != nil {
		ProblemLogger.Printf("stop writing state: %v", err)
	}
	if a.journal != nil {
		if err := a.journal.FinishSession(sessionID, report.Edges, report.Interrupted); err != nil {
			ProblemLogger.Printf("journal finish session: %v", err)
		}
	}
	sessionMsg.Interrupted = report.Interrupted
	a.db.FinishSession(sessionMsg)

	UpdateLogger.Printf("session %s done: %d edges, %d cameras, interrupted=%v",
		sessionID, report.Edges, len(report.Cameras), report.Interrupted)
	return report, runErr
}

func (a *Acquisition) startCameras(cfg AcquisitionConfig, cameras []CameraSpec, dir string) ([]*CapturePipeline, time.Time, error) {
	start := time.Now()
	var pipelines []*CapturePipeline
	fail := func(err error) ([]*CapturePipeline, time.Time, error) {
		for _, p := range pipelines {
			p.Stop(cfg.StopGrace)
		}
		return nil, start, err
	}
	for _, spec := range cameras {
		if err := spec.Cam.Open(); err != nil {
			return fail(fmt.Errorf("open camera %s: %w", spec.Name, err))
		}
		if err := spec.Cam.Configure(spec.Settings); err != nil {
			spec.Cam.Close()
			return fail(fmt.Errorf("configure camera %s: %w", spec.Name, err))
		}
		inner := spec.Writer
		if inner == nil {
			var err error
			inner, err = NewRawFileWriter(filepath.Join(dir, spec.Name+"_frames.raw"))
			if err != nil {
				spec.Cam.Close()
				return fail(err)
			}
		}
		tapped, err := a.ws.AttachCamera(spec.Name, inner)
		if err != nil {
			spec.Cam.Close()
			return fail(err)
		}
		depth := spec.QueueDepth
		if depth == 0 {
			depth = 128
		}
		p := NewCapturePipeline(spec.Name, spec.Cam, tapped, depth)
		// Two trigger-less frame periods in a row reads as a disconnect.
		p.GrabTimeout = time.Duration(spec.Settings.FramePeriodUS) * time.Microsecond * 4
		if p.GrabTimeout == 0 {
			p.GrabTimeout = time.Second
		}
		p.MaxTimeouts = 8
		p.Start()
		pipelines = append(pipelines, p)
	}
	return pipelines, start, nil
}

func (a *Acquisition) stopCameras(cfg AcquisitionConfig, pipelines []*CapturePipeline, start time.Time, sessionID string, report *SessionReport) {
	report.Cameras = make(map[string]CaptureCounts, len(pipelines))
	for _, p := range pipelines {
		if err := p.Stop(cfg.StopGrace); err != nil {
			ProblemLogger.Printf("stop camera %s: %v", p.Name, err)
		}
		counts := p.Counts()
		report.Cameras[p.Name] = counts
		if a.journal != nil {
			if err := a.journal.RecordCameraRun(sessionID, p.Name,
				counts.Written, counts.Timeouts, counts.QueueDrops, ""); err != nil {
				ProblemLogger.Printf("journal camera run %s: %v", p.Name, err)
			}
		}
		a.db.RecordCameraRun(&camsyncdb.CameraRunMessage{
			ID:            NewSessionID(),
			SessionID:     sessionID,
			CameraName:    p.Name,
			FramesWritten: counts.Written,
			GrabTimeouts:  counts.Timeouts,
			QueueDrops:    counts.QueueDrops,
			Start:         start,
			End:           time.Now(),
		})
	}
}

// runSession handles the wire conversation and edge routing for one session.
func (a *Acquisition) runSession(cfg AcquisitionConfig, sessionID, dir string) (*SessionReport, error) {
	report := &SessionReport{SessionID: sessionID, Directory: dir}

	if err := a.link.WriteCommand(cfg.Session); err != nil {
		return report, err
	}
	if _, err := a.link.AwaitToken(ReplyReceived, cfg.ReplyTimeout); err != nil {
		return report, fmt.Errorf("session %s not accepted: %w", sessionID, err)
	}
	a.setState(Active)
	started := time.Now()
	nominal := time.Duration(uint64(cfg.Session.NumCycles)*uint64(cfg.Session.CycleDurationUS)) * time.Microsecond
	deadline := time.NewTimer(nominal + cfg.FinishMargin)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()

	var records []EdgeRecord
	var batch camsyncdb.EdgeBatchMessage
	batch.SessionID = sessionID
	flushBatch := func() {
		if len(batch.Pins) == 0 {
			return
		}
		msg := batch
		a.db.RecordEdges(&msg)
		batch = camsyncdb.EdgeBatchMessage{SessionID: sessionID}
	}

	routeEdge := func(rec EdgeRecord) {
		records = append(records, rec)
		if err := a.ws.RecordEdge(rec); err != nil {
			ProblemLogger.Printf("record edge: %v", err)
		}
		if a.edgePub != nil {
			select {
			case a.edgePub <- rec:
			default:
			}
		}
		batch.Pins = append(batch.Pins, rec.Pin)
		batch.States = append(batch.States, rec.State)
		batch.TimesUS = append(batch.TimesUS, rec.AbsoluteTimeUS(cfg.Session.CycleDurationUS))
		if len(batch.Pins) >= 256 {
			flushBatch()
		}
	}

	// Edges and reply tokens ride separate channels, so a terminal token can
	// win the select while records already on the wire are still queued. The
	// controller drains its edge ring before replying, so everything still
	// pending arrives within a short quiet window.
	drainEdges := func() {
		for {
			select {
			case rec, ok := <-a.link.Edges():
				if !ok {
					return
				}
				routeEdge(rec)
			case <-time.After(20 * time.Millisecond):
				return
			}
		}
	}

	interrupting := false
	finish := func(err error) (*SessionReport, error) {
		drainEdges()
		flushBatch()
		report.Edges = len(records)
		report.BadRecords = a.link.BadRecords()
		a.appendJitter(report, records, cfg.Session)
		return report, err
	}

	for {
		select {
		case rec, ok := <-a.link.Edges():
			if !ok {
				report.LinkLost = true
				return finish(fmt.Errorf("link closed during session %s", sessionID))
			}
			routeEdge(rec)

		case tok, ok := <-a.link.Tokens():
			if !ok {
				report.LinkLost = true
				return finish(fmt.Errorf("link closed during session %s", sessionID))
			}
			switch tok {
			case ReplyFinished:
				return finish(nil)
			case ReplyInterrupted:
				report.Interrupted = true
				return finish(nil)
			case ReplyError:
				return finish(fmt.Errorf("controller reported %s during session %s", ReplyError, sessionID))
			case ReplyReady:
				// A heartbeat here means the controller thinks it is idle,
				// so the session is over one way or another.
				return finish(fmt.Errorf("controller went idle mid-session %s", sessionID))
			}

		case <-a.interrupt:
			if !interrupting {
				interrupting = true
				if err := a.link.WriteInterrupt(); err != nil {
					return finish(err)
				}
			}

		case <-ticker.C:
			if a.link.SinceLastByte() > cfg.LinkSilenceLimit {
				report.LinkLost = true
				return finish(fmt.Errorf("controller silent for %v during session %s",
					cfg.LinkSilenceLimit, sessionID))
			}
			a.publishStatus(AcquisitionStatus{
				State:      a.State().String(),
				SessionID:  sessionID,
				Edges:      len(records),
				ElapsedSec: time.Since(started).Seconds(),
			})

		case <-deadline.C:
			report.LinkLost = true
			return finish(fmt.Errorf("no %s from controller within %v after nominal session end",
				ReplyFinished, cfg.FinishMargin))
		}
	}
}

func (a *Acquisition) appendJitter(report *SessionReport, records []EdgeRecord, s *SessionConfig) {
	for _, pin := range s.InputPins {
		js, err := ComputeJitter(records, pin, s.CycleDurationUS)
		if err != nil {
			continue
		}
		report.Jitter = append(report.Jitter, js)
	}
}

func (a *Acquisition) publishStatus(status AcquisitionStatus) {
	if a.updates == nil {
		return
	}
	select {
	case a.updates <- NewClientUpdate("STATUS", status):
	default:
	}
}
