package camsync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrGrabTimeout is returned by Camera.Grab when no triggered frame arrived
// within the timeout. It is an expected condition between sessions, when no
// triggers are being generated.
var ErrGrabTimeout = errors.New("frame grab timed out")

// ErrWorkerLeak is returned by CapturePipeline.Stop when a worker fails to
// exit within the grace period, usually a camera driver stuck in Grab.
var ErrWorkerLeak = errors.New("capture worker did not exit")

// CameraSettings is the per-camera configuration applied before capture.
type CameraSettings struct {
	ExposureUS    uint32
	Gain          float64
	TriggerPin    uint16
	ROIWidth      int
	ROIHeight     int
	PixelFormat   string
	IsDepth       bool
	FramePeriodUS uint32
}

// Frame is one captured image plus the driver's timestamp for it.
type Frame struct {
	Data      []byte
	Timestamp time.Time
	CamSeq    uint64 // driver frame counter, used to infer drops
}

// Camera is the minimal surface the pipeline needs from a camera driver.
// Grab must honor its timeout rather than blocking indefinitely.
type Camera interface {
	Open() error
	Configure(CameraSettings) error
	Grab(timeout time.Duration) (*Frame, error)
	Close() error
}

// FrameMeta describes a frame as it passes to the writer.
type FrameMeta struct {
	CameraName string
	Index      uint64 // frames written, 0-based
	CamSeq     uint64
	HostTime   time.Time
	QueueDepth int // queue occupancy when the grab loop enqueued the frame
}

// FrameWriter persists frames. It is called from a single goroutine per
// camera; implementations need not be concurrency safe.
type FrameWriter interface {
	WriteFrame(meta FrameMeta, frame *Frame) error
	Close() error
}

// queuedFrame pairs a frame with the queue occupancy seen at enqueue time,
// so the metadata records how loaded the pipeline was when the frame arrived.
type queuedFrame struct {
	frame *Frame
	depth int
}

// CaptureCounts is a snapshot of one pipeline's counters.
type CaptureCounts struct {
	Grabbed    uint64
	Written    uint64
	Timeouts   uint64
	QueueDrops uint64
	Inferred   uint64 // drops inferred from gaps in the camera's own counter
}

// CapturePipeline runs one camera: a grab goroutine feeding a bounded queue
// and a writer goroutine draining it. The queue decouples a slow disk from
// the trigger-paced camera; when it is full the newest frame is dropped and
// counted, never blocking the grab loop.
type CapturePipeline struct {
	Name        string
	GrabTimeout time.Duration
	MaxTimeouts int // consecutive timeouts treated as a disconnect; 0 means never

	cam    Camera
	writer FrameWriter

	queue     chan queuedFrame
	stop      chan struct{}
	grabDone  chan struct{}
	writeDone chan struct{}
	stopOnce  sync.Once

	grabbed    atomic.Uint64
	written    atomic.Uint64
	timeouts   atomic.Uint64
	queueDrops atomic.Uint64
	inferred   atomic.Uint64

	mu       sync.Mutex
	fatalErr error
}

// NewCapturePipeline builds an idle pipeline for one camera.
func NewCapturePipeline(name string, cam Camera, writer FrameWriter, queueDepth int) *CapturePipeline {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &CapturePipeline{
		Name:        name,
		GrabTimeout: time.Second,
		cam:         cam,
		writer:      writer,
		queue:       make(chan queuedFrame, queueDepth),
		stop:        make(chan struct{}),
		grabDone:    make(chan struct{}),
		writeDone:   make(chan struct{}),
	}
}

// Start launches the grab and write workers.
func (p *CapturePipeline) Start() {
	go p.grabLoop()
	go p.writeLoop()
}

func (p *CapturePipeline) grabLoop() {
	defer close(p.queue)
	defer close(p.grabDone)
	consecutive := 0
	var lastSeq uint64
	haveSeq := false
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		frame, err := p.cam.Grab(p.GrabTimeout)
		if err != nil {
			if errors.Is(err, ErrGrabTimeout) {
				p.timeouts.Add(1)
				consecutive++
				if p.MaxTimeouts > 0 && consecutive >= p.MaxTimeouts {
					p.setFatal(fmt.Errorf("camera %s: %d consecutive grab timeouts", p.Name, consecutive))
					return
				}
				continue
			}
			p.setFatal(fmt.Errorf("camera %s: %w", p.Name, err))
			return
		}
		consecutive = 0
		p.grabbed.Add(1)
		if haveSeq && frame.CamSeq > lastSeq+1 {
			p.inferred.Add(frame.CamSeq - lastSeq - 1)
		}
		lastSeq, haveSeq = frame.CamSeq, true

		select {
		case p.queue <- queuedFrame{frame: frame, depth: len(p.queue)}:
		default:
			p.queueDrops.Add(1)
		}
	}
}

func (p *CapturePipeline) writeLoop() {
	defer close(p.writeDone)
	for q := range p.queue {
		frame := q.frame
		meta := FrameMeta{
			CameraName: p.Name,
			Index:      p.written.Load(),
			CamSeq:     frame.CamSeq,
			HostTime:   time.Now(),
			QueueDepth: q.depth,
		}
		if err := p.writer.WriteFrame(meta, frame); err != nil {
			p.setFatal(fmt.Errorf("camera %s write frame %d: %w", p.Name, meta.Index, err))
			// Keep draining so the grab side never blocks on a dead writer.
			continue
		}
		p.written.Add(1)
	}
}

// Stop halts the workers and closes the writer. The grab worker gets a grace
// period to escape a blocking driver call before being declared leaked.
func (p *CapturePipeline) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() { close(p.stop) })

	var leak error
	select {
	case <-p.grabDone:
	case <-time.After(grace):
		leak = fmt.Errorf("camera %s: %w", p.Name, ErrWorkerLeak)
	}
	if leak == nil {
		// The queue is closed once the grab worker exits, so the writer drains
		// and finishes on its own.
		select {
		case <-p.writeDone:
		case <-time.After(grace):
			leak = fmt.Errorf("camera %s writer: %w", p.Name, ErrWorkerLeak)
		}
	}

	werr := p.writer.Close()
	cerr := p.cam.Close()
	if leak != nil {
		return leak
	}
	if err := p.Err(); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}
	return cerr
}

// Err reports the first fatal error a worker hit, if any.
func (p *CapturePipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

func (p *CapturePipeline) setFatal(err error) {
	p.mu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.mu.Unlock()
}

// Counts snapshots the pipeline's counters.
func (p *CapturePipeline) Counts() CaptureCounts {
	return CaptureCounts{
		Grabbed:    p.grabbed.Load(),
		Written:    p.written.Load(),
		Timeouts:   p.timeouts.Load(),
		QueueDrops: p.queueDrops.Load(),
		Inferred:   p.inferred.Load(),
	}
}
