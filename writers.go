package camsync

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openrig/camsync/internal/asyncbufio"
)

// DiscardWriter throws frames away. It serves preview-only cameras and
// tests that only care about the pipeline counters.
type DiscardWriter struct{}

func (DiscardWriter) WriteFrame(FrameMeta, *Frame) error { return nil }
func (DiscardWriter) Close() error                       { return nil }

// RawFileWriter appends frames to a single file as length-prefixed records.
// Each record is an 8-byte little-endian payload length followed by the
// frame bytes. Writes go through an asynchronous buffer so a slow disk
// shows up as a counted drop instead of a stalled writer goroutine.
type RawFileWriter struct {
	Filename string
	file     *os.File
	aw       *asyncbufio.Writer
	header   [8]byte
}

// NewRawFileWriter creates the output file, making parent directories as
// needed.
func NewRawFileWriter(filename string) (*RawFileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0775); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create frame file: %w", err)
	}
	return &RawFileWriter{
		Filename: filename,
		file:     f,
		aw:       asyncbufio.NewWriter(f, 1024, time.Second),
	}, nil
}

// WriteFrame appends one length-prefixed frame record.
func (w *RawFileWriter) WriteFrame(meta FrameMeta, frame *Frame) error {
	binary.LittleEndian.PutUint64(w.header[:], uint64(len(frame.Data)))
	if _, err := w.aw.Write(append(w.header[:0:0], w.header[:]...)); err != nil {
		return err
	}
	// The frame buffer is owned by the pipeline once grabbed, so handing
	// it to the async writer without a copy is safe.
	_, err := w.aw.Write(frame.Data)
	return err
}

// Dropped counts frame writes lost to a saturated write buffer.
func (w *RawFileWriter) Dropped() uint64 { return w.aw.Dropped() }

// Close flushes and closes the file.
func (w *RawFileWriter) Close() error {
	w.aw.Close()
	return w.file.Close()
}
