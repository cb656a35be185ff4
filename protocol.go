package camsync

// The serial wire protocol spoken between the host and the trigger
// controller. Both ends import this one file, so the two sides of the link
// cannot drift apart.
//
// Host -> controller, one command frame per session:
//
//	STX \n
//	<num_cycles> \n
//	<cycle_duration_us> \n
//	<input_pins csv> \n
//	<random_output_pins csv> \n
//	<cycles_per_random_update> \n
//	<state_change_times_us csv> \n
//	<state_change_pins csv> \n
//	<state_change_states csv> \n
//	ETX \n
//
// Controller -> host: newline-terminated reply tokens (READY, RECEIVED,
// ERROR, INTERRUPTED, F) interleaved during a run with fixed-size binary
// edge reports. An edge report is 13 bytes: STX, then little-endian
// pin (uint16), state (uint8), time within cycle in µs (uint32), cycle
// index (uint32), then a newline.

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Framing sentinel bytes for command frames and edge reports.
const (
	STX byte = 0x02
	ETX byte = 0x03
)

// InterruptByte is the single byte the host sends to abort a running session.
const InterruptByte byte = 'I'

// Reply tokens emitted by the controller.
const (
	ReplyReady       = "READY"
	ReplyReceived    = "RECEIVED"
	ReplyError       = "ERROR"
	ReplyInterrupted = "INTERRUPTED"
	ReplyFinished    = "F"
)

// NumCommandFields is the number of body fields between STX and ETX.
const NumCommandFields = 8

// Hard caps on list-valued command fields. A frame exceeding these is
// rejected with ERROR rather than grown into; the controller's buffers are
// sized to exactly these limits.
const (
	MaxPinList     = 64
	MaxScheduleLen = 256
	MaxLineLen     = 4096
)

// EdgeRecordLength is the on-wire size of one edge report, sentinels included.
const EdgeRecordLength = 13

// EdgeRecord is one logged transition on a monitored input pin.
type EdgeRecord struct {
	Pin    uint16
	State  uint8
	TimeUS uint32 // µs offset within the cycle
	Cycle  uint32 // cycle index, counted from 0
}

// AbsoluteTimeUS is the transition time in µs since the start of the session.
func (r EdgeRecord) AbsoluteTimeUS(cycleDurationUS uint32) uint64 {
	return uint64(r.Cycle)*uint64(cycleDurationUS) + uint64(r.TimeUS)
}

// AppendEdgeRecord appends the 13-byte wire encoding of r to buf.
func AppendEdgeRecord(buf []byte, r EdgeRecord) []byte {
	buf = append(buf, STX)
	buf = binary.LittleEndian.AppendUint16(buf, r.Pin)
	buf = append(buf, r.State)
	buf = binary.LittleEndian.AppendUint32(buf, r.TimeUS)
	buf = binary.LittleEndian.AppendUint32(buf, r.Cycle)
	return append(buf, '\n')
}

// DecodeEdgeRecord parses one 13-byte edge report, sentinels included.
func DecodeEdgeRecord(p []byte) (EdgeRecord, error) {
	var r EdgeRecord
	if len(p) != EdgeRecordLength {
		return r, fmt.Errorf("edge record is %d bytes, want %d", len(p), EdgeRecordLength)
	}
	if p[0] != STX {
		return r, fmt.Errorf("edge record starts with 0x%02x, want STX", p[0])
	}
	if p[EdgeRecordLength-1] != '\n' {
		return r, fmt.Errorf("edge record ends with 0x%02x, want newline", p[EdgeRecordLength-1])
	}
	r.Pin = binary.LittleEndian.Uint16(p[1:3])
	r.State = p[3]
	if r.State > 1 {
		return r, fmt.Errorf("edge record state is %d, want 0 or 1", r.State)
	}
	r.TimeUS = binary.LittleEndian.Uint32(p[4:8])
	r.Cycle = binary.LittleEndian.Uint32(p[8:12])
	return r, nil
}

// EncodeCommand renders cfg as a complete command frame. It assumes cfg has
// already passed Validate; the controller re-validates on receipt anyway.
func EncodeCommand(cfg *SessionConfig) []byte {
	var b strings.Builder
	b.WriteByte(STX)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d\n", cfg.NumCycles)
	fmt.Fprintf(&b, "%d\n", cfg.CycleDurationUS)
	b.WriteString(joinUints16(cfg.InputPins))
	b.WriteByte('\n')
	b.WriteString(joinUints16(cfg.RandomOutputPins))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%d\n", cfg.CyclesPerRandomUpdate)
	b.WriteString(joinUints32(cfg.StateChangeTimes))
	b.WriteByte('\n')
	b.WriteString(joinUints16(cfg.StateChangePins))
	b.WriteByte('\n')
	b.WriteString(joinUints8(cfg.StateChangeStates))
	b.WriteByte('\n')
	b.WriteByte(ETX)
	b.WriteByte('\n')
	return []byte(b.String())
}

// ParseCommandFields converts the 8 body fields of a command frame into a
// SessionConfig. Fields arrive in wire order. The result is validated.
func ParseCommandFields(fields [][]byte) (*SessionConfig, error) {
	if len(fields) != NumCommandFields {
		return nil, fmt.Errorf("command has %d fields, want %d", len(fields), NumCommandFields)
	}
	cfg := new(SessionConfig)
	var err error
	if cfg.NumCycles, err = parseUint32(fields[0]); err != nil {
		return nil, fmt.Errorf("num_cycles: %w", err)
	}
	if cfg.CycleDurationUS, err = parseUint32(fields[1]); err != nil {
		return nil, fmt.Errorf("cycle_duration: %w", err)
	}
	if cfg.InputPins, err = parseUint16List(fields[2], MaxPinList); err != nil {
		return nil, fmt.Errorf("input_pins: %w", err)
	}
	if cfg.RandomOutputPins, err = parseUint16List(fields[3], MaxPinList); err != nil {
		return nil, fmt.Errorf("random_output_pins: %w", err)
	}
	if cfg.CyclesPerRandomUpdate, err = parseUint32(fields[4]); err != nil {
		return nil, fmt.Errorf("cycles_per_random_update: %w", err)
	}
	if cfg.StateChangeTimes, err = parseUint32List(fields[5], MaxScheduleLen); err != nil {
		return nil, fmt.Errorf("state_change_times: %w", err)
	}
	if cfg.StateChangePins, err = parseUint16List(fields[6], MaxScheduleLen); err != nil {
		return nil, fmt.Errorf("state_change_pins: %w", err)
	}
	if cfg.StateChangeStates, err = parseUint8List(fields[7], MaxScheduleLen); err != nil {
		return nil, fmt.Errorf("state_change_states: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseUint32(field []byte) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(string(field)), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// splitCSV splits a comma-separated field, treating an empty field as an
// empty list. Each list type has its own parser so list length caps apply
// before any value conversion.
func splitCSV(field []byte, maxLen int) ([]string, error) {
	s := strings.TrimSpace(string(field))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > maxLen {
		return nil, fmt.Errorf("list has %d entries, max is %d", len(parts), maxLen)
	}
	return parts, nil
}

func parseUint16List(field []byte, maxLen int) ([]uint16, error) {
	parts, err := splitCSV(field, maxLen)
	if err != nil || parts == nil {
		return nil, err
	}
	out := make([]uint16, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, err
		}
		out[i] = uint16(v)
	}
	return out, nil
}

func parseUint32List(field []byte, maxLen int) ([]uint32, error) {
	parts, err := splitCSV(field, maxLen)
	if err != nil || parts == nil {
		return nil, err
	}
	out := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(v)
	}
	return out, nil
}

func parseUint8List(field []byte, maxLen int) ([]uint8, error) {
	parts, err := splitCSV(field, maxLen)
	if err != nil || parts == nil {
		return nil, err
	}
	out := make([]uint8, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, err
		}
		out[i] = uint8(v)
	}
	return out, nil
}

func joinUints16(vals []uint16) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

func joinUints32(vals []uint32) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

func joinUints8(vals []uint8) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}
