// Package appendablenpy writes a numpy *.npy file whose 1-D array grows in
// place. The header's shape field is reserved with a fixed-width count and
// rewritten after every append, so the file stays loadable mid-session. The
// camera timestamp files are written this way.
package appendablenpy

import (
	"fmt"
	"os"
)

// The npy format pads its header to a multiple of 64 bytes.
const headerUnits = 64

// The shape count is left-justified in a 10-character field, which bounds
// the array at 1e10-1 items.
const shapeDigits = 10

// AppendableNPY appends fixed-size records to an open npy file. Not
// concurrency safe; each file has a single writing goroutine.
type AppendableNPY struct {
	f        *os.File
	shapePtr int64 // file offset of the shape count inside the header
	items    int
}

// OpenAppendableNPY writes a version 1.0 npy header describing an empty 1-D
// array of the given dtype (e.g. "'<i8'") and returns a writer positioned
// for the first record.
func OpenAppendableNPY(fp *os.File, dtype string) (*AppendableNPY, error) {
	header := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0, 0, 0}
	header = append(header, "{'descr': "...)
	header = append(header, dtype...)
	header = append(header, ", 'fortran_order': False, 'shape': ("...)
	shapePtr := len(header)
	header = append(header, fmt.Sprintf("%-*d", shapeDigits, 0)...)
	header = append(header, ",),}"...)

	// Bytes 8-9 hold the post-preamble header size, little-endian.
	const preambleSize = 10
	nunits := (len(header) + headerUnits) / headerUnits
	headerSize := nunits*headerUnits - preambleSize
	header[8] = byte(headerSize % 256)
	header[9] = byte(headerSize / 256)

	for len(header) < preambleSize+headerSize-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')
	if _, err := fp.Write(header); err != nil {
		return nil, fmt.Errorf("write npy header: %w", err)
	}
	return &AppendableNPY{f: fp, shapePtr: int64(shapePtr)}, nil
}

// Write appends the records and rewrites the header's shape count to match.
func (an *AppendableNPY) Write(records [][]byte) error {
	for _, r := range records {
		if _, err := an.f.Write(r); err != nil {
			return err
		}
	}
	an.items += len(records)
	// WriteAt leaves the file offset at the end, where appends continue.
	shape := fmt.Sprintf("%-*d", shapeDigits, an.items)
	if _, err := an.f.WriteAt([]byte(shape), an.shapePtr); err != nil {
		return fmt.Errorf("update npy shape: %w", err)
	}
	return nil
}

// Items reports how many records have been appended.
func (an *AppendableNPY) Items() int {
	return an.items
}
