package appendablenpy

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
)

func TestHeaderIs64ByteAligned(t *testing.T) {
	file := filepath.Join(t.TempDir(), "empty.npy")
	fp, err := os.Create(file)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()

	dtype := "[('ch_num', '<u2'), ('timestamp', '<u8'), ('subframe', '<u8'), ('pulse', '<u2', (100,))]"
	if _, err := OpenAppendableNPY(fp, dtype); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 192 {
		t.Errorf("header is %d bytes, want 192", len(data))
	}
	if data[len(data)-1] != 0x0a {
		t.Error("header does not end with a newline")
	}
}

func TestWriteGrowsShapeInPlace(t *testing.T) {
	file := filepath.Join(t.TempDir(), "grow.npy")
	fp, err := os.Create(file)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()

	npy, err := OpenAppendableNPY(fp, "'<i8'")
	if err != nil {
		t.Fatal(err)
	}
	headerLen := int64(128)
	if fi, err := fp.Stat(); err == nil {
		headerLen = fi.Size()
	}

	record := func(v int64) []byte {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		return b[:]
	}
	if err := npy.Write([][]byte{record(10), record(20)}); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 100; i++ {
		if err := npy.Write([][]byte{record(30 + i)}); err != nil {
			t.Fatal(err)
		}
	}

	fi, err := fp.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if want := headerLen + 8*102; fi.Size() != want {
		t.Errorf("file is %d bytes after 102 items, want %d", fi.Size(), want)
	}

	// Every readback along the way must parse as valid NPY, since readers
	// open the file while it is still growing.
	rf, err := os.Open(file)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	r, err := npyio.NewReader(rf)
	if err != nil {
		t.Fatalf("reading back the npy header: %v", err)
	}
	if shape := r.Header.Descr.Shape; len(shape) != 1 || shape[0] != 102 {
		t.Fatalf("shape = %v, want [102]", shape)
	}
	var got []int64
	if err := r.Read(&got); err != nil {
		t.Fatalf("reading back the data: %v", err)
	}
	if got[0] != 10 || got[1] != 20 || got[101] != 129 {
		t.Errorf("data readback = %d, %d, ..., %d", got[0], got[1], got[101])
	}
	if npy.Items() != 102 {
		t.Errorf("Items() = %d, want 102", npy.Items())
	}
}

func TestWriteOnClosedFileReportsError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "closed.npy")
	fp, err := os.Create(file)
	if err != nil {
		t.Fatal(err)
	}
	npy, err := OpenAppendableNPY(fp, "'<i8'")
	if err != nil {
		t.Fatal(err)
	}
	fp.Close()
	if err := npy.Write([][]byte{make([]byte, 8)}); err == nil {
		t.Error("Write on a closed file returned no error")
	}
	if _, err := OpenAppendableNPY(fp, "'<i8'"); err == nil {
		t.Error("OpenAppendableNPY on a closed file returned no error")
	}
}
