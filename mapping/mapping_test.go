package mapping

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const testFileSize = 1 << 20

var payload = []byte("HELLO")

// makeBackingFile creates a zero-filled file of testFileSize bytes and
// arranges for it to be closed with the test.
func makeBackingFile(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(testFileSize); err != nil {
		t.Fatal(err)
	}
	return f
}

// makeFileMapping maps a fresh backing file in the given mode and returns
// both the mapping and the file's path so tests can reopen it to observe
// what actually reached disk.
func makeFileMapping(t *testing.T, mode Mode) (*Mapping, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.bin")
	f := makeBackingFile(t, path)
	m, err := New(f.Fd(), 0, testFileSize, mode, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m, path
}

// readBackFile reopens path and reads want-many bytes from offset 0.
func readBackFile(t *testing.T, path string, n int) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestReadWriteRoundTrip(t *testing.T) {
	m, _ := makeFileMapping(t, ModeReadWrite)
	if _, err := m.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSharedWritesReachFile(t *testing.T) {
	m, path := makeFileMapping(t, ModeReadWrite)
	if _, err := m.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := readBackFile(t, path, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("file holds %q after Sync, want %q", got, payload)
	}
}

func TestWriteCopyStaysPrivate(t *testing.T) {
	m, path := makeFileMapping(t, ModeWriteCopy)
	if _, err := m.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := readBackFile(t, path, len(payload)); !bytes.Equal(got, make([]byte, len(payload))) {
		t.Fatalf("copy-on-write update leaked into the file: %q", got)
	}
}

func TestShortMappingTruncatesWithEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing.bin")
	f := makeBackingFile(t, path)
	short := uintptr(len(payload) - 1)
	m, err := New(f.Fd(), 0, short, ModeReadWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	if _, err := m.WriteAt(payload, 0); err != io.EOF {
		t.Fatalf("writing past the mapping returned %v, want io.EOF", err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0); err != io.EOF {
		t.Fatalf("reading past the mapping returned %v, want io.EOF", err)
	}
	if !bytes.Equal(got[:short], payload[:short]) {
		t.Fatalf("the in-range prefix read back %q, want %q", got[:short], payload[:short])
	}
}

func TestUnalignedOffsetIsAdjusted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing.bin")
	f := makeBackingFile(t, path)
	length := uintptr(len(payload) - 1)
	m, err := New(f.Fd(), 1, length, ModeReadWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	want := payload[1:]
	if _, err := m.WriteAt(want, 0); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q through the offset mapping, want %q", got, want)
	}
}

func TestTransactionRollbackDiscards(t *testing.T) {
	m, _ := makeFileMapping(t, ModeReadWrite)
	tx, err := m.Begin(0, m.Length())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, len(payload))) {
		t.Fatalf("rolled-back write still visible in the mapping: %q", got)
	}
}

func TestTransactionCommitApplies(t *testing.T) {
	m, path := makeFileMapping(t, ModeReadWrite)
	tx, err := m.Begin(0, m.Length())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.WriteAt(payload, 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("mapping holds %q after Commit, want %q", got, payload)
	}
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := readBackFile(t, path, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("file holds %q after committed Sync, want %q", got, payload)
	}
}
