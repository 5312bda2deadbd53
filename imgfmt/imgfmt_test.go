package imgfmt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riddlework/vm-subcontexts/mapping"
)

func makeTestImagePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "image.sbc")
}

// makeLiveRegion reserves one page of anonymous memory in the test
// process and fills it with a recognizable pattern, so Write has
// something real to read out of this process's own address space.
func makeLiveRegion(t *testing.T) (start uintptr, size uintptr) {
	t.Helper()
	size = uintptr(os.Getpagesize())
	m, err := mapping.Anon(size, mapping.ModeReadWrite, 0)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	copy(m.Memory(), []byte("SUBCONTEXT-IMAGE-PAYLOAD"))
	return m.Address(), size
}

func TestWriteReadRoundTrip(t *testing.T) {
	start, size := makeLiveRegion(t)
	regions := []RegionEntry{
		{Start: start, End: start + size, Perms: "r-x"},
	}

	path := makeTestImagePath(t)
	require.NoError(t, Write(path, regions, []uintptr{start}))

	header, err := Read(path)
	require.NoError(t, err)
	require.Len(t, header.Regions, 1)

	got := header.Regions[0]
	assert.Equal(t, start, got.Start)
	assert.Equal(t, start+size, got.End)
	assert.True(t, got.Readable())
	assert.True(t, got.Executable())
	assert.False(t, got.Writable())

	addr, ok := header.FuncEntry(0)
	assert.True(t, ok)
	assert.Equal(t, start, addr)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, len("SUBCONTEXT-IMAGE-PAYLOAD"))
	_, err = f.ReadAt(buf, int64(got.FileOffset))
	require.NoError(t, err)
	assert.Equal(t, "SUBCONTEXT-IMAGE-PAYLOAD", string(buf))
}

func TestWriteRejectsMisalignedRegion(t *testing.T) {
	path := makeTestImagePath(t)
	err := Write(path, []RegionEntry{{Start: 1, End: 100, Perms: "r--"}}, nil)
	assert.IsType(t, &ErrorMisalignedRegion{}, err)
}

func TestWriteRejectsOverlappingRegions(t *testing.T) {
	page := uintptr(os.Getpagesize())
	a := RegionEntry{Start: 0x10000000, End: 0x10000000 + 2*page, Perms: "rw-"}
	b := RegionEntry{Start: 0x10000000 + page, End: 0x10000000 + 3*page, Perms: "rw-"}

	path := makeTestImagePath(t)
	err := Write(path, []RegionEntry{a, b}, nil)
	assert.IsType(t, &ErrorOverlappingRegions{}, err)
}

func TestWriteRejectsFuncEntryOutsideRegion(t *testing.T) {
	start, size := makeLiveRegion(t)
	path := makeTestImagePath(t)
	err := Write(path, []RegionEntry{{Start: start, End: start + size, Perms: "rw-"}}, []uintptr{start + size + 0x1000})
	assert.IsType(t, &ErrorFuncEntryOutOfRegion{}, err)
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	path := makeTestImagePath(t)
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0600))
	_, err := Read(path)
	assert.IsType(t, &ErrorMalformedImage{}, err)
}
