package imgfmt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/riddlework/vm-subcontexts/mapping"
)

// headerWireSize is the on-disk size of the fixed-layout header: the
// function entry table, the region count, and the region table. The
// region table is always reserved at full capacity, so every offset is
// computable without reading the file.
const headerWireSize = MaxFuncEntries*8 + 8 + MaxRegions*regionWireSize

// regionWireSize is the on-disk size of one Entry: start, end, file
// offset (3 uint64s) plus a NUL-padded permission string.
const regionWireSize = 8 + 8 + 8 + permsLen

func pageSize() uintptr {
	return uintptr(os.Getpagesize())
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Write creates a new image file at path containing one page-aligned
// section per region plus a header describing them and the supplied
// function entry points. Regions must already be page-aligned and
// disjoint; Write validates this and each function entry's containment in
// an executable region before touching the filesystem.
func Write(path string, regions []RegionEntry, funcs []uintptr) error {
	if len(regions) > MaxRegions {
		return &ErrorTooManyRegions{Count: len(regions)}
	}
	if len(funcs) > MaxFuncEntries {
		return &ErrorTooManyFuncEntries{Count: len(funcs)}
	}

	align := pageSize()
	dataOffset := alignUp(headerWireSize, align)
	layout := make([]RegionEntry, len(regions))
	offset := uint64(dataOffset)
	for i, r := range regions {
		if r.End <= r.Start || r.Start%align != 0 || r.End%align != 0 {
			return &ErrorMisalignedRegion{Index: i, Start: r.Start, End: r.End, FileOffset: offset, RequiredAlignment: align}
		}
		for j := 0; j < i; j++ {
			if r.Start < layout[j].End && r.End > layout[j].Start {
				return &ErrorOverlappingRegions{IndexA: j, IndexB: i}
			}
		}
		layout[i] = RegionEntry{Start: r.Start, End: r.End, FileOffset: offset, Perms: r.Perms}
		offset += uint64(r.Size())
	}

	var header Header
	for i, addr := range funcs {
		if addr == 0 {
			continue
		}
		if _, ok := regionContaining(layout, addr, true); !ok {
			return &ErrorFuncEntryOutOfRegion{Index: i, Address: addr}
		}
		header.FuncEntries[i] = addr
	}
	header.Regions = layout

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return &ErrorIO{Op: "create", Cause: err}
	}
	defer f.Close()

	if err := f.Truncate(int64(offset)); err != nil {
		return &ErrorIO{Op: "truncate", Cause: err}
	}

	// The header section is mapped writable and filled in place, rather
	// than written with plain WriteAt, so that a failure
	// partway through region copying can roll the header back to its
	// all-zero pre-write state instead of leaving a header that names
	// regions whose bytes were never copied.
	headerMap, err := mapping.New(f.Fd(), 0, dataOffset, mapping.ModeReadWrite, 0)
	if err != nil {
		return &ErrorIO{Op: "map header", Cause: err}
	}
	defer headerMap.Close()

	tx, err := headerMap.Begin(0, headerWireSize)
	if err != nil {
		return &ErrorIO{Op: "begin header transaction", Cause: err}
	}
	if err := writeHeader(tx, &header); err != nil {
		tx.Rollback()
		return &ErrorIO{Op: "write header", Cause: err}
	}

	for _, r := range layout {
		if !r.Readable() {
			// Unreadable regions keep their zero-filled slot; their contents
			// at capture time are meaningless to whoever maps them back.
			continue
		}
		if err := copyRegionData(f, r); err != nil {
			tx.Rollback()
			return &ErrorIO{Op: fmt.Sprintf("write region 0x%x-0x%x", r.Start, r.End), Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &ErrorIO{Op: "commit header", Cause: err}
	}
	return nil
}

// copyRegionData reads the still-live bytes of r directly out of this
// process's own address space and writes them to the image at
// r.FileOffset, rather than reading through process_vm_readv or
// /proc/<pid>/mem: the region is already mapped in this process (that is
// what makes it a candidate for snapshotting in the first place), so no
// new mapping is needed, only a view over the existing one.
func copyRegionData(f *os.File, r RegionEntry) error {
	live := mapping.BytesAt(r.Start, int(r.Size()))
	if _, err := f.WriteAt(live, int64(r.FileOffset)); err != nil {
		return err
	}
	return nil
}

// writeHeader encodes h into the fixed wire layout and writes it through w,
// which is ordinarily the in-progress header Transaction so the write can
// still be rolled back if a later region copy fails.
func writeHeader(w io.WriterAt, h *Header) error {
	buf := make([]byte, headerWireSize)
	for i, addr := range h.FuncEntries {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(addr))
	}
	cursor := MaxFuncEntries * 8
	binary.LittleEndian.PutUint64(buf[cursor:], uint64(len(h.Regions)))
	cursor += 8
	for _, r := range h.Regions {
		binary.LittleEndian.PutUint64(buf[cursor:], uint64(r.Start))
		binary.LittleEndian.PutUint64(buf[cursor+8:], uint64(r.End))
		binary.LittleEndian.PutUint64(buf[cursor+16:], r.FileOffset)
		copy(buf[cursor+24:cursor+24+permsLen], r.Perms)
		cursor += regionWireSize
	}
	_, err := w.WriteAt(buf, 0)
	return err
}

// Read parses the header of the image at path through a shared read-only
// mapping of the header section. It does not map any region data; callers
// pass the returned Header and the image path to the matchmaker, which
// performs the actual fixed-address mapping.
func Read(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrorIO{Op: "open", Cause: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &ErrorIO{Op: "stat", Cause: err}
	}
	// Guard before mapping: touching pages past EOF of a short file raises
	// SIGBUS rather than returning an error.
	if fi.Size() < headerWireSize {
		return nil, &ErrorMalformedImage{Reason: fmt.Sprintf("file is %d bytes, header needs %d", fi.Size(), headerWireSize)}
	}

	headerMap, err := mapping.New(f.Fd(), 0, headerWireSize, mapping.ModeReadOnly, 0)
	if err != nil {
		return nil, &ErrorIO{Op: "map header", Cause: err}
	}
	defer headerMap.Close()

	buf := make([]byte, headerWireSize)
	if _, err := headerMap.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, &ErrorIO{Op: "read header", Cause: err}
	}

	var h Header
	for i := range h.FuncEntries {
		h.FuncEntries[i] = uintptr(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	cursor := MaxFuncEntries * 8
	count := binary.LittleEndian.Uint64(buf[cursor:])
	cursor += 8
	if count > MaxRegions {
		return nil, &ErrorMalformedImage{Reason: fmt.Sprintf("region count %d exceeds capacity %d", count, MaxRegions)}
	}

	h.Regions = make([]RegionEntry, count)
	for i := range h.Regions {
		start := uintptr(binary.LittleEndian.Uint64(buf[cursor:]))
		end := uintptr(binary.LittleEndian.Uint64(buf[cursor+8:]))
		fileOffset := binary.LittleEndian.Uint64(buf[cursor+16:])
		perms := trimNul(buf[cursor+24 : cursor+24+permsLen])
		if end <= start {
			return nil, &ErrorMalformedImage{Reason: fmt.Sprintf("region %d has empty or inverted range", i)}
		}
		h.Regions[i] = RegionEntry{Start: start, End: end, FileOffset: fileOffset, Perms: perms}
		cursor += regionWireSize
	}
	return &h, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// regionContaining is the unexported layout-time counterpart of
// (*Header).RegionContaining, used by Write before a Header exists.
// requireExec additionally rejects a match that is not executable, since
// Write uses it to validate function entries.
func regionContaining(regions []RegionEntry, addr uintptr, requireExec bool) (RegionEntry, bool) {
	for _, r := range regions {
		if addr >= r.Start && addr < r.End {
			if requireExec && !r.Executable() {
				continue
			}
			return r, true
		}
	}
	return RegionEntry{}, false
}
