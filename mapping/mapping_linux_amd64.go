package mapping

import (
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxInt = int(^uint(0) >> 1)

func errno(err error) error {
	if err != nil {
		if en, ok := err.(unix.Errno); ok && en == 0 {
			return unix.EINVAL
		}
		return err
	}
	return unix.EINVAL
}

func mmap(addr, length uintptr, prot, flags int, fd uintptr, offset int64) (uintptr, error) {
	if prot < 0 || flags < 0 || offset < 0 {
		return 0, unix.EINVAL
	}
	result, _, err := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), fd, uintptr(offset))
	if err != 0 {
		return 0, errno(err)
	}
	return result, nil
}

func mlock(addr, length uintptr) error {
	_, _, err := unix.Syscall(unix.SYS_MLOCK, addr, length, 0)
	if err != 0 {
		return errno(err)
	}
	return nil
}

func munlock(addr, length uintptr) error {
	_, _, err := unix.Syscall(unix.SYS_MUNLOCK, addr, length, 0)
	if err != 0 {
		return errno(err)
	}
	return nil
}

func msync(addr, length uintptr) error {
	_, _, err := unix.Syscall(unix.SYS_MSYNC, addr, length, unix.MS_SYNC)
	if err != 0 {
		return errno(err)
	}
	return nil
}

func munmap(addr, length uintptr) error {
	_, _, err := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if err != 0 {
		return errno(err)
	}
	return nil
}

func mprotect(addr, length uintptr, prot int) error {
	_, _, err := unix.Syscall(unix.SYS_MPROTECT, addr, length, uintptr(prot))
	if err != 0 {
		return errno(err)
	}
	return nil
}

func bytesAt(addr uintptr, length int) []byte {
	var sliceHeader struct {
		data uintptr
		len  int
		cap  int
	}
	sliceHeader.data = addr
	sliceHeader.len = length
	sliceHeader.cap = length
	return *(*[]byte)(unsafe.Pointer(&sliceHeader))
}

// BytesAt views length bytes already mapped at addr in this process's own
// address space, without creating or closing any mapping. The snapshotter
// uses it to read out the live bytes of a region it is about to capture;
// the caller is responsible for addr/length describing memory this
// process actually has mapped.
func BytesAt(addr uintptr, length int) []byte {
	return bytesAt(addr, length)
}

// Protect changes the protection of an address range this process already
// has mapped, without requiring a Region or Mapping to own it. The
// matchmaker uses this for the calling process's own pre-existing
// executable regions (its .text segment and the like), which were never
// created through New or Fixed.
func Protect(addr, length uintptr, prot int) error {
	if err := mprotect(addr, length, prot); err != nil {
		return &ErrorProtectFailed{Address: addr, Length: length, Cause: err}
	}
	return nil
}

// Mapping is a mapping of a file into memory at a kernel-chosen address.
type Mapping struct {
	internal
	alignedAddress uintptr
	alignedLength  uintptr
	locked         bool
	anonymous      bool
}

// New returns a new mapping of the file into memory at a kernel-chosen
// address. Actual offset and length may differ from the ones specified
// by the reason of aligning to page size.
func New(fd uintptr, offset int64, length uintptr, mode Mode, flags Flag) (*Mapping, error) {

	// Using int64 (off_t) for offset and uintptr (size_t) for the length by reason of compatibility.
	if offset < 0 {
		return nil, &ErrorInvalidOffset{Offset: offset}
	}
	if length > uintptr(maxInt) {
		return nil, &ErrorInvalidLength{Length: length}
	}

	m := &Mapping{}
	prot := unix.PROT_READ
	mmapFlags := unix.MAP_SHARED
	if mode < ModeReadOnly || mode > ModeWriteCopy {
		return nil, &ErrorInvalidMode{Mode: mode}
	}
	if mode > ModeReadOnly {
		prot |= unix.PROT_WRITE
		m.writable = true
	}
	if mode == ModeWriteCopy {
		mmapFlags = unix.MAP_PRIVATE
	}
	if flags&FlagExecutable != 0 {
		prot |= unix.PROT_EXEC
		m.executable = true
	}

	// Mapping offset must be aligned by the memory page size.
	pageSize := int64(os.Getpagesize())
	outerOffset := offset / pageSize
	innerOffset := offset % pageSize
	m.alignedLength = uintptr(innerOffset) + length

	var err error
	m.alignedAddress, err = mmap(0, m.alignedLength, prot, mmapFlags, fd, outerOffset)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	m.address = m.alignedAddress + uintptr(innerOffset)
	m.memory = bytesAt(m.address, int(length))

	runtime.SetFinalizer(m, (*Mapping).Close)
	return m, nil
}

// Anon returns a new anonymous private mapping of length bytes at a
// kernel-chosen address. It is not backed by any file: callers use it to
// reserve an address range, or as scratch memory with the same lifetime
// discipline as a file mapping.
func Anon(length uintptr, mode Mode, flags Flag) (*Mapping, error) {
	if length == 0 || length > uintptr(maxInt) {
		return nil, &ErrorInvalidLength{Length: length}
	}
	if mode < ModeReadOnly || mode > ModeWriteCopy {
		return nil, &ErrorInvalidMode{Mode: mode}
	}

	m := &Mapping{}
	prot := unix.PROT_READ
	if mode > ModeReadOnly {
		prot |= unix.PROT_WRITE
		m.writable = true
	}
	if flags&FlagExecutable != 0 {
		prot |= unix.PROT_EXEC
		m.executable = true
	}

	m.anonymous = true
	m.alignedLength = length
	var err error
	m.alignedAddress, err = mmap(0, length, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	m.address = m.alignedAddress
	m.memory = bytesAt(m.address, int(length))

	runtime.SetFinalizer(m, (*Mapping).Close)
	return m, nil
}

// Region is a fixed-address mapping of a file into memory, suitable for
// resurrecting a captured virtual address range in a different process.
// Unlike Mapping, the caller picks the address; the kernel is asked to
// honor it exactly (MAP_FIXED) and the call fails rather than relocate.
type Region struct {
	internal
	alignedAddress uintptr
	alignedLength  uintptr
}

// Fixed maps length bytes of fd, starting at file offset offset, at the
// exact virtual address addr. addr, offset and length must already be
// page-aligned; Fixed does not perform the inner-offset adjustment that
// New does, because the caller (the image format) guarantees alignment
// by construction.
func Fixed(addr uintptr, fd uintptr, offset int64, length uintptr, prot int) (*Region, error) {
	if offset < 0 {
		return nil, &ErrorInvalidOffset{Offset: offset}
	}
	if length == 0 || length > uintptr(maxInt) {
		return nil, &ErrorInvalidLength{Length: length}
	}
	result, err := mmap(addr, length, prot, unix.MAP_SHARED|unix.MAP_FIXED, fd, offset)
	if err != nil {
		return nil, &ErrorFixedAddressUnavailable{Address: addr, Cause: os.NewSyscallError("mmap", err)}
	}
	if result != addr {
		// The kernel is not supposed to relocate a MAP_FIXED request; if it
		// somehow did, undo it rather than silently operate on the wrong range.
		munmap(result, length)
		return nil, &ErrorFixedAddressUnavailable{Address: addr, Cause: unix.EEXIST}
	}
	r := &Region{
		alignedAddress: addr,
		alignedLength:  length,
	}
	r.address = addr
	r.writable = prot&unix.PROT_WRITE != 0
	r.executable = prot&unix.PROT_EXEC != 0
	r.memory = bytesAt(addr, int(length))
	runtime.SetFinalizer(r, (*Region).Close)
	return r, nil
}

// AnonAt maps length bytes of fresh anonymous memory at the exact virtual
// address addr. The caller is responsible for having verified the range
// is free: MAP_FIXED replaces whatever is mapped there.
func AnonAt(addr, length uintptr, prot int) (*Region, error) {
	if length == 0 || length > uintptr(maxInt) {
		return nil, &ErrorInvalidLength{Length: length}
	}
	result, err := mmap(addr, length, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, ^uintptr(0), 0)
	if err != nil {
		return nil, &ErrorFixedAddressUnavailable{Address: addr, Cause: os.NewSyscallError("mmap", err)}
	}
	if result != addr {
		munmap(result, length)
		return nil, &ErrorFixedAddressUnavailable{Address: addr, Cause: unix.EEXIST}
	}
	r := &Region{
		alignedAddress: addr,
		alignedLength:  length,
	}
	r.address = addr
	r.writable = prot&unix.PROT_WRITE != 0
	r.executable = prot&unix.PROT_EXEC != 0
	r.memory = bytesAt(addr, int(length))
	runtime.SetFinalizer(r, (*Region).Close)
	return r, nil
}

// Protect changes the protection of this region's pages in place. It does
// not preserve the original requested mode otherwise; callers that need to
// restore a prior protection state (see the matchmaker package's domain
// switching) must track it themselves.
func (r *Region) Protect(prot int) error {
	if r.memory == nil {
		return &ErrorClosed{}
	}
	if err := mprotect(r.alignedAddress, r.alignedLength, prot); err != nil {
		return &ErrorProtectFailed{Address: r.alignedAddress, Length: r.alignedLength, Cause: err}
	}
	r.writable = prot&unix.PROT_WRITE != 0
	r.executable = prot&unix.PROT_EXEC != 0
	return nil
}

// Close unmaps this region.
func (r *Region) Close() error {
	if r.memory == nil {
		return &ErrorClosed{}
	}
	if err := munmap(r.alignedAddress, r.alignedLength); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	*r = Region{}
	runtime.SetFinalizer(r, nil)
	return nil
}

// Lock locks the mapped memory pages.
// All pages that contain a part of mapping address range
// are guaranteed to be resident in RAM when the call returns successfully.
// The pages are guaranteed to stay in RAM until later unlocked.
// It may need to increase process memory limits for operation success.
// See working set on Windows and rlimit on Linux for details.
func (m *Mapping) Lock() error {
	if m.memory == nil {
		return &ErrorClosed{}
	}
	if m.locked {
		return &ErrorLocked{}
	}
	if err := mlock(m.alignedAddress, m.alignedLength); err != nil {
		return os.NewSyscallError("mlock", err)
	}
	m.locked = true
	return nil
}

// Unlock unlocks the mapped memory pages.
func (m *Mapping) Unlock() error {
	if m.memory == nil {
		return &ErrorClosed{}
	}
	if !m.locked {
		return &ErrorUnlocked{}
	}
	if err := munlock(m.alignedAddress, m.alignedLength); err != nil {
		return os.NewSyscallError("munlock", err)
	}
	m.locked = false
	return nil
}

// Sync synchronizes this mapping with the underlying file.
func (m *Mapping) Sync() error {
	if m.memory == nil {
		return &ErrorClosed{}
	}
	if !m.writable {
		return &ErrorIllegalOperation{Operation: "sync"}
	}
	return os.NewSyscallError("msync", msync(m.alignedAddress, m.alignedLength))
}

// Close closes this mapping and frees all resources associated with it.
// Mapping will be synchronized with the underlying file and unlocked automatically.
// Implementation of io.Closer.
func (m *Mapping) Close() error {
	if m.memory == nil {
		return &ErrorClosed{}
	}

	// Maybe unnecessary. Anonymous mappings have no backing file to
	// synchronize with.
	if m.writable && !m.anonymous {
		if err := m.Sync(); err != nil {
			return err
		}
	}
	if m.locked {
		if err := m.Unlock(); err != nil {
			return err
		}
	}

	if err := munmap(m.alignedAddress, m.alignedLength); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	*m = Mapping{}
	runtime.SetFinalizer(m, nil)
	return nil
}
