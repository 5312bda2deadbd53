// Package procmaps parses the Linux /proc/<pid>/maps format and classifies
// the regions it describes, the way the snapshotter and the matchmaker both
// need to: which regions are safe to snapshot or mprotect, and which belong
// to the kernel or a shared library and must never be touched.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Region is one parsed line of /proc/<pid>/maps.
type Region struct {
	Start, End uintptr
	Perms      string
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Size returns End-Start.
func (r Region) Size() uintptr {
	return r.End - r.Start
}

// Readable, Writable and Executable report the corresponding bit of Perms.
func (r Region) Readable() bool   { return len(r.Perms) > 0 && r.Perms[0] == 'r' }
func (r Region) Writable() bool   { return len(r.Perms) > 1 && r.Perms[1] == 'w' }
func (r Region) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// excludedPaths lists the pseudo-mappings that are kernel-installed,
// architecture-dependent, not mappable at a fixed address in another
// process, or unsafe to mprotect.
var excludedPaths = []string{
	"[vdso]",
	"[vvar]",
	"[vvar_vclock]",
	"[stack]",
	"[vsyscall]",
}

// ShouldExclude reports whether a region with this backing path must be
// dropped from a snapshot.
func ShouldExclude(path string) bool {
	for _, excluded := range excludedPaths {
		if strings.Contains(path, excluded) {
			return true
		}
	}
	return false
}

// libraryMarkers identifies regions backed by the dynamic loader, libc,
// or a kernel pseudo-mapping: permanently executable common ground,
// never stripped by the matchmaker.
var libraryMarkers = []string{
	".so",
	"libc",
	"ld-",
	"[vdso]",
	"[vvar]",
	"[vsyscall]",
}

// IsLibrary reports whether a region with this backing path is a shared
// library or kernel pseudo-mapping that the matchmaker must leave alone.
func IsLibrary(path string) bool {
	for _, marker := range libraryMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// Self parses /proc/self/maps for the calling process.
func Self() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads lines of the form
//
//	start-end perms offset dev:ino path
//
// and returns one Region per line. Lines that fail to parse the
// address/perms prefix are skipped rather than failing the whole read.
func Parse(r io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(r)
	// /proc/pid/maps lines can be long for deeply-nested paths; grow the
	// buffer rather than truncate the line mid-field.
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		region, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		regions = append(regions, region)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmaps: reading maps: %w", err)
	}
	return regions, nil
}

func parseLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Region{}, false
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Region{}, false
	}

	region := Region{
		Start: uintptr(start),
		End:   uintptr(end),
		Perms: fields[1],
	}

	if len(fields) > 2 {
		if offset, err := strconv.ParseUint(fields[2], 16, 64); err == nil {
			region.Offset = offset
		}
	}
	if len(fields) > 3 {
		region.Dev = fields[3]
	}
	if len(fields) > 4 {
		if inode, err := strconv.ParseUint(fields[4], 10, 64); err == nil {
			region.Inode = inode
		}
	}
	if len(fields) > 5 {
		region.Path = strings.Join(fields[5:], " ")
	}

	return region, true
}

// Overlaps reports whether [start, end) intersects any region. Adjacent
// ranges (end == r.Start or start == r.End) do not overlap.
func Overlaps(regions []Region, start, end uintptr) bool {
	for _, r := range regions {
		if start < r.End && end > r.Start {
			return true
		}
	}
	return false
}
