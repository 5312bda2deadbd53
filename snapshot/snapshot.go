// Package snapshot captures a running process's own address space into an
// image file that another process can later resurrect region-for-region
// at identical virtual addresses. It implements the server side of the
// subcontext system: enumerate, filter, copy, emit.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/riddlework/vm-subcontexts/imgfmt"
	"github.com/riddlework/vm-subcontexts/mapping"
	"github.com/riddlework/vm-subcontexts/procmaps"
)

// Option configures a Capture call.
type Option func(*options)

type options struct {
	log  *logrus.Logger
	keep func(procmaps.Region) bool
}

// WithLogger overrides the logger used for per-region diagnostics. The
// zero value uses logrus's standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithFilter restricts the capture to regions keep reports true for, on
// top of the built-in exclusions. A server whose image is destined for a
// process with a similar address-space layout uses it to capture only the
// regions it deliberately prepared, since its own segments would collide
// with the consumer's.
func WithFilter(keep func(procmaps.Region) bool) Option {
	return func(o *options) { o.keep = keep }
}

func newOptions(opts []Option) *options {
	o := &options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ErrorTooManyRegions is returned when the running process's filtered
// mapping table exceeds imgfmt.MaxRegions.
type ErrorTooManyRegions struct {
	Count int
}

func (err *ErrorTooManyRegions) Error() string {
	return fmt.Sprintf("snapshot: %d regions exceeds capacity %d", err.Count, imgfmt.MaxRegions)
}

// Capture enumerates the calling process's own mapping table, filters out
// the regions that should never be snapshotted, and writes an image file
// to outputPath describing the survivors plus the supplied function entry
// points.
func Capture(outputPath string, funcs []uintptr, opts ...Option) error {
	o := newOptions(opts)

	live, err := procmaps.Self()
	if err != nil {
		return &ErrorIO{Op: "read maps", Cause: err}
	}

	var regions []imgfmt.RegionEntry
	for _, r := range live {
		if procmaps.ShouldExclude(r.Path) {
			o.log.WithFields(logrus.Fields{
				"start": fmt.Sprintf("0x%x", r.Start),
				"end":   fmt.Sprintf("0x%x", r.End),
				"path":  r.Path,
			}).Debug("snapshot: excluding region")
			continue
		}
		if o.keep != nil && !o.keep(r) {
			continue
		}
		if r.Readable() && !regionStillReadable(r) {
			o.log.WithFields(logrus.Fields{
				"start": fmt.Sprintf("0x%x", r.Start),
				"end":   fmt.Sprintf("0x%x", r.End),
			}).Warn("snapshot: region became unreadable between introspection and copy, recording without bytes")
			regions = append(regions, imgfmt.RegionEntry{
				Start: r.Start, End: r.End, Perms: stripReadBit(r.Perms),
			})
			continue
		}
		regions = append(regions, imgfmt.RegionEntry{
			Start: r.Start, End: r.End, Perms: r.Perms,
		})
	}

	if len(regions) > imgfmt.MaxRegions {
		return &ErrorTooManyRegions{Count: len(regions)}
	}
	if len(funcs) > imgfmt.MaxFuncEntries {
		funcs = funcs[:imgfmt.MaxFuncEntries]
	}

	if err := imgfmt.Write(outputPath, regions, funcs); err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{
		"path":    outputPath,
		"regions": len(regions),
		"funcs":   len(funcs),
	}).Info("snapshot: wrote image")
	return nil
}

// regionStillReadable consults the mincore syscall to detect the edge case
// where a region observed in the mapping table has since become unmapped,
// without risking a fault by simply reading it. A range that is still
// mapped but whose protection has since dropped read access is not
// detected.
func regionStillReadable(r procmaps.Region) bool {
	if !r.Readable() || r.Size() == 0 {
		return false
	}
	page := uintptr(os.Getpagesize())
	vec := make([]byte, (r.Size()+page-1)/page)
	mem := mapping.BytesAt(r.Start, int(r.Size()))
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return false
	}
	return true
}

func stripReadBit(perms string) string {
	if len(perms) == 0 {
		return perms
	}
	b := []byte(perms)
	b[0] = '-'
	return string(b)
}

// ErrorIO wraps a filesystem or introspection failure encountered while
// producing a snapshot.
type ErrorIO struct {
	Op    string
	Cause error
}

func (err *ErrorIO) Error() string {
	return fmt.Sprintf("snapshot: %s: %v", err.Op, err.Cause)
}

func (err *ErrorIO) Unwrap() error {
	return err.Cause
}

// ImagePathFor derives the output image path for a server demo's source
// file name: strip everything up to and including the first underscore,
// replace the extension with .img, and root it under img_files/, so
// "server_test1.c" becomes "img_files/test1.img".
func ImagePathFor(sourceName string) string {
	base := filepath.Base(sourceName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.IndexByte(base, '_'); idx >= 0 {
		base = base[idx+1:]
	}
	return filepath.Join("img_files", base+".img")
}
