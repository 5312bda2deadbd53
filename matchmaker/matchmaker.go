// Package matchmaker implements the client side of the subcontext system:
// it loads captured images at their recorded addresses and arbitrates,
// via a page-protection-fault-driven state machine, which one of the
// client or its mapped subcontexts may execute at any quiescent moment.
package matchmaker

import (
	"os"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/riddlework/vm-subcontexts/imgfmt"
	"github.com/riddlework/vm-subcontexts/mapping"
	"github.com/riddlework/vm-subcontexts/procmaps"
)

// Matchmaker owns the process-wide subcontext table and client region
// bookkeeping the fault bridge consults. It is process-wide by necessity
// (a trap frame carries no context beyond a faulting address), so it is
// exposed as a singleton behind Get rather than passed around explicitly.
// It assumes a single cooperating OS thread; Init locks the calling
// goroutine to its OS thread for the lifetime of the process, since
// domain switches are not meaningful concurrently across threads.
type Matchmaker struct {
	mu sync.Mutex
	// log defaults to logrus's standard logger (set by Get); tests build
	// their own instance with a quieter logger instead.
	log *logrus.Logger

	clientRegions []clientRegion
	subcontexts   []*subcontext
	active        domain
	initialized   bool

	// faultDepth guards against a fault observed while the fault bridge
	// is already handling one; it is accessed outside mu so the guard
	// itself can never deadlock against the very fault it is meant to
	// catch.
	faultDepth int32
}

var (
	instance     *Matchmaker
	instanceOnce sync.Once
)

// bridgeMarker exists only so Init can locate the text mapping this
// package executes from.
func bridgeMarker() {}

// Get returns the process-wide Matchmaker, constructing it on first call.
func Get() *Matchmaker {
	instanceOnce.Do(func() {
		instance = &Matchmaker{active: domainClient, log: logrus.StandardLogger()}
	})
	return instance
}

// Init records the client's own executable regions and prepares the
// fault bridge. It is idempotent; Map calls it automatically, so most
// callers never need to call it directly.
func (m *Matchmaker) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked()
}

func (m *Matchmaker) initLocked() error {
	if m.initialized {
		return nil
	}
	runtime.LockOSThread()

	regions, err := procmaps.Self()
	if err != nil {
		return &ErrorIO{Op: "read maps", Cause: err}
	}

	// The fault bridge, and the runtime it runs on, live in this binary's
	// own text. Stripping execute from that text mid-switch would take the
	// bridge down exactly the way stripping libc would, so the host
	// binary's mappings share the permanent-executability exemption that
	// library regions get. Client regions are then the process's remaining
	// executable mappings, of which a typical client has none.
	hostPath := ""
	marker := reflect.ValueOf(bridgeMarker).Pointer()
	for _, r := range regions {
		if marker >= r.Start && marker < r.End {
			hostPath = r.Path
			break
		}
	}

	m.clientRegions = m.clientRegions[:0]
	for _, r := range regions {
		if !r.Executable() {
			continue
		}
		// Shared libraries and kernel pseudo-mappings are permanently
		// executable common ground: stripping execute from libc would take
		// down the fault bridge and every library routine with it. The
		// kernel pseudo-mappings additionally fail mprotect with ENOMEM.
		if procmaps.IsLibrary(r.Path) || procmaps.ShouldExclude(r.Path) {
			continue
		}
		if hostPath != "" && r.Path == hostPath {
			continue
		}
		if marker >= r.Start && marker < r.End {
			continue
		}
		m.clientRegions = append(m.clientRegions, clientRegion{
			start: r.Start,
			end:   r.End,
			prot:  permsToProt(r.Perms),
		})
	}

	m.active = domainClient
	m.initialized = true
	m.log.WithField("regions", len(m.clientRegions)).Info("matchmaker: initialized")
	return nil
}

// Map loads the image at path, mapping each of its regions at its exact
// recorded virtual address with execute stripped, and returns a handle
// identifying it for future Call/Unmap calls.
func (m *Matchmaker) Map(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.initLocked(); err != nil {
		return 0, err
	}

	if len(m.subcontexts) >= MaxSubcontexts {
		return 0, &ErrorConfigTooLarge{Count: len(m.subcontexts) + 1, Limit: MaxSubcontexts}
	}

	header, err := imgfmt.Read(path)
	if err != nil {
		return 0, &ErrorIO{Op: "read image", Cause: err}
	}

	live, err := procmaps.Self()
	if err != nil {
		return 0, &ErrorIO{Op: "read maps", Cause: err}
	}
	for i, r := range header.Regions {
		if procmaps.Overlaps(live, r.Start, r.End) {
			return 0, &ErrorOverlapFatal{Index: i, Start: r.Start, End: r.End}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, &ErrorIO{Op: "open image", Cause: err}
	}

	mapped := make([]mappedRegion, 0, len(header.Regions))
	unwind := func() {
		for _, mr := range mapped {
			mr.region.Close()
		}
		f.Close()
	}

	for i, r := range header.Regions {
		// Established read+write only; execute stays stripped until the
		// fault bridge grants it to this subcontext.
		region, err := mapping.Fixed(r.Start, f.Fd(), int64(r.FileOffset), r.Size(), unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			unwind()
			return 0, &ErrorMapFailed{Index: i, Address: r.Start, Cause: err}
		}
		if err := region.Protect(permsToProt(r.Perms) &^ unix.PROT_EXEC); err != nil {
			region.Close()
			unwind()
			return 0, &ErrorMapFailed{Index: i, Address: r.Start, Cause: err}
		}
		mapped = append(mapped, mappedRegion{entry: r, region: region})
	}

	fd := int(f.Fd())
	m.subcontexts = append(m.subcontexts, &subcontext{
		fd:      fd,
		path:    path,
		file:    f,
		regions: mapped,
		header:  header,
	})
	m.log.WithField("path", path).WithField("fd", fd).WithField("regions", len(mapped)).Info("matchmaker: mapped subcontext")
	return fd, nil
}

// Unmap releases a previously mapped subcontext. Calling it again with
// the same fd, or any fd never mapped, returns ErrorBadIndex and does
// not otherwise change state.
func (m *Matchmaker) Unmap(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subcontexts {
		if sub.fd != fd {
			continue
		}
		for _, mr := range sub.regions {
			mr.region.Close()
		}
		sub.file.Close()
		m.subcontexts = append(m.subcontexts[:i], m.subcontexts[i+1:]...)
		switch {
		case m.active.client:
			// no change
		case m.active.index == i:
			m.active = domainClient
		case m.active.index > i:
			// every subcontext after the removed one shifted down one slot
			m.active.index--
		}
		return nil
	}
	return &ErrorBadIndex{Fd: fd, Index: -1}
}

// Finalize restores full client permissions and strips execute from
// every mapped subcontext. It is safe to call more than once or with no
// subcontexts mapped.
func (m *Matchmaker) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableAllSubcontextsLocked()
	m.enableClientLocked()
	m.active = domainClient
}

func (m *Matchmaker) findSubcontextIndexLocked(fd int) (int, bool) {
	for i, sub := range m.subcontexts {
		if sub.fd == fd {
			return i, true
		}
	}
	return 0, false
}

func (m *Matchmaker) findSubcontextByAddrLocked(addr uintptr) (int, bool) {
	for i, sub := range m.subcontexts {
		for _, mr := range sub.regions {
			if addr >= mr.entry.Start && addr < mr.entry.End {
				return i, true
			}
		}
	}
	return 0, false
}

func (m *Matchmaker) inClientSpace(addr uintptr) bool {
	regions, err := procmaps.Self()
	if err != nil {
		return false
	}
	for _, r := range regions {
		if addr >= r.Start && addr < r.End {
			return true
		}
	}
	return false
}

func (m *Matchmaker) isLibraryAddr(addr uintptr) bool {
	regions, err := procmaps.Self()
	if err != nil {
		return false
	}
	for _, r := range regions {
		if addr >= r.Start && addr < r.End {
			return procmaps.IsLibrary(r.Path)
		}
	}
	return false
}

func (m *Matchmaker) disableClientLocked() error {
	for _, r := range m.clientRegions {
		prot := r.prot &^ unix.PROT_EXEC
		if err := mapping.Protect(r.start, r.size(), prot); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matchmaker) enableClientLocked() error {
	for _, r := range m.clientRegions {
		if err := mapping.Protect(r.start, r.size(), r.prot); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matchmaker) enableSubcontextLocked(index int) error {
	sub := m.subcontexts[index]
	for _, mr := range sub.regions {
		if err := mr.region.Protect(permsToProt(mr.entry.Perms)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matchmaker) disableAllSubcontextsLocked() error {
	for _, sub := range m.subcontexts {
		for _, mr := range sub.regions {
			if err := mr.region.Protect(permsToProt(mr.entry.Perms) &^ unix.PROT_EXEC); err != nil {
				return err
			}
		}
	}
	return nil
}

// faultOutcome classifies what classifyFault decided about a trapped
// address.
type faultOutcome int

const (
	// faultResolved means a domain switch was performed and the faulting
	// access should be retried.
	faultResolved faultOutcome = iota
	// faultUnresolvable means the address belongs to a library region or
	// to no known domain at all; the caller must let the fault surface
	// with its default disposition instead of resolving it.
	faultUnresolvable
)

// classifyFault decides which domain the faulting address belongs to
// and flips protections accordingly. It
// returns faultUnresolvable, rather than an error, for the "re-raise"
// cases so the caller can choose how to surface that (Call turns it into
// a real, second fault with the bridge disabled).
func (m *Matchmaker) classifyFault(addr uintptr) (faultOutcome, error) {
	if !atomic.CompareAndSwapInt32(&m.faultDepth, 0, 1) {
		return faultUnresolvable, &ErrorUnmappedFault{Address: addr, Reason: "fault observed while already inside the fault bridge"}
	}
	defer atomic.StoreInt32(&m.faultDepth, 0)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isLibraryAddr(addr) {
		return faultUnresolvable, nil
	}

	if index, ok := m.findSubcontextByAddrLocked(addr); ok {
		if err := m.disableClientLocked(); err != nil {
			return faultUnresolvable, err
		}
		if err := m.disableAllSubcontextsLocked(); err != nil {
			return faultUnresolvable, err
		}
		if err := m.enableSubcontextLocked(index); err != nil {
			return faultUnresolvable, err
		}
		m.active = domainSub(index)
		m.log.WithField("fault_addr", addr).WithField("domain", m.active.String()).Debug("matchmaker: domain switch")
		return faultResolved, nil
	}

	if m.inClientSpace(addr) {
		if err := m.disableAllSubcontextsLocked(); err != nil {
			return faultUnresolvable, err
		}
		if err := m.enableClientLocked(); err != nil {
			return faultUnresolvable, err
		}
		m.active = domainClient
		m.log.WithField("fault_addr", addr).Debug("matchmaker: domain switch to client")
		return faultResolved, nil
	}

	return faultUnresolvable, nil
}
