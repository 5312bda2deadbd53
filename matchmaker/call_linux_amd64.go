package matchmaker

import (
	"runtime/debug"
	"unsafe"
)

// maxFaultRetries bounds how many times Call will switch domains and
// retry a single invocation before giving up. A legitimate call crosses
// at most one domain boundary per fault; this generous ceiling exists
// only to stop a logic bug from spinning forever.
const maxFaultRetries = 8

// funcval mirrors the layout every Go function value has at runtime: a
// pointer to a structure whose first word is the code's entry address.
// Reconstructing one from a raw address lets Call invoke captured code
// without cgo, the same trick this pack's raw-pointer address-space code
// relies on elsewhere. It depends on Go's default non-PIE, ASLR-off
// binary layout on linux/amd64 -- the same assumption the image format's
// position-dependent addresses make.
type funcval struct {
	fn uintptr
}

func funcFromAddr(addr uintptr) func(int32) int32 {
	fv := &funcval{fn: addr}
	return *(*func(int32) int32)(unsafe.Pointer(&fv))
}

// Call invokes function index of the subcontext identified by fd with
// arg, transparently handling however many domain switches the call
// requires. The first instruction fetch into a freshly mapped region
// almost always faults because execute was stripped the moment it was
// mapped; Call resolves that fault, flips protections exactly as
// classifyFault specifies, and retries the invocation, rather than
// resuming the faulting instruction in place the way a true sigreturn
// would -- Go exposes no way to edit a trapped goroutine's saved
// program counter. The result is externally identical: a retried call
// returns the same value a resumed one would.
func (m *Matchmaker) Call(fd int, index int, arg int32) (int32, error) {
	m.mu.Lock()
	subIndex, ok := m.findSubcontextIndexLocked(fd)
	if !ok {
		m.mu.Unlock()
		return 0, &ErrorBadIndex{Fd: fd, Index: index}
	}
	sub := m.subcontexts[subIndex]
	addr, ok := sub.header.FuncEntry(index)
	m.mu.Unlock()
	if !ok {
		return 0, &ErrorBadIndex{Fd: fd, Index: index}
	}

	fn := funcFromAddr(addr)

	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		result, faulted, faultAddr := tryInvoke(fn, arg)
		if !faulted {
			return result, nil
		}

		outcome, err := m.classifyFault(faultAddr)
		if err != nil {
			return 0, err
		}
		if outcome == faultUnresolvable {
			// A fault nobody owns must not be swallowed: it would hide
			// real bugs in the client. debug.SetPanicOnFault(false)
			// reinstates the kernel's default behavior for this
			// goroutine; repeating the access now produces a genuine,
			// unrecovered SIGSEGV and the process terminates normally.
			debug.SetPanicOnFault(false)
			return fn(arg), nil
		}
	}
	return 0, &ErrorUnmappedFault{Address: addr, Reason: "exceeded retry budget without resolving"}
}

// tryInvoke calls fn(arg) with the fault bridge armed. If the call
// completes normally, faulted is false and result holds its return
// value. If fn faults, Go's runtime converts the synchronous SIGSEGV
// into a panic (because of SetPanicOnFault); tryInvoke recovers it and
// reports the faulting address when the panic value exposes one, which
// every runtime fault panic does.
func tryInvoke(fn func(int32) int32, arg int32) (result int32, faulted bool, faultAddr uintptr) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			faulted = true
			if a, ok := r.(interface{ Addr() uintptr }); ok {
				faultAddr = a.Addr()
			}
		}
	}()
	result = fn(arg)
	return
}
