package matchmaker

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/riddlework/vm-subcontexts/imgfmt"
	"github.com/riddlework/vm-subcontexts/mapping"
)

// MaxSubcontexts bounds the number of images a single process may have
// mapped at once.
const MaxSubcontexts = 32

// domain names one side of the mutual-exclusion state machine: the
// client itself, or one of its mapped subcontexts by index.
type domain struct {
	client bool
	index  int
}

var domainClient = domain{client: true}

func domainSub(i int) domain {
	return domain{index: i}
}

func (d domain) String() string {
	if d.client {
		return "client"
	}
	return fmt.Sprintf("sub(%d)", d.index)
}

// clientRegion is one of the client's own executable regions, recorded
// at Init time so its protections can be restored after a subcontext has
// had the floor.
type clientRegion struct {
	start, end uintptr
	prot       int
}

func (r clientRegion) size() uintptr { return r.end - r.start }

// mappedRegion pairs an image's region metadata with the live fixed
// mapping backing it in this process.
type mappedRegion struct {
	entry  imgfmt.RegionEntry
	region *mapping.Region
}

// subcontext is a single mapped image: its backing file, the regions
// mapped from it, and the header copy used to resolve function indices.
type subcontext struct {
	fd      int
	path    string
	file    mappingFile
	regions []mappedRegion
	header  *imgfmt.Header
}

// mappingFile is the minimal file-lifetime interface the subcontext
// needs; defined as an interface purely so tests can substitute a fake
// without opening a real fd.
type mappingFile interface {
	Fd() uintptr
	Close() error
}

// permsToProt translates a region's "rwx"-style permission string into
// the PROT_* bitmask mprotect expects.
func permsToProt(perms string) int {
	prot := 0
	if len(perms) > 0 && perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if len(perms) > 1 && perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if len(perms) > 2 && perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	return prot
}
