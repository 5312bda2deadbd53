package mapping

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAnon(t *testing.T) {
	pageSize := uintptr(os.Getpagesize())
	m, err := Anon(pageSize, ModeReadWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Address() == 0 {
		t.Fatal("expected a non-zero address for an anonymous mapping")
	}
	want := []byte("ANON")
	copy(m.Memory(), want)
	if !bytes.Equal(m.Memory()[:len(want)], want) {
		t.Fatalf("read back %q from anonymous memory, want %q", m.Memory()[:len(want)], want)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAnonAtClaimsExactAddress(t *testing.T) {
	pageSize := uintptr(os.Getpagesize())

	// Reserve a range to learn a free address, release it, then demand it
	// back by exact address.
	probe, err := Anon(pageSize, ModeReadWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	addr := probe.Address()
	if err := probe.Close(); err != nil {
		t.Fatal(err)
	}

	region, err := AnonAt(addr, pageSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatal(err)
	}
	defer region.Close()
	if region.Address() != addr {
		t.Fatalf("anonymous fixed mapping landed at 0x%x, want 0x%x", region.Address(), addr)
	}
}

func TestFixedRegionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	pageSize := uintptr(os.Getpagesize())
	if err := f.Truncate(int64(pageSize)); err != nil {
		t.Fatal(err)
	}

	// Reserve an address range with an anonymous mapping, then replace it
	// with our fixed file-backed mapping at the exact same address -
	// mirroring how the matchmaker resurrects a captured region.
	anon, err := Anon(pageSize, ModeReadWrite, 0)
	if err != nil {
		t.Fatal(err)
	}
	addr := anon.Address()
	if err := anon.Close(); err != nil {
		t.Fatal(err)
	}

	region, err := Fixed(addr, f.Fd(), 0, pageSize, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		t.Fatal(err)
	}
	defer region.Close()

	if region.Address() != addr {
		t.Fatalf("region mapped at 0x%x, want 0x%x", region.Address(), addr)
	}

	want := []byte("HELLO")
	copy(region.Memory(), want)
	if !bytes.Equal(region.Memory()[:len(want)], want) {
		t.Fatalf("read back %q through the region, want %q", region.Memory()[:len(want)], want)
	}

	if err := region.Protect(unix.PROT_READ); err != nil {
		t.Fatal(err)
	}
	if region.Writable() {
		t.Fatal("region still reports writable after Protect(PROT_READ)")
	}
}
