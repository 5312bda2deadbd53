package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/riddlework/vm-subcontexts/imgfmt"
	"github.com/riddlework/vm-subcontexts/mapping"
)

func TestCaptureProducesReadableImage(t *testing.T) {
	size := uintptr(os.Getpagesize())
	m, err := mapping.Anon(size, mapping.ModeReadWrite, mapping.FlagExecutable)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	copy(m.Memory(), []byte("CAPTURE-PAYLOAD"))

	path := filepath.Join(t.TempDir(), "capture.img")
	if err := Capture(path, []uintptr{m.Address()}); err != nil {
		t.Fatal(err)
	}

	header, err := imgfmt.Read(path)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, r := range header.Regions {
		if r.Start == m.Address() {
			found = true
			if !r.Readable() {
				t.Fatalf("expected captured region to be recorded as readable: %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("captured region not present in image header")
	}
}

func TestImagePathFor(t *testing.T) {
	cases := map[string]string{
		"server_test1.c":        filepath.Join("img_files", "test1.img"),
		"demo_increment_srv.c":  filepath.Join("img_files", "increment_srv.img"),
		"/abs/path/srv_hello.c": filepath.Join("img_files", "hello.img"),
	}
	for in, want := range cases {
		if got := ImagePathFor(in); got != want {
			t.Errorf("ImagePathFor(%q) = %q, want %q", in, got, want)
		}
	}
}
