// Command sbc-server prepares a region of position-independent demo
// routines at a fixed address and captures it into an image file another
// process can load and call. It deliberately captures only that prepared
// region: every Go binary links its segments and runtime heap at the
// same addresses, so an image of this process's full address space could
// never be mapped into another Go process without colliding.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/riddlework/vm-subcontexts/mapping"
	"github.com/riddlework/vm-subcontexts/procmaps"
	"github.com/riddlework/vm-subcontexts/snapshot"
)

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s <source-name>\n", os.Args[0])
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	outputPath := snapshot.ImagePathFor(flag.Arg(0))
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		log.WithError(err).Fatal("sbc-server: creating output directory")
	}

	size := uintptr(os.Getpagesize())
	live, err := procmaps.Self()
	if err != nil {
		log.WithError(err).Fatal("sbc-server: reading own mappings")
	}
	if procmaps.Overlaps(live, demoRegionBase, demoRegionBase+size) {
		log.Fatalf("sbc-server: demo region 0x%x is already mapped in this process", demoRegionBase)
	}

	region, err := mapping.AnonAt(demoRegionBase, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		log.WithError(err).Fatal("sbc-server: mapping demo region")
	}
	defer region.Close()

	funcs := make([]uintptr, len(demoRoutines))
	for i, code := range demoRoutines {
		offset := i * routineSlot
		copy(region.Memory()[offset:], code)
		funcs[i] = demoRegionBase + uintptr(offset)
		log.WithFields(logrus.Fields{
			"index": i,
			"addr":  fmt.Sprintf("0x%x", funcs[i]),
		}).Info("sbc-server: demo routine address")
	}
	if err := region.Protect(unix.PROT_READ | unix.PROT_EXEC); err != nil {
		log.WithError(err).Fatal("sbc-server: sealing demo region")
	}

	err = snapshot.Capture(outputPath, funcs,
		snapshot.WithLogger(log),
		snapshot.WithFilter(func(r procmaps.Region) bool {
			return r.Start == demoRegionBase
		}))
	if err != nil {
		log.WithError(err).Fatal("sbc-server: snapshot failed")
	}
	log.WithField("path", outputPath).Info("sbc-server: wrote image")
}
