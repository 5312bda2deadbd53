// Command sbc-client loads one or more images written by sbc-server,
// iterating each image's function table until the index runs off the
// end.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/riddlework/vm-subcontexts/matchmaker"
)

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s <img_file> [img_file...]\n", os.Args[0])
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	mm := matchmaker.Get()
	if err := mm.Init(); err != nil {
		log.WithError(err).Fatal("sbc-client: init failed")
	}

	status := 0
	for _, path := range flag.Args() {
		log.WithField("path", path).Info("sbc-client: mapping image")
		fd, err := mm.Map(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Error("sbc-client: map failed")
			status = 1
			continue
		}

		index := 0
		for {
			result, err := mm.Call(fd, index, 0)
			if err != nil {
				// An exhausted function table ends the walk normally; anything
				// else is a real failure.
				if _, ok := err.(*matchmaker.ErrorBadIndex); !ok {
					log.WithError(err).WithFields(logrus.Fields{"path": path, "index": index}).Error("sbc-client: call failed")
					status = 1
				}
				break
			}
			log.WithFields(logrus.Fields{"path": path, "index": index, "result": result}).Info("sbc-client: call succeeded")
			index++
		}
		log.WithFields(logrus.Fields{"path": path, "count": index}).Info("sbc-client: executed functions")
	}

	mm.Finalize()
	os.Exit(status)
}
