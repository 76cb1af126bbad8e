package main

import (
	"os"

	"github.com/bobuhiro11/kvmigrate/flag"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
