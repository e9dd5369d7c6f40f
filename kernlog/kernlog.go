// Package kernlog provides the structured diagnostic logger shared by
// every subsystem. It replaces the teacher's raw fmt.Printf debug
// prints (see biscuit/src/fs/blk.go's bdev_debug-gated Printf calls)
// with leveled, field-structured logging while keeping the same call
// sites: page-in, page-out, COW, teardown, eviction.
package kernlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	log  *logrus.Logger
)

// Get returns the process-wide kernel logger, initializing it on first
// use. Mirrors the teacher's process-wide globals (the kernel address
// space, the zero-page handle) that are set up once and never torn
// down (spec.md §9).
func Get() *logrus.Logger {
	once.Do(func() {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return log
}

// SetLevel adjusts verbosity; used by cmd/astralctl's -v flag.
func SetLevel(lvl logrus.Level) {
	Get().SetLevel(lvl)
}

// Subsystem returns a logger entry pre-tagged with a subsystem field,
// e.g. kernlog.Subsystem("vmm").WithField("addr", addr).Debug(...).
func Subsystem(name string) *logrus.Entry {
	return Get().WithField("subsystem", name)
}
