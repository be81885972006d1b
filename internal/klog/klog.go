// Package klog is the kernel-wide logging façade over
// github.com/dsoprea/go-logging: call the package directly as "log",
// recover+Wrap panics at public entry points,
// and reserve log.Panicf for conditions that really must stop the world.
package klog

import (
	"context"
	"reflect"

	log "github.com/dsoprea/go-logging"
)

var logger = log.NewLogger("klog")

// Recover turns a recovered panic into a wrapped error at the top of an
// exported parsing entry point. Kernel-mode code must not let
// panics escape past the syscall gate; this is the boundary that enforces
// that for a single call.
func Recover(err *error) {
	errRaw := recover()
	if errRaw == nil {
		return
	}
	if asErr, ok := errRaw.(error); ok {
		*err = log.Wrap(asErr)
		return
	}
	*err = log.Errorf("non-error panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
}

// Wrap annotates err with the go-logging cause chain, or returns nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return log.Wrap(err)
}

// Errorf builds a new go-logging error.
func Errorf(format string, args ...interface{}) error {
	return log.Errorf(format, args...)
}

// Panicf is reserved for kernel-mode faults (§7: "kernel-mode exceptions
// panic with a structured message"). Never call from a user-mode fault
// path or a filesystem/driver error path.
func Panicf(format string, args ...interface{}) {
	log.Panicf(format, args...)
}

// Infof logs a boot/status line.
func Infof(format string, args ...interface{}) {
	logger.Infof(context.Background(), format, args...)
}

// Warnf logs a recoverable-but-noteworthy condition (a relocation
// skipped, a SATAPI retry, a checksum mismatch tolerated per policy).
func Warnf(format string, args ...interface{}) {
	logger.Warningf(context.Background(), format, args...)
}
