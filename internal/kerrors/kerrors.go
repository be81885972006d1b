// Package kerrors defines the closed set of kernel error kinds from the
// error handling design: every layer returns one of these (wrapped with a
// cause via pkg/errors where useful) instead of panicking.
package kerrors

import "github.com/pkg/errors"

// Memory layer.
var (
	ErrOutOfFrames = errors.New("out of frames")
	ErrOutOfHeap   = errors.New("out of heap")
	ErrMapConflict = errors.New("map conflict")
	ErrUnmapped    = errors.New("unmapped")
)

// Storage/FS layer.
var (
	ErrDeviceNotReady = errors.New("device not ready")
	ErrBadSignature   = errors.New("bad signature")
	ErrBadBPB         = errors.New("bad bpb")
	ErrIO             = errors.New("io error")
	ErrEndOfChain     = errors.New("end of chain")
	ErrNotFound       = errors.New("not found")
	ErrNotADirectory  = errors.New("not a directory")
	ErrIsADirectory   = errors.New("is a directory")
	ErrNotEmpty       = errors.New("not empty")
	ErrReadOnly       = errors.New("read only")
	ErrExists         = errors.New("exists")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrPathTooLong    = errors.New("path too long")
	ErrCorrupt        = errors.New("corrupt")
)

// Process/syscall layer.
var (
	ErrBadFd      = errors.New("bad fd")
	ErrPerm       = errors.New("perm")
	ErrInvalidArg = errors.New("invalid arg")
	ErrAgain      = errors.New("again")
	ErrNoProcess  = errors.New("no process")
	ErrWouldBlock = errors.New("would block")
	ErrFault      = errors.New("bad user pointer")
	ErrNoSyscall  = errors.New("no such syscall")
)

// Module layer.
var (
	ErrBadElf               = errors.New("bad elf")
	ErrUnsupportedReloc     = errors.New("unsupported relocation")
	ErrMissingDescriptor    = errors.New("missing descriptor")
	ErrBadAbi               = errors.New("bad abi")
	ErrInitFailed           = errors.New("module init failed")
	ErrDuplicateModuleName  = errors.New("duplicate module name")
)

// Wrap annotates err with a message, preserving the sentinel for Is/As
// checks via pkg/errors' cause chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err's cause chain contains target.
func Is(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		type causer interface{ Cause() error }
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}
