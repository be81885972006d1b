package syscalls

import (
	"testing"
	"unsafe"

	"github.com/moduos/moduos/internal/archx86"
	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/process"
	"github.com/stretchr/testify/require"
)

type fakeUserSpace struct{}

func (fakeUserSpace) Validate(virt uintptr, length uint64) error { return nil }

func newEntryTestDispatcher(t *testing.T) (*Dispatcher, *process.Process) {
	t.Helper()
	sched := process.NewScheduler()
	p, err := sched.Create("test", 0, 0)
	require.NoError(t, err)
	d := NewDispatcher(sched, nil, nil, nil, nil, fakeUserSpace{}, func() uint64 { return 0 })
	return d, p
}

func TestInstallReadsNumberAndArgsFromAXBXCXDXSIDIAndWritesAXBack(t *testing.T) {
	d, p := newEntryTestDispatcher(t)
	orig := archx86.SyscallHandler
	t.Cleanup(func() { archx86.SyscallHandler = orig })

	d.Install(func() uint32 { return p.PID })
	require.NotNil(t, archx86.SyscallHandler)

	frame := rawFrame{AX: uint64(Getpid)}
	archx86.SyscallHandler(unsafe.Pointer(&frame))

	require.Equal(t, uint64(p.PID), frame.AX)
}

func TestInstallEncodesErrorsAsNegativeErrno(t *testing.T) {
	d, _ := newEntryTestDispatcher(t)
	orig := archx86.SyscallHandler
	t.Cleanup(func() { archx86.SyscallHandler = orig })

	d.Install(func() uint32 { return 0xFFFFFFFF }) // no such process

	frame := rawFrame{AX: uint64(Getpid)}
	archx86.SyscallHandler(unsafe.Pointer(&frame))

	require.Equal(t, uint64(Errno(kerrors.ErrNoProcess)), frame.AX)
}
