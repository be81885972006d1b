package syscalls

import (
	"unsafe"

	"github.com/moduos/moduos/internal/kerrors"
	"github.com/moduos/moduos/internal/paging"
)

const pageSize = 4096

// UserSpace validates that a [virt, virt+length) range is actually mapped
// for the calling process before a syscall handler touches it:
// an unmapped pointer returns ErrFault, never a panic. Production wires MapperUserSpace over the
// kernel's internal/paging.Mapper; tests use a fake that always succeeds
// (or always faults) over a given range, the mockable-primitive seam
// every privileged subsystem in this module uses, since a hosted test has
// no page tables of its own to walk.
type UserSpace interface {
	Validate(virt uintptr, length uint64) error
}

// MapperUserSpace adapts a *paging.Mapper to UserSpace: every page the
// range touches must translate, or the whole range is rejected.
type MapperUserSpace struct{ Mapper *paging.Mapper }

func (u MapperUserSpace) Validate(virt uintptr, length uint64) error {
	if length == 0 {
		return nil
	}
	start := virt &^ uintptr(pageSize-1)
	end := virt + uintptr(length-1)
	for page := start; ; page += pageSize {
		if _, err := u.Mapper.VirtToPhys(page); err != nil {
			return kerrors.ErrFault
		}
		if page >= end || page+pageSize < page {
			break
		}
	}
	return nil
}

// AlwaysMapped is a UserSpace that never faults, for tests and for kernel-
// thread callers that pass kernel (not user) pointers.
type AlwaysMapped struct{}

func (AlwaysMapped) Validate(uintptr, uint64) error { return nil }

// CopyIn returns a byte slice viewing length bytes at a validated user
// pointer. In this hosted kernel a process's pointer is a real Go address
// the runtime already backs (the same reasoning internal/kheap.New(arena []byte) and
// internal/pmm's bitmap-over-make([]uint64) rely on): once Validate
// confirms the range is mapped, reading it is an ordinary slice view over
// that address, not a copy through some separate physical-memory buffer.
func CopyIn(us UserSpace, virt uintptr, length uint64) ([]byte, error) {
	if virt == 0 {
		return nil, kerrors.ErrFault
	}
	if err := us.Validate(virt, length); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), length), nil
}

// CopyOut writes data into a validated user pointer.
func CopyOut(us UserSpace, virt uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if virt == 0 {
		return kerrors.ErrFault
	}
	if err := us.Validate(virt, uint64(len(data))); err != nil {
		return err
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(virt)), len(data))
	copy(dst, data)
	return nil
}

// ReadCString reads a NUL-terminated string starting at virt, scanning at
// most maxLen bytes in chunks of up to 256 bytes; each chunk is validated
// as a whole before it is read, so no byte of an unmapped page is read,
// and a chunk that reaches into an unmapped page faults even when the NUL
// lies before that page.
func ReadCString(us UserSpace, virt uintptr, maxLen uint64) (string, error) {
	if virt == 0 {
		return "", kerrors.ErrFault
	}
	const chunk = 256
	var out []byte
	for uint64(len(out)) < maxLen {
		n := uint64(chunk)
		if remain := maxLen - uint64(len(out)); n > remain {
			n = remain
		}
		buf, err := CopyIn(us, virt+uintptr(len(out)), n)
		if err != nil {
			return "", err
		}
		for i, b := range buf {
			if b == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
	}
	return string(out), nil
}

func toPointer(virt uintptr) unsafe.Pointer { return unsafe.Pointer(virt) }
