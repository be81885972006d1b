package interrupts

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type portWrite struct {
	port byte
	val  byte
}

func withFakePorts(t *testing.T) *[]portWrite {
	t.Helper()
	var writes []portWrite
	origOutb, origInb, origDelay := outbFn, inbFn, iodelayFn
	outbFn = func(port uint16, val byte) { writes = append(writes, portWrite{byte(port), val}) }
	inbFn = func(port uint16) byte { return 0xFF }
	iodelayFn = func() {}
	t.Cleanup(func() { outbFn, inbFn, iodelayFn = origOutb, origInb, origDelay })
	return &writes
}

func TestRemapPICSendsICWSequenceToBothControllers(t *testing.T) {
	writes := withFakePorts(t)
	RemapPIC(0x20, 0x28)

	var sawMasterOffset, sawSlaveOffset bool
	for _, w := range *writes {
		if w.port == pic1Data && w.val == 0x20 {
			sawMasterOffset = true
		}
		if w.port == pic2Data && w.val == 0x28 {
			sawSlaveOffset = true
		}
	}
	require.True(t, sawMasterOffset)
	require.True(t, sawSlaveOffset)
}

func TestProgramPITComputesExpectedDivisor(t *testing.T) {
	withFakePorts(t)
	div := ProgramPIT(TickHz)
	require.Equal(t, uint16(pitFrequency/TickHz), div)
}

func TestSendEOISignalsSlaveOnlyForHighIRQs(t *testing.T) {
	writes := withFakePorts(t)
	SendEOI(10)
	require.Len(t, *writes, 2)
	require.Equal(t, byte(pic2Command), (*writes)[0].port)
	require.Equal(t, byte(pic1Command), (*writes)[1].port)
}

func TestSendEOILowIRQOnlySignalsMaster(t *testing.T) {
	writes := withFakePorts(t)
	SendEOI(1)
	require.Len(t, *writes, 1)
	require.Equal(t, byte(pic1Command), (*writes)[0].port)
}

func TestFrameClassifiesUserVsKernelByCPL(t *testing.T) {
	user := &Frame{CS: 0x1B} // ring 3 selector (RPL=3)
	kernel := &Frame{CS: 0x08}
	require.True(t, user.FromUserMode())
	require.False(t, kernel.FromUserMode())
}

func TestNameKnownAndReservedVectors(t *testing.T) {
	require.Equal(t, "page-fault", Name(14))
	require.Equal(t, "reserved-exception", Name(200))
}

func TestHandleExceptionUserModeInvokesKillerNotPanic(t *testing.T) {
	var killed *Frame
	var killedName string
	orig := ProcessFaultKiller
	ProcessFaultKiller = func(f *Frame, name string) { killed, killedName = f, name }
	defer func() { ProcessFaultKiller = orig }()

	f := &Frame{Vector: 13, CS: 0x1B, RIP: 0x400000}
	require.NotPanics(t, func() { HandleException(f) })
	require.Equal(t, f, killed)
	require.Equal(t, "general-protection-fault", killedName)
}

func TestHandleExceptionKernelModePanics(t *testing.T) {
	f := &Frame{Vector: 13, CS: 0x08}
	require.Panics(t, func() { HandleException(f) })
}

type fakeFPUOwner struct {
	area   [512]byte
	kernel bool
}

func (f *fakeFPUOwner) FPUArea() unsafe.Pointer { return unsafe.Pointer(&f.area[0]) }
func (f *fakeFPUOwner) IsKernelThread() bool    { return f.kernel }

func withFakeFPUPrimitives(t *testing.T) (*bool, *[]unsafe.Pointer, *[]unsafe.Pointer) {
	t.Helper()
	cleared := false
	var saved, restored []unsafe.Pointer
	origClear, origSave, origRestore := clearTSFn, fxsaveFn, fxrstorFn
	clearTSFn = func() { cleared = true }
	fxsaveFn = func(p unsafe.Pointer) { saved = append(saved, p) }
	fxrstorFn = func(p unsafe.Pointer) { restored = append(restored, p) }
	t.Cleanup(func() {
		clearTSFn, fxsaveFn, fxrstorFn = origClear, origSave, origRestore
		currentFPUOwner = nil
	})
	return &cleared, &saved, &restored
}

func TestHandleDeviceNotAvailableSavesPreviousAndRestoresNext(t *testing.T) {
	cleared, saved, restored := withFakeFPUPrimitives(t)
	a := &fakeFPUOwner{}
	b := &fakeFPUOwner{}

	HandleDeviceNotAvailable(a)
	require.True(t, *cleared)
	require.Empty(t, *saved)
	require.Len(t, *restored, 1)

	HandleDeviceNotAvailable(b)
	require.Len(t, *saved, 1)
	require.Equal(t, a.FPUArea(), (*saved)[0])
	require.Len(t, *restored, 2)
}

func TestHandleDeviceNotAvailablePanicsForKernelThread(t *testing.T) {
	withFakeFPUPrimitives(t)
	k := &fakeFPUOwner{kernel: true}
	require.Panics(t, func() { HandleDeviceNotAvailable(k) })
}

func TestClearFPUOwnerIfCurrent(t *testing.T) {
	withFakeFPUPrimitives(t)
	a := &fakeFPUOwner{}
	HandleDeviceNotAvailable(a)
	require.Equal(t, FPUOwner(a), currentFPUOwner)

	ClearFPUOwnerIfCurrent(a)
	require.Nil(t, currentFPUOwner)
}

type fakeSleeper struct {
	wokenAt     uint64
	tickExpired bool
}

func (s *fakeSleeper) WakeDue(now uint64)     { s.wokenAt = now }
func (s *fakeSleeper) TickCurrent() bool      { return s.tickExpired }

func TestTimerISRAdvancesTicksAndSetsReschedule(t *testing.T) {
	withFakePorts(t)
	before := Ticks()

	fs := &fakeSleeper{tickExpired: true}
	SetSleeper(fs)
	defer SetSleeper(nil)

	TimerISR()
	require.Equal(t, before+1, Ticks())
	require.Equal(t, before+1, fs.wokenAt)
	require.True(t, RescheduleNeeded())
	require.False(t, RescheduleNeeded(), "flag must clear after being consumed once")
}

func TestIRQGuardRoundTripsFlags(t *testing.T) {
	var saved uint64
	origSave, origRestore := saveFlagsCliFn, restoreFlagsFn
	saveFlagsCliFn = func() uint64 { return 0x246 }
	restoreFlagsFn = func(f uint64) { saved = f }
	defer func() { saveFlagsCliFn, restoreFlagsFn = origSave, origRestore }()

	g := AcquireIRQGuard()
	g.Release()
	require.Equal(t, uint64(0x246), saved)
}

func TestIDTSetGateEncodesHandlerAcrossAllThreeOffsetFields(t *testing.T) {
	var idt IDT
	const handler = uintptr(0x1122334455667788)
	idt.SetGate(0x80, handler, 0x08, GateSyscall)

	g := idt.gates[0x80]
	require.Equal(t, uint16(0x7788), g.offsetLow)
	require.Equal(t, uint16(0x5566), g.offsetMid)
	require.Equal(t, uint32(0x11223344), g.offsetHigh)
	require.Equal(t, uint16(0x08), g.selector)
	require.Equal(t, uint8(GateSyscall), g.typeAttr)
}

func TestIDTLoadCallsLidtWithCorrectLimit(t *testing.T) {
	var gotPtr unsafe.Pointer
	origLidt := lidtFn
	lidtFn = func(p unsafe.Pointer) { gotPtr = p }
	defer func() { lidtFn = origLidt }()

	var idt IDT
	idt.Load()

	require.NotNil(t, gotPtr)
	desc := (*idtDescriptor)(gotPtr)
	require.Equal(t, uint16(unsafe.Sizeof(idt.gates))-1, desc.limit)
}
