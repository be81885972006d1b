package process

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/moduos/moduos/internal/kerrors"
)

func withFakeContextSwitch(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := switchContextFn
	switchContextFn = func(from, to unsafe.Pointer) { calls++ }
	t.Cleanup(func() { switchContextFn = orig })
	return &calls
}

func TestCreateAppendsToReadyList(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()

	p, err := s.Create("init", 0x400000, 0)
	require.NoError(t, err)
	require.Equal(t, Ready, p.State)
	require.Equal(t, uint32(1), p.PID)
	require.Equal(t, uint64(1<<9), p.Context.RFLAGS)
}

func TestCreateWithArgsSeedsArgv(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	p, err := s.CreateWithArgs("sh", 0x400000, 0, []string{"-c", "ls"})
	require.NoError(t, err)
	require.Equal(t, []string{"-c", "ls"}, p.Argv)
}

func TestYieldRoundRobinsThroughReadyProcesses(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	a, _ := s.Create("a", 0x1000, 0)
	b, _ := s.Create("b", 0x2000, 0)

	s.schedule() // bring a into Running from empty state
	require.Equal(t, a, s.Running())

	s.Yield()
	require.Equal(t, b, s.Running())
	require.Equal(t, Ready, a.State)

	s.Yield()
	require.Equal(t, a, s.Running())
}

func TestSleepRemovesFromRunningUntilWoken(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	a, _ := s.Create("a", 0x1000, 0)
	b, _ := s.Create("b", 0x2000, 0)
	s.schedule()
	require.Equal(t, a, s.Running())

	s.Sleep(50, 100) // 50ms -> 5 ticks, now=100 -> wake at 105
	require.Equal(t, b, s.Running())
	require.Equal(t, Sleeping, a.State)

	s.WakeDue(104)
	require.Equal(t, Sleeping, a.State, "must not wake early")

	s.WakeDue(105)
	require.Equal(t, Ready, a.State)
}

func TestExitAndWaitReapsZombieChild(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	parent, _ := s.Create("parent", 0x1000, 0)
	s.schedule()
	require.Equal(t, parent, s.Running())

	child, _ := s.Create("child", 0x2000, 0)
	require.Equal(t, parent.PID, child.ParentPID)

	s.Yield() // parent requeued, child now running
	require.Equal(t, child, s.Running())

	s.Exit(7)
	require.Equal(t, Zombie, child.State)
	require.Equal(t, 7, child.ExitCode)

	pid, code, err := s.Wait(parent.PID, int32(child.PID))
	require.NoError(t, err)
	require.Equal(t, child.PID, pid)
	require.Equal(t, 7, code)
	require.Nil(t, s.Lookup(child.PID))
}

func TestWaitWithNoChildReturnsNoProcess(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	parent, _ := s.Create("loner", 0x1000, 0)

	_, _, err := s.Wait(parent.PID, -1)
	require.ErrorIs(t, err, kerrors.ErrNoProcess)
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	parent, _ := s.Create("parent", 0x1000, 0)
	s.schedule()
	require.Equal(t, parent, s.Running())
	child, _ := s.Create("child", 0x2000, 0)

	done := make(chan struct{})
	var reaped uint32
	var code int
	var waitErr error
	go func() {
		reaped, code, waitErr = s.Wait(parent.PID, -1)
		close(done)
	}()

	// The parent must actually park in Blocked before the child dies.
	require.Eventually(t, func() bool {
		s.waitMu.Lock()
		defer s.waitMu.Unlock()
		return parent.State == Blocked
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Kill(child.PID, 9))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on child exit")
	}
	require.NoError(t, waitErr)
	require.Equal(t, child.PID, reaped)
	require.Equal(t, 9, code)
	require.Equal(t, Running, parent.State)
	require.Nil(t, s.Lookup(child.PID))
}

func TestTickCurrentReportsExpiry(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	a, _ := s.Create("a", 0x1000, 0)
	s.schedule()
	require.Equal(t, a, s.Running())

	for i := 0; i < DefaultTimeSlice-1; i++ {
		require.False(t, s.TickCurrent())
	}
	require.True(t, s.TickCurrent())
}

func TestPreemptRequeuesRunningAndPicksNext(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	a, _ := s.Create("a", 0x1000, 0)
	b, _ := s.Create("b", 0x2000, 0)
	s.schedule()
	require.Equal(t, a, s.Running())

	s.Preempt()
	require.Equal(t, b, s.Running())
	require.Equal(t, Ready, a.State)
	require.Equal(t, DefaultTimeSlice, a.TimeSlice)
}

func TestFPUAreaIsSixteenByteAligned(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	p, _ := s.Create("a", 0x1000, 0)
	require.Zero(t, uintptr(p.FPUArea())%16)
}

func TestFDTableStartsAllEmpty(t *testing.T) {
	withFakeContextSwitch(t)
	s := NewScheduler()
	p, _ := s.Create("a", 0x1000, 0)
	for _, fd := range p.FDTable {
		require.Equal(t, int32(-1), fd)
	}
}
