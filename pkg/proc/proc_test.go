package proc

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

func TestAttachInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		_, err := Attach(pid)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProcessAttach)
		assert.ErrorIs(t, err, ErrNoSuchProcess)
	}
}

func TestAttachMissingProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	_, err := Attach(1 << 23)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessAttach)
	assert.ErrorIs(t, err, ErrNoSuchProcess)

	var ae *AttachError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 1<<23, ae.PID)
}

func TestListThreads(t *testing.T) {
	fs, err := procfs.NewFS("testdata/proc")
	require.NoError(t, err)

	// 4250 exited between listing and reading its stat
	threads, err := listThreads(fs, 4242)
	require.NoError(t, err)
	assert.Equal(t, []ThreadSnapshot{
		{TID: 4242, State: "S"},
		{TID: 4243, Active: true, State: "R"},
		{TID: 10000, State: "t"},
	}, threads)

	_, err = listThreads(fs, 4343)
	assert.Error(t, err)
}

func TestProcessState(t *testing.T) {
	fs, err := procfs.NewFS("testdata/proc")
	require.NoError(t, err)

	state, err := processState(fs, 4242)
	require.NoError(t, err)
	assert.Equal(t, "S", state)

	_, err = processState(fs, 4343)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestThreadSnapshotStateName(t *testing.T) {
	assert.Equal(t, "Sleeping", ThreadSnapshot{State: "S"}.StateName())
	assert.Equal(t, "?", ThreadSnapshot{State: "?"}.StateName())
}

func TestStackBounds(t *testing.T) {
	maps := []procmaps.Range{
		{Start: 0x1000, End: 0x2000, Perm: "r-xp", Filename: "/bin/app"},
		{Start: 0x5000, End: 0x6000, Perm: "r--p", Filename: "/bin/app"},
		{Start: 0x7000, End: 0x9000, Perm: "rw-p", Filename: "[stack]"},
	}
	assert.Equal(t, unwind.Bounds{Lo: 0x7000, Hi: 0x9000}, stackBounds(maps, 0x8ff8))
	assert.False(t, stackBounds(maps, 0x5800).Known())
	assert.False(t, stackBounds(maps, 0x4000).Known())
}

func TestThreadLockExecutable(t *testing.T) {
	l := &ProcessLock{maps: []procmaps.Range{
		{Start: 0x1000, End: 0x2000, Perm: "r-xp", Filename: "/bin/app"},
		{Start: 0x7000, End: 0x9000, Perm: "rw-p", Filename: "[stack]"},
	}}
	th := &ThreadLock{parent: l}
	assert.True(t, th.Executable(0x1800))
	assert.False(t, th.Executable(0x7ff0))
	assert.False(t, th.Executable(0x3000))
}

func TestLockThreadRegistersError(t *testing.T) {
	p := &Process{
		ID:             os.Getpid(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go p.handlePtraceFuncs()
	defer close(p.ptraceChan)

	// a thread that is not traced has no registers to read
	l := &ProcessLock{proc: p, threads: []ThreadSnapshot{{TID: 1 << 23}}}
	_, err := l.LockThread(1 << 23)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessAttach)
	var ae *AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, os.Getpid(), ae.PID)
}

func startSleeper(t *testing.T) *exec.Cmd {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not found")
	}
	cmd := exec.Command(path, "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func lockOrSkip(t *testing.T, p *Process) *ProcessLock {
	l, err := p.Lock()
	if errors.Is(err, os.ErrPermission) {
		t.Skip("ptrace not permitted")
	}
	require.NoError(t, err)
	return l
}

func TestLockChild(t *testing.T) {
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	p, err := Attach(pid)
	require.NoError(t, err)
	defer p.Detach()

	l := lockOrSkip(t, p)

	_, err = p.Lock()
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	threads, err := l.Threads()
	require.NoError(t, err)
	require.NotEmpty(t, threads)
	assert.Equal(t, pid, threads[0].TID)

	maps, err := l.Maps()
	require.NoError(t, err)
	assert.NotEmpty(t, maps)

	_, err = l.LockThread(1 << 23)
	assert.ErrorIs(t, err, ErrUnknownThread)

	th, err := l.LockThread(pid)
	if errors.Is(err, ErrUnsupportedArch) {
		require.NoError(t, l.Unlock())
		t.Skip(err)
	}
	require.NoError(t, err)
	regs, err := th.Registers()
	require.NoError(t, err)
	assert.NotZero(t, regs.PC)
	assert.True(t, th.Stack().Contains(regs.SP))

	buf := make([]byte, 8)
	_, err = th.ReadAt(buf, int64(regs.SP))
	assert.NoError(t, err)

	c, err := th.Cursor()
	require.NoError(t, err)
	require.True(t, c.Next())
	assert.Equal(t, regs.PC, c.Frame().PC)

	require.NoError(t, l.Unlock())

	_, err = l.Threads()
	assert.ErrorIs(t, err, ErrLockReleased)
	assert.ErrorIs(t, th.Valid(), ErrLockReleased)
	_, err = th.ReadAt(buf, int64(regs.SP))
	assert.ErrorIs(t, err, ErrLockReleased)
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), unwind.ErrReleased)

	l2, err := p.Lock()
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())

	require.NoError(t, p.Detach())
	assert.NoError(t, p.Detach())
	_, err = p.Lock()
	assert.ErrorIs(t, err, ErrDetached)

	// the target keeps running after detach
	assert.NoError(t, cmd.Process.Signal(syscall.Signal(0)))
}

func TestDetachReleasesLock(t *testing.T) {
	cmd := startSleeper(t)
	p, err := Attach(cmd.Process.Pid)
	require.NoError(t, err)

	l := lockOrSkip(t, p)
	require.NoError(t, p.Detach())
	_, err = l.Threads()
	assert.ErrorIs(t, err, ErrLockReleased)
}

func TestSymbolicatorFromLock(t *testing.T) {
	cmd := startSleeper(t)
	p, err := Attach(cmd.Process.Pid)
	require.NoError(t, err)
	defer p.Detach()

	l := lockOrSkip(t, p)
	defer l.Unlock()

	r, err := p.Symbolicator()
	require.NoError(t, err)
	r2, err := p.Symbolicator()
	require.NoError(t, err)
	assert.Same(t, r, r2)
}
