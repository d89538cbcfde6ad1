package inspect

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsterxx03/memreader/pkg/proc"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

type fakeThread struct {
	snap   proc.ThreadSnapshot
	pcs    []uint64
	failAt int // depth whose step fails, 0 for none
}

type fakeTarget struct {
	threads  []fakeThread
	symbols  map[uint64][]symbolize.Frame
	symbErr  error
	lockErr  error
	locks    int
	locked   bool
	guards   int // thread guards currently held
	detached bool
	lookups  []uint64
}

func (t *fakeTarget) Lock() (Snapshot, error) {
	if t.lockErr != nil {
		return nil, t.lockErr
	}
	t.locks++
	t.locked = true
	return &fakeSnapshot{t: t}, nil
}

func (t *fakeTarget) Symbolicate(pc uint64, includeInlined bool, visit func(symbolize.Frame) error) error {
	t.lookups = append(t.lookups, pc)
	if t.symbErr != nil {
		return t.symbErr
	}
	frames, ok := t.symbols[pc]
	if !ok {
		return visit(symbolize.Frame{PC: pc})
	}
	if !includeInlined {
		frames = frames[len(frames)-1:]
	}
	for _, f := range frames {
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (t *fakeTarget) Detach() error {
	t.detached = true
	return nil
}

type fakeSnapshot struct {
	t        *fakeTarget
	released bool
}

func (s *fakeSnapshot) Threads() ([]proc.ThreadSnapshot, error) {
	if s.released {
		return nil, proc.ErrLockReleased
	}
	var ts []proc.ThreadSnapshot
	for _, th := range s.t.threads {
		ts = append(ts, th.snap)
	}
	return ts, nil
}

func (s *fakeSnapshot) LockThread(tid int) (ThreadGuard, error) {
	if s.released {
		return nil, proc.ErrLockReleased
	}
	for _, th := range s.t.threads {
		if th.snap.TID == tid {
			s.t.guards++
			return &fakeGuard{s: s, th: th}, nil
		}
	}
	return nil, proc.ErrUnknownThread
}

func (s *fakeSnapshot) Unlock() error {
	s.released = true
	s.t.locked = false
	return nil
}

type fakeGuard struct {
	s        *fakeSnapshot
	th       fakeThread
	released bool
}

func (g *fakeGuard) Cursor() (FrameCursor, error) {
	return &fakeCursor{g: g}, nil
}

func (g *fakeGuard) Unlock() error {
	if !g.released {
		g.released = true
		g.s.t.guards--
	}
	return nil
}

type fakeCursor struct {
	g     *fakeGuard
	depth int
	frame unwind.Frame
	err   error
}

func (c *fakeCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.g.released || c.g.s.released {
		c.err = unwind.ErrReleased
		return false
	}
	if c.g.th.failAt > 0 && c.depth == c.g.th.failAt {
		c.err = &unwind.StepError{TID: c.g.th.snap.TID, Depth: c.depth, Err: errors.New("caller frame pointer not above")}
		return false
	}
	if c.depth >= len(c.g.th.pcs) {
		return false
	}
	c.frame = unwind.Frame{PC: c.g.th.pcs[c.depth], Depth: c.depth}
	c.depth++
	return true
}

func (c *fakeCursor) Frame() unwind.Frame { return c.frame }

func (c *fakeCursor) Err() error { return c.err }

func newFakeInspector(t *fakeTarget, cfg Config) *Inspector {
	return New(cfg, WithAttacher(func(pid int, cfg Config) (Target, error) {
		return t, nil
	}))
}

func threeStepTarget() *fakeTarget {
	return &fakeTarget{
		threads: []fakeThread{
			{snap: proc.ThreadSnapshot{TID: 100, Active: true, State: "R"}, pcs: []uint64{0x1000, 0x2001, 0x3001}},
		},
		symbols: map[uint64][]symbolize.Frame{
			0x1000: {{Func: "main.leaf", File: "leaf.go", Line: 3}},
			0x2000: {
				{Func: "main.inlined", File: "inl.go", Line: 7, Inlined: true},
				{Func: "main.middle", File: "mid.go", Line: 12},
			},
			0x3000: {{Func: "main.main", File: "main.go", Line: 20}},
		},
	}
}

func TestStackViewInlinedFrames(t *testing.T) {
	ft := threeStepTarget()
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(4242)
	require.NoError(t, err)
	require.Len(t, stacks, 1)
	assert.Equal(t, 100, stacks[0].TID)
	assert.True(t, stacks[0].Active)
	assert.Equal(t, "Running", stacks[0].State)
	assert.Equal(t, []string{
		"main.leaf (leaf.go:3)",
		"main.inlined (inl.go:7)",
		"main.middle (mid.go:12)",
		"main.main (main.go:20)",
	}, stacks[0].Frames)

	// callers are looked up inside the call instruction
	assert.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, ft.lookups)

	assert.False(t, ft.locked)
	assert.Zero(t, ft.guards)
	assert.True(t, ft.detached)
}

func TestStackViewWithoutInlined(t *testing.T) {
	ft := threeStepTarget()
	cfg := DefaultConfig()
	cfg.IncludeInlined = false
	in := newFakeInspector(ft, cfg)

	stacks, err := in.StackView(4242)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"main.leaf (leaf.go:3)",
		"main.middle (mid.go:12)",
		"main.main (main.go:20)",
	}, stacks[0].Frames)
}

func TestStackViewAddressOnly(t *testing.T) {
	ft := &fakeTarget{threads: []fakeThread{
		{snap: proc.ThreadSnapshot{TID: 7, State: "S"}, pcs: []uint64{0x4000, 0x5001}},
	}}
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(7)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x4000", "0x5001"}, stacks[0].Frames)
	assert.False(t, stacks[0].Active)
}

func TestStackViewAttachFailure(t *testing.T) {
	attachErr := &proc.AttachError{PID: 4242, Err: proc.ErrNoSuchProcess}
	in := New(DefaultConfig(), WithAttacher(func(pid int, cfg Config) (Target, error) {
		return nil, attachErr
	}))

	stacks, err := in.StackView(4242)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, proc.ErrProcessAttach)
	assert.Contains(t, Message(err), "Cannot attach to process")
}

func TestStackViewMissingProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	in := New(DefaultConfig())
	pid := 1 << 23

	stacks, err := in.StackView(pid)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, proc.ErrProcessAttach)

	// the memory view runs its own query and fails on its own
	m, err := in.MemoryView(pid)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, procmaps.ErrProcessAccess)
}

func TestStackViewLockFailure(t *testing.T) {
	ft := threeStepTarget()
	ft.lockErr = &proc.AttachError{PID: 1, Err: os.ErrPermission}
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(1)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, proc.ErrProcessAttach)
	assert.Zero(t, ft.locks)
	assert.True(t, ft.detached)
}

func TestStackViewUnwindFailureAbortsPass(t *testing.T) {
	ft := threeStepTarget()
	ft.threads[0].failAt = 1
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(4242)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, unwind.ErrUnwindStep)

	var se *unwind.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 100, se.TID)

	assert.False(t, ft.locked)
	assert.Zero(t, ft.guards)
	assert.True(t, ft.detached)
}

func TestStackViewLaterThreadFailureDiscardsEarlier(t *testing.T) {
	ft := threeStepTarget()
	ft.threads = append(ft.threads, fakeThread{
		snap:   proc.ThreadSnapshot{TID: 101, State: "S"},
		pcs:    []uint64{0x1000, 0x2001},
		failAt: 1,
	})
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(4242)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, unwind.ErrUnwindStep)
	assert.Zero(t, ft.guards)
}

func TestStackViewSymbolizeFailureAbortsPass(t *testing.T) {
	ft := threeStepTarget()
	ft.symbErr = &symbolize.ResolutionError{PC: 0x1000, Path: "/bin/app", Err: errors.New("corrupt line table")}
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(4242)
	assert.Nil(t, stacks)
	assert.ErrorIs(t, err, symbolize.ErrSymbolResolution)
	assert.False(t, ft.locked)
	assert.True(t, ft.detached)
}

func TestStackViewThreadOrder(t *testing.T) {
	ft := &fakeTarget{}
	for _, tid := range []int{300, 12, 77} {
		ft.threads = append(ft.threads, fakeThread{snap: proc.ThreadSnapshot{TID: tid, State: "S"}, pcs: []uint64{0x10}})
	}
	in := newFakeInspector(ft, DefaultConfig())

	stacks, err := in.StackView(300)
	require.NoError(t, err)
	var tids []int
	for _, s := range stacks {
		tids = append(tids, s.TID)
	}
	assert.Equal(t, []int{300, 12, 77}, tids)
	assert.Equal(t, 1, ft.locks)
}

func TestMemoryView(t *testing.T) {
	in := New(DefaultConfig(), WithMapReader(func(pid int) ([]procmaps.Range, error) {
		return []procmaps.Range{
			{Start: 0x1000, End: 0x2000, Filename: "/usr/lib/libc.so"},
			{Start: 0x2000, End: 0x4000, Filename: "/usr/lib/libc.so"},
			{Start: 0x5000, End: 0x6000},
		}, nil
	}))

	m, err := in.MemoryView(4242)
	require.NoError(t, err)
	assert.Equal(t, procmaps.AggregatedMap{
		"/usr/lib/libc.so": {0x1000: 4096, 0x2000: 8192},
	}, m)
}

func TestMemoryViewSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	m, err := New(DefaultConfig()).MemoryView(os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, m, exe)
}

func TestMessage(t *testing.T) {
	errs := []error{
		&procmaps.AccessError{PID: 1, Err: os.ErrNotExist},
		&proc.AttachError{PID: 1, Err: proc.ErrNoSuchProcess},
		&unwind.StepError{TID: 1, Depth: 2, Err: errors.New("misaligned")},
		&symbolize.ResolutionError{PC: 1, Err: errors.New("bad dwarf")},
		errors.New("boom"),
	}
	seen := make(map[string]bool)
	for _, err := range errs {
		msg := Message(err)
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], msg)
		seen[msg] = true
	}
	assert.Empty(t, Message(nil))

	unsupported := Message(&proc.AttachError{PID: 1, Err: proc.ErrUnsupportedArch})
	assert.True(t, strings.HasPrefix(unsupported, "Cannot attach to process"), unsupported)

	denied := fmt.Errorf("wrap: %w", &proc.AttachError{PID: 1, Err: os.ErrPermission})
	assert.Contains(t, Message(denied), permissionHint)
}
