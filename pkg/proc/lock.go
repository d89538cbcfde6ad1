package proc

import (
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

// ProcessLock keeps every thread of the target stopped until Unlock.
// Everything obtained through it is only valid while it is held.
type ProcessLock struct {
	proc        *Process
	threads     []ThreadSnapshot
	stopped     []int
	wasStopped  bool // the target was already in group-stop before Lock
	maps        []procmaps.Range
	threadLocks []*ThreadLock
	released    bool
}

func (l *ProcessLock) valid() error {
	if l.released {
		return ErrLockReleased
	}
	return nil
}

// Threads returns the threads stopped by the lock, in procfs order. The set
// does not change while the lock is held.
func (l *ProcessLock) Threads() ([]ThreadSnapshot, error) {
	if err := l.valid(); err != nil {
		return nil, err
	}
	ts := make([]ThreadSnapshot, len(l.threads))
	copy(ts, l.threads)
	return ts, nil
}

// Maps returns the mappings read right after the threads were stopped.
func (l *ProcessLock) Maps() ([]procmaps.Range, error) {
	if err := l.valid(); err != nil {
		return nil, err
	}
	return l.maps, nil
}

// LockThread returns the nested guard for one stopped thread. It is
// invalidated together with l.
func (l *ProcessLock) LockThread(tid int) (*ThreadLock, error) {
	if err := l.valid(); err != nil {
		return nil, err
	}
	known := false
	for _, t := range l.threads {
		if t.TID == tid {
			known = true
			break
		}
	}
	if !known {
		return nil, ErrUnknownThread
	}
	regs, err := l.proc.registers(tid)
	if err != nil {
		return nil, &AttachError{PID: l.proc.ID, Err: err}
	}
	t := &ThreadLock{parent: l, tid: tid, regs: regs, stack: stackBounds(l.maps, regs.SP)}
	l.threadLocks = append(l.threadLocks, t)
	return t, nil
}

// Unlock resumes the target. Thread locks taken from l become invalid.
func (l *ProcessLock) Unlock() error {
	if l.released {
		return nil
	}
	for _, t := range l.threadLocks {
		t.released = true
	}
	l.released = true
	return l.proc.resumeAll(l)
}

// stackBounds returns the writable mapping holding sp, which is the
// thread's stack or, for goroutines, a heap span.
func stackBounds(maps []procmaps.Range, sp uint64) unwind.Bounds {
	for i := range maps {
		if maps[i].Contains(sp) && maps[i].IsRead() && maps[i].IsWrite() {
			return unwind.Bounds{Lo: maps[i].Start, Hi: maps[i].End}
		}
	}
	return unwind.Bounds{}
}

// ThreadLock is the per-thread guard. It satisfies unwind.Thread.
type ThreadLock struct {
	parent   *ProcessLock
	tid      int
	regs     unwind.Regs
	stack    unwind.Bounds
	released bool
}

func (t *ThreadLock) ID() int {
	return t.tid
}

func (t *ThreadLock) Registers() (unwind.Regs, error) {
	if err := t.Valid(); err != nil {
		return unwind.Regs{}, err
	}
	return t.regs, nil
}

func (t *ThreadLock) Stack() unwind.Bounds {
	return t.stack
}

func (t *ThreadLock) Executable(addr uint64) bool {
	maps := t.parent.maps
	for i := range maps {
		if maps[i].Contains(addr) {
			return maps[i].IsExe()
		}
	}
	return false
}

// ReadAt reads target memory at address off.
func (t *ThreadLock) ReadAt(p []byte, off int64) (int, error) {
	if err := t.Valid(); err != nil {
		return 0, err
	}
	return t.parent.proc.mem.ReadAt(p, off)
}

// Valid returns ErrLockReleased once t or its process lock is released.
func (t *ThreadLock) Valid() error {
	if t.released {
		return ErrLockReleased
	}
	return t.parent.valid()
}

// Cursor starts unwinding the thread's stack. The cursor fails once t is
// released.
func (t *ThreadLock) Cursor() (*unwind.Cursor, error) {
	return t.parent.proc.Unwinder().Cursor(t)
}

func (t *ThreadLock) Unlock() error {
	t.released = true
	return nil
}
