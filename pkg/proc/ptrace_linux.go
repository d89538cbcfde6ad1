//go:build linux

package proc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/monsterxx03/memreader/pkg/logflags"
	"github.com/monsterxx03/memreader/pkg/procmaps"
)

// Threads cloned while Lock is stopping the others are picked up by
// relisting the tasks, at most this many times.
const maxAttachRounds = 4

func (p *Process) open() error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return err
	}
	p.fs = fs
	if _, err := fs.Proc(p.ID); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoSuchProcess
		}
		return err
	}
	tracer, err := tracerPid(p.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoSuchProcess
		}
		return err
	}
	if tracer != 0 && tracer != os.Getpid() {
		return fmt.Errorf("%w (tracer pid %d)", ErrAlreadyTraced, tracer)
	}
	fd, err := os.Open(fmt.Sprintf("/proc/%d/mem", p.ID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoSuchProcess
		}
		return fmt.Errorf("failed to open /proc/%d/mem: %w", p.ID, err)
	}
	p.mem = fd
	return nil
}

func (p *Process) stopAll() (*ProcessLock, error) {
	mainState, err := processState(p.fs, p.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSuchProcess
		}
		return nil, err
	}
	l := &ProcessLock{proc: p, wasStopped: mainState == "T"}
	seen := make(map[int]bool)
	for round := 0; round < maxAttachRounds; round++ {
		snaps, err := listThreads(p.fs, p.ID)
		if err != nil {
			p.resumeAll(l)
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNoSuchProcess
			}
			return nil, err
		}
		added := 0
		for _, s := range snaps {
			if seen[s.TID] {
				continue
			}
			seen[s.TID] = true
			if err := p.stopThread(s.TID); err != nil {
				if errors.Is(err, sys.ESRCH) {
					p.log.Debugf("thread %d exited before it could be stopped", s.TID)
					continue
				}
				p.resumeAll(l)
				return nil, fmt.Errorf("stop thread %d: %w", s.TID, err)
			}
			if logflags.Attach() {
				p.log.Debugf("stopped thread %d (%s)", s.TID, s.StateName())
			}
			l.stopped = append(l.stopped, s.TID)
			l.threads = append(l.threads, s)
			added++
		}
		if added == 0 {
			break
		}
	}
	if len(l.threads) == 0 {
		return nil, ErrNoSuchProcess
	}
	maps, err := procmaps.ReadProcMaps(p.ID)
	if err != nil {
		p.resumeAll(l)
		return nil, err
	}
	l.maps = maps
	p.log.Debugf("stopped %d threads", len(l.threads))
	return l, nil
}

func (p *Process) stopThread(tid int) error {
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
	if err != nil {
		return err
	}
	var s sys.WaitStatus
	p.execPtraceFunc(func() { _, err = sys.Wait4(tid, &s, sys.WALL, nil) })
	if err != nil {
		return err
	}
	if s.Exited() || s.Signaled() {
		return sys.ESRCH
	}
	return nil
}

func (p *Process) resumeAll(l *ProcessLock) error {
	var firstErr error
	for _, tid := range l.stopped {
		var err error
		p.execPtraceFunc(func() { err = sys.PtraceDetach(tid) })
		if err != nil && !errors.Is(err, sys.ESRCH) && firstErr == nil {
			firstErr = fmt.Errorf("detach thread %d: %w", tid, err)
		}
	}
	l.stopped = nil
	if l.wasStopped {
		return firstErr
	}
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	time.Sleep(50 * time.Millisecond)
	if s, err := processState(p.fs, p.ID); err == nil && s == "T" {
		_ = sys.Kill(p.ID, sys.SIGCONT)
	}
	p.log.Debug("resumed")
	return firstErr
}
