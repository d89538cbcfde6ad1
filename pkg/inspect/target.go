package inspect

import (
	"github.com/monsterxx03/memreader/pkg/proc"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

// Target is an attached process as seen by an inspection pass.
type Target interface {
	Lock() (Snapshot, error)
	Symbolicate(pc uint64, includeInlined bool, visit func(symbolize.Frame) error) error
	Detach() error
}

// Snapshot is held while every thread of the target is stopped.
type Snapshot interface {
	Threads() ([]proc.ThreadSnapshot, error)
	LockThread(tid int) (ThreadGuard, error)
	Unlock() error
}

// ThreadGuard is nested inside a Snapshot and never outlives it.
type ThreadGuard interface {
	Cursor() (FrameCursor, error)
	Unlock() error
}

// FrameCursor is satisfied by *unwind.Cursor.
type FrameCursor interface {
	Next() bool
	Frame() unwind.Frame
	Err() error
}

// Attacher opens a Target for pid.
type Attacher func(pid int, cfg Config) (Target, error)

// MapReader lists the mappings of pid.
type MapReader func(pid int) ([]procmaps.Range, error)

func attachProcess(pid int, cfg Config) (Target, error) {
	p, err := proc.Attach(pid,
		proc.WithMaxDepth(cfg.MaxDepth),
		proc.WithDebugInfoDirs(cfg.DebugInfoDirs...),
		proc.WithSymbolCacheSize(cfg.SymbolCacheSize),
	)
	if err != nil {
		return nil, err
	}
	return processTarget{p: p}, nil
}

type processTarget struct {
	p *proc.Process
}

func (t processTarget) Lock() (Snapshot, error) {
	l, err := t.p.Lock()
	if err != nil {
		return nil, err
	}
	return processSnapshot{l: l}, nil
}

func (t processTarget) Symbolicate(pc uint64, includeInlined bool, visit func(symbolize.Frame) error) error {
	r, err := t.p.Symbolicator()
	if err != nil {
		return err
	}
	return r.Symbolicate(pc, includeInlined, visit)
}

func (t processTarget) Detach() error {
	return t.p.Detach()
}

type processSnapshot struct {
	l *proc.ProcessLock
}

func (s processSnapshot) Threads() ([]proc.ThreadSnapshot, error) {
	return s.l.Threads()
}

func (s processSnapshot) LockThread(tid int) (ThreadGuard, error) {
	t, err := s.l.LockThread(tid)
	if err != nil {
		return nil, err
	}
	return threadGuard{t: t}, nil
}

func (s processSnapshot) Unlock() error {
	return s.l.Unlock()
}

type threadGuard struct {
	t *proc.ThreadLock
}

func (g threadGuard) Cursor() (FrameCursor, error) {
	c, err := g.t.Cursor()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g threadGuard) Unlock() error {
	return g.t.Unlock()
}
