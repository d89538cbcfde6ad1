// Package inspect runs one inspection pass over a process: its aggregated
// memory map, or the symbolized stacks of all its threads.
package inspect

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/memreader/pkg/logflags"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

type Config struct {
	IncludeInlined  bool
	MaxDepth        int
	DebugInfoDirs   []string
	SymbolCacheSize int
}

func DefaultConfig() Config {
	return Config{
		IncludeInlined:  true,
		MaxDepth:        unwind.DefaultMaxDepth,
		DebugInfoDirs:   symbolize.DefaultDebugInfoDirs,
		SymbolCacheSize: symbolize.DefaultCacheSize,
	}
}

// ThreadStack is the stack view of one thread, innermost frame first.
type ThreadStack struct {
	TID    int      `json:"tid"`
	Active bool     `json:"active"`
	State  string   `json:"state"`
	Frames []string `json:"frames"`
}

type Option func(*Inspector)

// WithAttacher replaces the ptrace based attacher.
func WithAttacher(a Attacher) Option {
	return func(in *Inspector) { in.attach = a }
}

// WithMapReader replaces procmaps.ReadProcMaps.
func WithMapReader(r MapReader) Option {
	return func(in *Inspector) { in.readMaps = r }
}

type Inspector struct {
	Config

	attach   Attacher
	readMaps MapReader
	log      *logrus.Entry
}

func New(cfg Config, opts ...Option) *Inspector {
	in := &Inspector{
		Config:   cfg,
		attach:   attachProcess,
		readMaps: procmaps.ReadProcMaps,
		log:      logflags.InspectLogger(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// MemoryView reads the mappings of pid grouped by backing file.
func (in *Inspector) MemoryView(pid int) (procmaps.AggregatedMap, error) {
	ranges, err := in.readMaps(pid)
	if err != nil {
		in.log.WithError(err).Debugf("memory view of %d", pid)
		return nil, err
	}
	m := procmaps.Aggregate(ranges)
	in.log.Debugf("memory view of %d: %d ranges, %d files", pid, len(ranges), len(m))
	return m, nil
}

// StackView attaches to pid, stops it and unwinds every thread. Any failure
// aborts the whole pass: either every thread is returned or none.
func (in *Inspector) StackView(pid int) ([]ThreadStack, error) {
	start := time.Now()
	t, err := in.attach(pid, in.Config)
	if err != nil {
		in.log.WithError(err).Debugf("stack view of %d", pid)
		return nil, err
	}
	defer func() {
		if err := t.Detach(); err != nil {
			in.log.WithError(err).Warnf("detach %d", pid)
		}
	}()

	stacks, err := in.stacks(t)
	if err != nil {
		in.log.WithError(err).Debugf("stack view of %d", pid)
		return nil, err
	}
	in.log.Debugf("stack view of %d: %d threads in %v", pid, len(stacks), time.Since(start))
	return stacks, nil
}

func (in *Inspector) stacks(t Target) ([]ThreadStack, error) {
	snap, err := t.Lock()
	if err != nil {
		return nil, err
	}
	defer snap.Unlock()

	threads, err := snap.Threads()
	if err != nil {
		return nil, err
	}
	stacks := make([]ThreadStack, 0, len(threads))
	for _, th := range threads {
		frames, err := in.threadFrames(t, snap, th.TID)
		if err != nil {
			return nil, err
		}
		if logflags.Inspect() {
			in.log.Debugf("thread %d (%s): %d frames", th.TID, th.StateName(), len(frames))
		}
		stacks = append(stacks, ThreadStack{
			TID:    th.TID,
			Active: th.Active,
			State:  th.StateName(),
			Frames: frames,
		})
	}
	return stacks, nil
}

func (in *Inspector) threadFrames(t Target, snap Snapshot, tid int) ([]string, error) {
	g, err := snap.LockThread(tid)
	if err != nil {
		return nil, err
	}
	defer g.Unlock()

	c, err := g.Cursor()
	if err != nil {
		return nil, err
	}
	frames := []string{}
	for c.Next() {
		f := c.Frame()
		err := t.Symbolicate(f.CallPC(), in.IncludeInlined, func(sf symbolize.Frame) error {
			sf.PC = f.PC
			frames = append(frames, sf.String())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
