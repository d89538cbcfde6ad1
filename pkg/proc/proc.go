// Package proc attaches to a live process with ptrace and hands out scoped
// guards that keep its threads stopped while they are inspected.
package proc

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/memreader/pkg/logflags"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

// The target is assumed to share the word size of this process.
const ptrSize = strconv.IntSize / 8

type options struct {
	maxDepth      int
	debugInfoDirs []string
	cacheSize     int
}

type Option func(*options)

// WithMaxDepth bounds the number of frames the unwinder produces per thread.
func WithMaxDepth(depth int) Option {
	return func(o *options) { o.maxDepth = depth }
}

// WithDebugInfoDirs sets where separate debug files are looked up.
func WithDebugInfoDirs(dirs ...string) Option {
	return func(o *options) { o.debugInfoDirs = dirs }
}

// WithSymbolCacheSize bounds the symbolicator's pc cache.
func WithSymbolCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// Process wrap operations on target process
type Process struct {
	ID   int
	opts options
	fs   procfs.FS
	mem  *os.File
	log  *logrus.Entry

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	lock     *ProcessLock
	unwinder *unwind.Unwinder
	resolver *symbolize.Resolver
	detached bool
}

// Attach opens an attachment to pid. The target keeps running until Lock is
// called. The returned Process must be released with Detach.
func Attach(pid int, opts ...Option) (*Process, error) {
	if pid <= 0 {
		return nil, &AttachError{PID: pid, Err: fmt.Errorf("%w: invalid pid %d", ErrNoSuchProcess, pid)}
	}
	o := options{debugInfoDirs: symbolize.DefaultDebugInfoDirs}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Process{
		ID:             pid,
		opts:           o,
		log:            logflags.AttachLogger().WithField("pid", pid),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	if err := p.open(); err != nil {
		return nil, &AttachError{PID: pid, Err: err}
	}
	go p.handlePtraceFuncs()
	p.log.Debug("attached")
	return p, nil
}

// borrowed from delve/proc/native/proc.go
func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// borrowed from delve/proc/native/proc.go
func (p *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

// Lock stops every thread of the process and returns the guard holding
// them. The target does not run again until the guard is released.
func (p *Process) Lock() (*ProcessLock, error) {
	if p.detached {
		return nil, &AttachError{PID: p.ID, Err: ErrDetached}
	}
	if p.lock != nil && !p.lock.released {
		return nil, &AttachError{PID: p.ID, Err: ErrAlreadyLocked}
	}
	l, err := p.stopAll()
	if err != nil {
		return nil, &AttachError{PID: p.ID, Err: err}
	}
	p.lock = l
	return l, nil
}

// Unwinder returns the stack unwinder for this attachment.
func (p *Process) Unwinder() *unwind.Unwinder {
	if p.unwinder == nil {
		p.unwinder = unwind.New(p.opts.maxDepth, ptrSize)
	}
	return p.unwinder
}

// Symbolicator returns the symbol resolver for this attachment. It is built
// on first use from the mappings seen by the current lock, or read fresh
// when no lock is held.
func (p *Process) Symbolicator() (*symbolize.Resolver, error) {
	if p.detached {
		return nil, &AttachError{PID: p.ID, Err: ErrDetached}
	}
	if p.resolver != nil {
		return p.resolver, nil
	}
	var ranges []procmaps.Range
	if p.lock != nil && !p.lock.released {
		ranges = p.lock.maps
	} else {
		var err error
		if ranges, err = procmaps.ReadProcMaps(p.ID); err != nil {
			return nil, err
		}
	}
	r, err := symbolize.New(ranges,
		symbolize.WithRoot(fmt.Sprintf("/proc/%d/root", p.ID)),
		symbolize.WithDebugInfoDirs(p.opts.debugInfoDirs...),
		symbolize.WithCacheSize(p.opts.cacheSize),
	)
	if err != nil {
		return nil, err
	}
	p.resolver = r
	return r, nil
}

// Detach releases any held lock and closes the attachment. It is safe to
// call more than once.
func (p *Process) Detach() error {
	if p.detached {
		return nil
	}
	var firstErr error
	if p.lock != nil && !p.lock.released {
		firstErr = p.lock.Unlock()
	}
	p.detached = true
	close(p.ptraceChan)
	if p.mem != nil {
		if err := p.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.resolver != nil {
		p.resolver.Close()
	}
	p.log.Debug("detached")
	return firstErr
}
