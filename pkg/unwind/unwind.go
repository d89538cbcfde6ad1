// Package unwind walks the frame-pointer chain of a stopped thread.
package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/monsterxx03/memreader/pkg/logflags"
)

const DefaultMaxDepth = 1024

var (
	// ErrUnwindStep matches every *StepError.
	ErrUnwindStep = errors.New("stack unwind failed")
	// ErrReleased is returned once the guard a cursor was built under
	// has been released.
	ErrReleased = errors.New("thread lock released")
)

// StepError reports a frame record that lies on the stack but cannot be
// read.
type StepError struct {
	TID   int
	Depth int
	FP    uint64
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("unwind thread %d at depth %d (fp 0x%x): %v", e.TID, e.Depth, e.FP, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrUnwindStep }

// Regs holds the registers the walk starts from.
type Regs struct {
	PC uint64
	SP uint64
	FP uint64
}

// Bounds is the address range of a thread's stack. The zero value means
// unknown.
type Bounds struct {
	Lo, Hi uint64
}

func (b Bounds) Known() bool { return b.Hi > b.Lo }

func (b Bounds) Contains(addr uint64) bool {
	return addr >= b.Lo && addr < b.Hi
}

// Thread is a stopped thread whose memory can be read. Valid returns a
// non-nil error once the thread may run again. Executable reports whether
// addr lies in a mapping with execute permission.
type Thread interface {
	ID() int
	Registers() (Regs, error)
	Stack() Bounds
	Executable(addr uint64) bool
	ReadAt(p []byte, off int64) (int, error)
	Valid() error
}

// Frame is one step of the walk. PC is a return address for every frame
// but the innermost one.
type Frame struct {
	PC    uint64
	Depth int
}

// CallPC is the address to symbolize: return addresses point past the
// call instruction, so callers are looked up one byte earlier.
func (f Frame) CallPC() uint64 {
	if f.Depth == 0 || f.PC == 0 {
		return f.PC
	}
	return f.PC - 1
}

type Unwinder struct {
	maxDepth int
	ptrSize  int
	log      *logrus.Entry
}

// New returns an Unwinder that stops after maxDepth frames. maxDepth <= 0
// selects DefaultMaxDepth.
func New(maxDepth, ptrSize int) *Unwinder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if ptrSize != 4 {
		ptrSize = 8
	}
	return &Unwinder{maxDepth: maxDepth, ptrSize: ptrSize, log: logflags.UnwindLogger()}
}

// Cursor starts a walk of t. t must stay locked while the cursor is used;
// Next fails with ErrReleased otherwise.
func (u *Unwinder) Cursor(t Thread) (*Cursor, error) {
	if err := t.Valid(); err != nil {
		return nil, err
	}
	regs, err := t.Registers()
	if err != nil {
		return nil, fmt.Errorf("read registers of thread %d: %w", t.ID(), err)
	}
	return &Cursor{u: u, thread: t, pc: regs.PC, fp: regs.FP, stack: t.Stack()}, nil
}

// Cursor lazily produces the frames of one thread, innermost first.
type Cursor struct {
	u      *Unwinder
	thread Thread
	pc, fp uint64
	stack  Bounds
	depth  int
	atend  bool
	frame  Frame
	err    error
}

// Next advances to the next frame. It returns false at the end of the
// stack or on error; check Err to tell them apart.
func (c *Cursor) Next() bool {
	if c.err != nil || c.atend {
		return false
	}
	if err := c.thread.Valid(); err != nil {
		c.err = fmt.Errorf("%w: %v", ErrReleased, err)
		return false
	}
	if c.depth >= c.u.maxDepth {
		c.atend = true
		return false
	}
	if c.depth == 0 {
		if c.pc == 0 {
			c.atend = true
			return false
		}
		c.emit(c.pc)
		return true
	}

	ret, ok, err := c.step()
	if err != nil {
		c.err = &StepError{TID: c.thread.ID(), Depth: c.depth, FP: c.fp, Err: err}
		c.u.log.Debugf("thread %d: %v", c.thread.ID(), c.err)
		return false
	}
	if !ok {
		c.atend = true
		return false
	}
	c.emit(ret)
	return true
}

func (c *Cursor) emit(pc uint64) {
	c.frame = Frame{PC: pc, Depth: c.depth}
	if logflags.Unwind() {
		c.u.log.Debugf("thread %d: #%d pc=0x%x fp=0x%x", c.thread.ID(), c.depth, pc, c.fp)
	}
	c.depth++
}

// step reads the frame record at fp: the saved caller fp followed by the
// return address. ok is false when the chain ends: code built without frame
// pointers or a switch to another stack ends it. Only a record that lies on
// the stack but cannot be read is an error.
func (c *Cursor) step() (ret uint64, ok bool, err error) {
	fp := c.fp
	if fp == 0 {
		return 0, false, nil
	}
	if c.stack.Known() && !c.stack.Contains(fp) {
		c.u.log.Debugf("thread %d: fp 0x%x left the stack at depth %d", c.thread.ID(), fp, c.depth)
		return 0, false, nil
	}
	size := uint64(c.u.ptrSize)
	if fp%size != 0 || (c.stack.Known() && fp+2*size > c.stack.Hi) {
		c.u.log.Debugf("thread %d: fp 0x%x is not a frame pointer", c.thread.ID(), fp)
		return 0, false, nil
	}
	buf := make([]byte, 2*size)
	if _, err := c.thread.ReadAt(buf, int64(fp)); err != nil {
		return 0, false, err
	}
	next := c.readUint(buf[:size])
	ret = c.readUint(buf[size:])
	if ret == 0 || !c.thread.Executable(ret) {
		return 0, false, nil
	}
	if next <= fp {
		// the caller's record must be further up; anything else ends here
		next = 0
	}
	c.fp = next
	return ret, true, nil
}

func (c *Cursor) readUint(b []byte) uint64 {
	if c.u.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// Frame returns the frame the cursor is pointing at.
func (c *Cursor) Frame() Frame {
	return c.frame
}

// Err returns the error that stopped the walk, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Collect drains the cursor.
func (c *Cursor) Collect() ([]Frame, error) {
	var frames []Frame
	for c.Next() {
		frames = append(frames, c.Frame())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
