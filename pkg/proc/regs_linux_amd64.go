//go:build linux && amd64

package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/monsterxx03/memreader/pkg/unwind"
)

// registers will return thread register values via syscall PTRACE_GETREGS
func (p *Process) registers(tid int) (unwind.Regs, error) {
	var regs sys.PtraceRegs
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return unwind.Regs{}, fmt.Errorf("get registers of thread %d: %w", tid, err)
	}
	return unwind.Regs{PC: regs.Rip, SP: regs.Rsp, FP: regs.Rbp}, nil
}
