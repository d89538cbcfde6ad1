//go:build !linux

package proc

import "github.com/monsterxx03/memreader/pkg/unwind"

func (p *Process) open() error {
	return ErrUnsupportedArch
}

func (p *Process) stopAll() (*ProcessLock, error) {
	return nil, ErrUnsupportedArch
}

func (p *Process) resumeAll(l *ProcessLock) error {
	return nil
}

func (p *Process) registers(tid int) (unwind.Regs, error) {
	return unwind.Regs{}, ErrUnsupportedArch
}
