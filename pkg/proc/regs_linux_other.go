//go:build linux && !amd64

package proc

import "github.com/monsterxx03/memreader/pkg/unwind"

func (p *Process) registers(tid int) (unwind.Regs, error) {
	return unwind.Regs{}, ErrUnsupportedArch
}
