package inspect

import (
	"errors"
	"fmt"
	"os"

	"github.com/monsterxx03/memreader/pkg/proc"
	"github.com/monsterxx03/memreader/pkg/procmaps"
	"github.com/monsterxx03/memreader/pkg/symbolize"
	"github.com/monsterxx03/memreader/pkg/unwind"
)

const permissionHint = "try running as root or set /proc/sys/kernel/yama/ptrace_scope to 0"

// Message turns the error of a pass into the single line shown in place of
// its results.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	switch {
	case errors.Is(err, proc.ErrProcessAttach):
		msg = fmt.Sprintf("Cannot attach to process: %v", err)
	case errors.Is(err, procmaps.ErrProcessAccess):
		msg = fmt.Sprintf("Cannot read process memory map: %v", err)
	case errors.Is(err, unwind.ErrUnwindStep):
		msg = fmt.Sprintf("Stack unwinding failed: %v", err)
	case errors.Is(err, symbolize.ErrSymbolResolution):
		msg = fmt.Sprintf("Symbol resolution failed: %v", err)
	default:
		msg = fmt.Sprintf("Inspection failed: %v", err)
	}
	if errors.Is(err, os.ErrPermission) {
		msg += " (" + permissionHint + ")"
	}
	return msg
}
