package symbolize

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	// ErrSymbolResolution matches every *ResolutionError.
	ErrSymbolResolution = errors.New("symbol resolution failed")

	ErrInvalidExecutable = errors.New("invalid or unsupported executable format")
)

// ResolutionError reports a failure inside the resolver itself: unreadable
// image files or corrupt debug data. Missing debug info is not an error.
type ResolutionError struct {
	PC   uint64
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("symbolize 0x%x: %v", e.PC, e.Err)
	}
	return fmt.Sprintf("symbolize 0x%x in %s: %v", e.PC, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrSymbolResolution }

// Frame is one resolved location. A single pc yields several frames when
// calls were inlined into it, innermost first.
type Frame struct {
	PC      uint64 // program counter
	Func    string // function name, empty if unknown
	File    string // source file, from dwarf or pclntab
	Line    int    // source line
	Inlined bool   // the call was inlined into the next frame
	Module  string // backing file of the mapping holding PC
}

func (f Frame) String() string {
	if f.Func != "" {
		if f.File != "" && f.Line > 0 {
			return fmt.Sprintf("%s (%s:%d)", f.Func, f.File, f.Line)
		}
		return f.Func
	}

	if f.File != "" && f.Line > 0 {
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	}

	if f.Module != "" {
		return fmt.Sprintf("0x%x (%s)", f.PC, filepath.Base(f.Module))
	}
	return fmt.Sprintf("0x%x", f.PC)
}
