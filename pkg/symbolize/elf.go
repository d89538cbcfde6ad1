package symbolize

import (
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/monsterxx03/memreader/pkg/procmaps"
)

// image is one ELF file mapped into the target.
type image struct {
	path  string
	file  *elf.File
	debug *elf.File // separate debug file, if one was found
	loads []elf.ProgHeader
	dwarf *dwarfLoader

	goOnce   sync.Once
	goSymtab *gosym.Table
	goErr    error

	// Cache control
	symOnce sync.Once
	symbols []elf.Symbol
	symErr  error
}

// openImage loads path. A missing file or a file that is not ELF yields a
// nil image and no error: such mappings resolve to bare addresses.
func openImage(root, path string, debugDirs []string) (*image, error) {
	onDisk := filepath.Join(root, path)
	file, err := elf.Open(onDisk)
	if err != nil {
		var fe *elf.FormatError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &fe) ||
			errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, err
	}
	img := &image{path: onDisk, file: file}
	for _, p := range file.Progs {
		if p.Type == elf.PT_LOAD {
			img.loads = append(img.loads, p.ProgHeader)
		}
	}

	dwarfFile := file
	if !hasDWARF(file) {
		if dbg := findDebugFile(file, root, path, debugDirs); dbg != "" {
			if df, err := elf.Open(dbg); err == nil {
				img.debug = df
				dwarfFile = df
			}
		}
	}
	if hasDWARF(dwarfFile) {
		img.dwarf = newDwarfLoader(dwarfFile)
	}
	return img, nil
}

func hasDWARF(f *elf.File) bool {
	return f.Section(".debug_info") != nil || f.Section(".zdebug_info") != nil
}

func (img *image) Close() error {
	if img.debug != nil {
		img.debug.Close()
	}
	return img.file.Close()
}

// vaddr converts a runtime pc inside rng into the link-time address the
// debug info refers to.
func (img *image) vaddr(rng *procmaps.Range, pc uint64) (uint64, bool) {
	off := pc - rng.Start + rng.Offset
	for _, p := range img.loads {
		if off >= p.Off && off < p.Off+p.Filesz {
			return p.Vaddr + off - p.Off, true
		}
	}
	return 0, false
}

func (img *image) dwarfFrames(addr uint64, includeInlined bool) ([]Frame, error) {
	if img.dwarf == nil {
		return nil, nil
	}
	return img.dwarf.frames(addr, includeInlined)
}

func (img *image) goFrame(addr uint64) (*Frame, error) {
	img.goOnce.Do(func() {
		img.goSymtab, img.goErr = getGoSymtab(img.file)
	})
	if img.goErr != nil {
		return nil, img.goErr
	}
	if img.goSymtab == nil {
		return nil, nil
	}
	file, line, fn := img.goSymtab.PCToLine(addr)
	if fn == nil {
		return nil, nil
	}
	return &Frame{Func: fn.Name, File: file, Line: line}, nil
}

// getGoSymtab returns nil without error for binaries that are not Go.
func getGoSymtab(f *elf.File) (*gosym.Table, error) {
	s := f.Section(".gopclntab")
	if s == nil {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	text := f.Section(".text")
	if text == nil {
		return nil, fmt.Errorf("%w: .gopclntab without .text", ErrInvalidExecutable)
	}
	ln := gosym.NewLineTable(data, text.Addr)
	symtab, err := gosym.NewTable([]byte{}, ln)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	return symtab, nil
}

func (img *image) getSymbols() ([]elf.Symbol, error) {
	// This will execute the loading function exactly once
	img.symOnce.Do(func() {
		var all []elf.Symbol
		for _, f := range []*elf.File{img.file, img.debug} {
			if f == nil {
				continue
			}
			syms, err := f.Symbols()
			if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
				img.symErr = fmt.Errorf("failed to get symbols: %w", err)
				return
			}
			all = append(all, syms...)
			dyn, err := f.DynamicSymbols()
			if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
				img.symErr = fmt.Errorf("failed to get dynamic symbols: %w", err)
				return
			}
			all = append(all, dyn...)
		}
		for _, s := range all {
			typ := elf.ST_TYPE(s.Info)
			if (typ == elf.STT_FUNC || typ == elf.STT_LOOS /* STT_GNU_IFUNC */) && s.Value != 0 && s.Section != elf.SHN_UNDEF {
				img.symbols = append(img.symbols, s)
			}
		}
		sort.Slice(img.symbols, func(i, j int) bool { return img.symbols[i].Value < img.symbols[j].Value })
	})
	return img.symbols, img.symErr
}

func (img *image) symFrame(addr uint64) (*Frame, error) {
	syms, err := img.getSymbols()
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Value > addr }) - 1
	if i < 0 {
		return nil, nil
	}
	s := syms[i]
	if s.Size > 0 && addr >= s.Value+s.Size {
		return nil, nil
	}
	return &Frame{Func: s.Name}, nil
}
