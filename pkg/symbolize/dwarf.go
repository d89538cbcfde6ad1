package symbolize

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type dwarfer interface {
	DWARF() (*dwarf.Data, error)
}

// funcRange is one address range of a concrete subprogram.
type funcRange struct {
	lo, hi uint64
	offset dwarf.Offset
	cu     *dwarf.Entry
}

type dwarfLoader struct {
	once  sync.Once
	data  *dwarf.Data
	err   error
	file  dwarfer
	funcs []funcRange // sorted by lo
}

func newDwarfLoader(file dwarfer) *dwarfLoader {
	return &dwarfLoader{file: file}
}

func (d *dwarfLoader) load() (*dwarf.Data, error) {
	d.once.Do(func() {
		d.data, d.err = d.file.DWARF()
		if d.err != nil {
			d.err = fmt.Errorf("load dwarf: %w", d.err)
			return
		}
		d.funcs, d.err = indexFuncs(d.data)
	})
	return d.data, d.err
}

func indexFuncs(data *dwarf.Data) ([]funcRange, error) {
	var funcs []funcRange
	var cu *dwarf.Entry
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("index dwarf: %w", err)
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			cu = entry
		case dwarf.TagSubprogram:
			ranges, err := data.Ranges(entry)
			if err != nil {
				return nil, fmt.Errorf("ranges of entry 0x%x: %w", entry.Offset, err)
			}
			for _, rg := range ranges {
				if rg[1] > rg[0] {
					funcs = append(funcs, funcRange{lo: rg[0], hi: rg[1], offset: entry.Offset, cu: cu})
				}
			}
			if entry.Children {
				reader.SkipChildren()
			}
		}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].lo < funcs[j].lo })
	return funcs, nil
}

func (d *dwarfLoader) lookup(pc uint64) *funcRange {
	i := sort.Search(len(d.funcs), func(i int) bool { return d.funcs[i].lo > pc }) - 1
	if i < 0 || pc >= d.funcs[i].hi {
		return nil
	}
	return &d.funcs[i]
}

type node struct {
	entry    *dwarf.Entry
	children []*node
}

func readTree(reader *dwarf.Reader, entry *dwarf.Entry) (*node, error) {
	n := &node{entry: entry}
	if !entry.Children {
		return n, nil
	}
	for {
		child, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, errors.New("unterminated children of entry")
		}
		if child.Tag == 0 {
			return n, nil
		}
		c, err := readTree(reader, child)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, c)
	}
}

// inlineStack appends the inlined calls of n covering pc, innermost first.
// Ranges of nested entries are checked even when the parent's are not
// contiguous with them, as compilers do not always emit parent ranges that
// cover mid-stack inlining.
func (d *dwarfLoader) inlineStack(stack []*dwarf.Entry, n *node, pc uint64) ([]*dwarf.Entry, error) {
	switch n.entry.Tag {
	case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine, dwarf.TagLexDwarfBlock:
	default:
		return stack, nil
	}
	ranges, err := d.data.Ranges(n.entry)
	if err != nil {
		return nil, err
	}
	if !containsPC(ranges, pc) {
		return stack, nil
	}
	for _, child := range n.children {
		if stack, err = d.inlineStack(stack, child, pc); err != nil {
			return nil, err
		}
	}
	if n.entry.Tag == dwarf.TagInlinedSubroutine {
		stack = append(stack, n.entry)
	}
	return stack, nil
}

func containsPC(ranges [][2]uint64, pc uint64) bool {
	for _, rg := range ranges {
		if pc >= rg[0] && pc < rg[1] {
			return true
		}
	}
	return false
}

// name follows abstract origins and specifications to a DW_AT_name.
func (d *dwarfLoader) name(entry *dwarf.Entry) string {
	for depth := 0; entry != nil && depth < 4; depth++ {
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			return name
		}
		off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			off, ok = entry.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			return ""
		}
		reader := d.data.Reader()
		reader.Seek(off)
		entry, _ = reader.Next()
	}
	return ""
}

func callSite(entry *dwarf.Entry, files []*dwarf.LineFile) (string, int) {
	line, _ := entry.Val(dwarf.AttrCallLine).(int64)
	idx, ok := entry.Val(dwarf.AttrCallFile).(int64)
	if !ok || idx < 0 || idx >= int64(len(files)) || files[idx] == nil {
		return "", int(line)
	}
	return files[idx].Name, int(line)
}

func (d *dwarfLoader) lineAt(cu *dwarf.Entry, pc uint64) (string, int, []*dwarf.LineFile, error) {
	if cu == nil {
		return "", 0, nil, nil
	}
	lr, err := d.data.LineReader(cu)
	if err != nil {
		return "", 0, nil, fmt.Errorf("line table: %w", err)
	}
	if lr == nil {
		return "", 0, nil, nil
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		if errors.Is(err, dwarf.ErrUnknownPC) {
			return "", 0, lr.Files(), nil
		}
		return "", 0, nil, fmt.Errorf("line table: %w", err)
	}
	file := ""
	if le.File != nil {
		file = le.File.Name
	}
	return file, le.Line, lr.Files(), nil
}

// frames resolves pc, a link-time address. It returns no frames when no
// subprogram covers pc.
func (d *dwarfLoader) frames(pc uint64, includeInlined bool) ([]Frame, error) {
	if _, err := d.load(); err != nil {
		return nil, err
	}
	fn := d.lookup(pc)
	if fn == nil {
		return nil, nil
	}
	reader := d.data.Reader()
	reader.Seek(fn.offset)
	entry, err := reader.Next()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("no entry at 0x%x", fn.offset)
	}
	root, err := readTree(reader, entry)
	if err != nil {
		return nil, err
	}
	var stack []*dwarf.Entry
	for _, child := range root.children {
		if stack, err = d.inlineStack(stack, child, pc); err != nil {
			return nil, err
		}
	}
	file, line, files, err := d.lineAt(fn.cu, pc)
	if err != nil {
		return nil, err
	}
	outer := d.name(root.entry)

	if !includeInlined || len(stack) == 0 {
		f := Frame{Func: outer, File: file, Line: line}
		if len(stack) > 0 {
			f.File, f.Line = callSite(stack[len(stack)-1], files)
		}
		return []Frame{f}, nil
	}

	frames := make([]Frame, 0, len(stack)+1)
	for _, inl := range stack {
		frames = append(frames, Frame{Func: d.name(inl), File: file, Line: line, Inlined: true})
		file, line = callSite(inl, files)
	}
	return append(frames, Frame{Func: outer, File: file, Line: line}), nil
}
