// Package procmaps reads the virtual memory layout of a process from
// /proc/<pid>/maps and groups it by backing file.
package procmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrProcessAccess matches every *AccessError.
	ErrProcessAccess = errors.New("cannot read process memory map")
	// ErrInvalidRange is wrapped when a maps line cannot be parsed.
	ErrInvalidRange = errors.New("invalid map range")
)

// AccessError reports that the mappings of PID could not be read: the
// process does not exist, has exited or the caller lacks permission.
type AccessError struct {
	PID int
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("read maps of process %d: %v", e.PID, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

func (e *AccessError) Is(target error) bool { return target == ErrProcessAccess }

// Range is a single mapping as reported by the kernel.
type Range struct {
	Start    uint64
	End      uint64
	Perm     string
	Offset   uint64
	Dev      string
	Inode    uint64
	Filename string
}

func (r *Range) Size() uint64 {
	return r.End - r.Start
}

// Anonymous reports whether the range has no backing path at all.
// Kernel pseudo paths like [heap] or [vdso] are not anonymous.
func (r *Range) Anonymous() bool {
	return r.Filename == ""
}

// Pseudo reports whether the backing path is a kernel pseudo path such as
// [stack] rather than a file.
func (r *Range) Pseudo() bool {
	return strings.HasPrefix(r.Filename, "[")
}

func (r *Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r *Range) IsRead() bool {
	return len(r.Perm) > 0 && r.Perm[0] == 'r'
}

func (r *Range) IsWrite() bool {
	return len(r.Perm) > 1 && r.Perm[1] == 'w'
}

func (r *Range) IsExe() bool {
	return len(r.Perm) > 2 && r.Perm[2] == 'x'
}

// ReadProcMaps returns the mappings of pid in the order the kernel lists
// them. A process without mappings yields an empty slice and no error.
func ReadProcMaps(pid int) ([]Range, error) {
	if pid <= 0 {
		return nil, &AccessError{PID: pid, Err: fmt.Errorf("invalid pid %d", pid)}
	}
	ranges, err := parseProcMaps(filepath.Join("/proc", strconv.Itoa(pid), "maps"))
	if err != nil {
		return nil, &AccessError{PID: pid, Err: err}
	}
	return ranges, nil
}

func parseProcMaps(path string) ([]Range, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseMaps(file)
}

func parseMaps(r io.Reader) ([]Range, error) {
	reader := bufio.NewReader(r)
	result := make([]Range, 0)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if line = strings.TrimRight(line, "\n"); line != "" {
			rng, perr := parseLine(line)
			if perr != nil {
				return nil, perr
			}
			result = append(result, rng)
		}
		if err == io.EOF {
			break
		}
	}
	return result, nil
}

// parseLine splits one maps line. The first five columns are separated by
// a single space; the path column is padded and may itself contain spaces.
func parseLine(line string) (Range, error) {
	splits := strings.SplitN(line, " ", 6)
	if len(splits) < 5 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, line)
	}
	rangeSplit := strings.Split(splits[0], "-")
	if len(rangeSplit) != 2 {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, line)
	}
	start, err := strconv.ParseUint(rangeSplit[0], 16, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: start: %v", ErrInvalidRange, err)
	}
	end, err := strconv.ParseUint(rangeSplit[1], 16, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: end: %v", ErrInvalidRange, err)
	}
	if end < start {
		return Range{}, fmt.Errorf("%w: end before start: %q", ErrInvalidRange, line)
	}
	offset, err := strconv.ParseUint(splits[2], 16, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: offset: %v", ErrInvalidRange, err)
	}
	inode, err := strconv.ParseUint(splits[4], 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: inode: %v", ErrInvalidRange, err)
	}
	filename := ""
	if len(splits) == 6 {
		filename = strings.TrimLeft(splits[5], " ")
	}
	return Range{
		Start: start, End: end, Perm: splits[1],
		Offset: offset, Dev: splits[3],
		Inode: inode, Filename: filename,
	}, nil
}
