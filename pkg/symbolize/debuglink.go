package symbolize

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"os"
	"path/filepath"
)

// DefaultDebugInfoDirs are searched for separate debug files.
var DefaultDebugInfoDirs = []string{"/usr/lib/debug"}

const ntGNUBuildID = 3

// findDebugFile looks for the separate debug file of f, first by build id
// and then by .gnu_debuglink, the way gdb does. path and dirs are as the
// target sees them; every candidate is looked up under root.
func findDebugFile(f *elf.File, root, path string, dirs []string) string {
	if id := buildID(f); len(id) > 2 {
		for _, dir := range dirs {
			p := filepath.Join(root, dir, ".build-id", id[:2], id[2:]+".debug")
			if exists(p) {
				return p
			}
		}
	}
	name := debugLink(f)
	if name == "" {
		return ""
	}
	for _, p := range debugLinkCandidates(path, name, dirs) {
		if p == path {
			continue
		}
		if p = filepath.Join(root, p); exists(p) {
			return p
		}
	}
	return ""
}

// debugLinkCandidates lists where the debug file name of the binary at path
// may live.
func debugLinkCandidates(path, name string, dirs []string) []string {
	bindir := filepath.Dir(path)
	candidates := []string{
		filepath.Join(bindir, name),
		filepath.Join(bindir, ".debug", name),
	}
	for _, dir := range dirs {
		candidates = append(candidates, filepath.Join(dir, bindir, name))
	}
	return candidates
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// buildID returns the hex GNU build id note of f.
func buildID(f *elf.File) string {
	s := f.Section(".note.gnu.build-id")
	if s == nil {
		return ""
	}
	data, err := s.Data()
	if err != nil || len(data) < 16 {
		return ""
	}
	namesz := f.ByteOrder.Uint32(data[0:4])
	descsz := f.ByteOrder.Uint32(data[4:8])
	typ := f.ByteOrder.Uint32(data[8:12])
	if typ != ntGNUBuildID {
		return ""
	}
	start := 12 + align4(namesz)
	if uint64(start)+uint64(descsz) > uint64(len(data)) {
		return ""
	}
	return hex.EncodeToString(data[start : start+descsz])
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// debugLink returns the file name stored in .gnu_debuglink.
func debugLink(f *elf.File) string {
	s := f.Section(".gnu_debuglink")
	if s == nil {
		return ""
	}
	data, err := s.Data()
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}
