// Package process lists the processes visible in /proc, for picking a
// target to inspect.
package process

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Process is one entry of the host process table.
type Process struct {
	Pid     int
	Name    string
	Cmdline string
}

func (p Process) String() string {
	return fmt.Sprintf("%d %s", p.Pid, p.Name)
}

// Match reports whether filter occurs in the pid, name or command line,
// ignoring case.
func (p Process) Match(filter string) bool {
	if filter == "" {
		return true
	}
	filter = strings.ToLower(filter)
	return strings.Contains(strconv.Itoa(p.Pid), filter) ||
		strings.Contains(strings.ToLower(p.Name), filter) ||
		strings.Contains(strings.ToLower(p.Cmdline), filter)
}

// List returns the processes under /proc sorted by pid. Processes that exit
// while being read are skipped.
func List() ([]Process, error) {
	return list(procfs.DefaultMountPoint)
}

func list(root string) ([]Process, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}
	sort.Sort(procs)
	ps := make([]Process, 0, len(procs))
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		p := Process{Pid: proc.PID, Name: comm}
		// kernel threads have an empty cmdline
		if args, err := proc.CmdLine(); err == nil {
			p.Cmdline = strings.Join(args, " ")
		}
		ps = append(ps, p)
	}
	return ps, nil
}
