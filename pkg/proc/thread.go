package proc

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

var threadStateStrings = map[string]string{
	"R": "Running",
	"S": "Sleeping",
	"D": "Disk sleep",
	"Z": "Zombie",
	"T": "Stopped",
	"t": "Tracing stop",
	"w": "Paging",
	"x": "Dead",
	"X": "Dead",
	"K": "Wakekill",
	"W": "Waking",
	"P": "Parked",
	"I": "Idle",
}

// ThreadSnapshot describes a thread as it was just before Lock stopped it.
type ThreadSnapshot struct {
	TID    int
	Active bool
	State  string
}

func (t ThreadSnapshot) StateName() string {
	if s, ok := threadStateStrings[t.State]; ok {
		return s
	}
	return t.State
}

// listThreads reads the tasks of pid ordered by tid, so the main thread
// comes first.
// Threads that exit while being listed are left out.
func listThreads(fs procfs.FS, pid int) ([]ThreadSnapshot, error) {
	tasks, err := fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	sort.Sort(tasks)
	ts := make([]ThreadSnapshot, 0, len(tasks))
	for _, task := range tasks {
		stat, err := task.Stat()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		ts = append(ts, ThreadSnapshot{TID: task.PID, Active: stat.State == "R", State: stat.State})
	}
	return ts, nil
}

// processState returns the state letter of the main thread of pid.
func processState(fs procfs.FS, pid int) (string, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return "", err
	}
	stat, err := p.Stat()
	if err != nil {
		return "", err
	}
	return stat.State, nil
}

// tracerPid returns the TracerPid field of /proc/<pid>/status, which
// procfs.ProcStatus does not parse.
func tracerPid(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, nil
}
