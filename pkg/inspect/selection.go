package inspect

import (
	"github.com/monsterxx03/memreader/pkg/procmaps"
)

// NoPID marks an empty Selection.
const NoPID = -1

type View int

const (
	MemoryMapView View = iota
	StackTraceView
)

func (v View) String() string {
	switch v {
	case MemoryMapView:
		return "Memory"
	case StackTraceView:
		return "Stack"
	}
	return "Unknown"
}

// Result holds the output of one pass. At most one of Maps and Stacks is set.
type Result struct {
	View   View
	Maps   procmaps.AggregatedMap
	Stacks []ThreadStack
}

// Selection is the process chosen in a front end and the message of its
// last failed pass.
type Selection struct {
	PID     int
	Message string
}

func NewSelection() *Selection {
	return &Selection{PID: NoPID}
}

// Select chooses pid and clears the previous message.
func (s *Selection) Select(pid int) {
	s.PID = pid
	s.Message = ""
}

func (s *Selection) Clear() {
	s.Select(NoPID)
}

func (s *Selection) Selected() bool {
	return s.PID != NoPID
}

// Refresh runs a fresh pass of v for the selected process. On failure the
// result is empty and Message describes the error.
func (s *Selection) Refresh(in *Inspector, v View) Result {
	res := Result{View: v}
	if !s.Selected() {
		s.Message = ""
		return res
	}
	var err error
	switch v {
	case MemoryMapView:
		res.Maps, err = in.MemoryView(s.PID)
	case StackTraceView:
		res.Stacks, err = in.StackView(s.PID)
	}
	s.Message = Message(err)
	return res
}
