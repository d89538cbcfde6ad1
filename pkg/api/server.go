package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/monsterxx03/memreader/pkg/inspect"
)

// Server exposes inspection passes over HTTP as JSON.
type Server struct {
	port      int
	inspector *inspect.Inspector
	mux       *http.ServeMux
	// a process can only be ptrace-stopped by one pass at a time
	mu sync.Mutex
}

func NewServer(port int, in *inspect.Inspector) *Server {
	s := &Server{
		port:      port,
		inspector: in,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("/maps", s.handleMaps)
	s.mux.HandleFunc("/stacks", s.handleStacks)
	return s
}

func (s *Server) Start() error {
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.mux)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type mapEntry struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
}

type mapsResponse struct {
	PID   int                   `json:"pid"`
	Files map[string][]mapEntry `json:"files"`
}

type stacksResponse struct {
	PID     int                   `json:"pid"`
	Threads []inspect.ThreadStack `json:"threads"`
}

func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.inspector.MemoryView(pid)
	if err != nil {
		http.Error(w, inspect.Message(err), http.StatusInternalServerError)
		return
	}

	resp := mapsResponse{PID: pid, Files: make(map[string][]mapEntry, len(m))}
	for _, path := range m.Paths() {
		for _, start := range m.Starts(path) {
			resp.Files[path] = append(resp.Files[path], mapEntry{Start: start, Size: m[path][start]})
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	pid, err := getPID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	stacks, err := s.inspector.StackView(pid)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, inspect.Message(err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, stacksResponse{PID: pid, Threads: stacks})
}

func getPID(r *http.Request) (int, error) {
	pidStr := r.URL.Query().Get("pid")
	if pidStr == "" {
		return 0, fmt.Errorf("pid parameter is required")
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", pidStr)
	}
	return pid, nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
	}
}
