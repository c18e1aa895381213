// Package dirstate holds the working-directory state record: which files
// are tracked, added, removed or merged relative to the checked-out parent.
package dirstate

import (
	"fmt"
	"maps"
	"sort"
)

type Status byte

const (
	StatusNormal  Status = 'n'
	StatusAdded   Status = 'a'
	StatusRemoved Status = 'r'
	StatusMerged  Status = 'm'
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusAdded:
		return "added"
	case StatusRemoved:
		return "removed"
	case StatusMerged:
		return "merged"
	}
	return fmt.Sprintf("unknown(%q)", byte(s))
}

// Entry is the recorded state of one path.
type Entry struct {
	Status Status `json:"status"`
	Mode   uint32 `json:"mode"`
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"` // unix seconds, -1 forces a content check
}

// State is a full dirstate snapshot.
type State struct {
	Parents [2]string         `json:"parents"`
	Entries map[string]Entry  `json:"entries"`
	Copies  map[string]string `json:"copies,omitempty"` // dst -> src
}

func New() *State {
	return &State{
		Entries: make(map[string]Entry),
		Copies:  make(map[string]string),
	}
}

func (s *State) SetParents(p1, p2 string) {
	s.Parents = [2]string{p1, p2}
}

func (s *State) Get(path string) (Entry, bool) {
	e, ok := s.Entries[path]
	return e, ok
}

// Add marks path as added. Re-adding a removed file restores it to normal
// with a forced content check.
func (s *State) Add(path string, mode uint32, size int64) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if e, ok := s.Entries[path]; ok {
		if e.Status != StatusRemoved {
			return fmt.Errorf("%s already tracked", path)
		}
		s.Entries[path] = Entry{Status: StatusNormal, Mode: mode, Size: size, MTime: -1}
		return nil
	}
	s.Entries[path] = Entry{Status: StatusAdded, Mode: mode, Size: size, MTime: -1}
	return nil
}

// Remove marks a tracked path as removed. Removing an added file simply
// forgets it.
func (s *State) Remove(path string) error {
	e, ok := s.Entries[path]
	if !ok {
		return fmt.Errorf("%s not tracked", path)
	}
	s.dropCopies(path)
	if e.Status == StatusAdded {
		delete(s.Entries, path)
		return nil
	}
	s.Entries[path] = Entry{Status: StatusRemoved}
	return nil
}

// Normal records path as clean with the given stat data.
func (s *State) Normal(path string, mode uint32, size, mtime int64) {
	s.Entries[path] = Entry{Status: StatusNormal, Mode: mode, Size: size, MTime: mtime}
	delete(s.Copies, path)
}

// Drop stops tracking path without recording a removal.
func (s *State) Drop(path string) bool {
	if _, ok := s.Entries[path]; !ok {
		return false
	}
	delete(s.Entries, path)
	s.dropCopies(path)
	return true
}

// dropCopies forgets copy records to or from path.
func (s *State) dropCopies(path string) {
	delete(s.Copies, path)
	for dst, src := range s.Copies {
		if src == path {
			delete(s.Copies, dst)
		}
	}
}

// Copy records dst as copied from src.
func (s *State) Copy(src, dst string) error {
	if _, ok := s.Entries[dst]; !ok {
		return fmt.Errorf("%s not tracked", dst)
	}
	s.Copies[dst] = src
	return nil
}

// Paths returns the tracked paths in sorted order.
func (s *State) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Counts tallies entries by status.
func (s *State) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, e := range s.Entries {
		counts[e.Status]++
	}
	return counts
}

func (s *State) Clone() *State {
	c := &State{
		Parents: s.Parents,
		Entries: maps.Clone(s.Entries),
		Copies:  maps.Clone(s.Copies),
	}
	if c.Entries == nil {
		c.Entries = make(map[string]Entry)
	}
	if c.Copies == nil {
		c.Copies = make(map[string]string)
	}
	return c
}

func (s *State) Equal(other *State) bool {
	if other == nil {
		return false
	}
	return s.Parents == other.Parents &&
		maps.Equal(s.Entries, other.Entries) &&
		maps.Equal(s.Copies, other.Copies)
}
