// Package directory provides the organizational lookup used by approval
// decisions: who exists, their role level, and who they report to.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Role levels, higher outranks lower. Level 3 and above may approve
// sensitive changes by default.
const (
	LevelStaff      = 1
	LevelHREmployee = 2
	LevelHRManager  = 3
	LevelAdmin      = 4
)

// Role is a named rank in the organization.
type Role struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Employee is a directory entry. ManagerID is zero for employees at the top
// of their reporting chain.
type Employee struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	ManagerID int64  `json:"manager_id,omitempty"`
}

// Directory resolves employees and role holders.
type Directory interface {
	// Lookup returns the employee with the given id.
	Lookup(id int64) (Employee, bool)

	// ListByMinLevel returns employees whose role level is at least level,
	// ordered by ascending id.
	ListByMinLevel(level int) []Employee
}

// InMemory is a Directory backed by a fixed set of entries.
type InMemory struct {
	mu      sync.RWMutex
	entries map[int64]Employee
}

// NewInMemory builds a directory from entries. Duplicate ids are rejected.
func NewInMemory(entries []Employee) (*InMemory, error) {
	byID := make(map[int64]Employee, len(entries))
	for _, e := range entries {
		if e.ID <= 0 {
			return nil, fmt.Errorf("directory entry %q: id is required", e.Name)
		}
		if _, exists := byID[e.ID]; exists {
			return nil, fmt.Errorf("directory entry %d: duplicate id", e.ID)
		}
		if strings.TrimSpace(e.Role.Name) == "" || e.Role.Level <= 0 {
			return nil, fmt.Errorf("directory entry %d: role is required", e.ID)
		}
		byID[e.ID] = e
	}
	return &InMemory{entries: byID}, nil
}

// Lookup returns the employee with the given id.
func (d *InMemory) Lookup(id int64) (Employee, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// ListByMinLevel returns employees at or above level, ordered by id.
func (d *InMemory) ListByMinLevel(level int) []Employee {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Employee
	for _, e := range d.entries {
		if e.Role.Level >= level {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadFile reads a directory fixture from a JSON file holding an array of
// employee entries.
func LoadFile(path string) (*InMemory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}

	var entries []Employee
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}

	return NewInMemory(entries)
}
