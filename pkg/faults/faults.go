// Package faults provides named fault injection points. Production code
// checks an Injector at each point; tests enable points to simulate
// crashes or I/O failures at exact places.
package faults

import (
	"errors"
	"fmt"
	"sync"
)

// Point names a place in the code where a fault can be injected.
type Point string

const (
	IndexFill              Point = "index.fill"
	IndexBeforeCommit      Point = "index.before-commit"
	MigrationAfterSnapshot Point = "migration.after-snapshot"
	ReplicationBeforeApply Point = "replication.before-apply"
	RecoveryBeforeDiscard  Point = "recovery.before-discard"
)

// ErrCrash simulates the process dying at a point. Code that sees it
// must stop without doing any cleanup a real crash would not do.
var ErrCrash = errors.New("simulated crash")

// Injector is checked at every Point.
type Injector interface {
	Check(p Point) error
}

// Nop never injects anything.
type Nop struct{}

// Check implements Injector.
func (Nop) Check(Point) error { return nil }

// OrNop returns inj, or Nop when inj is nil.
func OrNop(inj Injector) Injector {
	if inj == nil {
		return Nop{}
	}
	return inj
}

// Set is an Injector with individually enabled points.
type Set struct {
	mu      sync.Mutex
	enabled map[Point]error
	hits    map[Point]int
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		enabled: make(map[Point]error),
		hits:    make(map[Point]int),
	}
}

// Enable makes p return err.
func (s *Set) Enable(p Point, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[p] = err
}

// EnableCrash makes p return ErrCrash.
func (s *Set) EnableCrash(p Point) {
	s.Enable(p, ErrCrash)
}

// Disable turns p off.
func (s *Set) Disable(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enabled, p)
}

// Hits returns how often p was checked while enabled.
func (s *Set) Hits(p Point) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

// Check implements Injector.
func (s *Set) Check(p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.enabled[p]
	if !ok {
		return nil
	}
	s.hits[p]++
	return fmt.Errorf("fault at %s: %w", p, err)
}
