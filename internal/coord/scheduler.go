package coord

import (
	"fmt"
	"sort"
	"sync"
)

// Scheduler maintains the acyclic dependency graph over cycle ids and
// yields the ready set: non-terminal nodes whose prerequisites have all
// completed. Safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	// deps maps cycle id → set of prerequisite cycle ids.
	deps map[string]map[string]struct{}
	// dependents is the reverse adjacency, for re-evaluation on completion.
	dependents map[string]map[string]struct{}
	// done holds ids that reached COMPLETED.
	done map[string]struct{}
	// terminal holds ids that will never run again (completed or aborted).
	terminal map[string]struct{}
}

// NewScheduler creates an empty dependency graph.
func NewScheduler() *Scheduler {
	return &Scheduler{
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
		done:       make(map[string]struct{}),
		terminal:   make(map[string]struct{}),
	}
}

// Add registers a cycle id with no dependencies. Idempotent.
func (s *Scheduler) Add(cycleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(cycleID)
}

func (s *Scheduler) addLocked(cycleID string) {
	if _, ok := s.deps[cycleID]; !ok {
		s.deps[cycleID] = make(map[string]struct{})
	}
	if _, ok := s.dependents[cycleID]; !ok {
		s.dependents[cycleID] = make(map[string]struct{})
	}
}

// AddDependency records that cycleID must wait for dependsOn. The edge is
// rejected with ErrDependencyCycle if dependsOn is already reachable from
// cycleID through existing edges; the graph is unchanged in that case.
func (s *Scheduler) AddDependency(cycleID, dependsOn string) error {
	if cycleID == dependsOn {
		return fmt.Errorf("coord: %s depending on itself: %w", cycleID, ErrDependencyCycle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.addLocked(cycleID)
	s.addLocked(dependsOn)

	// Reachability check before insertion: can we already walk from
	// dependsOn back to cycleID? If so the new edge closes a cycle.
	if s.reachableLocked(dependsOn, cycleID) {
		return fmt.Errorf("coord: edge %s -> %s: %w", cycleID, dependsOn, ErrDependencyCycle)
	}

	s.deps[cycleID][dependsOn] = struct{}{}
	s.dependents[dependsOn][cycleID] = struct{}{}
	return nil
}

// reachableLocked walks dependency edges from start looking for target.
func (s *Scheduler) reachableLocked(start, target string) bool {
	stack := []string{start}
	visited := make(map[string]struct{})

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node == target {
			return true
		}
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}

		for dep := range s.deps[node] {
			stack = append(stack, dep)
		}
	}
	return false
}

// MarkCompleted records a cycle as done, unblocking its dependents.
func (s *Scheduler) MarkCompleted(cycleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[cycleID] = struct{}{}
	s.terminal[cycleID] = struct{}{}
}

// MarkAborted records a cycle as terminal without satisfying its
// dependents: cycles depending on an aborted prerequisite stay blocked
// until the story is explicitly re-submitted.
func (s *Scheduler) MarkAborted(cycleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal[cycleID] = struct{}{}
}

// Remove deletes a cycle and its edges, used when a story is re-submitted
// after an abort.
func (s *Scheduler) Remove(cycleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dep := range s.deps[cycleID] {
		delete(s.dependents[dep], cycleID)
	}
	for dependent := range s.dependents[cycleID] {
		delete(s.deps[dependent], cycleID)
	}
	delete(s.deps, cycleID)
	delete(s.dependents, cycleID)
	delete(s.done, cycleID)
	delete(s.terminal, cycleID)
}

// Schedulable returns the ready set: non-terminal cycles whose every
// prerequisite has completed, sorted for deterministic iteration.
func (s *Scheduler) Schedulable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, deps := range s.deps {
		if _, t := s.terminal[id]; t {
			continue
		}

		ready := true
		for dep := range deps {
			if _, ok := s.done[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}

	sort.Strings(out)
	return out
}

// Blocked reports whether a cycle has at least one uncompleted
// prerequisite, along with those prerequisites.
func (s *Scheduler) Blocked(cycleID string) (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var waiting []string
	for dep := range s.deps[cycleID] {
		if _, ok := s.done[dep]; !ok {
			waiting = append(waiting, dep)
		}
	}

	sort.Strings(waiting)
	return len(waiting) > 0, waiting
}

// Dependents returns the cycles that list cycleID as a prerequisite.
func (s *Scheduler) Dependents(cycleID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id := range s.dependents[cycleID] {
		out = append(out, id)
	}

	sort.Strings(out)
	return out
}
