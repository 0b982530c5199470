package coord

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies an incompatibility between two cycles.
type ConflictType string

// Conflict types. Semantic conflicts have no static detection signal; they
// are raised only by the workspace observer and always resolved manually.
const (
	ConflictResourceOverlap    ConflictType = "resource-overlap"
	ConflictTestCollision      ConflictType = "test-collision"
	ConflictDependencyUnmet    ConflictType = "dependency-unmet"
	ConflictResourceContention ConflictType = "resource-contention"
	ConflictSemantic           ConflictType = "semantic"
)

// Severity orders conflicts from advisory to blocking.
type Severity int

// Severity ladder.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Conflict is a detected or predicted incompatibility between cycles. It is
// created by the Detector, consumed by the Resolver, and retained in the
// store for audit after resolution, surviving archival of the cycles it
// names.
type Conflict struct {
	ID         string
	Type       ConflictType
	Severity   Severity
	Cycles     []string // involved cycle ids, detection order
	Resources  []string // sorted
	DetectedAt time.Time

	// Resolution fields, populated by the resolver.
	Strategy   Strategy
	ResolvedAt time.Time
	Outcome    string
}

// CanAutoResolve reports whether the resolver may act without a human:
// only low and medium severities qualify.
func (c *Conflict) CanAutoResolve() bool {
	return c.Severity <= SeverityMedium
}

// cycleView is the slice of cycle state the detector needs: identity,
// declared resources, and dependency progress. The coordinator builds these
// snapshots so detection never touches live cycle state.
type cycleView struct {
	ID        string
	Resources ResourceSet
	DependsOn []string
	Started   bool
}

// Detector performs static pairwise conflict analysis and exposes a
// restartable runtime stream of contention conflicts observed from actual
// lock waits. Classification is deterministic: identical inputs always
// produce the same types, severities, and resource lists.
type Detector struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	runtime chan Conflict

	// completed reports whether a cycle id has reached COMPLETED, for
	// dependency-unmet classification. Injected by the coordinator.
	completed func(cycleID string) bool
}

// runtimeBuffer bounds the in-flight runtime conflict stream. The
// coordinator drains it every tick; overflow falls back to synchronous drop
// with a warning rather than blocking a lock release path.
const runtimeBuffer = 256

// NewDetector creates a detector. completed may be nil, in which case every
// dependency is treated as unmet.
func NewDetector(completed func(cycleID string) bool, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		logger:    logger,
		now:       time.Now,
		runtime:   make(chan Conflict, runtimeBuffer),
		completed: completed,
	}
}

// DetectStatic analyzes two cycles' declared footprints and returns every
// conflict between them, ordered resource-overlap, test-collision,
// dependency-unmet.
func (d *Detector) DetectStatic(a, b cycleView) []Conflict {
	var out []Conflict

	if c, ok := d.resourceOverlap(a, b); ok {
		out = append(out, c)
	}
	if c, ok := d.testCollision(a, b); ok {
		out = append(out, c)
	}
	out = append(out, d.unmetDependencies(a, b)...)

	return out
}

// resourceOverlap reports a conflict when the cycles' footprints intersect
// and at least one side writes the shared resources. Severity: low when a
// single file overlaps with only one writer, medium as soon as both sides
// hold write intent.
func (d *Detector) resourceOverlap(a, b cycleView) (Conflict, bool) {
	shared := intersect(a.Resources.All(), b.Resources.All())
	if len(shared) == 0 {
		return Conflict{}, false
	}

	aWrites := intersect(a.Resources.Mutates, shared)
	bWrites := intersect(b.Resources.Mutates, shared)
	if len(aWrites) == 0 && len(bWrites) == 0 {
		// Read-read overlap is not a conflict.
		return Conflict{}, false
	}

	severity := SeverityLow
	if len(intersect(aWrites, bWrites)) > 0 || (len(aWrites) > 0 && len(bWrites) > 0) {
		severity = SeverityMedium
	}

	return d.newConflict(ConflictResourceOverlap, severity, []string{a.ID, b.ID}, shared), true
}

// testCollision fires when both cycles touch the same test files. Always
// high severity: interleaved edits to a shared test break the tests-first
// ordering for whichever cycle commits second.
func (d *Detector) testCollision(a, b cycleView) (Conflict, bool) {
	shared := intersect(a.Resources.Tests, b.Resources.Tests)
	if len(shared) == 0 {
		return Conflict{}, false
	}

	return d.newConflict(ConflictTestCollision, SeverityHigh, []string{a.ID, b.ID}, shared), true
}

// unmetDependencies reports a dependency-unmet conflict for each edge from
// a onto b (or b onto a) whose prerequisite has not completed. An edge onto
// a cycle that has not even started is critical; onto a started one, high.
func (d *Detector) unmetDependencies(a, b cycleView) []Conflict {
	var out []Conflict

	check := func(from, on cycleView) {
		for _, dep := range from.DependsOn {
			if dep != on.ID {
				continue
			}
			if d.completed != nil && d.completed(on.ID) {
				continue
			}

			severity := SeverityHigh
			if !on.Started {
				severity = SeverityCritical
			}
			out = append(out, d.newConflict(ConflictDependencyUnmet, severity, []string{from.ID, on.ID}, nil))
		}
	}

	check(a, b)
	check(b, a)
	return out
}

// ObserveContention is the lock manager's wait hook. Each observed wait
// becomes a resource-contention conflict on the runtime stream.
func (d *Detector) ObserveContention(waiter, holder, resource string) {
	c := d.newConflict(ConflictResourceContention, SeverityLow, []string{waiter, holder}, []string{resource})

	d.mu.Lock()
	ch := d.runtime
	d.mu.Unlock()

	select {
	case ch <- c:
	default:
		d.logger.Warn("runtime conflict stream full, dropping",
			slog.String("resource", resource),
			slog.String("waiter", waiter),
		)
	}
}

// Runtime returns the stream of contention conflicts. The coordinator's
// event loop consumes it; it is never polled.
func (d *Detector) Runtime() <-chan Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runtime
}

// RestartRuntime discards any undelivered runtime conflicts and installs a
// fresh stream, for restart after a coordinator recovery.
func (d *Detector) RestartRuntime() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtime = make(chan Conflict, runtimeBuffer)
}

func (d *Detector) newConflict(ct ConflictType, sev Severity, cycles, resources []string) Conflict {
	sorted := make([]string, len(resources))
	copy(sorted, resources)
	sort.Strings(sorted)

	return Conflict{
		ID:         uuid.NewString(),
		Type:       ct,
		Severity:   sev,
		Cycles:     cycles,
		Resources:  sorted,
		DetectedAt: d.now(),
	}
}

// newConflictID mints a conflict identity outside the detector, for
// sources like the workspace observer.
func newConflictID() string { return uuid.NewString() }

// intersect returns the sorted set intersection of two string slices.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, s := range b {
		if _, ok := set[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	sort.Strings(out)
	return out
}
