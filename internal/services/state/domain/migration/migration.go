// Package migration upgrades persisted payloads between schema versions.
//
// Migrations are registered as directed edges between versions. A payload
// moves along the shortest registered path; when several shortest paths
// exist a ConflictResolver must pick one, and Validate surfaces any
// ambiguity or missing path before the engine serves traffic.
package migration

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
)

// maxCandidatePaths bounds shortest-path enumeration for pathological graphs.
const maxCandidatePaths = 64

// Func transforms a payload from one schema version to the next.
type Func func(payload []byte) ([]byte, error)

// ConflictResolver picks one path out of several equally short candidates.
// It returns false when it cannot decide.
type ConflictResolver func(from, to int, candidates [][]int) ([]int, bool)

// PreferLowestVersions resolves conflicts by taking the path whose version
// list sorts first.
func PreferLowestVersions(_, _ int, candidates [][]int) ([]int, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if lessPath(candidate, best) {
			best = candidate
		}
	}
	return best, true
}

// Manager holds the registered migrations.
type Manager struct {
	mu       sync.RWMutex
	edges    map[int]map[int]Func
	latest   int
	resolver ConflictResolver
	resolved map[[2]int][]int
}

// NewManager creates a manager whose current schema version is latest.
func NewManager(latest int, resolver ConflictResolver) *Manager {
	return &Manager{
		edges:    make(map[int]map[int]Func),
		latest:   latest,
		resolver: resolver,
		resolved: make(map[[2]int][]int),
	}
}

// Latest returns the current schema version.
func (m *Manager) Latest() int {
	if m == nil {
		return 0
	}
	return m.latest
}

// Register adds a migration from one version to another. Registering the
// same edge twice is an error.
func (m *Manager) Register(from, to int, fn Func) error {
	if fn == nil {
		return fmt.Errorf("migration %d->%d: function is required", from, to)
	}
	if from == to {
		return fmt.Errorf("migration %d->%d: versions must differ", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := m.edges[from]
	if targets == nil {
		targets = make(map[int]Func)
		m.edges[from] = targets
	}
	if _, exists := targets[to]; exists {
		return fmt.Errorf("migration %d->%d already registered", from, to)
	}
	targets[to] = fn
	m.resolved = make(map[[2]int][]int)
	return nil
}

// Versions lists every version that appears in a registered migration, plus
// the latest version.
func (m *Manager) Versions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versionsLocked()
}

func (m *Manager) versionsLocked() []int {
	seen := map[int]struct{}{m.latest: {}}
	for from, targets := range m.edges {
		seen[from] = struct{}{}
		for to := range targets {
			seen[to] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for version := range seen {
		out = append(out, version)
	}
	sort.Ints(out)
	return out
}

// Validate checks that every known older version reaches the latest version
// along exactly one chosen path.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var problems []string
	for _, version := range m.versionsLocked() {
		if version >= m.latest {
			continue
		}
		if _, err := m.pathLocked(version, m.latest); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return apperrors.WithMetadata(apperrors.CodeMigrationConflict,
			"migration graph is not resolvable: "+strings.Join(problems, "; "),
			map[string]string{"latest": strconv.Itoa(m.latest)})
	}
	return nil
}

// Path returns the version sequence a payload follows from one version to
// another, both ends included.
func (m *Manager) Path(from, to int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, err := m.pathLocked(from, to)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), path...), nil
}

// Migrate moves payload from one version to another. On any failure the
// original payload is returned unchanged alongside the error.
func (m *Manager) Migrate(payload []byte, from, to int) ([]byte, error) {
	if from == to {
		return payload, nil
	}
	m.mu.Lock()
	path, err := m.pathLocked(from, to)
	if err != nil {
		m.mu.Unlock()
		return payload, err
	}
	steps := make([]Func, 0, len(path)-1)
	for i := 0; i+1 < len(path); i++ {
		steps = append(steps, m.edges[path[i]][path[i+1]])
	}
	m.mu.Unlock()

	current := append([]byte(nil), payload...)
	for i, step := range steps {
		next, err := step(current)
		if err != nil {
			return payload, apperrors.WrapWithMetadata(apperrors.CodeMigrationFailed,
				fmt.Sprintf("migrate %d->%d", path[i], path[i+1]),
				map[string]string{"from": strconv.Itoa(from), "to": strconv.Itoa(to)}, err)
		}
		current = next
	}
	return current, nil
}

func (m *Manager) pathLocked(from, to int) ([]int, error) {
	key := [2]int{from, to}
	if path, ok := m.resolved[key]; ok {
		return path, nil
	}
	if from == to {
		return []int{from}, nil
	}
	candidates := m.shortestPathsLocked(from, to)
	switch {
	case len(candidates) == 0:
		return nil, apperrors.WithMetadata(apperrors.CodeMigrationConflict,
			fmt.Sprintf("no migration path %d->%d", from, to),
			map[string]string{"from": strconv.Itoa(from), "to": strconv.Itoa(to)})
	case len(candidates) == 1:
		m.resolved[key] = candidates[0]
		return candidates[0], nil
	}
	if m.resolver == nil {
		return nil, apperrors.WithMetadata(apperrors.CodeMigrationConflict,
			fmt.Sprintf("ambiguous migration path %d->%d: %s", from, to, formatPaths(candidates)),
			map[string]string{"from": strconv.Itoa(from), "to": strconv.Itoa(to)})
	}
	chosen, ok := m.resolver(from, to, clonePaths(candidates))
	if !ok || !containsPath(candidates, chosen) {
		return nil, apperrors.WithMetadata(apperrors.CodeMigrationConflict,
			fmt.Sprintf("resolver could not choose migration path %d->%d: %s", from, to, formatPaths(candidates)),
			map[string]string{"from": strconv.Itoa(from), "to": strconv.Itoa(to)})
	}
	chosen = append([]int(nil), chosen...)
	m.resolved[key] = chosen
	return chosen, nil
}

// shortestPathsLocked runs a breadth-first search and returns every path of
// minimal length from one version to another.
func (m *Manager) shortestPathsLocked(from, to int) [][]int {
	depth := map[int]int{from: 0}
	parents := make(map[int][]int)
	frontier := []int{from}
	found := false
	for len(frontier) > 0 && !found {
		var next []int
		for _, version := range frontier {
			for _, target := range sortedTargets(m.edges[version]) {
				d, seen := depth[target]
				switch {
				case !seen:
					depth[target] = depth[version] + 1
					parents[target] = append(parents[target], version)
					next = append(next, target)
				case d == depth[version]+1:
					parents[target] = append(parents[target], version)
				}
				if target == to {
					found = true
				}
			}
		}
		frontier = next
	}
	if !found {
		return nil
	}

	var paths [][]int
	var walk func(version int, suffix []int)
	walk = func(version int, suffix []int) {
		if len(paths) >= maxCandidatePaths {
			return
		}
		suffix = append([]int{version}, suffix...)
		if version == from {
			paths = append(paths, suffix)
			return
		}
		for _, parent := range parents[version] {
			walk(parent, suffix)
		}
	}
	walk(to, nil)
	sort.Slice(paths, func(i, j int) bool { return lessPath(paths[i], paths[j]) })
	return paths
}

func sortedTargets(targets map[int]Func) []int {
	out := make([]int, 0, len(targets))
	for target := range targets {
		out = append(out, target)
	}
	sort.Ints(out)
	return out
}

func lessPath(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func containsPath(candidates [][]int, path []int) bool {
	for _, candidate := range candidates {
		if len(candidate) != len(path) {
			continue
		}
		match := true
		for i := range candidate {
			if candidate[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func clonePaths(paths [][]int) [][]int {
	out := make([][]int, 0, len(paths))
	for _, path := range paths {
		out = append(out, append([]int(nil), path...))
	}
	return out
}

func formatPaths(paths [][]int) string {
	parts := make([]string, 0, len(paths))
	for _, path := range paths {
		steps := make([]string, 0, len(path))
		for _, version := range path {
			steps = append(steps, strconv.Itoa(version))
		}
		parts = append(parts, strings.Join(steps, "->"))
	}
	return strings.Join(parts, ", ")
}
