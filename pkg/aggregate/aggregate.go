package aggregate

import (
	"sort"
	"strings"

	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// Aggregator merges the per-service findings for one dependency into
// deduplicated vulnerabilities. Services disagree on identifiers: the same
// defect can arrive as a PYSEC record from one service and a GHSA record
// from another, tied together only through aliases. Findings are joined
// transitively on any shared identifier.
type Aggregator struct {
	priority []string
}

type Option func(*Aggregator)

// WithPriority overrides the identifier scheme ranking used for canonical
// id election.
func WithPriority(priority []string) Option {
	return func(a *Aggregator) {
		if len(priority) > 0 {
			a.priority = priority
		}
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		priority: DefaultPriority,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Merge collapses vulns into one vulnerability per equivalence class and
// returns the classes sorted by canonical id. Two findings belong to the
// same class when any identifier, canonical or alias, appears in both,
// including transitively through a third finding.
func (a *Aggregator) Merge(vulns []types.Vulnerability) []types.Vulnerability {
	if len(vulns) == 0 {
		return nil
	}

	uf := newUnionFind(len(vulns))
	owner := make(map[string]int, len(vulns))
	for i, v := range vulns {
		for _, id := range v.AllIDs() {
			if id == "" {
				continue
			}
			if j, ok := owner[id]; ok {
				uf.union(j, i)
			} else {
				owner[id] = i
			}
		}
	}

	classes := make(map[int][]int)
	for i := range vulns {
		root := uf.find(i)
		classes[root] = append(classes[root], i)
	}

	merged := make([]types.Vulnerability, 0, len(classes))
	for _, members := range classes {
		merged = append(merged, a.merge(vulns, members))
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// merge folds one equivalence class into a single vulnerability. Members
// arrive in input order.
func (a *Aggregator) merge(vulns []types.Vulnerability, members []int) types.Vulnerability {
	ids := set.NewOrdered[string]()
	sources := set.NewOrdered[string]()
	var fixed []string

	for _, i := range members {
		v := vulns[i]
		for _, id := range v.AllIDs() {
			if id != "" {
				ids.Append(id)
			}
		}
		fixed = append(fixed, v.FixedVersions...)
		if v.Source != "" {
			sources.Append(v.Source)
		}
	}

	canonical := electID(ids.Values(), a.priority)
	ids.Remove(canonical)

	out := types.Vulnerability{
		ID:          canonical,
		Description: a.description(vulns, members),
		Source:      strings.Join(sources.Values(), ", "),
	}
	if ids.Len() > 0 {
		out.Aliases = ids.Values()
	}
	if len(fixed) > 0 {
		out.FixedVersions = types.SortVersions(fixed)
	}
	return out
}

// description returns the first non-empty description, preferring members
// whose own canonical id ranks best, then input order.
func (a *Aggregator) description(vulns []types.Vulnerability, members []int) string {
	ordered := make([]int, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(x, y int) bool {
		return rank(vulns[ordered[x]].ID, a.priority) < rank(vulns[ordered[y]].ID, a.priority)
	})
	for _, i := range ordered {
		if vulns[i].Description != "" {
			return vulns[i].Description
		}
	}
	return ""
}

// unionFind is a plain disjoint-set over run-local finding indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
