package types

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/aquasecurity/pypi-audit/pkg/utils"
)

// Dependency is a single resolved package in the audited set. It is produced
// once per run by a dependency source and never mutated afterwards.
// Identity is (canonical name, version).
type Dependency struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Direct  bool     `json:"direct"`
	Hashes  []string `json:"hashes,omitempty"`

	// SkipReason marks a dependency that could not be audited.
	// A non-empty reason keeps the dependency out of adapter queries.
	SkipReason string `json:"skip_reason,omitempty"`
}

// Canonical returns the PEP 503 normalized package name used for
// provider queries and identity comparisons.
func (d Dependency) Canonical() string {
	return utils.NormalizePkgName(d.Name)
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Version)
}

// Skipped reports whether the dependency carries a skip reason.
func (d Dependency) Skipped() bool {
	return d.SkipReason != ""
}

// Less orders dependencies by identity. It is the ordering of every
// user-visible result list.
func (d Dependency) Less(other Dependency) bool {
	if dn, on := d.Canonical(), other.Canonical(); dn != on {
		return dn < on
	}
	return d.Version < other.Version
}

// Vulnerability is one advisory matched against a dependency version.
// Adapters emit them, the aggregator merges them, everything downstream
// consumes the merged form. FixedVersions is kept in ascending PEP 440
// order and never contains duplicates.
type Vulnerability struct {
	ID            string   `json:"id"`
	Aliases       []string `json:"aliases,omitempty"`
	Description   string   `json:"description,omitempty"`
	FixedVersions []string `json:"fixed_versions,omitempty"`
	Source        string   `json:"source,omitempty"`
}

// AllIDs returns the canonical ID followed by all aliases.
func (v Vulnerability) AllIDs() []string {
	return append([]string{v.ID}, v.Aliases...)
}

// HasID reports whether id is the canonical ID or any alias.
func (v Vulnerability) HasID(id string) bool {
	return v.ID == id || slices.Contains(v.Aliases, id)
}

// Result is the audit outcome for one dependency: its deduplicated,
// filtered vulnerabilities, possibly none.
type Result struct {
	Dependency      Dependency      `json:"dependency"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
}

// FixPlan is the remediation decision for one dependency. TargetVersion is
// empty when no fix exists. Synthesize marks transitive dependencies whose
// plan needs a new explicit pin instead of an in-place edit.
type FixPlan struct {
	Dependency    Dependency `json:"dependency"`
	TargetVersion string     `json:"target_version,omitempty"`
	Status        FixStatus  `json:"status"`
	Resolves      []string   `json:"resolves,omitempty"`
	Synthesize    bool       `json:"synthesize,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// SkipError marks a dependency query that resolved to "skipped" rather than
// success or failure. Adapters return it for conditions like a package
// missing from the provider; the orchestrator records the reason.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return e.Reason
}

// NewSkipError builds a SkipError with a formatted reason.
func NewSkipError(format string, args ...any) *SkipError {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// SkipReason extracts the reason when err resolves to a SkipError.
func SkipReason(err error) (string, bool) {
	var se *SkipError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// SortVersions returns vs deduplicated and in ascending PEP 440 order.
// Strings that do not parse as PEP 440 sort after every valid version,
// lexicographically, so malformed provider data stays visible but harmless.
func SortVersions(vs []string) []string {
	uniq := make([]string, 0, len(vs))
	seen := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		uniq = append(uniq, v)
	}

	sort.Slice(uniq, func(i, j int) bool {
		vi, erri := pep440.Parse(uniq[i])
		vj, errj := pep440.Parse(uniq[j])
		switch {
		case erri == nil && errj == nil:
			if vi.Equal(vj) {
				return uniq[i] < uniq[j]
			}
			return vi.LessThan(vj)
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return uniq[i] < uniq[j]
		}
	})
	return uniq
}
