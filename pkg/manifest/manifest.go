// Package manifest reads and rewrites the dependency declarations an audit
// runs against: pinned requirements files and pre-resolved JSON documents.
package manifest

import (
	"sort"

	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// Read builds the audit batch from the configured inputs: every
// requirements file in order, then the resolved document. Duplicate
// identities collapse with the first occurrence winning, and the batch
// comes back sorted so downstream ordering never depends on input order.
func Read(requirements []string, resolved string) ([]types.Dependency, error) {
	var deps []types.Dependency
	if len(requirements) > 0 {
		parsed, err := ReadRequirements(requirements...)
		if err != nil {
			return nil, err
		}
		deps = append(deps, parsed...)
	}
	if resolved != "" {
		parsed, err := ReadResolved(resolved)
		if err != nil {
			return nil, err
		}
		deps = append(deps, parsed...)
	}

	seen := set.New[string]()
	batch := make([]types.Dependency, 0, len(deps))
	for _, dep := range deps {
		id := dep.Canonical() + "==" + dep.Version
		if seen.Contains(id) {
			continue
		}
		seen.Append(id)
		batch = append(batch, dep)
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].Less(batch[j])
	})
	return batch, nil
}
