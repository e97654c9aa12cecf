package manifest

import (
	"encoding/json"
	"os"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/types"
)

type resolvedDoc struct {
	Dependencies []types.Dependency `json:"dependencies"`
}

// ReadResolved loads a pre-resolved dependency set produced by an external
// resolver. Entries carrying a skip reason pass through unaudited, so the
// resolver can hand over editable or local packages it could not pin.
func ReadResolved(path string) ([]types.Dependency, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read resolved dependencies: %w", err)
	}

	var doc resolvedDoc
	if err = json.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Errorf("failed to parse resolved dependencies: %w", err)
	}

	for i, dep := range doc.Dependencies {
		if dep.Name == "" {
			return nil, xerrors.Errorf("%s: dependency %d has no name", path, i)
		}
		if dep.Version == "" && !dep.Skipped() {
			return nil, xerrors.Errorf("%s: %q has no version", path, dep.Name)
		}
	}
	return doc.Dependencies, nil
}
