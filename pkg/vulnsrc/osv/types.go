package osv

import "time"

// Entry is a single advisory in the OSV schema.
// https://ossf.github.io/osv-schema/
type Entry struct {
	ID         string      `json:"id,omitempty"`
	Modified   string      `json:"modified,omitempty"`
	Published  string      `json:"published,omitempty"`
	Withdrawn  *time.Time  `json:"withdrawn,omitempty"`
	Aliases    []string    `json:"aliases,omitempty"`
	Summary    string      `json:"summary,omitempty"`
	Details    string      `json:"details,omitempty"`
	Affected   []Affected  `json:"affected,omitempty"`
	References []Reference `json:"references,omitempty"`
}

type Affected struct {
	Package  *Package `json:"package,omitempty"`
	Ranges   []Range  `json:"ranges,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

type Package struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Range struct {
	Type   RangeType `json:"type,omitempty"`
	Repo   string    `json:"repo,omitempty"`
	Events []Event   `json:"events,omitempty"`
}

type RangeType string

const (
	RangeTypeGit       RangeType = "GIT"
	RangeTypeSemVer    RangeType = "SEMVER"
	RangeTypeEcosystem RangeType = "ECOSYSTEM"
)

type Event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

type Reference struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

type queryRequest struct {
	Package queryPackage `json:"package"`
	Version string       `json:"version"`
}

type queryPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}
