package esms

import "time"

// Advisory is one record from the ecosyste.ms advisories API.
// https://advisories.ecosyste.ms/docs
type Advisory struct {
	UUID        string     `json:"uuid"`
	Identifiers []string   `json:"identifiers"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    string     `json:"severity"`
	WithdrawnAt *time.Time `json:"withdrawn_at"`
	Packages    []Package  `json:"packages"`
}

type Package struct {
	Ecosystem   string         `json:"ecosystem"`
	PackageName string         `json:"package_name"`
	Versions    []VersionRange `json:"versions"`
}

// VersionRange pairs an OSV-style comparator list with the version that
// first ships the fix for that range.
type VersionRange struct {
	VulnerableVersionRange string `json:"vulnerable_version_range"`
	FirstPatchedVersion    string `json:"first_patched_version"`
}
