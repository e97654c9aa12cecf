package pypi

import "time"

// Project is the JSON API document for a single release.
// https://docs.pypi.org/api/json/
type Project struct {
	Info            Info          `json:"info"`
	URLs            []ReleaseFile `json:"urls"`
	Vulnerabilities []Advisory    `json:"vulnerabilities"`
}

type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ReleaseFile is one distribution of the release, with its published digests.
type ReleaseFile struct {
	Filename string            `json:"filename"`
	Digests  map[string]string `json:"digests"`
}

// Advisory is one vulnerability record attached to the release.
type Advisory struct {
	ID        string     `json:"id"`
	Aliases   []string   `json:"aliases"`
	Summary   string     `json:"summary"`
	Details   string     `json:"details"`
	FixedIn   []string   `json:"fixed_in"`
	Link      string     `json:"link"`
	Withdrawn *time.Time `json:"withdrawn"`
}
