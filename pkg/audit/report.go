package audit

import (
	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// Report is the outcome of one run: every audited dependency with its
// surviving findings, the dependencies that could not be audited, and the
// remediation plans computed afterwards.
type Report struct {
	Results []types.Result     `json:"results"`
	Skipped []types.Dependency `json:"skipped,omitempty"`
	Plans   []types.FixPlan    `json:"plans,omitempty"`
}

// Vulnerable returns the results that still carry findings.
func (r *Report) Vulnerable() []types.Result {
	var out []types.Result
	for _, res := range r.Results {
		if len(res.Vulnerabilities) > 0 {
			out = append(out, res)
		}
	}
	return out
}

// VulnerabilityCount is the total number of findings across all results.
func (r *Report) VulnerabilityCount() int {
	var n int
	for _, res := range r.Results {
		n += len(res.Vulnerabilities)
	}
	return n
}

// Unresolved reports whether findings remain after fixing: any vulnerable
// dependency without an applied plan keeps the run red.
func (r *Report) Unresolved() bool {
	applied := set.New[string]()
	for _, plan := range r.Plans {
		if plan.Status == types.FixApplied {
			applied.Append(identity(plan.Dependency))
		}
	}
	for _, res := range r.Results {
		if len(res.Vulnerabilities) == 0 {
			continue
		}
		if !applied.Contains(identity(res.Dependency)) {
			return true
		}
	}
	return false
}
