package fix

import (
	"context"
	"fmt"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"github.com/samber/lo"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

const defaultMaxSteps = 10

// QueryFunc audits one dependency at one version and returns the surviving
// vulnerabilities. The planner uses it to validate fix candidates with the
// same services, pool and cache as the main audit.
type QueryFunc func(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error)

// Planner turns a dependency's surviving vulnerabilities into an upgrade
// decision. The candidate version is the lowest version that clears every
// finding, and it is never trusted blindly: each candidate is re-audited,
// and when the candidate is itself vulnerable the planner walks forward
// until a clean version is found or the step budget runs out.
type Planner struct {
	query    QueryFunc
	maxSteps int
	logger   *log.Logger
}

type Option func(*Planner)

// WithMaxSteps bounds the upgrade walk. Zero or negative keeps the default.
func WithMaxSteps(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

func NewPlanner(query QueryFunc, opts ...Option) *Planner {
	p := &Planner{
		query:    query,
		maxSteps: defaultMaxSteps,
		logger:   log.WithPrefix("fix"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan computes the remediation for one dependency. The returned plan is
// Planned when a validated clean version exists, NoFixAvailable when some
// finding has no fix above the current version, and Skipped when validation
// failed or the walk exhausted its budget. Applying the plan is the caller's
// business: dry runs stop at Planned.
func (p *Planner) Plan(ctx context.Context, dep types.Dependency, vulns []types.Vulnerability) types.FixPlan {
	plan := types.FixPlan{
		Dependency: dep,
		Synthesize: !dep.Direct,
		Resolves: lo.Map(vulns, func(v types.Vulnerability, _ int) string {
			return v.ID
		}),
	}
	if len(vulns) == 0 {
		plan.Status = types.FixUnknown
		plan.Reason = "nothing to fix"
		return plan
	}

	current, err := pep440.Parse(dep.Version)
	if err != nil {
		plan.Status = types.FixSkipped
		plan.Reason = fmt.Sprintf("current version cannot be compared: %s", err)
		return plan
	}
	currentStr := dep.Version

	for step := 1; step <= p.maxSteps; step++ {
		candidate, candidateV, ok := nextCandidate(current, vulns)
		if !ok {
			plan.Status = types.FixNoFixAvailable
			if step == 1 {
				plan.Reason = fmt.Sprintf("no fix version exceeds %s", currentStr)
			} else {
				plan.Reason = fmt.Sprintf("upgrade chain dead-ends at %s with no further fix", currentStr)
			}
			return plan
		}

		// Hashes belong to the pinned release and do not transfer to the
		// candidate version.
		probe := types.Dependency{
			Name:    dep.Name,
			Version: candidate,
			Direct:  dep.Direct,
		}
		validated, err := p.query(ctx, probe)
		if err != nil {
			plan.Status = types.FixSkipped
			plan.Reason = fmt.Sprintf("could not validate %s: %s", probe, err)
			return plan
		}
		if len(validated) == 0 {
			plan.TargetVersion = candidate
			plan.Status = types.FixPlanned
			return plan
		}

		p.logger.Debug("Fix candidate is itself vulnerable",
			log.Package(dep.Name), log.Version(candidate), log.Int("step", step))
		current, currentStr, vulns = candidateV, candidate, validated
	}

	plan.Status = types.FixSkipped
	plan.Reason = fmt.Sprintf("no clean version found within %d upgrade steps", p.maxSteps)
	return plan
}

// nextCandidate picks the lowest version that clears every finding: per
// finding, the earliest fix above current; across findings, the maximum of
// those. A finding with no fix above current cannot be cleared by
// upgrading at all.
func nextCandidate(current pep440.Version, vulns []types.Vulnerability) (string, pep440.Version, bool) {
	var best string
	var bestV pep440.Version
	for _, v := range vulns {
		earliest, earliestV, ok := earliestFixAbove(current, v.FixedVersions)
		if !ok {
			return "", pep440.Version{}, false
		}
		if best == "" || bestV.LessThan(earliestV) {
			best, bestV = earliest, earliestV
		}
	}
	return best, bestV, best != ""
}

// earliestFixAbove returns the smallest fix version strictly greater than
// current. The list arrives sorted ascending with malformed entries last,
// so the first parseable match wins.
func earliestFixAbove(current pep440.Version, fixed []string) (string, pep440.Version, bool) {
	for _, f := range fixed {
		fv, err := pep440.Parse(f)
		if err != nil {
			continue
		}
		if current.LessThan(fv) {
			return f, fv, true
		}
	}
	return "", pep440.Version{}, false
}
