package fix_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/fix"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// fixtureQuery validates fix candidates against a canned audit outcome
// keyed by "name version".
func fixtureQuery(t *testing.T, outcomes map[string][]types.Vulnerability) fix.QueryFunc {
	return func(_ context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
		assert.Empty(t, dep.Hashes, "candidate probes must not carry release hashes")
		return outcomes[dep.Name+" "+dep.Version], nil
	}
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name     string
		opts     []fix.Option
		outcomes map[string][]types.Vulnerability
		dep      types.Dependency
		vulns    []types.Vulnerability
		want     types.FixPlan
	}{
		{
			name: "clean upgrade",
			dep:  types.Dependency{Name: "flask", Version: "0.5", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2019-179", FixedVersions: []string{"1.0"}},
			},
			want: types.FixPlan{
				Dependency:    types.Dependency{Name: "flask", Version: "0.5", Direct: true},
				TargetVersion: "1.0",
				Status:        types.FixPlanned,
				Resolves:      []string{"PYSEC-2019-179"},
			},
		},
		{
			name: "candidate is the maximum of the earliest fixes",
			dep:  types.Dependency{Name: "flask", Version: "0.5", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2018-66", FixedVersions: []string{"0.12.3"}},
				{ID: "PYSEC-2019-179", FixedVersions: []string{"1.0"}},
			},
			want: types.FixPlan{
				Dependency:    types.Dependency{Name: "flask", Version: "0.5", Direct: true},
				TargetVersion: "1.0",
				Status:        types.FixPlanned,
				Resolves:      []string{"PYSEC-2018-66", "PYSEC-2019-179"},
			},
		},
		{
			name: "earliest fix above current skips already passed fixes",
			dep:  types.Dependency{Name: "django", Version: "2.0.1", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "CVE-2018-6188", FixedVersions: []string{"1.11.10", "2.0.2"}},
			},
			want: types.FixPlan{
				Dependency:    types.Dependency{Name: "django", Version: "2.0.1", Direct: true},
				TargetVersion: "2.0.2",
				Status:        types.FixPlanned,
				Resolves:      []string{"CVE-2018-6188"},
			},
		},
		{
			name: "vulnerable candidate advances the walk",
			outcomes: map[string][]types.Vulnerability{
				"lxml 4.6.0": {
					{ID: "PYSEC-2021-19", FixedVersions: []string{"4.6.2"}},
				},
			},
			dep: types.Dependency{Name: "lxml", Version: "4.5.0", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2020-57", FixedVersions: []string{"4.6.0"}},
			},
			want: types.FixPlan{
				Dependency:    types.Dependency{Name: "lxml", Version: "4.5.0", Direct: true},
				TargetVersion: "4.6.2",
				Status:        types.FixPlanned,
				Resolves:      []string{"PYSEC-2020-57"},
			},
		},
		{
			name: "no fix above current",
			dep:  types.Dependency{Name: "flask", Version: "2.0.0", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2019-179", FixedVersions: []string{"1.0"}},
			},
			want: types.FixPlan{
				Dependency: types.Dependency{Name: "flask", Version: "2.0.0", Direct: true},
				Status:     types.FixNoFixAvailable,
				Resolves:   []string{"PYSEC-2019-179"},
				Reason:     "no fix version exceeds 2.0.0",
			},
		},
		{
			name: "walk dead-ends on an unfixable candidate",
			outcomes: map[string][]types.Vulnerability{
				"pillow 8.1.0": {
					{ID: "PYSEC-2021-999"},
				},
			},
			dep: types.Dependency{Name: "pillow", Version: "8.0.0", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2021-100", FixedVersions: []string{"8.1.0"}},
			},
			want: types.FixPlan{
				Dependency: types.Dependency{Name: "pillow", Version: "8.0.0", Direct: true},
				Status:     types.FixNoFixAvailable,
				Resolves:   []string{"PYSEC-2021-100"},
				Reason:     "upgrade chain dead-ends at 8.1.0 with no further fix",
			},
		},
		{
			name: "step budget exhausted",
			opts: []fix.Option{fix.WithMaxSteps(3)},
			outcomes: map[string][]types.Vulnerability{
				"dep 2.0.0": {{ID: "X-2", FixedVersions: []string{"3.0.0"}}},
				"dep 3.0.0": {{ID: "X-3", FixedVersions: []string{"4.0.0"}}},
				"dep 4.0.0": {{ID: "X-4", FixedVersions: []string{"5.0.0"}}},
			},
			dep: types.Dependency{Name: "dep", Version: "1.0.0", Direct: true},
			vulns: []types.Vulnerability{
				{ID: "X-1", FixedVersions: []string{"2.0.0"}},
			},
			want: types.FixPlan{
				Dependency: types.Dependency{Name: "dep", Version: "1.0.0", Direct: true},
				Status:     types.FixSkipped,
				Resolves:   []string{"X-1"},
				Reason:     "no clean version found within 3 upgrade steps",
			},
		},
		{
			name: "transitive dependency needs a synthesized pin",
			dep:  types.Dependency{Name: "urllib3", Version: "1.26.3"},
			vulns: []types.Vulnerability{
				{ID: "PYSEC-2021-108", FixedVersions: []string{"1.26.4"}},
			},
			want: types.FixPlan{
				Dependency:    types.Dependency{Name: "urllib3", Version: "1.26.3"},
				TargetVersion: "1.26.4",
				Status:        types.FixPlanned,
				Resolves:      []string{"PYSEC-2021-108"},
				Synthesize:    true,
			},
		},
		{
			name:  "nothing to fix",
			dep:   types.Dependency{Name: "requests", Version: "2.31.0", Direct: true},
			vulns: nil,
			want: types.FixPlan{
				Dependency: types.Dependency{Name: "requests", Version: "2.31.0", Direct: true},
				Status:     types.FixUnknown,
				Resolves:   []string{},
				Reason:     "nothing to fix",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fix.NewPlanner(fixtureQuery(t, tt.outcomes), tt.opts...)
			got := p.Plan(context.Background(), tt.dep, tt.vulns)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanner_Plan_UnparsableCurrentVersion(t *testing.T) {
	p := fix.NewPlanner(fixtureQuery(t, nil))
	got := p.Plan(context.Background(), types.Dependency{Name: "local", Version: "not-a-version", Direct: true}, []types.Vulnerability{
		{ID: "X-1", FixedVersions: []string{"2.0.0"}},
	})

	assert.Equal(t, types.FixSkipped, got.Status)
	assert.Contains(t, got.Reason, "current version cannot be compared")
	assert.Empty(t, got.TargetVersion)
}

func TestPlanner_Plan_ValidationFailure(t *testing.T) {
	query := func(_ context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
		return nil, xerrors.New("service unreachable")
	}
	p := fix.NewPlanner(query)
	got := p.Plan(context.Background(), types.Dependency{Name: "flask", Version: "0.5", Direct: true}, []types.Vulnerability{
		{ID: "PYSEC-2019-179", FixedVersions: []string{"1.0"}},
	})

	assert.Equal(t, types.FixSkipped, got.Status)
	assert.Contains(t, got.Reason, "could not validate flask (1.0)")
	assert.Contains(t, got.Reason, "service unreachable")
	assert.Empty(t, got.TargetVersion)
}
