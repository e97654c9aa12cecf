package ignore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aquasecurity/pypi-audit/pkg/ignore"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

func TestFilter_Apply(t *testing.T) {
	vulns := []types.Vulnerability{
		{
			ID:      "PYSEC-2019-179",
			Aliases: []string{"CVE-2019-1010083", "GHSA-5wv5-4vpf-pj6m"},
		},
		{
			ID: "CVE-2018-1000656",
		},
	}

	tests := []struct {
		name  string
		rules []string
		want  []types.Vulnerability
	}{
		{
			name: "no rules",
			want: vulns,
		},
		{
			name:  "ignore by canonical id",
			rules: []string{"PYSEC-2019-179"},
			want:  vulns[1:],
		},
		{
			name:  "ignore by alias",
			rules: []string{"GHSA-5wv5-4vpf-pj6m"},
			want:  vulns[1:],
		},
		{
			name:  "unmatched rule is inert",
			rules: []string{"PYSEC-1999-1"},
			want:  vulns,
		},
		{
			name:  "ignore everything",
			rules: []string{"CVE-2019-1010083", "CVE-2018-1000656"},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ignore.New(tt.rules...)
			assert.Equal(t, tt.want, f.Apply(vulns))
			f.LogUnused()
		})
	}
}

func TestFilter_Rules(t *testing.T) {
	f := ignore.New("GHSA-5wv5-4vpf-pj6m", "CVE-2019-1010083", "GHSA-5wv5-4vpf-pj6m")
	assert.Equal(t, []string{"CVE-2019-1010083", "GHSA-5wv5-4vpf-pj6m"}, f.Rules())
}
