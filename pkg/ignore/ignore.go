package ignore

import (
	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// Filter drops vulnerabilities the user chose to ignore. A rule matches a
// merged vulnerability through its canonical id or any alias, so ignoring
// one identifier of a defect ignores the defect regardless of which service
// named it. Matching is exact.
type Filter struct {
	rules   set.Ordered[string]
	matched set.Set[string]
	logger  *log.Logger
}

// New builds a filter from the merged ignore list. Duplicates collapse.
func New(ids ...string) *Filter {
	return &Filter{
		rules:   set.NewOrdered(ids...),
		matched: set.New[string](),
		logger:  log.WithPrefix("ignore"),
	}
}

// Rules returns the active rules, sorted.
func (f *Filter) Rules() []string {
	return f.rules.Values()
}

// Apply returns vulns minus the ignored ones, preserving order. Ignored
// vulnerabilities are logged at debug with the rule that removed them.
func (f *Filter) Apply(vulns []types.Vulnerability) []types.Vulnerability {
	if f.rules.Len() == 0 {
		return vulns
	}

	var kept []types.Vulnerability
	for _, v := range vulns {
		if rule, ok := f.match(v); ok {
			f.matched.Append(rule)
			f.logger.Debug("Ignoring vulnerability", log.VulnID(v.ID), log.String("rule", rule))
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

func (f *Filter) match(v types.Vulnerability) (string, bool) {
	for _, id := range v.AllIDs() {
		if f.rules.Contains(id) {
			return id, true
		}
	}
	return "", false
}

// LogUnused notes the rules that matched nothing during the run. An unknown
// id in the ignore list is inert, not an error: the vulnerability may have
// been withdrawn or the dependency set may have changed.
func (f *Filter) LogUnused() {
	for _, rule := range f.rules.Values() {
		if !f.matched.Contains(rule) {
			f.logger.Debug("Ignore rule matched nothing", log.String("rule", rule))
		}
	}
}
