package aggregate

import "strings"

// DefaultPriority ranks identifier schemes for canonical id election.
// PYSEC is the Python-native scheme, CVE is the cross-ecosystem one, GHSA
// ids are service-specific. First listed wins.
var DefaultPriority = []string{"PYSEC-", "CVE-", "GHSA-"}

// rank returns the priority slot of id's scheme. Unknown schemes rank after
// every listed one.
func rank(id string, priority []string) int {
	for i, prefix := range priority {
		if strings.HasPrefix(id, prefix) {
			return i
		}
	}
	return len(priority)
}

// idLess orders ids by scheme rank, then lexicographically so election is
// deterministic within one scheme.
func idLess(a, b string, priority []string) bool {
	if ra, rb := rank(a, priority), rank(b, priority); ra != rb {
		return ra < rb
	}
	return a < b
}

// electID picks the canonical identifier out of an equivalence class.
func electID(ids []string, priority []string) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if idLess(id, best, priority) {
			best = id
		}
	}
	return best
}
