package types

import "github.com/fatih/color"

// FixStatus is the terminal state of a remediation plan.
type FixStatus int

var (
	// FixStatusNames is the wire/display form of each status, indexed by
	// FixStatus value.
	FixStatusNames = []string{
		"unknown",
		"planned",
		"applied",
		"no_fix_available",
		"skipped",
	}

	fixStatusColor = []func(a ...interface{}) string{
		color.New(color.FgBlue).SprintFunc(),
		color.New(color.FgCyan).SprintFunc(),
		color.New(color.FgGreen).SprintFunc(),
		color.New(color.FgRed).SprintFunc(),
		color.New(color.FgYellow).SprintFunc(),
	}
)

const (
	FixUnknown FixStatus = iota
	FixPlanned
	FixApplied
	FixNoFixAvailable
	FixSkipped
)

// NewFixStatus maps a status name to its value. Unrecognized names map to
// FixUnknown, not an error.
func NewFixStatus(status string) FixStatus {
	for i, s := range FixStatusNames {
		if status == s {
			return FixStatus(i)
		}
	}
	return FixUnknown
}

func (s FixStatus) String() string {
	if s < 0 || int(s) >= len(FixStatusNames) {
		return FixStatusNames[0]
	}
	return FixStatusNames[s]
}

// Colorize renders the status name with its terminal color.
func (s FixStatus) Colorize() string {
	if s < 0 || int(s) >= len(FixStatusNames) {
		s = FixUnknown
	}
	return fixStatusColor[s](FixStatusNames[s])
}

func (s FixStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *FixStatus) UnmarshalJSON(b []byte) error {
	name := string(b)
	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		name = name[1 : len(name)-1]
	}
	*s = NewFixStatus(name)
	return nil
}
