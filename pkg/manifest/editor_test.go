package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/pypi-audit/pkg/manifest"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestEditor_Apply(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "requirements.txt", `# base pins
Flask[async]==2.0.1 ; python_version < "3.11"  # web framework
requests==2.31.0 \
    --hash=sha256:942c5a758f98d790eaed1a29cb6eefc7ffb0d1cf7af05c3d2791656dbd6ad1e1
`)
	dev := writeFile(t, dir, "dev.txt", `pytest==7.4.0
`)

	plans := []types.FixPlan{
		{
			Dependency:    types.Dependency{Name: "flask", Version: "2.0.1", Direct: true},
			TargetVersion: "2.3.2",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-62"},
		},
		{
			Dependency:    types.Dependency{Name: "pytest", Version: "7.4.0", Direct: true},
			TargetVersion: "7.4.4",
			Status:        types.FixPlanned,
			Resolves:      []string{"GHSA-test-0001"},
		},
		{
			Dependency:    types.Dependency{Name: "urllib3", Version: "1.26.4"},
			TargetVersion: "1.26.18",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-192", "CVE-2023-45803"},
			Synthesize:    true,
		},
		{
			Dependency: types.Dependency{Name: "requests", Version: "2.31.0", Direct: true},
			Status:     types.FixNoFixAvailable,
			Reason:     "no fix version exceeds 2.31.0",
		},
	}

	got := manifest.NewEditor().Apply([]string{main, dev}, plans)
	require.Len(t, got, 4)

	assert.Equal(t, types.FixApplied, got[0].Status)
	assert.Equal(t, types.FixApplied, got[1].Status)
	assert.Equal(t, types.FixApplied, got[2].Status)
	assert.Equal(t, types.FixNoFixAvailable, got[3].Status)
	assert.Equal(t, "no fix version exceeds 2.31.0", got[3].Reason)

	// The flask pin is rewritten in place with extras, marker, comment and
	// hash fragments untouched. The transitive urllib3 pin lands at the end
	// of the first file.
	assert.Equal(t, `# base pins
Flask[async]==2.3.2 ; python_version < "3.11"  # web framework
requests==2.31.0 \
    --hash=sha256:942c5a758f98d790eaed1a29cb6eefc7ffb0d1cf7af05c3d2791656dbd6ad1e1
urllib3==1.26.18  # pinned by pypi-audit: fixes PYSEC-2023-192, CVE-2023-45803
`, readFile(t, main))

	assert.Equal(t, "pytest==7.4.4\n", readFile(t, dev))
}

func TestEditor_Apply_AlreadyPinned(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "flask==2.3.2\n")

	got := manifest.NewEditor().Apply([]string{path}, []types.FixPlan{
		{
			Dependency:    types.Dependency{Name: "flask", Version: "2.0.1", Direct: true},
			TargetVersion: "2.3.2",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-62"},
		},
	})

	assert.Equal(t, types.FixApplied, got[0].Status)
	assert.Equal(t, "flask==2.3.2\n", readFile(t, path))
}

func TestEditor_Apply_PinMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "flask==2.2.0\n")

	got := manifest.NewEditor().Apply([]string{path}, []types.FixPlan{
		{
			Dependency:    types.Dependency{Name: "flask", Version: "2.0.1", Direct: true},
			TargetVersion: "2.3.2",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-62"},
		},
	})

	assert.Equal(t, types.FixSkipped, got[0].Status)
	assert.Contains(t, got[0].Reason, "pins flask==2.2.0, expected 2.0.1")
	assert.Equal(t, "flask==2.2.0\n", readFile(t, path))
}

func TestEditor_Apply_NotDeclared(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "requirements.txt", "requests==2.31.0\n")

	got := manifest.NewEditor().Apply([]string{path}, []types.FixPlan{
		{
			Dependency:    types.Dependency{Name: "flask", Version: "2.0.1", Direct: true},
			TargetVersion: "2.3.2",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-62"},
		},
	})

	assert.Equal(t, types.FixSkipped, got[0].Status)
	assert.Equal(t, "flask is not declared in the requirement files", got[0].Reason)
	assert.Equal(t, "requests==2.31.0\n", readFile(t, path))
}

func TestEditor_Apply_NoReadableFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "absent.txt")

	got := manifest.NewEditor().Apply([]string{missing}, []types.FixPlan{
		{
			Dependency:    types.Dependency{Name: "flask", Version: "2.0.1", Direct: true},
			TargetVersion: "2.3.2",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-62"},
		},
		{
			Dependency:    types.Dependency{Name: "urllib3", Version: "1.26.4"},
			TargetVersion: "1.26.18",
			Status:        types.FixPlanned,
			Resolves:      []string{"PYSEC-2023-192"},
			Synthesize:    true,
		},
	})

	assert.Equal(t, types.FixSkipped, got[0].Status)
	assert.Equal(t, "flask is not declared in the requirement files", got[0].Reason)
	assert.Equal(t, types.FixSkipped, got[1].Status)
	assert.Equal(t, "no requirements file to append to", got[1].Reason)
}
