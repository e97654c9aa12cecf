package manifest

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// requirementRe matches the head of a requirement line: a PEP 508 name,
// optional extras, one specifier operator and the version. Markers, hashes
// and comments follow after.
var requirementRe = regexp.MustCompile(`^\s*([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)(\[[^\]]*\])?\s*(===|==|~=|!=|>=|<=|>|<)\s*([^\s;#]+)`)

// commentRe strips requirement comments the way pip does: a hash at the
// start of the line or preceded by whitespace.
var commentRe = regexp.MustCompile(`(^|\s)#.*$`)

// ReadRequirements parses pinned requirements files into direct
// dependencies. Only `name[extras]==version` lines (plus comments, blank
// lines, option lines and hash fragments) are accepted: anything with a
// different specifier operator is rejected, because auditing an unpinned
// requirement would mean guessing what the resolver would do.
func ReadRequirements(paths ...string) ([]types.Dependency, error) {
	var deps []types.Dependency
	for _, path := range paths {
		parsed, err := readRequirementsFile(path)
		if err != nil {
			return nil, err
		}
		deps = append(deps, parsed...)
	}
	return deps, nil
}

func readRequirementsFile(path string) ([]types.Dependency, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open requirements file: %w", err)
	}
	defer f.Close()

	var deps []types.Dependency
	scanner := bufio.NewScanner(f)
	var lineno int
	for scanner.Scan() {
		lineno++
		start := lineno

		// Backslash continuations fold into one logical line, so hash
		// fragments end up next to the requirement they belong to.
		logical := strings.TrimSpace(scanner.Text())
		for strings.HasSuffix(logical, `\`) && scanner.Scan() {
			lineno++
			logical = strings.TrimSpace(strings.TrimSuffix(logical, `\`)) + " " + strings.TrimSpace(scanner.Text())
		}

		line := strings.TrimSpace(commentRe.ReplaceAllString(logical, ""))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") {
			// Option lines (index URLs, nested files) are not dependencies.
			log.Debug("Ignoring requirement option", log.FilePath(path), log.Int("line", start))
			continue
		}

		dep, err := parseRequirement(line)
		if err != nil {
			return nil, xerrors.Errorf("%s:%d: %w", path, start, err)
		}
		deps = append(deps, dep)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("failed to read requirements file: %w", err)
	}
	return deps, nil
}

// parseRequirement parses one pinned requirement logical line, e.g.
// `flask[async]==2.0.1 ; python_version < "3.11" --hash=sha256:...`.
func parseRequirement(line string) (types.Dependency, error) {
	m := requirementRe.FindStringSubmatch(line)
	if m == nil {
		return types.Dependency{}, xerrors.Errorf("unparseable requirement %q, expected name==version", line)
	}
	name, op, version := m[1], m[3], m[4]
	if op != "==" {
		return types.Dependency{}, xerrors.Errorf("requirement %q is not pinned with ==", line)
	}
	if _, err := pep440.Parse(version); err != nil {
		return types.Dependency{}, xerrors.Errorf("requirement %q has an invalid version: %w", name, err)
	}

	return types.Dependency{
		Name:    name,
		Version: version,
		Direct:  true,
		Hashes:  parseHashes(line),
	}, nil
}

func parseHashes(line string) []string {
	var hashes []string
	for _, field := range strings.Fields(line) {
		if h, ok := strings.CutPrefix(field, "--hash="); ok {
			hashes = append(hashes, h)
		}
	}
	return hashes
}
