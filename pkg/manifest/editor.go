package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/utils"
)

// Editor rewrites requirements files so planned fixes become pinned
// versions. It understands exactly pinned requirement lines, comments,
// blank lines and hash fragments. Everything else is preserved
// byte-for-byte and never edited.
type Editor struct {
	logger *log.Logger
}

func NewEditor() *Editor {
	return &Editor{
		logger: log.WithPrefix("fix"),
	}
}

type fileBuf struct {
	path     string
	lines    []string // physical lines, EOLs stripped by the split
	mode     os.FileMode
	modified bool
	editing  []int // plan indexes whose outcome depends on this write
}

// Apply pins every Planned plan in the given requirement files. In-place
// edits land in whichever file declares the dependency, synthesized pins
// are appended to the first file. The returned plans carry the outcome:
// Applied, or Skipped with the reason. A failure on one file never aborts
// the edits to the others.
func (e *Editor) Apply(paths []string, plans []types.FixPlan) []types.FixPlan {
	out := make([]types.FixPlan, len(plans))
	copy(out, plans)

	pending := make(map[int]bool)
	for i := range out {
		if out[i].Status == types.FixPlanned {
			pending[i] = true
		}
	}
	if len(pending) == 0 {
		return out
	}

	var files []*fileBuf
	for _, path := range paths {
		fb, err := readFile(path)
		if err != nil {
			e.logger.Error("Cannot read requirements file", log.FilePath(path), log.Err(err))
			continue
		}
		e.editFile(fb, out, pending)
		files = append(files, fb)
	}

	// Transitive dependencies have no line to rewrite, they get a fresh pin
	// appended to the first file.
	for i := 0; i < len(out); i++ {
		if !pending[i] || !out[i].Synthesize {
			continue
		}
		if len(files) == 0 {
			out[i].Status = types.FixSkipped
			out[i].Reason = "no requirements file to append to"
			delete(pending, i)
			continue
		}
		appendPin(files[0], &out[i])
		files[0].editing = append(files[0].editing, i)
		delete(pending, i)
	}

	for _, fb := range files {
		e.flush(fb, out)
	}

	for i := 0; i < len(out); i++ {
		if !pending[i] {
			continue
		}
		out[i].Status = types.FixSkipped
		out[i].Reason = fmt.Sprintf("%s is not declared in the requirement files", out[i].Dependency.Name)
	}
	return out
}

// editFile applies every pending in-place edit the file can serve. Plans
// whose pin is already at the target resolve immediately, edits that
// change the buffer stay tentative until flush succeeds.
func (e *Editor) editFile(fb *fileBuf, out []types.FixPlan, pending map[int]bool) {
	cont := false
	for i, line := range fb.lines {
		wasCont := cont
		cont = strings.HasSuffix(strings.TrimRight(line, " \t\r"), `\`)
		if wasCont {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") {
			continue
		}

		m := requirementRe.FindStringSubmatchIndex(line)
		if m == nil || line[m[6]:m[7]] != "==" {
			continue
		}
		name := line[m[2]:m[3]]
		version := line[m[8]:m[9]]

		for idx := 0; idx < len(out); idx++ {
			if !pending[idx] || utils.NormalizePkgName(name) != out[idx].Dependency.Canonical() {
				continue
			}
			plan := &out[idx]
			switch version {
			case plan.TargetVersion:
				// The pin is already where the plan wants it.
				plan.Status = types.FixApplied
			case plan.Dependency.Version:
				fb.lines[i] = line[:m[8]] + plan.TargetVersion + line[m[9]:]
				fb.modified = true
				fb.editing = append(fb.editing, idx)
				e.logger.Debug("Pinning dependency",
					log.String("name", name), log.String("from", version),
					log.String("to", plan.TargetVersion), log.FilePath(fb.path))
			default:
				plan.Status = types.FixSkipped
				plan.Reason = fmt.Sprintf("%s pins %s==%s, expected %s",
					fb.path, name, version, plan.Dependency.Version)
			}
			delete(pending, idx)
			break
		}
	}
}

func appendPin(fb *fileBuf, plan *types.FixPlan) {
	pin := fmt.Sprintf("%s==%s  # pinned by pypi-audit: fixes %s",
		plan.Dependency.Name, plan.TargetVersion, strings.Join(plan.Resolves, ", "))

	// Keep the trailing newline convention of the split: a final empty
	// element means the file already ends with a newline.
	if n := len(fb.lines); n > 0 && fb.lines[n-1] == "" {
		fb.lines = append(fb.lines[:n-1], pin, "")
	} else {
		fb.lines = append(fb.lines, pin, "")
	}
	fb.modified = true
}

// flush writes the buffer back atomically and settles the outcome of every
// plan that edited it.
func (e *Editor) flush(fb *fileBuf, out []types.FixPlan) {
	if !fb.modified {
		return
	}
	data := strings.Join(fb.lines, "\n")
	err := writeFileAtomic(fb.path, []byte(data), fb.mode)
	for _, idx := range fb.editing {
		if err != nil {
			out[idx].Status = types.FixSkipped
			out[idx].Reason = fmt.Sprintf("failed to update %s: %s", fb.path, err)
			continue
		}
		out[idx].Status = types.FixApplied
	}
	if err != nil {
		e.logger.Error("Cannot update requirements file", log.FilePath(fb.path), log.Err(err))
	}
}

func readFile(path string) (*fileBuf, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &fileBuf{
		path:  path,
		lines: strings.Split(string(b), "\n"),
		mode:  info.Mode().Perm(),
	}, nil
}

// writeFileAtomic replaces path via a temp file in the same directory so a
// crash mid-write never leaves a truncated requirements file behind.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return xerrors.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err = tmp.Chmod(mode); err != nil {
		tmp.Close()
		return xerrors.Errorf("failed to set permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return xerrors.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return xerrors.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
