package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// CacheDir returns the default directory for the response cache.
func CacheDir() string {
	tmpDir, err := os.UserCacheDir()
	if err != nil {
		tmpDir = os.TempDir()
	}
	return filepath.Join(tmpDir, "pypi-audit")
}

// NormalizePkgName normalizes a distribution name per PEP 503.
// All comparisons of distribution names MUST be case insensitive,
// and runs of hyphens, underscores and periods are equivalent to
// a single hyphen.
// https://peps.python.org/pep-0503/#normalized-names
func NormalizePkgName(pkgName string) string {
	var sb strings.Builder
	sb.Grow(len(pkgName))

	sep := false
	for _, r := range strings.ToLower(pkgName) {
		switch r {
		case '-', '_', '.':
			sep = true
		default:
			if sep {
				sb.WriteByte('-')
				sep = false
			}
			sb.WriteRune(r)
		}
	}
	if sep {
		sb.WriteByte('-')
	}
	return sb.String()
}

// Exists reports whether the path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}
