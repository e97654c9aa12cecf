package cachetest

import (
	"testing"

	fixtures "github.com/aquasecurity/bolt-fixtures"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/pypi-audit/pkg/cache"
)

// InitCache seeds a response-cache database from bolt-fixtures files and
// returns its cache directory. Fixture entries usually carry no usable
// stored_at timestamp, so callers should open the cache with
// cache.WithTTL(0) unless the test is about expiry.
func InitCache(t *testing.T, fixtureFiles []string) string {
	t.Helper()

	cacheDir := t.TempDir()
	dbPath := cache.Path(cacheDir)

	loader, err := fixtures.New(dbPath, fixtureFiles)
	require.NoError(t, err)
	require.NoError(t, loader.Load())
	require.NoError(t, loader.Close())

	return cacheDir
}
