package pkg

import (
	"fmt"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/cache"
)

func cacheClear(c *cli.Context) error {
	if err := cache.Clear(c.String("cache-dir")); err != nil {
		return xerrors.Errorf("failed to clear the response cache: %w", err)
	}
	return nil
}

func cacheDir(c *cli.Context) error {
	fmt.Fprintln(c.App.Writer, c.String("cache-dir"))
	return nil
}
