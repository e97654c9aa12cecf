package pkg

import (
	"github.com/urfave/cli"

	"github.com/aquasecurity/pypi-audit/pkg/config"
	"github.com/aquasecurity/pypi-audit/pkg/utils"
)

var cacheDirFlag = cli.StringFlag{
	Name:   "cache-dir",
	Usage:  "response cache directory",
	Value:  utils.CacheDir(),
	EnvVar: "PYPI_AUDIT_CACHE_DIR",
}

func NewApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "pypi-audit"
	app.Version = version
	app.Usage = "Audit Python dependencies for known vulnerabilities"
	app.Flags = config.Flags
	app.Action = run

	app.Commands = []cli.Command{
		{
			Name:  "cache",
			Usage: "manage the response cache",
			Subcommands: []cli.Command{
				{
					Name:   "clear",
					Usage:  "remove all cached service responses",
					Action: cacheClear,
					Flags:  []cli.Flag{cacheDirFlag},
				},
				{
					Name:   "dir",
					Usage:  "print the response cache directory",
					Action: cacheDir,
					Flags:  []cli.Flag{cacheDirFlag},
				},
			},
		},
	}

	return app
}
