// Package config resolves the run configuration from CLI flags,
// environment variables, the YAML config file and pyproject.toml.
// Precedence is flag > environment > config file > default, except the
// ignore rules, which merge across every source.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"github.com/samber/oops"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"

	"github.com/aquasecurity/pypi-audit/pkg/utils"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

// Config is the fully resolved run configuration.
type Config struct {
	Requirements []string
	Resolved     string
	Services     []string
	ServiceURL   string
	CacheDir     string
	Timeout      time.Duration
	Concurrency  int
	Strict       bool
	Fix          bool
	DryRun       bool
	NoProgress   bool
	Debug        bool
	IgnoreVulns  []string
}

const defaultConcurrency = 5

// Flags declares every CLI flag of the audit command. The config package
// owns them so resolution and validation live next to the schema.
var Flags = []cli.Flag{
	cli.StringSliceFlag{
		Name:   "requirement, r",
		Usage:  "pinned requirements file to audit (repeatable)",
		EnvVar: "PYPI_AUDIT_REQUIREMENT",
	},
	cli.StringFlag{
		Name:   "resolved",
		Usage:  "JSON document of resolved dependencies",
		EnvVar: "PYPI_AUDIT_RESOLVED",
	},
	cli.StringSliceFlag{
		Name:   "service",
		Usage:  "vulnerability service to query (repeatable)",
		EnvVar: "PYPI_AUDIT_SERVICE",
	},
	cli.StringFlag{
		Name:   "service-url",
		Usage:  "override the selected service's endpoint",
		EnvVar: "PYPI_AUDIT_SERVICE_URL",
	},
	cli.StringFlag{
		Name:   "cache-dir",
		Usage:  "response cache directory",
		Value:  utils.CacheDir(),
		EnvVar: "PYPI_AUDIT_CACHE_DIR",
	},
	cli.DurationFlag{
		Name:   "timeout",
		Usage:  "timeout per service request",
		Value:  client.DefaultTimeout,
		EnvVar: "PYPI_AUDIT_TIMEOUT",
	},
	cli.IntFlag{
		Name:   "concurrency",
		Usage:  "number of concurrent service queries",
		Value:  defaultConcurrency,
		EnvVar: "PYPI_AUDIT_CONCURRENCY",
	},
	cli.BoolFlag{
		Name:   "strict",
		Usage:  "fail the run when any dependency cannot be audited",
		EnvVar: "PYPI_AUDIT_STRICT",
	},
	cli.BoolFlag{
		Name:   "fix",
		Usage:  "upgrade vulnerable pins in the requirements files",
		EnvVar: "PYPI_AUDIT_FIX",
	},
	cli.BoolFlag{
		Name:   "dry-run",
		Usage:  "plan fixes without editing any file",
		EnvVar: "PYPI_AUDIT_DRY_RUN",
	},
	cli.StringSliceFlag{
		Name:   "ignore-vuln",
		Usage:  "vulnerability id to ignore (repeatable)",
		EnvVar: "PYPI_AUDIT_IGNORE_VULN",
	},
	cli.StringFlag{
		Name:   "pyproject",
		Usage:  "pyproject.toml carrying a [tool.pypi-audit] table",
		EnvVar: "PYPI_AUDIT_PYPROJECT",
	},
	cli.StringFlag{
		Name:   "config",
		Usage:  "YAML config file",
		EnvVar: "PYPI_AUDIT_CONFIG",
	},
	cli.BoolFlag{
		Name:   "no-progress",
		Usage:  "suppress the progress spinner",
		EnvVar: "PYPI_AUDIT_NO_PROGRESS",
	},
	cli.BoolFlag{
		Name:   "debug",
		Usage:  "debug logging",
		EnvVar: "PYPI_AUDIT_DEBUG",
	},
}

// fileConfig is the YAML run-config schema. Timeout is a duration string
// such as "30s".
type fileConfig struct {
	Services    []string `yaml:"services"`
	ServiceURL  string   `yaml:"service-url"`
	CacheDir    string   `yaml:"cache-dir"`
	Timeout     string   `yaml:"timeout"`
	Concurrency int      `yaml:"concurrency"`
	Strict      *bool    `yaml:"strict"`
	IgnoreVulns []string `yaml:"ignore-vulns"`
}

type pyprojectDoc struct {
	Tool struct {
		PypiAudit struct {
			IgnoreVulns []string `toml:"ignore-vulns"`
		} `toml:"pypi-audit"`
	} `toml:"tool"`
}

// New resolves the configuration visible through the CLI context, folds in
// the file-based sources and validates the result.
func New(c *cli.Context) (Config, error) {
	cfg := Config{
		Requirements: c.StringSlice("requirement"),
		Resolved:     c.String("resolved"),
		Services:     c.StringSlice("service"),
		ServiceURL:   c.String("service-url"),
		CacheDir:     c.String("cache-dir"),
		Timeout:      c.Duration("timeout"),
		Concurrency:  c.Int("concurrency"),
		Strict:       c.Bool("strict"),
		Fix:          c.Bool("fix"),
		DryRun:       c.Bool("dry-run"),
		NoProgress:   c.Bool("no-progress"),
		Debug:        c.Bool("debug"),
		IgnoreVulns:  c.StringSlice("ignore-vuln"),
	}

	if path := c.String("config"); path != "" {
		if err := applyFile(c, &cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyPyproject(c.String("pyproject"), &cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Services) == 0 {
		cfg.Services = []string{vulnsrc.DefaultService}
	}
	cfg.Services = lo.Uniq(cfg.Services)
	cfg.IgnoreVulns = lo.Uniq(cfg.IgnoreVulns)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile folds the YAML config file into cfg. A key only applies when
// the matching flag was not set on the command line or the environment.
func applyFile(c *cli.Context, cfg *Config, path string) error {
	eb := oops.With("config_file", path)

	b, err := os.ReadFile(path)
	if err != nil {
		return eb.Wrapf(err, "failed to read config file")
	}
	var fc fileConfig
	if err = yaml.UnmarshalStrict(b, &fc); err != nil {
		return eb.Wrapf(err, "failed to parse config file")
	}

	if len(fc.Services) > 0 && !c.IsSet("service") {
		cfg.Services = fc.Services
	}
	if fc.ServiceURL != "" && !c.IsSet("service-url") {
		cfg.ServiceURL = fc.ServiceURL
	}
	if fc.CacheDir != "" && !c.IsSet("cache-dir") {
		cfg.CacheDir = fc.CacheDir
	}
	if fc.Timeout != "" && !c.IsSet("timeout") {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return eb.With("timeout", fc.Timeout).Wrapf(err, "invalid timeout in config file")
		}
		cfg.Timeout = d
	}
	if fc.Concurrency > 0 && !c.IsSet("concurrency") {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.Strict != nil && !c.IsSet("strict") {
		cfg.Strict = *fc.Strict
	}
	cfg.IgnoreVulns = append(cfg.IgnoreVulns, fc.IgnoreVulns...)
	return nil
}

// applyPyproject merges the ignore rules of the [tool.pypi-audit] table.
// Without an explicit path the working directory's pyproject.toml is used
// when present.
func applyPyproject(path string, cfg *Config) error {
	if path == "" {
		ok, err := utils.Exists("pyproject.toml")
		if err != nil || !ok {
			return nil
		}
		path = "pyproject.toml"
	}

	var doc pyprojectDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return oops.With("pyproject", path).Wrapf(err, "failed to parse pyproject.toml")
	}
	cfg.IgnoreVulns = append(cfg.IgnoreVulns, doc.Tool.PypiAudit.IgnoreVulns...)
	return nil
}

func (c Config) validate() error {
	if len(c.Requirements) == 0 && c.Resolved == "" {
		return oops.Errorf("no dependencies to audit: provide --requirement or --resolved")
	}
	if c.Fix && len(c.Requirements) == 0 {
		return oops.Errorf("--fix requires at least one --requirement file to edit")
	}
	for _, s := range c.Services {
		if !lo.Contains(vulnsrc.AllServices(), s) {
			return oops.With("service", s).Errorf("unknown vulnerability service: %s", s)
		}
	}
	if c.Timeout <= 0 {
		return oops.With("timeout", c.Timeout.String()).Errorf("timeout must be positive")
	}
	if c.Concurrency < 1 {
		return oops.With("concurrency", c.Concurrency).Errorf("concurrency must be at least 1")
	}
	return nil
}
