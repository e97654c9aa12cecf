package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli"

	"github.com/aquasecurity/pypi-audit/pkg/audit"
	"github.com/aquasecurity/pypi-audit/pkg/cache"
	"github.com/aquasecurity/pypi-audit/pkg/config"
	"github.com/aquasecurity/pypi-audit/pkg/ignore"
	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/manifest"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

func run(c *cli.Context) error {
	cfg, err := config.New(c)
	if err != nil {
		return err
	}
	log.InitLogger(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	deps, err := manifest.Read(cfg.Requirements, cfg.Resolved)
	if err != nil {
		return err
	}

	copts := []client.Option{
		client.WithTimeout(cfg.Timeout),
		client.WithUserAgent("pypi-audit/" + c.App.Version),
	}
	if respCache, err := cache.Open(cfg.CacheDir); err != nil {
		// The cache is an optimization, a broken one only costs bandwidth.
		log.Debug("Response cache unavailable, querying services directly", log.Err(err))
	} else {
		defer respCache.Close()
		copts = append(copts, client.WithCache(respCache))
	}

	sources := make([]vulnsrc.Source, 0, len(cfg.Services))
	for _, name := range cfg.Services {
		src, err := vulnsrc.New(name, cfg.ServiceURL, copts...)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	opts := []audit.Option{
		audit.WithConcurrency(cfg.Concurrency),
		audit.WithStrict(cfg.Strict),
		audit.WithFilter(ignore.New(cfg.IgnoreVulns...)),
	}

	var sp *spinner.Spinner
	if !cfg.NoProgress && isatty.IsTerminal(os.Stderr.Fd()) {
		sp = spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " Auditing dependencies"
		sp.Start()
		opts = append(opts, audit.WithProgress(func(dep types.Dependency) {
			sp.Suffix = fmt.Sprintf(" Auditing %s", dep)
		}))
	}

	auditor := audit.New(sources, opts...)
	report, runErr := auditor.Run(ctx, deps)

	if runErr == nil && (cfg.Fix || cfg.DryRun) {
		auditor.PlanFixes(ctx, report)
		if cfg.Fix && !cfg.DryRun {
			report.Plans = manifest.NewEditor().Apply(cfg.Requirements, report.Plans)
		}
	}

	if sp != nil {
		sp.Stop()
	}

	render(c.App.Writer, report)

	if runErr != nil {
		return runErr
	}
	if report.Unresolved() {
		return cli.NewExitError("", 1)
	}
	return nil
}

func render(w io.Writer, report *audit.Report) {
	for _, res := range report.Vulnerable() {
		for _, v := range res.Vulnerabilities {
			line := fmt.Sprintf("%s %s %s", res.Dependency.Name, res.Dependency.Version, v.ID)
			if len(v.FixedVersions) > 0 {
				line += " " + strings.Join(v.FixedVersions, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}

	for _, dep := range report.Skipped {
		fmt.Fprintf(w, "%s %s skipped (%s)\n", dep.Name, dep.Version, dep.SkipReason)
	}

	for _, plan := range report.Plans {
		switch plan.Status {
		case types.FixApplied, types.FixPlanned:
			fmt.Fprintf(w, "%s %s (%s => %s)\n",
				plan.Status.Colorize(), plan.Dependency.Name, plan.Dependency.Version, plan.TargetVersion)
		default:
			fmt.Fprintf(w, "%s %s (%s): %s\n",
				plan.Status.Colorize(), plan.Dependency.Name, plan.Dependency.Version, plan.Reason)
		}
	}

	if n := report.VulnerabilityCount(); n > 0 {
		summary := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(w, summary.Sprintf("Found %d known vulnerabilities in %d packages", n, len(report.Vulnerable())))
		return
	}
	fmt.Fprintln(w, color.GreenString("No known vulnerabilities found"))
}
