package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/aggregate"
	"github.com/aquasecurity/pypi-audit/pkg/fix"
	"github.com/aquasecurity/pypi-audit/pkg/ignore"
	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc"
)

const defaultConcurrency = 5

// Auditor runs a dependency batch against the configured vulnerability
// services with a bounded worker pool, one task per (dependency, service)
// pair. Output ordering never depends on completion order.
type Auditor struct {
	sources     []vulnsrc.Source
	aggregator  *aggregate.Aggregator
	filter      *ignore.Filter
	concurrency int
	strict      bool
	progress    func(types.Dependency)
	logger      *log.Logger
}

type Option func(*Auditor)

// WithConcurrency sets the worker count. Zero or negative keeps the default.
func WithConcurrency(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithStrict promotes skipped dependencies to a run failure. The promotion
// is deferred: every dependency is still attempted first.
func WithStrict(strict bool) Option {
	return func(a *Auditor) {
		a.strict = strict
	}
}

// WithFilter installs the ignore filter applied after aggregation.
func WithFilter(f *ignore.Filter) Option {
	return func(a *Auditor) {
		a.filter = f
	}
}

// WithProgress registers a hook invoked as each dependency resolves.
func WithProgress(hook func(types.Dependency)) Option {
	return func(a *Auditor) {
		a.progress = hook
	}
}

func New(sources []vulnsrc.Source, opts ...Option) *Auditor {
	a := &Auditor{
		sources:     sources,
		aggregator:  aggregate.New(),
		filter:      ignore.New(),
		concurrency: defaultConcurrency,
		logger:      log.WithPrefix("audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type task struct {
	dep types.Dependency
	src vulnsrc.Source
}

type taskResult struct {
	dep    types.Dependency
	source string
	vulns  []types.Vulnerability
	err    error
}

// depState accumulates the per-service outcomes for one dependency until
// all of its tasks resolve. Findings are kept per service so the merge sees
// them in configuration order, not completion order.
type depState struct {
	dep      types.Dependency
	bySource map[string][]types.Vulnerability
	skips    map[string]string
	success  bool
	pending  int
}

// Run audits deps and returns the report. The report is complete even when
// an error is returned: fatal query failures and strict-mode promotion are
// evaluated only after every dependency has been attempted.
func (a *Auditor) Run(ctx context.Context, deps []types.Dependency) (*Report, error) {
	report := &Report{}

	var queued []types.Dependency
	for _, dep := range deps {
		if dep.Skipped() {
			report.Skipped = append(report.Skipped, dep)
			continue
		}
		queued = append(queued, dep)
	}

	states := make(map[string]*depState, len(queued))
	for _, dep := range queued {
		states[identity(dep)] = &depState{
			dep:      dep,
			bySource: make(map[string][]types.Vulnerability, len(a.sources)),
			skips:    make(map[string]string, len(a.sources)),
			pending:  len(a.sources),
		}
	}

	results := a.dispatch(ctx, queued)

	var errs []error
	for res := range results {
		st := states[identity(res.dep)]
		st.pending--

		switch {
		case res.err == nil:
			st.success = true
			st.bySource[res.source] = res.vulns
		case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
			st.skips[res.source] = "cancelled"
		default:
			if reason, ok := types.SkipReason(res.err); ok {
				a.logger.Debug("Dependency skipped",
					log.String("service", res.source), log.Package(res.dep.Name),
					log.Version(res.dep.Version), log.String("reason", reason))
				st.skips[res.source] = reason
				break
			}
			errs = append(errs, xerrors.Errorf("%s: %s: %w", res.source, res.dep, res.err))
		}

		if st.pending == 0 && a.progress != nil {
			a.progress(st.dep)
		}
	}

	for _, dep := range queued {
		st := states[identity(dep)]
		switch {
		case st.success:
			report.Results = append(report.Results, types.Result{
				Dependency:      dep,
				Vulnerabilities: a.resolve(st),
			})
		case len(st.skips) > 0:
			dep.SkipReason = a.skipReason(st)
			report.Skipped = append(report.Skipped, dep)
		}
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Dependency.Less(report.Results[j].Dependency)
	})
	sort.Slice(report.Skipped, func(i, j int) bool {
		return report.Skipped[i].Less(report.Skipped[j])
	})

	a.filter.LogUnused()

	if len(errs) > 0 {
		return report, xerrors.Errorf("audit incomplete: %w", errors.Join(errs...))
	}
	if a.strict && len(report.Skipped) > 0 {
		return report, xerrors.Errorf("strict mode: %d dependencies could not be audited", len(report.Skipped))
	}
	return report, nil
}

// dispatch feeds one task per (dependency, service) pair to the worker pool
// and returns the result channel, closed when all tasks resolve. Workers
// resolve remaining tasks immediately once the context is done, so a
// cancelled run still accounts for every task.
func (a *Auditor) dispatch(ctx context.Context, deps []types.Dependency) <-chan taskResult {
	tasks := make(chan task)
	results := make(chan taskResult)

	var wg sync.WaitGroup
	for i := 0; i < a.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				results <- a.runTask(ctx, t)
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, dep := range deps {
			for _, src := range a.sources {
				tasks <- task{dep: dep, src: src}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (a *Auditor) runTask(ctx context.Context, t task) taskResult {
	if err := ctx.Err(); err != nil {
		return taskResult{dep: t.dep, source: t.src.Name(), err: err}
	}
	vulns, err := t.src.Query(ctx, t.dep)
	return taskResult{dep: t.dep, source: t.src.Name(), vulns: vulns, err: err}
}

// resolve merges one dependency's findings across services in configuration
// order and applies the ignore rules.
func (a *Auditor) resolve(st *depState) []types.Vulnerability {
	var all []types.Vulnerability
	for _, src := range a.sources {
		all = append(all, st.bySource[src.Name()]...)
	}
	return a.filter.Apply(a.aggregator.Merge(all))
}

// skipReason joins the distinct per-service reasons in configuration order.
func (a *Auditor) skipReason(st *depState) string {
	var reasons []string
	for _, src := range a.sources {
		reason, ok := st.skips[src.Name()]
		if !ok {
			continue
		}
		var dup bool
		for _, r := range reasons {
			if r == reason {
				dup = true
				break
			}
		}
		if !dup {
			reasons = append(reasons, reason)
		}
	}
	return strings.Join(reasons, "; ")
}

// PlanFixes computes remediation plans for every vulnerable result, reusing
// the run's services and cache for candidate validation. It runs strictly
// after the audit and stores the plans on the report.
func (a *Auditor) PlanFixes(ctx context.Context, report *Report, opts ...fix.Option) []types.FixPlan {
	planner := fix.NewPlanner(a.auditOne, opts...)
	var plans []types.FixPlan
	for _, res := range report.Results {
		if len(res.Vulnerabilities) == 0 {
			continue
		}
		plans = append(plans, planner.Plan(ctx, res.Dependency, res.Vulnerabilities))
	}
	report.Plans = plans
	return plans
}

// auditOne validates a single candidate version sequentially against every
// service. Any failure, skip included, propagates: a candidate that cannot
// be fully validated is never declared clean.
func (a *Auditor) auditOne(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
	var all []types.Vulnerability
	for _, src := range a.sources {
		vulns, err := src.Query(ctx, dep)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", src.Name(), err)
		}
		all = append(all, vulns...)
	}
	return a.filter.Apply(a.aggregator.Merge(all)), nil
}

func identity(dep types.Dependency) string {
	return dep.Canonical() + "==" + dep.Version
}
