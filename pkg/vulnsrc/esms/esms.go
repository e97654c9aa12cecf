package esms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/utils"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

const (
	SourceName = "esms"

	defaultBaseURL = "https://advisories.ecosyste.ms"
	ecosystemPyPI  = "pypi"
)

// Source queries the ecosyste.ms advisories API. The API is package-scoped,
// not version-scoped, so the adapter evaluates the advertised version ranges
// locally against the queried version.
type Source struct {
	baseURL string
	client  *client.Client
	clock   clock.Clock
	logger  *log.Logger

	copts []client.Option
}

type Option func(*Source)

// WithBaseURL overrides the ecosyste.ms endpoint. An empty URL keeps the
// default.
func WithBaseURL(baseURL string) Option {
	return func(s *Source) {
		if baseURL != "" {
			s.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithClientOptions forwards options to the underlying HTTP client.
func WithClientOptions(opts ...client.Option) Option {
	return func(s *Source) {
		s.copts = append(s.copts, opts...)
	}
}

// WithClock injects a clock for withdrawal checks.
func WithClock(c clock.Clock) Option {
	return func(s *Source) {
		s.clock = c
	}
}

func NewSource(opts ...Option) *Source {
	s := &Source{
		baseURL: defaultBaseURL,
		clock:   clock.RealClock{},
		logger:  log.WithPrefix(SourceName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client = client.New(SourceName, s.copts...)
	return s
}

func (s *Source) Name() string {
	return SourceName
}

// Query lists the advisories ecosyste.ms holds for the package and keeps the
// ones whose version ranges contain dep's version.
func (s *Source) Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
	version, err := pep440.Parse(dep.Version)
	if err != nil {
		return nil, types.NewSkipError("%s has a version ecosyste.ms cannot evaluate: %s", dep, err)
	}

	queryURL := fmt.Sprintf("%s/api/v1/advisories?ecosystem=%s&package_name=%s",
		s.baseURL, ecosystemPyPI, url.QueryEscape(dep.Canonical()))
	res, err := s.client.Do(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("ecosyste.ms query error: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, types.NewSkipError("ecosyste.ms responded with status %d for %s", res.StatusCode, dep)
	}

	var raws []json.RawMessage
	if err = json.Unmarshal(res.Body, &raws); err != nil {
		return nil, types.NewSkipError("ecosyste.ms returned an unparseable response for %s", dep)
	}

	var vulns []types.Vulnerability
	for _, raw := range raws {
		var adv Advisory
		if err = json.Unmarshal(raw, &adv); err != nil {
			s.logger.Debug("Dropping malformed advisory", log.Package(dep.Name), log.Err(err))
			continue
		}
		if adv.WithdrawnAt != nil && adv.WithdrawnAt.Before(s.clock.Now()) {
			s.logger.Debug("Dropping withdrawn advisory", log.VulnID(electID(adv)),
				log.String("withdrawn_at", adv.WithdrawnAt.Format(time.RFC3339)))
			continue
		}

		fixed, matched := s.matchPackages(dep, version, adv)
		if !matched {
			continue
		}
		vulns = append(vulns, parse(adv, fixed))
	}
	if vulns == nil {
		vulns = []types.Vulnerability{}
	}
	return vulns, nil
}

// matchPackages reports whether any of the advisory's package entries apply
// to dep at the queried version, and collects the first patched versions of
// the ranges that do.
func (s *Source) matchPackages(dep types.Dependency, version pep440.Version, adv Advisory) ([]string, bool) {
	var fixed []string
	var matched bool
	for _, pkg := range adv.Packages {
		if !strings.EqualFold(pkg.Ecosystem, ecosystemPyPI) {
			continue
		}
		if utils.NormalizePkgName(pkg.PackageName) != dep.Canonical() {
			continue
		}
		for _, rng := range pkg.Versions {
			ok, err := matchRange(version, rng.VulnerableVersionRange)
			if err != nil {
				s.logger.Debug("Dropping unevaluable version range",
					log.VulnID(electID(adv)), log.String("range", rng.VulnerableVersionRange), log.Err(err))
				continue
			}
			if !ok {
				continue
			}
			matched = true
			if rng.FirstPatchedVersion != "" {
				fixed = append(fixed, rng.FirstPatchedVersion)
			}
		}
	}
	return fixed, matched
}

// parse maps one matching advisory onto the shared vulnerability shape.
func parse(adv Advisory, fixed []string) types.Vulnerability {
	id := electID(adv)

	description := adv.Title
	if description == "" {
		description = adv.Description
	}

	aliases := set.NewOrdered(adv.Identifiers...)
	aliases.Remove(id)

	v := types.Vulnerability{
		ID:          id,
		Description: description,
		Source:      SourceName,
	}
	if aliases.Len() > 0 {
		v.Aliases = aliases.Values()
	}
	if len(fixed) > 0 {
		v.FixedVersions = types.SortVersions(fixed)
	}
	return v
}

// electID picks the canonical identifier: the Python-native PYSEC scheme
// first, then CVE, then whatever the advisory lists, then the service uuid.
func electID(adv Advisory) string {
	for _, id := range adv.Identifiers {
		if strings.HasPrefix(id, "PYSEC-") {
			return id
		}
	}
	for _, id := range adv.Identifiers {
		if strings.HasPrefix(id, "CVE-") {
			return id
		}
	}
	if len(adv.Identifiers) > 0 {
		return adv.Identifiers[0]
	}
	return adv.UUID
}

// matchRange reports whether version falls inside an OSV-style comparator
// list such as ">= 1.0, < 2.0.2". A bare "= X" comparator means exact
// equality and is rewritten to "== X" before PEP 440 evaluation. An empty
// range constrains nothing and matches every version.
func matchRange(version pep440.Version, vulnRange string) (bool, error) {
	if strings.TrimSpace(vulnRange) == "" {
		return true, nil
	}

	parts := strings.Split(vulnRange, ",")
	for i, part := range parts {
		part = strings.ReplaceAll(part, " ", "")
		if strings.HasPrefix(part, "=") && !strings.HasPrefix(part, "==") {
			part = "=" + part
		}
		parts[i] = part
	}

	specifiers, err := pep440.NewSpecifiers(strings.Join(parts, ", "))
	if err != nil {
		return false, xerrors.Errorf("invalid version range %q: %w", vulnRange, err)
	}
	return specifiers.Check(version), nil
}
