package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

const (
	SourceName = "pypi"

	defaultBaseURL = "https://pypi.org"
)

// Source queries the PyPI JSON API. PyPI serves the same advisory feed that
// backs osv.dev for the Python ecosystem, plus the release digests needed for
// hash verification.
type Source struct {
	baseURL string
	client  *client.Client
	clock   clock.Clock
	logger  *log.Logger

	copts []client.Option
}

type Option func(*Source)

// WithBaseURL overrides the PyPI endpoint. An empty URL keeps the default.
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

// Query fetches the release document for dep and extracts its advisories.
// A package or version PyPI does not know is a skip, not a failure. A fix
// version that does not parse is a failure: remediation math would be
// unsound. The same goes for hash verification, which must never degrade
// into a silent skip.
func (s *Source) Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
	url := fmt.Sprintf("%s/pypi/%s/%s/json", s.baseURL, dep.Canonical(), dep.Version)
	res, err := s.client.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("pypi query error: %w", err)
	}
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, types.NewSkipError("Dependency not found on PyPI and could not be audited: %s", dep)
	default:
		return nil, xerrors.Errorf("pypi responded with status %d for %s", res.StatusCode, dep)
	}

	var project Project
	if err = json.Unmarshal(res.Body, &project); err != nil {
		return nil, types.NewSkipError("pypi returned an unparseable response for %s", dep)
	}

	if len(dep.Hashes) > 0 {
		if err = verifyHashes(dep, project.URLs); err != nil {
			return nil, err
		}
	}

	vulns := make([]types.Vulnerability, 0, len(project.Vulnerabilities))
	for _, adv := range project.Vulnerabilities {
		if adv.Withdrawn != nil && adv.Withdrawn.Before(s.clock.Now()) {
			s.logger.Debug("Dropping withdrawn advisory", log.VulnID(adv.ID),
				log.String("withdrawn", adv.Withdrawn.Format(time.RFC3339)))
			continue
		}
		for _, fixed := range adv.FixedIn {
			if _, err := pep440.Parse(fixed); err != nil {
				return nil, xerrors.Errorf("pypi returned an invalid fix version %q in %s for %s: %w",
					fixed, adv.ID, dep, err)
			}
		}
		vulns = append(vulns, parse(adv))
	}
	return vulns, nil
}

// parse maps one advisory onto the shared vulnerability shape.
func parse(adv Advisory) types.Vulnerability {
	description := adv.Details
	if description == "" {
		description = adv.Summary
	}

	aliases := set.NewOrdered(adv.Aliases...)
	aliases.Remove(adv.ID)

	var fixed []string
	if len(adv.FixedIn) > 0 {
		fixed = types.SortVersions(adv.FixedIn)
	}

	v := types.Vulnerability{
		ID:            adv.ID,
		Description:   description,
		FixedVersions: fixed,
		Source:        SourceName,
	}
	if aliases.Len() > 0 {
		v.Aliases = aliases.Values()
	}
	return v
}

// verifyHashes checks the supplied requirement hashes against the digests
// PyPI publishes for the release's distributions. At least one supplied hash
// must match a published digest.
func verifyHashes(dep types.Dependency, files []ReleaseFile) error {
	if len(files) == 0 {
		return xerrors.Errorf("PyPI lists no distributions for %s, hashes cannot be verified", dep)
	}
	for _, h := range dep.Hashes {
		algo, digest, ok := strings.Cut(h, ":")
		if !ok {
			return xerrors.Errorf("malformed requirement hash %q for %s", h, dep)
		}
		for _, f := range files {
			if strings.EqualFold(f.Digests[algo], digest) {
				return nil
			}
		}
	}
	return xerrors.Errorf("hash mismatch for %s, no distribution matches the supplied hashes", dep)
}
