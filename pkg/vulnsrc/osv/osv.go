package osv

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/set"
	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/utils"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

const (
	SourceName = "osv"

	defaultBaseURL = "https://api.osv.dev"
	ecosystemPyPI  = "PyPI"
)

// Source queries the osv.dev API for advisories affecting a single package
// version. It covers PYSEC advisories from the Python Packaging Advisory
// Database as well as GHSA entries mirrored into OSV.
type Source struct {
	baseURL string
	client  *client.Client
	clock   clock.Clock
	logger  *log.Logger

	copts []client.Option
}

type Option func(*Source)

// WithBaseURL overrides the osv.dev endpoint. An empty URL keeps the default.
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

// Query asks osv.dev for every advisory affecting dep at its pinned version.
// An advisory the service knows nothing about yields an empty result, not an
// error. Withdrawn and malformed entries are dropped individually so one bad
// advisory cannot mask the rest.
func (s *Source) Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
	payload, err := json.Marshal(queryRequest{
		Package: queryPackage{
			Name:      dep.Canonical(),
			Ecosystem: ecosystemPyPI,
		},
		Version: dep.Version,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal query for %s: %w", dep, err)
	}

	res, err := s.client.Do(ctx, http.MethodPost, s.baseURL+"/v1/query", payload)
	if err != nil {
		return nil, xerrors.Errorf("osv query error: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, types.NewSkipError("osv responded with status %d for %s", res.StatusCode, dep)
	}

	var query struct {
		Vulns []json.RawMessage `json:"vulns"`
	}
	if err = json.Unmarshal(res.Body, &query); err != nil {
		return nil, types.NewSkipError("osv returned an unparseable response for %s", dep)
	}

	vulns := make([]types.Vulnerability, 0, len(query.Vulns))
	for _, raw := range query.Vulns {
		var entry Entry
		if err = json.Unmarshal(raw, &entry); err != nil {
			s.logger.Debug("Dropping malformed advisory", log.Package(dep.Name), log.Err(err))
			continue
		}
		if entry.Withdrawn != nil && entry.Withdrawn.Before(s.clock.Now()) {
			s.logger.Debug("Dropping withdrawn advisory", log.VulnID(entry.ID),
				log.String("withdrawn", entry.Withdrawn.Format(time.RFC3339)))
			continue
		}
		vulns = append(vulns, s.parse(dep, entry))
	}
	return vulns, nil
}

// parse maps a single OSV entry onto the shared vulnerability shape.
func (s *Source) parse(dep types.Dependency, entry Entry) types.Vulnerability {
	description := entry.Details
	if description == "" {
		description = entry.Summary
	}

	var fixed []string
	if vs := fixedVersions(dep, entry); len(vs) > 0 {
		fixed = types.SortVersions(vs)
	}

	return types.Vulnerability{
		ID:            entry.ID,
		Aliases:       cleanAliases(entry),
		Description:   description,
		FixedVersions: fixed,
		Source:        SourceName,
	}
}

// cleanAliases returns the entry aliases deduplicated and sorted, without the
// entry's own ID.
func cleanAliases(entry Entry) []string {
	aliases := set.NewOrdered(entry.Aliases...)
	aliases.Remove(entry.ID)
	if aliases.Len() == 0 {
		return nil
	}
	return aliases.Values()
}

// fixedVersions collects the fixed events across every range affecting the
// queried package. GIT ranges hold commit hashes, not versions.
func fixedVersions(dep types.Dependency, entry Entry) []string {
	var fixed []string
	for _, affected := range entry.Affected {
		if pkg := affected.Package; pkg != nil {
			if pkg.Ecosystem != "" && !strings.EqualFold(pkg.Ecosystem, ecosystemPyPI) {
				continue
			}
			if pkg.Name != "" && utils.NormalizePkgName(pkg.Name) != dep.Canonical() {
				continue
			}
		}
		for _, rng := range affected.Ranges {
			if rng.Type == RangeTypeGit {
				continue
			}
			for _, event := range rng.Events {
				if event.Fixed != "" {
					fixed = append(fixed, event.Fixed)
				}
			}
		}
	}
	return fixed
}
