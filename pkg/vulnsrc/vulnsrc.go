package vulnsrc

import (
	"context"
	"sort"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/pypi-audit/pkg/types"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/esms"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/osv"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/pypi"
)

// Source queries one advisory provider for everything it knows about a
// single dependency version. A call resolves exactly once: to findings, to
// a *types.SkipError when the dependency cannot be audited there, or to any
// other error when the provider is unusable. Transient-failure retries stay
// inside the implementation.
type Source interface {
	Name() string
	Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error)
}

// DefaultService is queried when no service is selected.
const DefaultService = osv.SourceName

var constructors = map[string]func(baseURL string, copts ...client.Option) Source{
	osv.SourceName: func(baseURL string, copts ...client.Option) Source {
		return osv.NewSource(osv.WithBaseURL(baseURL), osv.WithClientOptions(copts...))
	},
	pypi.SourceName: func(baseURL string, copts ...client.Option) Source {
		return pypi.NewSource(pypi.WithBaseURL(baseURL), pypi.WithClientOptions(copts...))
	},
	esms.SourceName: func(baseURL string, copts ...client.Option) Source {
		return esms.NewSource(esms.WithBaseURL(baseURL), esms.WithClientOptions(copts...))
	},
}

// AllServices lists the selectable provider names, sorted.
func AllServices() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter registered under name. An empty baseURL keeps the
// provider's default endpoint.
func New(name, baseURL string, copts ...client.Option) (Source, error) {
	constructor, ok := constructors[name]
	if !ok {
		return nil, xerrors.Errorf("unknown vulnerability service: %s", name)
	}
	return constructor(baseURL, copts...), nil
}
