package vulnsrctest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// Querier is the adapter surface exercised by TestQuery.
type Querier interface {
	Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error)
}

// TestQueryArgs drives a single adapter test case against a stub provider.
// Fixture is the body served for every request. Handler overrides the stub
// entirely for cases that need routing or request assertions.
type TestQueryArgs struct {
	Fixture    string
	StatusCode int
	Handler    http.Handler
	Dep        types.Dependency
	Want       []types.Vulnerability
	WantSkip   string
	WantErr    string
}

// TestQuery starts a stub provider, points the adapter built by newSource at
// it, and checks the outcome of a single query.
func TestQuery(t *testing.T, newSource func(baseURL string) Querier, args TestQueryArgs) {
	t.Helper()

	handler := args.Handler
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// assert, not require: FailNow is unsafe off the test goroutine.
			var body []byte
			if args.Fixture != "" {
				b, err := os.ReadFile(args.Fixture)
				if !assert.NoError(t, err) {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				body = b
			}
			if args.StatusCode != 0 {
				w.WriteHeader(args.StatusCode)
			}
			_, _ = w.Write(body)
		})
	}

	ts := httptest.NewServer(handler)
	defer ts.Close()

	got, err := newSource(ts.URL).Query(context.Background(), args.Dep)

	switch {
	case args.WantErr != "":
		require.Error(t, err)
		assert.Contains(t, err.Error(), args.WantErr)
	case args.WantSkip != "":
		reason, ok := types.SkipReason(err)
		require.True(t, ok, "expected a skip, got: %v", err)
		assert.Contains(t, reason, args.WantSkip)
	default:
		require.NoError(t, err)
		assert.Equal(t, args.Want, got)
	}
}
