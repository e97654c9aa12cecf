package vulnsrc

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/aquasecurity/pypi-audit/pkg/types"
)

// MockSource is a testify mock of Source for orchestrator and planner tests.
type MockSource struct {
	mock.Mock

	// SourceName is returned by Name so tests do not have to stub it.
	SourceName string
}

func (_m *MockSource) Name() string {
	if _m.SourceName == "" {
		return "mock"
	}
	return _m.SourceName
}

func (_m *MockSource) Query(ctx context.Context, dep types.Dependency) ([]types.Vulnerability, error) {
	ret := _m.Called(ctx, dep)
	ret0 := ret.Get(0)
	if ret0 == nil {
		return nil, ret.Error(1)
	}
	vulns, ok := ret0.([]types.Vulnerability)
	if !ok {
		return nil, ret.Error(1)
	}
	return vulns, ret.Error(1)
}
