package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	status error
}

func (m *mockService) Start() {}

func (m *mockService) Stop() error { return nil }

func (m *mockService) Status() error { return m.status }

type secondMockService struct {
	status error
}

func (m *secondMockService) Start() {}

func (m *secondMockService) Stop() error { return nil }

func (m *secondMockService) Status() error { return m.status }

func TestRegisterServiceTwiceFails(t *testing.T) {
	registry := NewServiceRegistry()
	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))
	assert.Error(t, registry.RegisterService(m), "registering the same type twice should fail")
}

func TestFetchService(t *testing.T) {
	registry := NewServiceRegistry()
	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))

	assert.Error(t, registry.FetchService(*m), "value arguments are not addressable")

	var missing *secondMockService
	assert.Error(t, registry.FetchService(&missing))

	var fetched *mockService
	require.NoError(t, registry.FetchService(&fetched))
	assert.Same(t, m, fetched)
}

func TestStatuses(t *testing.T) {
	registry := NewServiceRegistry()
	m := &mockService{}
	s := &secondMockService{status: errors.New("unhealthy")}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	var healthy, unhealthy int
	for _, err := range statuses {
		if err == nil {
			healthy++
		} else {
			unhealthy++
		}
	}
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 1, unhealthy)
}
