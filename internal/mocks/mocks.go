// File: internal/mocks/mocks.go
package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/curator/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Automation() config.AutomationConfig {
	args := m.Called()
	return args.Get(0).(config.AutomationConfig)
}

func (m *MockConfig) Collections() config.CollectionsConfig {
	args := m.Called()
	return args.Get(0).(config.CollectionsConfig)
}

func (m *MockConfig) Places() config.PlacesConfig {
	args := m.Called()
	return args.Get(0).(config.PlacesConfig)
}

