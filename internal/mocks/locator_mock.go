// File: internal/mocks/locator_mock.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/curator/internal/locator"
)

// -- Locator Mock --

// MockLocator mocks locator.Locator. It deliberately does not implement
// locator.TextFinder so predicates exercise the element-by-element path.
type MockLocator struct {
	mock.Mock
}

var _ locator.Locator = (*MockLocator)(nil)

func (m *MockLocator) FindAll(ctx context.Context, q locator.Query) ([]locator.Handle, error) {
	args := m.Called(ctx, q)
	handles, _ := args.Get(0).([]locator.Handle)
	return handles, args.Error(1)
}

func (m *MockLocator) FindFirst(ctx context.Context, q locator.Query) (locator.Handle, bool, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(locator.Handle), args.Bool(1), args.Error(2)
}

func (m *MockLocator) TextEquals(ctx context.Context, h locator.Handle, text string) (bool, error) {
	args := m.Called(ctx, h, text)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocator) TextContains(ctx context.Context, h locator.Handle, text string) (bool, error) {
	args := m.Called(ctx, h, text)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocator) ReadText(ctx context.Context, h locator.Handle) (string, error) {
	args := m.Called(ctx, h)
	return args.String(0), args.Error(1)
}

func (m *MockLocator) Attr(ctx context.Context, h locator.Handle, name string) (string, bool, error) {
	args := m.Called(ctx, h, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockLocator) IsVisible(ctx context.Context, h locator.Handle) (bool, error) {
	args := m.Called(ctx, h)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocator) IsEnabled(ctx context.Context, h locator.Handle) (bool, error) {
	args := m.Called(ctx, h)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocator) Click(ctx context.Context, h locator.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockLocator) Related(ctx context.Context, h locator.Handle, rel locator.Relation) (locator.Handle, bool, error) {
	args := m.Called(ctx, h, rel)
	return args.Get(0).(locator.Handle), args.Bool(1), args.Error(2)
}

func (m *MockLocator) DocumentReady(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
