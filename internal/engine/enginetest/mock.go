// Package enginetest provides test doubles for the engine boundary.
package enginetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// MockEngine is a mock implementation of engine.Engine for testing.
type MockEngine struct {
	mock.Mock
}

// Load mocks the Load method.
func (m *MockEngine) Load(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// InitThreadPool mocks the InitThreadPool method.
func (m *MockEngine) InitThreadPool(ctx context.Context, count int) (bool, error) {
	args := m.Called(ctx, count)
	return args.Bool(0), args.Error(1)
}

// ResizeThreadPool mocks the ResizeThreadPool method.
func (m *MockEngine) ResizeThreadPool(ctx context.Context, count int) (bool, error) {
	args := m.Called(ctx, count)
	return args.Bool(0), args.Error(1)
}

// Capabilities mocks the Capabilities method.
func (m *MockEngine) Capabilities() engine.Capabilities {
	args := m.Called()
	return args.Get(0).(engine.Capabilities)
}

// Invoke mocks the Invoke method.
func (m *MockEngine) Invoke(ctx context.Context, job engine.Job) (*engine.Output, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Output), args.Error(1)
}

// Dispose mocks the Dispose method.
func (m *MockEngine) Dispose() {
	m.Called()
}

// Capabilities returns a typical multi-threaded host report.
func Capabilities(hw int) engine.Capabilities {
	return engine.Capabilities{
		Backend:             "mock",
		ThreadingSupported:  true,
		HardwareConcurrency: hw,
		MaxThreads:          16,
		Jobs:                []engine.JobType{engine.JobStats, engine.JobMatrix, engine.JobScript},
	}
}

// NewMockEngine creates a mock engine reporting hw logical cores. Only
// Capabilities and Dispose have default behaviors; lifecycle and Invoke
// expectations are left to the test.
func NewMockEngine(hw int) *MockEngine {
	m := new(MockEngine)
	m.On("Capabilities").Return(Capabilities(hw)).Maybe()
	m.On("Dispose").Return().Maybe()
	return m
}
