// Package mocks provides test doubles for the places client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	places "github.com/leadgrid/leadgrid/pkg/places"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchText provides a mock function with given fields: ctx, apiKey, req
func (_m *MockClient) SearchText(ctx context.Context, apiKey string, req places.SearchRequest) (*places.SearchResponse, error) {
	ret := _m.Called(ctx, apiKey, req)

	if len(ret) == 0 {
		panic("no return value specified for SearchText")
	}

	var r0 *places.SearchResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, places.SearchRequest) (*places.SearchResponse, error)); ok {
		return rf(ctx, apiKey, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, places.SearchRequest) *places.SearchResponse); ok {
		r0 = rf(ctx, apiKey, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*places.SearchResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, places.SearchRequest) error); ok {
		r1 = rf(ctx, apiKey, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient with expectations
// cleaned up after the test completes.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
