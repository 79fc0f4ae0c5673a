package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) VerifyCredential(ctx context.Context, actorID, secret string) (bool, error) {
	args := m.Called(ctx, actorID, secret)
	return args.Bool(0), args.Error(1)
}
