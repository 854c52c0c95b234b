package services

import (
	"github.com/stretchr/testify/mock"
)

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(topic string, event any) error {
	args := m.Called(topic, event)
	return args.Error(0)
}
