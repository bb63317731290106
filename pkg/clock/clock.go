package clock

import (
	bclock "github.com/benbjohnson/clock"
)

type (
	// Clock defines an interface for time-related operations, useful
	// for injecting a mocked time source in tests.
	Clock = bclock.Clock

	// Mock is a mock Clock whose time only advances when told to.
	Mock = bclock.Mock
)

// New returns a Clock backed by the system time.
func New() Clock {
	return bclock.New()
}

// NewMock returns a mock Clock for tests.
func NewMock() *Mock {
	return bclock.NewMock()
}
