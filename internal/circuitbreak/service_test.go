package circuitbreak

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAndNotifies(t *testing.T) {
	opened := make(chan string, 1)

	SetListener(func(service string) { opened <- service })
	defer SetListener(nil)

	breaker := New[any]("test_service", 60, 2)
	failure := errors.New("boom")

	for range 2 {
		_, err := breaker.Execute(func() (any, error) { return nil, failure })
		require.ErrorIs(t, err, failure)
	}

	assert.Equal(t, gobreaker.StateOpen, breaker.State())
	assert.Equal(t, "test_service", <-opened)

	_, err := breaker.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	breaker := New[int]("below_threshold", 60, 3)

	_, _ = breaker.Execute(func() (int, error) { return 0, errors.New("once") })
	value, err := breaker.Execute(func() (int, error) { return 7, nil })

	require.NoError(t, err)
	assert.Equal(t, 7, value)
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
}
