package monitoring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerAllHealthy(t *testing.T) {
	c := NewChecker()
	c.RunCheck("storage", func() error { return nil })
	c.RunCheck("bus", func() error { return nil })

	assert.Equal(t, StatusHealthy, c.GetOverallStatus())
	require.False(t, c.GetLastHealthyTime().IsZero())
}

func TestCheckerOneUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RunCheck("storage", func() error { return nil })
	c.RunCheck("bus", func() error { return errors.New("connection refused") })

	assert.Equal(t, StatusUnhealthy, c.GetOverallStatus())
	checks := c.GetAllChecks()
	require.Contains(t, checks, "bus")
	assert.Equal(t, "connection refused", checks["bus"].Message)
}

func TestCheckerNoChecksIsDegraded(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusDegraded, c.GetOverallStatus())
}
