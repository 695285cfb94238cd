package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthReport_Healthy(t *testing.T) {
	r := &HealthReport{Status: "healthy", Pool: &PoolStats{TotalConns: 2, Healthy: true}}
	assert.True(t, r.Healthy())

	r = &HealthReport{Status: "unhealthy", Error: "connection refused", Pool: &PoolStats{}}
	assert.False(t, r.Healthy())
}
