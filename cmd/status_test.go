//go:build !integration

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/resilience"
)

func TestFormatUsage(t *testing.T) {
	var buf bytes.Buffer
	formatUsage(&buf, 2_500_000, 40_000_000, budget.Config{
		APIKeys:          []string{"a", "b"},
		DailyCeilingMu:   10_000_000,
		MonthlyCeilingMu: 0,
	}, resilience.CircuitClosed)

	out := buf.String()
	assert.Contains(t, out, "$2.50")
	assert.Contains(t, out, "$10.00")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "$40.00")
	assert.Contains(t, out, "closed")
	assert.Contains(t, out, "credentials: 2")
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "$0.00", dollars(0))
	assert.Equal(t, "$0.03", dollars(32_000))
	assert.Equal(t, "$1250.00", dollars(1_250_000_000))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "-", percent(100, 0))
	assert.Equal(t, "50.0%", percent(50, 100))
	assert.Equal(t, "150.0%", percent(150, 100))
}
