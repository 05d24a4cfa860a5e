package util

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{1024 * 1024 * 5, " 5.0 MiB"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, formatBytes(tc.in))
		assert.Len(t, formatBytes(tc.in), 8)
	}
}

func TestRegisterMetricsReadsStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	before := Stats.Handshakes.Load()
	Stats.AddHandshake()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "meshlink_handshakes_total" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, float64(before+1), mf.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found, "handshake counter not exported")

	assert.Error(t, RegisterMetrics(reg), "second registration must collide")
}

func TestShortIDStable(t *testing.T) {
	assert.Equal(t, ShortID("AA:BB:CC:DD:EE:FF"), ShortID("AA:BB:CC:DD:EE:FF"))
	assert.NotEqual(t, ShortID("AA:BB:CC:DD:EE:FF"), ShortID("AA:BB:CC:DD:EE:00"))
}
