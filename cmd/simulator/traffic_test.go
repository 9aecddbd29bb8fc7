package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/topology"
)

func TestSpeedFactor_RushHours(t *testing.T) {
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	night := speedFactor(day.Add(3 * time.Hour))
	morning := speedFactor(day.Add(8 * time.Hour))
	evening := speedFactor(day.Add(17*time.Hour + 30*time.Minute))

	assert.Greater(t, night, 0.9)
	assert.Less(t, morning, 0.5)
	assert.Less(t, evening, 0.5)
	assert.GreaterOrEqual(t, evening, 0.2)
}

func TestGenerator_Sample(t *testing.T) {
	topo := topology.New(
		[]flow.Section{{ID: "s1", Length: 500, FreeSpeed: 50}},
		[]flow.Lane{{ID: "l1", SectionID: "s1", DetectionLength: 4}, {ID: "l2", SectionID: "s1"}},
	)
	g := newGenerator(topo, 42, 20)
	at := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	samples := g.Sample(at)
	require.Len(t, samples, 2)

	for _, lf := range samples {
		require.NoError(t, lf.Validate())
		assert.True(t, lf.Time.Equal(at))
		assert.Equal(t, int64(1), lf.SampleCount)
		if lf.VehicleTotal() > 0 {
			speed := lf.AverageSpeed()
			assert.Greater(t, speed, 0.0)
			assert.LessOrEqual(t, speed, 50*1.05+1e-9)
		}
	}
	assert.InDelta(t, float64(samples[0].VehicleTotal())*4, samples[0].Distance, 1e-9)
	assert.InDelta(t, float64(samples[1].VehicleTotal())*defaultDetectionLength, samples[1].Distance, 1e-9)
}

func TestGenerator_Deterministic(t *testing.T) {
	topo := topology.New([]flow.Section{{ID: "s1", FreeSpeed: 40}}, []flow.Lane{{ID: "l1", SectionID: "s1"}})
	at := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)

	a := newGenerator(topo, 7, 10).Sample(at)
	b := newGenerator(topo, 7, 10).Sample(at)
	assert.Equal(t, a, b)
}
