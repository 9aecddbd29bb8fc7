package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Brackets(t *testing.T) {
	tests := []struct {
		name  string
		speed float64
		want  TrafficStatus
	}{
		{"free flow", 90, Good},
		{"exactly 0.7 is normal", 70, Normal},
		{"just above 0.7", 70.5, Good},
		{"exactly 0.5 is minor", 50, MinorCongestion},
		{"inside normal", 60, Normal},
		{"exactly 0.4 is moderate", 40, ModerateCongestion},
		{"inside minor", 45, MinorCongestion},
		{"exactly 0.3 is severe", 30, SevereCongestion},
		{"inside moderate", 35, ModerateCongestion},
		{"stopped", 0, SevereCongestion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.speed, 100))
		})
	}
}

func TestClassify_Monotonic(t *testing.T) {
	prev := SevereCongestion
	for speed := 0.0; speed <= 120; speed += 0.5 {
		got := Classify(speed, 100)
		assert.LessOrEqual(t, int(got), int(prev), "speed %.1f", speed)
		prev = got
	}
}

func TestClassify_NoFreeSpeed(t *testing.T) {
	assert.Equal(t, SevereCongestion, Classify(50, 0))
}

func TestTravelTimeProportion_Floor(t *testing.T) {
	inputs := [][2]float64{{0, 0}, {5, 10}, {10, 10}, {30, 10}, {10, 0}, {0, 20}}
	for _, in := range inputs {
		assert.GreaterOrEqual(t, TravelTimeProportion(in[0], in[1]), 1.0, "input %v", in)
	}
	assert.InDelta(t, 3.0, TravelTimeProportion(30, 10), 1e-9)
}

func TestCombineLanes_Scenario(t *testing.T) {
	section := Section{ID: "s1", Class: "arterial", Length: 300, FreeSpeed: 54}
	minute := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	lanes := make([]LaneFlow, 3)
	for i := range lanes {
		lanes[i] = LaneFlow{
			LaneID:        "l" + string(rune('1'+i)),
			Time:          minute,
			Counts:        Counts{Car: 4, Bike: 1},
			Distance:      100,
			TravelTime:    10,
			Occupancy:     float64(10 * (i + 1)),
			TimeOccupancy: 6,
			HeadDistance:  3,
		}
	}

	snap, ok := CombineLanes(section, minute, lanes)
	require.True(t, ok)

	assert.InDelta(t, 36.0, snap.AverageSpeed, 1e-9)
	assert.Equal(t, Normal, snap.TrafficStatus)
	assert.Equal(t, 3, snap.LaneCount)
	assert.Equal(t, minute, snap.Time)

	// Lane-averaged fields.
	assert.InDelta(t, 20.0, snap.Occupancy, 1e-9)
	assert.InDelta(t, 6.0, snap.TimeOccupancy, 1e-9)
	assert.InDelta(t, 3.0, snap.HeadDistance, 1e-9)

	// Summed fields.
	assert.InDelta(t, 300.0, snap.Distance, 1e-9)
	assert.InDelta(t, 30.0, snap.TravelTime, 1e-9)
	assert.Equal(t, int64(12), snap.Car)
	assert.Equal(t, int64(15), snap.Total())

	// 300 m at 36 km/h = 30 s; free flow 300 m at 54 km/h = 20 s.
	assert.InDelta(t, 30.0, snap.SectionTravelTime, 1e-9)
	assert.InDelta(t, 1.5, snap.TravelTimeProportion, 1e-9)
	assert.InDelta(t, 12*300.0, snap.VKT, 1e-9)
	assert.InDelta(t, 12*30.0, snap.FLS, 1e-9)
	assert.Equal(t, int64(1), snap.SampleCount)
}

func TestCombineLanes_NoLanes(t *testing.T) {
	_, ok := CombineLanes(Section{ID: "s1"}, time.Now(), nil)
	assert.False(t, ok)
}

func TestCombineLanes_ZeroTravelTime(t *testing.T) {
	section := Section{ID: "s1", Length: 300, FreeSpeed: 54}
	snap, ok := CombineLanes(section, time.Now(), []LaneFlow{{LaneID: "l1"}})
	require.True(t, ok)
	assert.Zero(t, snap.AverageSpeed)
	assert.Zero(t, snap.SectionTravelTime)
	assert.Equal(t, 1.0, snap.TravelTimeProportion)
	assert.Equal(t, SevereCongestion, snap.TrafficStatus)
}

func TestCongestionIndex(t *testing.T) {
	tests := []struct {
		ttp  float64
		want float64
	}{
		{1.0, 0},
		{1.15, 1},
		{1.3, 4},
		{1.6, 8},
		{1.9, 12},
		{2.2, 16},
		{2.49, 1.49/0.3*2 + 8},
		{2.5, 10},
		{3.7, 10},
		{100, 10},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, CongestionIndex(tt.ttp), 1e-9, "ttp %.2f", tt.ttp)
	}
	assert.InDelta(t, 17.93, CongestionIndex(2.49), 0.01)
}

func TestWeightedSpeed(t *testing.T) {
	// vkt/fls = 10 m/s, full weight.
	assert.InDelta(t, 36.0, WeightedSpeed(1000, 100, 1000), 1e-9)
	// Half the network's VKT contributes half the speed.
	assert.InDelta(t, 18.0, WeightedSpeed(1000, 100, 2000), 1e-9)
	assert.Zero(t, WeightedSpeed(1000, 0, 1000))
	assert.Zero(t, WeightedSpeed(0, 0, 0))
}

func TestLaneFlowAdd_Commutative(t *testing.T) {
	a := LaneFlow{LaneID: "l1", Counts: Counts{Car: 3, Person: 1}, Distance: 30, TravelTime: 4, Occupancy: 5, SampleCount: 2}
	b := LaneFlow{LaneID: "l1", Counts: Counts{Car: 1, Truck: 2}, Distance: 25, TravelTime: 3, HeadDistance: 2, SampleCount: 1}

	ab := LaneFlow{LaneID: "l1"}
	ab.Add(a)
	ab.Add(b)

	ba := LaneFlow{LaneID: "l1"}
	ba.Add(b)
	ba.Add(a)

	assert.Equal(t, ab, ba)
	assert.Equal(t, int64(4), ab.Car)
	assert.Equal(t, int64(2), ab.Truck)
	assert.InDelta(t, 55.0, ab.Distance, 1e-9)
	assert.Equal(t, int64(3), ab.SampleCount)
	assert.Equal(t, "l1", ab.LaneID)
}

func TestSectionFlowAdd_KeepsIdentity(t *testing.T) {
	acc := SectionFlow{SectionID: "s1", Length: 300, FreeSpeed: 54, TrafficStatus: Normal}
	acc.Add(SectionFlow{SectionID: "other", Length: 1, VKT: 10, FLS: 2, TravelTimeProportion: 1.5, SampleCount: 1, TrafficStatus: SevereCongestion})

	assert.Equal(t, "s1", acc.SectionID)
	assert.Equal(t, 300.0, acc.Length)
	assert.Equal(t, Normal, acc.TrafficStatus)
	assert.Equal(t, 10.0, acc.VKT)
	assert.Equal(t, int64(1), acc.SampleCount)
}

func TestObserve_OnsetFiresOnUpwardCrossing(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	acc := NewDayAccumulator(Section{ID: "s1"}, base)

	sequence := []TrafficStatus{Good, Good, MinorCongestion, MinorCongestion, Good, MinorCongestion}
	onsets := 0
	var lastOnset time.Time
	for i, status := range sequence {
		acc.Observe(SectionFlow{Time: base.Add(time.Duration(i) * time.Minute), TrafficStatus: status, SampleCount: 1})
		if !acc.CongestionStartTime.Equal(lastOnset) {
			onsets++
			lastOnset = acc.CongestionStartTime
		}
	}

	assert.Equal(t, 2, onsets)
	assert.Equal(t, base.Add(5*time.Minute), acc.CongestionStartTime)
	assert.Equal(t, int64(3), acc.CongestionSpan)
	assert.Equal(t, int64(1), acc.CurrentCongestionSpan)
	assert.Equal(t, int64(6), acc.SampleCount)
}

func TestObserve_FirstMinuteCongested(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	acc := NewDayAccumulator(Section{ID: "s1"}, start)
	acc.Observe(SectionFlow{Time: start, TrafficStatus: SevereCongestion})

	assert.Equal(t, start, acc.CongestionStartTime)
	assert.Equal(t, int64(1), acc.CurrentCongestionSpan)
}

func TestObserve_WorseningDoesNotResetOnset(t *testing.T) {
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	acc := NewDayAccumulator(Section{ID: "s1"}, start)
	acc.Observe(SectionFlow{Time: start, TrafficStatus: MinorCongestion})
	acc.Observe(SectionFlow{Time: start.Add(time.Minute), TrafficStatus: SevereCongestion})
	acc.Observe(SectionFlow{Time: start.Add(2 * time.Minute), TrafficStatus: Normal})

	assert.Equal(t, start, acc.CongestionStartTime)
	assert.Equal(t, int64(0), acc.CurrentCongestionSpan)
	assert.Equal(t, int64(2), acc.CongestionSpan)
}

func TestSectionStatus_Increment(t *testing.T) {
	var s SectionStatus
	for i := 0; i < 60; i++ {
		s.Increment(Statuses[i%len(Statuses)])
	}
	assert.Equal(t, int64(60), s.Total())
	assert.Equal(t, int64(12), s.Good)
	assert.Equal(t, int64(12), s.SevereCongestion)
}

func TestTrafficStatus_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Status TrafficStatus `json:"status"`
	}{ModerateCongestion})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"moderate_congestion"}`, string(data))

	var decoded struct {
		Status TrafficStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ModerateCongestion, decoded.Status)

	assert.Error(t, decoded.Status.UnmarshalText([]byte("jammed")))
	assert.True(t, MinorCongestion.Congested())
	assert.False(t, Normal.Congested())
}
