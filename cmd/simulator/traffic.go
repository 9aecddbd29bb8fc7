package main

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/nicktill/tinyflow/pkg/flow"
)

// defaultDetectionLength is used for lanes whose detector length is unset.
const defaultDetectionLength = 5.0

// Network is the part of the topology the generator needs.
type Network interface {
	Sections() []flow.Section
	LanesOfSection(id string) []flow.Lane
}

// generator produces synthetic lane samples with morning and evening rush
// hours.
type generator struct {
	network Network
	rng     *rand.Rand
	// volume is the mean motor vehicles per lane per sample off-peak.
	volume float64
}

func newGenerator(network Network, seed uint64, volume float64) *generator {
	return &generator{
		network: network,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		volume:  volume,
	}
}

// speedFactor is the fraction of free speed traffic moves at, by time of day.
func speedFactor(t time.Time) float64 {
	h := float64(t.Hour()) + float64(t.Minute())/60
	// Two gaussian dips centred on 08:00 and 17:30.
	dip := 0.55*math.Exp(-math.Pow(h-8, 2)/1.5) + 0.6*math.Exp(-math.Pow(h-17.5, 2)/2)
	return math.Max(0.2, 0.95-dip)
}

// volumeFactor scales the sample volume by time of day.
func volumeFactor(t time.Time) float64 {
	h := float64(t.Hour())
	switch {
	case h < 5:
		return 0.2
	case h >= 7 && h < 10, h >= 16 && h < 20:
		return 1.6
	default:
		return 1
	}
}

// Sample returns one sample per lane for time t.
func (g *generator) Sample(t time.Time) []flow.LaneFlow {
	var out []flow.LaneFlow
	for _, sec := range g.network.Sections() {
		speed := sec.FreeSpeed * speedFactor(t) * (0.95 + 0.1*g.rng.Float64())
		for _, lane := range g.network.LanesOfSection(sec.ID) {
			out = append(out, g.laneSample(lane, t, speed))
		}
	}
	return out
}

func (g *generator) laneSample(lane flow.Lane, t time.Time, speed float64) flow.LaneFlow {
	mean := g.volume * volumeFactor(t)
	vehicles := int64(math.Max(0, math.Round(mean+g.rng.NormFloat64()*math.Sqrt(mean))))

	counts := flow.Counts{
		Car:        vehicles * 80 / 100,
		Bus:        vehicles * 5 / 100,
		Truck:      vehicles * 5 / 100,
		Van:        vehicles * 5 / 100,
		Motorcycle: vehicles * 3 / 100,
		Bike:       int64(g.rng.IntN(3)),
		Person:     int64(g.rng.IntN(4)),
	}
	counts.Tricycle = vehicles - counts.VehicleTotal()

	length := lane.DetectionLength
	if length <= 0 {
		length = defaultDetectionLength
	}
	distance := float64(counts.VehicleTotal()) * length
	occupancy := math.Min(100, float64(vehicles)*(1-speedFactor(t))*4)

	lf := flow.LaneFlow{
		LaneID:        lane.ID,
		Time:          t,
		Counts:        counts,
		Occupancy:     occupancy,
		TimeOccupancy: occupancy * 0.9,
		Distance:      distance,
		TravelTime:    flow.TravelTime(distance, speed),
		SampleCount:   1,
	}
	if vehicles > 0 {
		lf.HeadDistance = 60 / float64(vehicles)
	}
	return lf
}
