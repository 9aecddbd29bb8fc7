package flow

import "time"

// Classification breakpoints on averageSpeed/freeSpeed, most free first.
// A ratio equal to a breakpoint falls into the less congested bracket.
const (
	goodRatio     = 0.7
	normalRatio   = 0.5
	minorRatio    = 0.4
	moderateRatio = 0.3
)

// Speed converts a distance (m) over a travel time (s) to km/h.
func Speed(distance, travelTime float64) float64 {
	if travelTime <= 0 {
		return 0
	}
	return distance / travelTime * 3.6
}

// TravelTime returns the seconds needed to cover length metres at speed km/h.
func TravelTime(length, speed float64) float64 {
	if speed <= 0 {
		return 0
	}
	return length / (speed / 3.6)
}

// TravelTimeProportion returns actual over free-flow travel time, floored at 1.
func TravelTimeProportion(travelTime, freeTravelTime float64) float64 {
	if travelTime < freeTravelTime || freeTravelTime <= 0 {
		return 1
	}
	return travelTime / freeTravelTime
}

// Classify maps an average speed against the section's free-flow speed.
func Classify(averageSpeed, freeSpeed float64) TrafficStatus {
	var ratio float64
	if freeSpeed > 0 {
		ratio = averageSpeed / freeSpeed
	}

	switch {
	case ratio > goodRatio:
		return Good
	case ratio > normalRatio:
		return Normal
	case ratio > minorRatio:
		return MinorCongestion
	case ratio > moderateRatio:
		return ModerateCongestion
	default:
		return SevereCongestion
	}
}

// WeightedSpeed returns the speed contribution of a group holding vkt out of
// totalVKT: (vkt/fls) * (vkt/totalVKT) * 3.6. Summing it across disjoint
// groups yields the VKT-weighted network speed.
func WeightedSpeed(vkt, fls, totalVKT float64) float64 {
	if fls <= 0 || totalVKT <= 0 {
		return 0
	}
	return vkt / fls * (vkt / totalVKT) * 3.6
}

// CombineLanes builds a section minute snapshot from the lanes that
// reported. Occupancy, time occupancy and headway are lane-averaged; the
// other fields are sums. It returns false when no lane contributed.
func CombineLanes(s Section, t time.Time, lanes []LaneFlow) (SectionFlow, bool) {
	n := len(lanes)
	if n == 0 {
		return SectionFlow{}, false
	}

	out := SectionFlow{
		SectionID: s.ID,
		Class:     s.Class,
		Time:      t,
		Length:    s.Length,
		FreeSpeed: s.FreeSpeed,
		LaneCount: n,
	}
	for _, lf := range lanes {
		out.Counts.Add(lf.Counts)
		out.Distance += lf.Distance
		out.TravelTime += lf.TravelTime
		out.Occupancy += lf.Occupancy
		out.TimeOccupancy += lf.TimeOccupancy
		out.HeadDistance += lf.HeadDistance
	}
	out.Occupancy /= float64(n)
	out.TimeOccupancy /= float64(n)
	out.HeadDistance /= float64(n)

	out.AverageSpeed = Speed(out.Distance, out.TravelTime)
	out.SectionTravelTime = TravelTime(s.Length, out.AverageSpeed)
	freeTravelTime := TravelTime(s.Length, s.FreeSpeed)
	out.TravelTimeProportion = TravelTimeProportion(out.SectionTravelTime, freeTravelTime)
	out.TrafficStatus = Classify(out.AverageSpeed, s.FreeSpeed)

	vehicles := float64(out.VehicleTotal())
	out.VKT = vehicles * s.Length
	out.FLS = vehicles * out.SectionTravelTime
	out.SampleCount = 1

	return out, true
}

// CongestionIndex maps a network travel-time proportion onto the 0-10
// index. Values of 2.5 and above saturate at exactly 10; just below the cap
// the stepped formula can exceed 10.
func CongestionIndex(totalTTP float64) float64 {
	if totalTTP >= 2.5 {
		return 10
	}
	index := (totalTTP - 1) / 0.3 * 2
	switch {
	case totalTTP >= 2.2:
		index += 8
	case totalTTP >= 1.9:
		index += 6
	case totalTTP >= 1.6:
		index += 4
	case totalTTP >= 1.3:
		index += 2
	}
	return index
}
