package flow

import (
	"fmt"
	"time"
)

// Counts holds per-class vehicle and road-user counts for one bucket.
type Counts struct {
	Car        int64 `json:"car"`
	Bus        int64 `json:"bus"`
	Truck      int64 `json:"truck"`
	Van        int64 `json:"van"`
	Tricycle   int64 `json:"tricycle"`
	Motorcycle int64 `json:"motorcycle"`
	Bike       int64 `json:"bike"`
	Person     int64 `json:"person"`
}

// Total returns the sum of every class.
func (c Counts) Total() int64 {
	return c.VehicleTotal() + c.Bike + c.Person
}

// VehicleTotal returns the motor-vehicle subset (bikes and pedestrians excluded).
func (c Counts) VehicleTotal() int64 {
	return c.Car + c.Bus + c.Truck + c.Van + c.Tricycle + c.Motorcycle
}

// Add adds o onto c field by field.
func (c *Counts) Add(o Counts) {
	c.Car += o.Car
	c.Bus += o.Bus
	c.Truck += o.Truck
	c.Van += o.Van
	c.Tricycle += o.Tricycle
	c.Motorcycle += o.Motorcycle
	c.Bike += o.Bike
	c.Person += o.Person
}

// LaneFlow is a per-lane aggregate for one time bucket, produced by the
// ingestion pipeline.
type LaneFlow struct {
	LaneID string    `json:"lane_id"`
	Time   time.Time `json:"time"`
	Counts

	Occupancy     float64 `json:"occupancy"`      // space occupancy, %
	TimeOccupancy float64 `json:"time_occupancy"` // %
	HeadDistance  float64 `json:"head_distance"`  // time gap, s
	Distance      float64 `json:"distance"`       // motor vehicles x detection length, m
	TravelTime    float64 `json:"travel_time"`    // s
	SampleCount   int64   `json:"sample_count"`
}

// Add merges the additive fields of o into f. Identity fields are kept.
func (f *LaneFlow) Add(o LaneFlow) {
	f.Counts.Add(o.Counts)
	f.Occupancy += o.Occupancy
	f.TimeOccupancy += o.TimeOccupancy
	f.HeadDistance += o.HeadDistance
	f.Distance += o.Distance
	f.TravelTime += o.TravelTime
	f.SampleCount += o.SampleCount
}

// AverageSpeed returns the lane's space-mean speed in km/h.
func (f LaneFlow) AverageSpeed() float64 {
	return Speed(f.Distance, f.TravelTime)
}

// Validate checks a lane record received from a collaborator.
func (f LaneFlow) Validate() error {
	if f.LaneID == "" {
		return fmt.Errorf("lane_id is required")
	}
	if f.Time.IsZero() {
		return fmt.Errorf("time is required")
	}
	if f.Distance < 0 || f.TravelTime < 0 {
		return fmt.Errorf("distance and travel_time must not be negative")
	}
	return nil
}

// SectionFlow is a per-section aggregate. The same shape is used for the
// minute snapshot, the hourly bucket and the daily accumulator.
type SectionFlow struct {
	SectionID string    `json:"section_id"`
	Class     string    `json:"class"`
	Time      time.Time `json:"time"`
	Counts

	Occupancy     float64 `json:"occupancy"`
	TimeOccupancy float64 `json:"time_occupancy"`
	HeadDistance  float64 `json:"head_distance"`
	Distance      float64 `json:"distance"`
	TravelTime    float64 `json:"travel_time"`

	Length            float64 `json:"length"`     // m
	FreeSpeed         float64 `json:"free_speed"` // km/h
	AverageSpeed      float64 `json:"average_speed"`
	SectionTravelTime float64 `json:"section_travel_time"`

	VKT                  float64 `json:"vkt"`
	FLS                  float64 `json:"fls"`
	TravelTimeProportion float64 `json:"travel_time_proportion"`
	SampleCount          int64   `json:"sample_count"`
	LaneCount            int     `json:"lane_count"`

	TrafficStatus         TrafficStatus `json:"traffic_status"`
	CurrentCongestionSpan int64         `json:"current_congestion_span"`
	CongestionSpan        int64         `json:"congestion_span"`
	CongestionStartTime   time.Time     `json:"congestion_start_time"`
}

// Add merges the count and sum fields of o into f. Identity, static
// attributes, derived speeds and congestion state are left alone.
func (f *SectionFlow) Add(o SectionFlow) {
	f.Counts.Add(o.Counts)
	f.Occupancy += o.Occupancy
	f.TimeOccupancy += o.TimeOccupancy
	f.HeadDistance += o.HeadDistance
	f.Distance += o.Distance
	f.TravelTime += o.TravelTime
	f.VKT += o.VKT
	f.FLS += o.FLS
	f.TravelTimeProportion += o.TravelTimeProportion
	f.SampleCount += o.SampleCount
}

// Observe advances the daily congestion-duration state machine with one
// classified minute and accumulates the minute's daily totals.
func (f *SectionFlow) Observe(minute SectionFlow) {
	status := minute.TrafficStatus
	if status.Congested() {
		f.CurrentCongestionSpan++
		f.CongestionSpan++
	} else {
		f.CurrentCongestionSpan = 0
	}

	// Onset is marked on the upward crossing only.
	if !f.TrafficStatus.Congested() && status.Congested() {
		f.CongestionStartTime = minute.Time
	}
	f.TrafficStatus = status

	f.Counts.Add(minute.Counts)
	f.VKT += minute.VKT
	f.FLS += minute.FLS
	f.TravelTimeProportion += minute.TravelTimeProportion
	f.SampleCount += minute.SampleCount
}

// NewDayAccumulator returns an empty daily accumulator for a section.
// The status starts at Good so the first congested minute registers as an
// onset.
func NewDayAccumulator(s Section, day time.Time) SectionFlow {
	return SectionFlow{
		SectionID:     s.ID,
		Class:         s.Class,
		Time:          day,
		Length:        s.Length,
		FreeSpeed:     s.FreeSpeed,
		TrafficStatus: Good,
	}
}

// SectionStatus is the hourly histogram of classified minutes for one
// section.
type SectionStatus struct {
	SectionID          string    `json:"section_id"`
	Hour               time.Time `json:"hour"`
	Good               int64     `json:"good"`
	Normal             int64     `json:"normal"`
	MinorCongestion    int64     `json:"minor_congestion"`
	ModerateCongestion int64     `json:"moderate_congestion"`
	SevereCongestion   int64     `json:"severe_congestion"`
}

// Increment counts one minute in the bucket matching status.
func (s *SectionStatus) Increment(status TrafficStatus) {
	switch status {
	case Good:
		s.Good++
	case Normal:
		s.Normal++
	case MinorCongestion:
		s.MinorCongestion++
	case ModerateCongestion:
		s.ModerateCongestion++
	default:
		s.SevereCongestion++
	}
}

// Total returns the number of minutes counted.
func (s SectionStatus) Total() int64 {
	return s.Good + s.Normal + s.MinorCongestion + s.ModerateCongestion + s.SevereCongestion
}

// Section is a road segment with static attributes.
type Section struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Class     string  `json:"class" yaml:"class"`
	Length    float64 `json:"length" yaml:"length"`         // m
	FreeSpeed float64 `json:"free_speed" yaml:"free_speed"` // km/h
}

// Lane is a detector lane belonging to a section.
type Lane struct {
	ID              string  `json:"id" yaml:"id"`
	SectionID       string  `json:"section_id" yaml:"section_id"`
	DetectionLength float64 `json:"detection_length" yaml:"detection_length"` // m
}

// LevelStatus summarises every section currently holding one status.
type LevelStatus struct {
	Status       TrafficStatus `json:"status"`
	SectionCount int           `json:"section_count"`
	AverageSpeed float64       `json:"average_speed"`
}

// HourlyIndex is the congestion index of one hour of the day.
type HourlyIndex struct {
	Hour  time.Time `json:"hour"`
	Index float64   `json:"index"`
}

// SectionRank is one entry of the daily congestion-duration ranking.
type SectionRank struct {
	SectionID      string `json:"section_id"`
	Name           string `json:"name"`
	CongestionSpan int64  `json:"congestion_span"`
}

// CongestedSection is a section that is congested right now.
type CongestedSection struct {
	SectionID             string        `json:"section_id"`
	Name                  string        `json:"name"`
	Status                TrafficStatus `json:"status"`
	CongestionStartTime   time.Time     `json:"congestion_start_time"`
	CurrentCongestionSpan int64         `json:"current_congestion_span"`
}

// CityStatus is the network-wide picture computed on each tick.
type CityStatus struct {
	Time         time.Time          `json:"time"`
	TotalFlow    int64              `json:"total_flow"`
	AverageSpeed float64            `json:"average_speed"`
	Levels       []LevelStatus      `json:"levels"`
	HourlyIndex  []HourlyIndex      `json:"hourly_index"`
	TopCongested []SectionRank      `json:"top_congested"`
	Congested    []CongestedSection `json:"congested"`
}

// EmptyCityStatus is served before the first tick completes.
func EmptyCityStatus() CityStatus {
	levels := make([]LevelStatus, 0, len(Statuses))
	for _, s := range Statuses {
		levels = append(levels, LevelStatus{Status: s})
	}
	return CityStatus{
		Levels:       levels,
		HourlyIndex:  []HourlyIndex{},
		TopCongested: []SectionRank{},
		Congested:    []CongestedSection{},
	}
}
