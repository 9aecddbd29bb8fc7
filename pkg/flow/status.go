package flow

import "fmt"

// TrafficStatus is the congestion level of a section, ordered by severity.
type TrafficStatus int

const (
	Good TrafficStatus = iota
	Normal
	MinorCongestion
	ModerateCongestion
	SevereCongestion
)

// Statuses lists every level from least to most severe.
var Statuses = []TrafficStatus{Good, Normal, MinorCongestion, ModerateCongestion, SevereCongestion}

var statusNames = [...]string{"good", "normal", "minor_congestion", "moderate_congestion", "severe_congestion"}

// Congested reports whether s is MinorCongestion or worse.
func (s TrafficStatus) Congested() bool {
	return s >= MinorCongestion
}

// Valid reports whether s is one of the five levels.
func (s TrafficStatus) Valid() bool {
	return s >= Good && s <= SevereCongestion
}

func (s TrafficStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s TrafficStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid traffic status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText decodes a status name.
func (s *TrafficStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = TrafficStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown traffic status %q", string(text))
}
