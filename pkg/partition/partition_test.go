package partition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme_Name(t *testing.T) {
	tests := []struct {
		name   string
		scheme Scheme
		at     time.Time
		want   string
	}{
		{
			name:   "daily",
			scheme: Scheme{Grid: 24 * time.Hour, Loc: time.UTC},
			at:     time.Date(2024, 3, 9, 13, 45, 0, 0, time.UTC),
			want:   "20240309",
		},
		{
			name:   "daily before phase still on previous day",
			scheme: Scheme{Grid: 24 * time.Hour, Phase: 5 * time.Minute, Loc: time.UTC},
			at:     time.Date(2024, 3, 9, 0, 3, 0, 0, time.UTC),
			want:   "20240308",
		},
		{
			name:   "daily after phase",
			scheme: Scheme{Grid: 24 * time.Hour, Phase: 5 * time.Minute, Loc: time.UTC},
			at:     time.Date(2024, 3, 9, 0, 5, 0, 0, time.UTC),
			want:   "20240309",
		},
		{
			name:   "six hour grid names the slot start",
			scheme: Scheme{Grid: 6 * time.Hour, Loc: time.UTC},
			at:     time.Date(2024, 3, 9, 13, 45, 0, 0, time.UTC),
			want:   "2024030912",
		},
		{
			name:   "minute grid",
			scheme: Scheme{Grid: 15 * time.Minute, Loc: time.UTC},
			at:     time.Date(2024, 3, 9, 13, 44, 59, 0, time.UTC),
			want:   "202403091330",
		},
		{
			name:   "daily grid follows the location",
			scheme: Scheme{Grid: 24 * time.Hour, Loc: time.FixedZone("UTC+8", 8*3600)},
			at:     time.Date(2024, 3, 9, 17, 0, 0, 0, time.UTC),
			want:   "20240310",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scheme.Name(tt.at))
		})
	}
}

func TestScheme_Span(t *testing.T) {
	s := Scheme{Grid: 24 * time.Hour, Loc: time.UTC}
	start := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)

	assert.Equal(t, []string{"20240308", "20240309", "20240310", "20240311"}, s.Span(start, end))
	assert.Nil(t, s.Span(end, start))
}

type fakeFamily struct {
	name   string
	calls  []string
	failOn map[string]error
}

func (f *fakeFamily) Family() string { return f.name }

func (f *fakeFamily) ChangePartition(_ context.Context, id string) error {
	f.calls = append(f.calls, id)
	return f.failOn[id]
}

func TestController_ActivatesAndRotates(t *testing.T) {
	ctx := context.Background()
	scheme := Scheme{Grid: 24 * time.Hour, Phase: 5 * time.Minute, Loc: time.UTC}
	lanes := &fakeFamily{name: "lane_flow"}
	status := &fakeFamily{name: "section_status"}
	c := NewController(scheme, lanes, status)

	day1 := time.Date(2024, 3, 9, 0, 5, 0, 0, time.UTC)
	require.NoError(t, c.Handle(ctx, time.Time{}, day1, day1.Add(24*time.Hour)))
	id, ok := c.Active("lane_flow")
	require.True(t, ok)
	assert.Equal(t, "20240309", id)

	// Same slot: nothing to do.
	require.NoError(t, c.Handle(ctx, day1, day1.Add(time.Hour), day1.Add(2*time.Hour)))
	assert.Equal(t, []string{"20240309"}, lanes.calls)

	day2 := day1.Add(24 * time.Hour)
	require.NoError(t, c.Handle(ctx, day1, day2, day2.Add(24*time.Hour)))
	assert.Equal(t, []string{"20240309", "20240310"}, lanes.calls)
	assert.Equal(t, []string{"20240309", "20240310"}, status.calls)
}

func TestController_RetriesFailedFamilyOnNextInvocation(t *testing.T) {
	ctx := context.Background()
	scheme := Scheme{Grid: 24 * time.Hour, Loc: time.UTC}
	lanes := &fakeFamily{name: "lane_flow"}
	status := &fakeFamily{name: "section_status", failOn: map[string]error{"20240310": errors.New("disk full")}}
	c := NewController(scheme, lanes, status)

	day1 := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	require.NoError(t, c.Handle(ctx, time.Time{}, day1, day2))

	err := c.Handle(ctx, day1, day2, day2.Add(24*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "section_status")

	// The failed family stays on its old partition; the other one moved.
	id, _ := c.Active("section_status")
	assert.Equal(t, "20240309", id)
	id, _ = c.Active("lane_flow")
	assert.Equal(t, "20240310", id)

	delete(status.failOn, "20240310")
	require.NoError(t, c.Handle(ctx, day2, day2.Add(time.Hour), day2.Add(2*time.Hour)))
	id, _ = c.Active("section_status")
	assert.Equal(t, "20240310", id)
	assert.Equal(t, []string{"20240309"}, lanes.calls[:1])
	assert.Len(t, lanes.calls, 2, "healthy family is not rotated twice")
}

func TestController_ActivateBeforeFirstTick(t *testing.T) {
	ctx := context.Background()
	scheme := Scheme{Grid: 24 * time.Hour, Phase: 5 * time.Minute, Loc: time.UTC}
	lanes := &fakeFamily{name: "lane_flow"}
	c := NewController(scheme, lanes)

	_, ok := c.Active("lane_flow")
	require.False(t, ok)

	start := time.Date(2024, 3, 9, 13, 7, 0, 0, time.UTC)
	require.NoError(t, c.Activate(ctx, start))
	id, ok := c.Active("lane_flow")
	require.True(t, ok)
	assert.Equal(t, "20240309", id)

	// The scheduler's run-at-start invocation finds the partition already active.
	require.NoError(t, c.Handle(ctx, time.Time{}, start.Add(time.Second), start.Add(time.Hour)))
	assert.Equal(t, []string{"20240309"}, lanes.calls)
}
