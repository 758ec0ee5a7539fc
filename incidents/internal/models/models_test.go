package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"Disk Full", "disk full", true},
		{"  Disk   Full ", "disk full", true},
		{"Disk Full", "Disk-Full", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.same, NormalizeLabel(tt.a) == NormalizeLabel(tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestDefaults(t *testing.T) {
	assert.True(t, IsDefaultLabel(""))
	assert.True(t, IsDefaultLabel(" unknown "))
	assert.False(t, IsDefaultLabel("OOM killer"))
	assert.True(t, IsDefaultSeverity("UNKNOWN"))
	assert.False(t, IsDefaultSeverity("critical"))

	it := NewIncidentType(1, 2, 3)
	assert.True(t, it.HasDefaultLabel())
	assert.True(t, it.HasDefaultSeverity())
	assert.False(t, it.HasSolution())
	assert.False(t, it.IsRefined())

	it.NumberSolutions = 1
	assert.True(t, it.HasSolution())
}

func TestIncidentType_Clone(t *testing.T) {
	from := int64(4)
	it := &IncidentType{LogCategories: []int64{1, 2}, RefinedFrom: &from}
	c := it.Clone()
	c.LogCategories[0] = 9
	*c.RefinedFrom = 5
	assert.Equal(t, int64(1), it.LogCategories[0])
	assert.Equal(t, int64(4), *it.RefinedFrom)
}

func TestErrorChains(t *testing.T) {
	assert.True(t, errors.Is(ErrSolutionRequired, ErrForbidden))
	assert.True(t, errors.Is(ErrMappingInProgress, ErrForbidden))
	assert.True(t, errors.Is(ErrInvalidTransition, ErrForbidden))
	assert.False(t, errors.Is(ErrSolutionRequired, ErrInvalidTransition))
}

func TestIncident_ObserveAndAbsorb(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	inc := &Incident{}
	inc.Observe(t0, []string{"web-1"}, []string{"nova"})
	inc.Observe(t0.Add(time.Minute), []string{"web-2", "web-1"}, nil)

	assert.Equal(t, int64(2), inc.Occurrences)
	assert.Equal(t, t0, inc.FirstOccurrence)
	assert.Equal(t, t0.Add(time.Minute), inc.LastOccurrence)
	assert.Equal(t, []string{"web-1", "web-2"}, inc.Hosts)

	other := &Incident{Occurrences: 3, FirstOccurrence: t0.Add(-time.Hour), LastOccurrence: t0, Loggers: []string{"neutron"}}
	inc.Absorb(other)
	assert.Equal(t, int64(5), inc.Occurrences)
	assert.Equal(t, t0.Add(-time.Hour), inc.FirstOccurrence)
	assert.Equal(t, []string{"neutron", "nova"}, inc.Loggers)
}

func TestBucket_Add(t *testing.T) {
	b := &Bucket{}
	b.Add(Sample{Connected: true, ErrorsReceived: 2, Hosts: map[string]int64{"a": 1}})
	b.Add(Sample{Connected: false, ErrorsReceived: 3, Hosts: map[string]int64{"a": 2, "b": 1}})

	assert.True(t, b.Connected)
	assert.Equal(t, int64(5), b.ErrorsReceived)
	assert.Equal(t, int64(2), b.Samples)
	assert.Equal(t, map[string]int64{"a": 3, "b": 1}, b.Hosts)
}

func TestGranularity_Truncate(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC), GranularityMinute.Truncate(ts))
	assert.Equal(t, time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC), GranularityHour.Truncate(ts))
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), GranularityDay.Truncate(ts))

	_, ok := ParseGranularity("week")
	assert.False(t, ok)
}

func TestParseState(t *testing.T) {
	st, ok := ParseState("RESOLVED")
	assert.True(t, ok)
	assert.Equal(t, StateResolved, st)
	_, ok = ParseState("resolved")
	assert.False(t, ok)
}
