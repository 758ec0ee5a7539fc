package models

import (
	"maps"
	"time"
)

// Granularity is a status bucket width.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Granularities lists bucket widths from finest to coarsest.
var Granularities = []Granularity{GranularityMinute, GranularityHour, GranularityDay}

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, bool) {
	switch g := Granularity(s); g {
	case GranularityMinute, GranularityHour, GranularityDay:
		return g, true
	}
	return "", false
}

// Truncate floors t (in UTC) to the start of its bucket.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// Sample is one raw connectivity poll.
type Sample struct {
	Connected        bool             `json:"connected"`
	ErrorsReceived   int64            `json:"errors_received"`
	PollingTimestamp time.Time        `json:"polling_timestamp"`
	Hosts            map[string]int64 `json:"hosts,omitempty"`
	Loggers          map[string]int64 `json:"loggers,omitempty"`
}

// Bucket aggregates samples over one time key.
type Bucket struct {
	DatasourceID   int64            `json:"datasource_id"`
	EnvironmentID  int64            `json:"environment_id"`
	Granularity    Granularity      `json:"granularity"`
	Start          time.Time        `json:"start"`
	Connected      bool             `json:"connected"`
	ErrorsReceived int64            `json:"errors_received"`
	Samples        int64            `json:"samples"`
	Hosts          map[string]int64 `json:"hosts"`
	Loggers        map[string]int64 `json:"loggers"`
}

// Add merges s into the bucket: connected is OR-ed, counts are summed key-wise.
func (b *Bucket) Add(s Sample) {
	b.Connected = b.Connected || s.Connected
	b.ErrorsReceived += s.ErrorsReceived
	b.Samples++
	b.Hosts = addCounts(b.Hosts, s.Hosts)
	b.Loggers = addCounts(b.Loggers, s.Loggers)
}

// Clone returns a deep copy.
func (b *Bucket) Clone() *Bucket {
	c := *b
	c.Hosts = maps.Clone(b.Hosts)
	c.Loggers = maps.Clone(b.Loggers)
	return &c
}

func addCounts(dst, src map[string]int64) map[string]int64 {
	if dst == nil {
		dst = make(map[string]int64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

// Health is the connectivity classification of a datasource environment.
type Health string

const (
	HealthOnline     Health = "online"
	HealthOffline    Health = "offline"
	HealthConnecting Health = "connecting"
)
