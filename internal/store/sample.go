// Package store holds metric samples as time series and answers queries over
// them. Two backends satisfy the same Store contract: an in-memory map used
// for tests and short-lived runs, and a SQLite file for persistence.
package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Sample is a single stored point: name, value, timestamp, labels. A sample
// carries either a numeric or a string value; IsString selects which.
type Sample struct {
	Name      string
	Value     float64
	StrValue  string
	IsString  bool
	Timestamp time.Time
	Labels    map[string]string
	Unit      string
}

// Fingerprint is the canonical identity of a series: the metric name plus
// its sorted label pairs.
func Fingerprint(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// encodeLabels renders labels in canonical sorted "k=v,k=v" form, the stable
// representation persisted by the SQLite backend.
func encodeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}

// decodeLabels is the inverse of encodeLabels.
func decodeLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if i := strings.IndexByte(pair, '='); i >= 0 {
			labels[pair[:i]] = pair[i+1:]
		}
	}
	return labels
}

// labelsMatch reports whether all want pairs are present in got.
func labelsMatch(got, want map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// Aggregation names a reduction over a set of samples. String-valued samples
// only participate in AggLast and AggCount; other aggregations skip them.
type Aggregation string

const (
	AggNone  Aggregation = ""
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
	AggLast  Aggregation = "last"
)

// Query selects samples. Zero fields are unconstrained.
type Query struct {
	Name        string
	Start       time.Time
	End         time.Time
	Labels      map[string]string
	Aggregation Aggregation
	Limit       int
}

// RangePoint is one bucket of a range query. Value is nil for empty buckets.
type RangePoint struct {
	Timestamp time.Time
	Value     *float64
}

// AggPoint is one interval of an aggregation.
type AggPoint struct {
	Timestamp time.Time
	Value     float64
}

// DeleteFilter selects samples for bulk deletion. KeepAtLeast preserves the
// newest N points of every touched series even when they predate Before.
type DeleteFilter struct {
	Name        string // "" = all metrics
	Before      time.Time
	Labels      map[string]string
	KeepAtLeast int
}

// Stats summarizes a backend's contents.
type Stats struct {
	Series     int
	Points     int
	Metrics    int
	OldestTime time.Time
	NewestTime time.Time
}

// Store is the time-series contract shared by both backends.
type Store interface {
	Store(ctx context.Context, samples []Sample) error
	Query(ctx context.Context, q Query) ([]Sample, error)
	QueryLatest(ctx context.Context, name string, labels map[string]string) (*Sample, error)
	QueryRange(ctx context.Context, name string, start, end time.Time, step time.Duration, labels map[string]string, agg Aggregation) ([]RangePoint, error)
	MetricNames(ctx context.Context) ([]string, error)
	LabelKeys(ctx context.Context, name string) ([]string, error)
	LabelValues(ctx context.Context, key, name string) ([]string, error)
	Aggregate(ctx context.Context, name string, agg Aggregation, start, end time.Time, interval time.Duration, labels map[string]string) ([]AggPoint, error)
	Delete(ctx context.Context, f DeleteFilter) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// aggregate reduces numeric values per the aggregation. ok is false when the
// bucket is empty (or holds only string values for a numeric aggregation).
func aggregate(samples []Sample, agg Aggregation) (float64, bool) {
	var nums []float64
	for _, s := range samples {
		if !s.IsString {
			nums = append(nums, s.Value)
		}
	}
	switch agg {
	case AggCount:
		return float64(len(samples)), len(samples) > 0
	case AggLast:
		if len(samples) == 0 {
			return 0, false
		}
		last := samples[len(samples)-1]
		if last.IsString {
			return 0, false
		}
		return last.Value, true
	}
	if len(nums) == 0 {
		return 0, false
	}
	switch agg {
	case AggSum, AggNone:
		var sum float64
		for _, v := range nums {
			sum += v
		}
		if agg == AggNone {
			return nums[len(nums)-1], true
		}
		return sum, true
	case AggAvg:
		var sum float64
		for _, v := range nums {
			sum += v
		}
		return sum / float64(len(nums)), true
	case AggMin:
		min := nums[0]
		for _, v := range nums[1:] {
			if v < min {
				min = v
			}
		}
		return min, true
	case AggMax:
		max := nums[0]
		for _, v := range nums[1:] {
			if v > max {
				max = v
			}
		}
		return max, true
	}
	return 0, false
}

// rangeBuckets returns the bucket start times for [start, end] at the given
// step: exactly ceil((end-start)/step)+1 entries.
func rangeBuckets(start, end time.Time, step time.Duration) []time.Time {
	if step <= 0 || end.Before(start) {
		return []time.Time{start}
	}
	span := end.Sub(start)
	n := int(span / step)
	if span%step != 0 {
		n++
	}
	buckets := make([]time.Time, n+1)
	for i := range buckets {
		buckets[i] = start.Add(time.Duration(i) * step)
	}
	return buckets
}
