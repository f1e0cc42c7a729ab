package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// series holds the ordered points for one fingerprint. Points are kept in
// timestamp order; ties preserve insertion order.
type series struct {
	name   string
	labels map[string]string
	points []Sample
}

// MemoryStore is the in-memory backend: a lock-protected map of fingerprint
// to ordered point list, bounded per series with oldest-first eviction.
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[string]*series
	maxPoints int
}

// NewMemoryStore creates a memory backend. maxPointsPerSeries <= 0 means
// unbounded.
func NewMemoryStore(maxPointsPerSeries int) *MemoryStore {
	return &MemoryStore{
		series:    make(map[string]*series),
		maxPoints: maxPointsPerSeries,
	}
}

func (m *MemoryStore) Store(_ context.Context, samples []Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		fp := Fingerprint(s.Name, s.Labels)
		sr, ok := m.series[fp]
		if !ok {
			sr = &series{name: s.Name, labels: s.Labels}
			m.series[fp] = sr
		}
		// Fast path: appends in time order. Out-of-order points get a stable
		// re-sort which keeps insertion order for equal timestamps.
		sr.points = append(sr.points, s)
		if n := len(sr.points); n > 1 && sr.points[n-1].Timestamp.Before(sr.points[n-2].Timestamp) {
			sort.SliceStable(sr.points, func(i, j int) bool {
				return sr.points[i].Timestamp.Before(sr.points[j].Timestamp)
			})
		}
		if m.maxPoints > 0 && len(sr.points) > m.maxPoints {
			sr.points = append(sr.points[:0:0], sr.points[len(sr.points)-m.maxPoints:]...)
		}
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Sample
	for _, sr := range m.series {
		if q.Name != "" && sr.name != q.Name {
			continue
		}
		if !labelsMatch(sr.labels, q.Labels) {
			continue
		}
		for _, p := range sr.points {
			if inWindow(p.Timestamp, q.Start, q.End) {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *MemoryStore) QueryLatest(_ context.Context, name string, labels map[string]string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Sample
	for _, sr := range m.series {
		if sr.name != name || !labelsMatch(sr.labels, labels) || len(sr.points) == 0 {
			continue
		}
		p := sr.points[len(sr.points)-1]
		if latest == nil || p.Timestamp.After(latest.Timestamp) {
			cp := p
			latest = &cp
		}
	}
	return latest, nil
}

func (m *MemoryStore) QueryRange(ctx context.Context, name string, start, end time.Time, step time.Duration, labels map[string]string, agg Aggregation) ([]RangePoint, error) {
	samples, err := m.Query(ctx, Query{Name: name, Start: start, End: end, Labels: labels})
	if err != nil {
		return nil, err
	}
	return bucketize(samples, start, end, step, agg), nil
}

func (m *MemoryStore) MetricNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, sr := range m.series {
		seen[sr.name] = true
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) LabelKeys(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, sr := range m.series {
		if name != "" && sr.name != name {
			continue
		}
		for k := range sr.labels {
			seen[k] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) LabelValues(_ context.Context, key, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, sr := range m.series {
		if name != "" && sr.name != name {
			continue
		}
		if v, ok := sr.labels[key]; ok {
			seen[v] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, name string, agg Aggregation, start, end time.Time, interval time.Duration, labels map[string]string) ([]AggPoint, error) {
	points, err := m.QueryRange(ctx, name, start, end, interval, labels, agg)
	if err != nil {
		return nil, err
	}
	var out []AggPoint
	for _, p := range points {
		if p.Value != nil {
			out = append(out, AggPoint{Timestamp: p.Timestamp, Value: *p.Value})
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, f DeleteFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for fp, sr := range m.series {
		if f.Name != "" && sr.name != f.Name {
			continue
		}
		if !labelsMatch(sr.labels, f.Labels) {
			continue
		}
		cut := 0
		for cut < len(sr.points) && sr.points[cut].Timestamp.Before(f.Before) {
			cut++
		}
		if keep := len(sr.points) - f.KeepAtLeast; f.KeepAtLeast > 0 && cut > keep {
			cut = keep
		}
		if cut <= 0 {
			continue
		}
		deleted += cut
		sr.points = append(sr.points[:0:0], sr.points[cut:]...)
		if len(sr.points) == 0 {
			delete(m.series, fp)
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Series: len(m.series)}
	names := make(map[string]bool)
	for _, sr := range m.series {
		names[sr.name] = true
		st.Points += len(sr.points)
		if len(sr.points) == 0 {
			continue
		}
		first, last := sr.points[0].Timestamp, sr.points[len(sr.points)-1].Timestamp
		if st.OldestTime.IsZero() || first.Before(st.OldestTime) {
			st.OldestTime = first
		}
		if last.After(st.NewestTime) {
			st.NewestTime = last
		}
	}
	st.Metrics = len(names)
	return st, nil
}

func (m *MemoryStore) Close() error { return nil }

// bucketize folds time-ordered samples into fixed-step buckets spanning
// [t, t+step). Empty buckets carry a nil value.
func bucketize(samples []Sample, start, end time.Time, step time.Duration, agg Aggregation) []RangePoint {
	if agg == AggNone {
		agg = AggLast
	}
	buckets := rangeBuckets(start, end, step)
	out := make([]RangePoint, len(buckets))
	for i, t := range buckets {
		out[i].Timestamp = t
	}
	if step <= 0 {
		step = 1
	}
	grouped := make([][]Sample, len(buckets))
	for _, s := range samples {
		idx := int(s.Timestamp.Sub(start) / step)
		if idx < 0 || idx >= len(buckets) {
			continue
		}
		grouped[idx] = append(grouped[idx], s)
	}
	for i, g := range grouped {
		if v, ok := aggregate(g, agg); ok {
			val := v
			out[i].Value = &val
		}
	}
	return out
}

func inWindow(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
