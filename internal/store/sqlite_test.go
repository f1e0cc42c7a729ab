package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.db")
	st, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, path
}

func TestSQLiteRoundTrip(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	in := []Sample{
		{Name: "cpu", Value: 12.5, Timestamp: t0, Labels: map[string]string{"c": "web"}, Unit: "percent"},
		{Name: "status", StrValue: "running", IsString: true, Timestamp: t0.Add(time.Second), Labels: map[string]string{"c": "web"}},
	}
	if err := st.Store(ctx, in); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := st.Query(ctx, Query{Name: "cpu"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d samples, want 1", len(got))
	}
	s := got[0]
	if s.Value != 12.5 || s.Unit != "percent" || s.Labels["c"] != "web" {
		t.Fatalf("sample = %+v", s)
	}
	if !s.Timestamp.Equal(t0) {
		t.Fatalf("timestamp = %s, want %s", s.Timestamp, t0)
	}

	got, _ = st.Query(ctx, Query{Name: "status"})
	if len(got) != 1 || !got[0].IsString || got[0].StrValue != "running" {
		t.Fatalf("string sample = %+v", got)
	}
}

func TestSQLiteOrderingAndLimit(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	// Two samples share a timestamp; rowid breaks the tie in insert order.
	st.Store(ctx, []Sample{numSample("m", 2, t0.Add(time.Second), nil)})
	st.Store(ctx, []Sample{numSample("m", 1, t0, nil)})
	st.Store(ctx, []Sample{numSample("m", 3.1, t0.Add(2*time.Second), nil)})
	st.Store(ctx, []Sample{numSample("m", 3.2, t0.Add(2*time.Second), nil)})

	got, err := st.Query(ctx, Query{Name: "m"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []float64{1, 2, 3.1, 3.2}
	for i, v := range want {
		if got[i].Value != v {
			t.Fatalf("order = %v, want %v", values(got), want)
		}
	}

	got, _ = st.Query(ctx, Query{Name: "m", Limit: 2})
	if len(got) != 2 || got[0].Value != 3.1 || got[1].Value != 3.2 {
		t.Fatalf("limit = %v, want newest two", values(got))
	}
}

func TestSQLiteLabelFiltering(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	st.Store(ctx, []Sample{
		numSample("m", 1, t0, map[string]string{"env": "prod", "app": "x"}),
		numSample("m", 2, t0, map[string]string{"env": "dev"}),
	})

	got, _ := st.Query(ctx, Query{Name: "m", Labels: map[string]string{"env": "prod"}})
	if len(got) != 1 || got[0].Value != 1 {
		t.Fatalf("label filter = %v", values(got))
	}

	latest, err := st.QueryLatest(ctx, "m", map[string]string{"env": "dev"})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.Value != 2 {
		t.Fatalf("latest = %+v, want value 2", latest)
	}
}

func TestSQLiteQueryLatestBuriedSeries(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	// One old dev sample, then hundreds of newer prod samples of the same
	// metric. The dev series must still be found, however deep it sits.
	st.Store(ctx, []Sample{numSample("m", 7, t0, map[string]string{"env": "dev"})})
	var prod []Sample
	for i := 0; i < 300; i++ {
		prod = append(prod, numSample("m", float64(i), t0.Add(time.Duration(i+1)*time.Second), map[string]string{"env": "prod"}))
	}
	st.Store(ctx, prod)

	latest, err := st.QueryLatest(ctx, "m", map[string]string{"env": "dev"})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.Value != 7 {
		t.Fatalf("latest = %+v, want the buried dev sample", latest)
	}

	latest, err = st.QueryLatest(ctx, "m", map[string]string{"env": "staging"})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("latest = %+v, want nil for an absent series", latest)
	}
}

func TestSQLiteQueryRange(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	st.Store(ctx, []Sample{
		numSample("m", 2, t0.Add(5*time.Second), nil),
		numSample("m", 4, t0.Add(10*time.Second), nil),
	})

	points, err := st.QueryRange(ctx, "m", t0, t0.Add(30*time.Second), 15*time.Second, nil, AggAvg)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("buckets = %d, want 3", len(points))
	}
	if points[0].Value == nil || *points[0].Value != 3 {
		t.Fatalf("bucket 0 = %v, want avg 3", points[0].Value)
	}
}

func TestSQLiteDelete(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		st.Store(ctx, []Sample{numSample("m", float64(i), t0.Add(time.Duration(i)*time.Minute), nil)})
	}

	n, err := st.Delete(ctx, DeleteFilter{Name: "m", Before: t0.Add(5 * time.Minute)})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 5 {
		t.Fatalf("deleted = %d, want 5", n)
	}
	got, _ := st.Query(ctx, Query{Name: "m"})
	if len(got) != 5 || got[0].Value != 5 {
		t.Fatalf("remaining = %v", values(got))
	}
}

func TestSQLiteDeleteKeepAtLeast(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		st.Store(ctx, []Sample{numSample("m", float64(i), t0.Add(time.Duration(i)*time.Minute), nil)})
	}

	n, err := st.Delete(ctx, DeleteFilter{Name: "m", Before: t0.Add(time.Hour), KeepAtLeast: 8})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	got, _ := st.Query(ctx, Query{Name: "m"})
	if len(got) != 8 || got[0].Value != 2 {
		t.Fatalf("remaining = %v, want newest eight", values(got))
	}
}

func TestSQLiteDeleteByLabels(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	st.Store(ctx, []Sample{
		numSample("m", 1, t0, map[string]string{"c": "a"}),
		numSample("m", 2, t0, map[string]string{"c": "b"}),
	})

	n, err := st.Delete(ctx, DeleteFilter{
		Name:   "m",
		Before: t0.Add(time.Minute),
		Labels: map[string]string{"c": "a"},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	got, _ := st.Query(ctx, Query{Name: "m"})
	if len(got) != 1 || got[0].Labels["c"] != "b" {
		t.Fatalf("remaining = %+v", got)
	}
}

func TestSQLitePersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	ctx := context.Background()

	st, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Store(ctx, []Sample{numSample("m", 7, t0, nil)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	got, err := st.Query(ctx, Query{Name: "m"})
	if err != nil {
		t.Fatalf("query after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Value != 7 {
		t.Fatalf("persisted = %v", values(got))
	}
}

func TestSQLiteEnumerationAndStats(t *testing.T) {
	st, _ := openTestDB(t)
	ctx := context.Background()

	st.Store(ctx, []Sample{
		numSample("b", 1, t0, map[string]string{"env": "prod"}),
		numSample("a", 2, t0.Add(time.Minute), map[string]string{"env": "dev"}),
	})

	names, _ := st.MetricNames(ctx)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v", names)
	}
	keys, _ := st.LabelKeys(ctx, "a")
	if len(keys) != 1 || keys[0] != "env" {
		t.Fatalf("keys = %v", keys)
	}
	vals, _ := st.LabelValues(ctx, "env", "")
	if len(vals) != 2 || vals[0] != "dev" || vals[1] != "prod" {
		t.Fatalf("values = %v", vals)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Points != 2 || stats.Metrics != 2 || stats.Series != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if !stats.OldestTime.Equal(t0) || !stats.NewestTime.Equal(t0.Add(time.Minute)) {
		t.Fatalf("stats window = %s .. %s", stats.OldestTime, stats.NewestTime)
	}
}
