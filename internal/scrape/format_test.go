package scrape

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/store"
)

func TestFormatCounterFamily(t *testing.T) {
	ts := time.UnixMilli(1672574400000)
	samples := []store.Sample{
		{Name: "req-total", Labels: map[string]string{"svc": "a\nb"}, Value: 42.0, Timestamp: ts},
		{Name: "req-total", Labels: map[string]string{"svc": "c"}, Value: math.Inf(1), Timestamp: ts},
	}

	got := NewFormatter().Format(samples)
	want := "# TYPE req_total counter\n" +
		"# HELP req_total Metric req_total\n" +
		"req_total{svc=\"a\\nb\"} 42 1672574400000\n" +
		"req_total{svc=\"c\"} +Inf 1672574400000\n"
	if got != want {
		t.Fatalf("format mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestFormatFamiliesSorted(t *testing.T) {
	ts := time.UnixMilli(1000)
	samples := []store.Sample{
		{Name: "zeta", Value: 1, Timestamp: ts},
		{Name: "alpha", Value: 2, Timestamp: ts},
	}
	out := NewFormatter().Format(samples)
	if strings.Index(out, "alpha") > strings.Index(out, "zeta") {
		t.Fatalf("families not sorted:\n%s", out)
	}
}

func TestFormatLinesSortedByLabels(t *testing.T) {
	ts := time.UnixMilli(1000)
	samples := []store.Sample{
		{Name: "m", Labels: map[string]string{"x": "b"}, Value: 2, Timestamp: ts},
		{Name: "m", Labels: map[string]string{"x": "a"}, Value: 1, Timestamp: ts},
	}
	out := NewFormatter().Format(samples)
	if strings.Index(out, `x="a"`) > strings.Index(out, `x="b"`) {
		t.Fatalf("lines not sorted by label tuple:\n%s", out)
	}
}

func TestFormatStable(t *testing.T) {
	ts := time.UnixMilli(5000)
	samples := []store.Sample{
		{Name: "m_total", Labels: map[string]string{"a": "1", "b": "2"}, Value: 1, Timestamp: ts},
		{Name: "m_total", Labels: map[string]string{"a": "2"}, Value: 2, Timestamp: ts},
		{Name: "other", Value: 3, Timestamp: ts},
	}
	f := NewFormatter()
	first := f.Format(samples)
	for i := 0; i < 10; i++ {
		if got := f.Format(samples); got != first {
			t.Fatalf("output changed between calls:\n%s\nvs\n%s", first, got)
		}
	}
}

func TestFormatSkipsStringSamples(t *testing.T) {
	samples := []store.Sample{
		{Name: "status", StrValue: "running", IsString: true, Timestamp: time.UnixMilli(1)},
	}
	if out := NewFormatter().Format(samples); out != "" {
		t.Fatalf("string sample produced output: %q", out)
	}
}

func TestFormatSpecialFloats(t *testing.T) {
	ts := time.UnixMilli(1000)
	tests := []struct {
		value float64
		want  string
	}{
		{math.NaN(), "NaN"},
		{math.Inf(1), "+Inf"},
		{math.Inf(-1), "-Inf"},
		{0.5, "0.5"},
		{42, "42"},
		{1e21, "1e+21"},
	}
	for _, tt := range tests {
		out := NewFormatter().Format([]store.Sample{{Name: "m", Value: tt.value, Timestamp: ts}})
		if !strings.Contains(out, "m "+tt.want+" ") {
			t.Errorf("value %v: output %q missing %q", tt.value, out, tt.want)
		}
	}
}

func TestFormatDeclaredMetadata(t *testing.T) {
	f := NewFormatter()
	f.Declare("queue_depth", TypeGauge, "Current queue depth")
	out := f.Format([]store.Sample{{Name: "queue_depth", Value: 3, Timestamp: time.UnixMilli(1)}})
	if !strings.Contains(out, "# TYPE queue_depth gauge\n") {
		t.Fatalf("missing declared type:\n%s", out)
	}
	if !strings.Contains(out, "# HELP queue_depth Current queue depth\n") {
		t.Fatalf("missing declared help:\n%s", out)
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name string
		want MetricType
	}{
		{"requests_total", TypeCounter},
		{"errors_count", TypeCounter},
		{"heap_bytes", TypeCounter},
		{"uptime_seconds", TypeCounter},
		{"latency_bucket", TypeHistogram},
		{"latency_sum", TypeHistogram},
		{"temperature", TypeGauge},
	}
	for _, tt := range tests {
		if got := InferType(tt.name); got != tt.want {
			t.Errorf("InferType(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSanitizeMetricName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"req-total", "req_total"},
		{"valid_name", "valid_name"},
		{"name:with:colons", "name:with:colons"},
		{"9lives", "_9lives"},
		{"trailing___", "trailing"},
		{"a--b", "a_b"},
		{"", "unnamed_metric"},
		{"---", "unnamed_metric"},
		{"sp ace", "sp_ace"},
	}
	for _, tt := range tests {
		if got := SanitizeMetricName(tt.in); got != tt.want {
			t.Errorf("SanitizeMetricName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeLabelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"svc", "svc"},
		{"with:colon", "with_colon"},
		{"__reserved", "_reserved"},
		{"", "label"},
	}
	for _, tt := range tests {
		if got := SanitizeLabelName(tt.in); got != tt.want {
			t.Errorf("SanitizeLabelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"req-total", "9lives", "a  b", "___", "", "m:x", "ok_name",
		"über-metric", "末端", "mixed 1-2:3__x", "__hidden",
	}
	for _, in := range inputs {
		once := SanitizeMetricName(in)
		if twice := SanitizeMetricName(once); twice != once {
			t.Errorf("metric sanitize not idempotent: %q -> %q -> %q", in, once, twice)
		}
		lonce := SanitizeLabelName(in)
		if ltwice := SanitizeLabelName(lonce); ltwice != lonce {
			t.Errorf("label sanitize not idempotent: %q -> %q -> %q", in, lonce, ltwice)
		}
	}
}

func TestEscapeValue(t *testing.T) {
	ts := time.UnixMilli(1000)
	out := NewFormatter().Format([]store.Sample{{
		Name:      "m",
		Labels:    map[string]string{"v": "a\\b\"c\nd"},
		Value:     1,
		Timestamp: ts,
	}})
	if !strings.Contains(out, `v="a\\b\"c\nd"`) {
		t.Fatalf("escaping wrong:\n%s", out)
	}
}
