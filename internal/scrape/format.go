// Package scrape renders stored samples in the Prometheus text exposition
// format (version 0.0.4) and serves them over HTTP.
package scrape

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/wardenhq/warden/internal/store"
)

// MetricType is the exposition type of a metric family.
type MetricType string

const (
	TypeGauge     MetricType = "gauge"
	TypeCounter   MetricType = "counter"
	TypeHistogram MetricType = "histogram"
)

// InferType guesses a family's type from its name suffix when none was
// declared explicitly.
func InferType(name string) MetricType {
	switch {
	case strings.HasSuffix(name, "_bucket"), strings.HasSuffix(name, "_sum"):
		return TypeHistogram
	case strings.HasSuffix(name, "_total"), strings.HasSuffix(name, "_count"),
		strings.HasSuffix(name, "_bytes"), strings.HasSuffix(name, "_seconds"):
		return TypeCounter
	}
	return TypeGauge
}

// Formatter converts samples to exposition text. Metric metadata (type and
// help) can be declared up front; undeclared families fall back to suffix
// inference and a generated help string.
type Formatter struct {
	types map[string]MetricType
	help  map[string]string
}

// NewFormatter creates an empty formatter.
func NewFormatter() *Formatter {
	return &Formatter{
		types: make(map[string]MetricType),
		help:  make(map[string]string),
	}
}

// Declare records explicit metadata for a metric family. The name is
// sanitized the same way sample names are so declarations always line up.
func (f *Formatter) Declare(name string, t MetricType, help string) {
	name = SanitizeMetricName(name)
	f.types[name] = t
	f.help[name] = help
}

// line is one rendered sample within a family.
type line struct {
	labels string // rendered {k="v",...} block, "" when unlabeled
	value  string
	ts     int64
}

// Format renders the samples: families sorted by name, lines within a family
// sorted by label tuple. String-valued samples are skipped; the format is
// numeric only. Output is byte-stable for a fixed input.
func (f *Formatter) Format(samples []store.Sample) string {
	families := make(map[string][]line)
	for _, s := range samples {
		if s.IsString {
			continue
		}
		name := SanitizeMetricName(s.Name)
		families[name] = append(families[name], line{
			labels: renderLabels(s.Labels),
			value:  formatValue(s.Value),
			ts:     s.Timestamp.UnixMilli(),
		})
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t, ok := f.types[name]
		if !ok {
			t = InferType(name)
		}
		help, ok := f.help[name]
		if !ok {
			help = "Metric " + name
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, t)
		fmt.Fprintf(&b, "# HELP %s %s\n", name, escapeHelp(help))

		lines := families[name]
		sort.SliceStable(lines, func(i, j int) bool {
			return lines[i].labels < lines[j].labels
		})
		for _, l := range lines {
			b.WriteString(name)
			b.WriteString(l.labels)
			b.WriteByte(' ')
			b.WriteString(l.value)
			if l.ts != 0 {
				b.WriteByte(' ')
				b.WriteString(strconv.FormatInt(l.ts, 10))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// renderLabels produces the {k="v",...} block with sanitized names and
// escaped values, keys sorted.
func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(SanitizeLabelName(k))
		b.WriteString(`="`)
		b.WriteString(escapeValue(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// formatValue renders a float: special values spelled out, everything else
// in the shortest representation that round-trips.
func formatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// escapeValue escapes a label value: backslash, double quote, and newline.
func escapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// escapeHelp escapes a help string: backslash and newline.
func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// SanitizeMetricName coerces a name to [A-Za-z_:][A-Za-z0-9_:]*. Invalid
// runs become a single underscore, consecutive underscores collapse,
// trailing underscores are stripped, a leading digit gains an underscore
// prefix, and the empty result becomes "unnamed_metric". Idempotent.
func SanitizeMetricName(name string) string {
	s := sanitize(name, true)
	if s == "" {
		return "unnamed_metric"
	}
	return s
}

// SanitizeLabelName coerces a name to [A-Za-z_][A-Za-z0-9_]*, additionally
// trimming a reserved "__" prefix down to a single underscore. The empty
// result becomes "label". Idempotent.
func SanitizeLabelName(name string) string {
	s := sanitize(name, false)
	for strings.HasPrefix(s, "__") {
		s = s[1:]
	}
	if s == "" {
		return "label"
	}
	return s
}

func sanitize(name string, allowColon bool) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		valid := r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			(allowColon && r == ':')
		if !valid {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	s := strings.TrimRight(b.String(), "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}
