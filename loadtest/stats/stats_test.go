package stats

import (
	"strings"
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"dm_connections_total 42", "dm_connections_total", 42, true},
		{`dm_handshakes_total{result="accepted"} 7`, "dm_handshakes_total", 7, true},
		{`dm_push_latency_seconds_sum{node="a"} 0.25 1700000000000`, "dm_push_latency_seconds_sum", 0.25, true},
		{"dm_online_users", "", 0, false},
		{`dm_receipts_total{result="ok" 3`, "", 0, false},
		{"dm_receipts_total NaNish", "", 0, false},
	}

	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("parseMetricLine(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestParseExposition_SumsLabeledSeries(t *testing.T) {
	body := `# HELP dm_handshakes_total Handshakes by result
# TYPE dm_handshakes_total counter
dm_handshakes_total{result="accepted"} 10
dm_handshakes_total{result="unauthorized"} 2
dm_online_users 4

dm_connections_total 6
`
	values, err := parseExposition(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if values["dm_handshakes_total"] != 12 {
		t.Errorf("handshakes = %v, want 12", values["dm_handshakes_total"])
	}
	if values["dm_online_users"] != 4 || values["dm_connections_total"] != 6 {
		t.Errorf("values = %v", values)
	}
}

func TestPercentile(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}

	if got := percentile(sorted, 0.50); got != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", got)
	}
	if got := percentile(sorted, 0.99); got != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("empty percentile = %v, want 0", got)
	}
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.Add(SeriesDelivery, time.Millisecond)
	c.AddError("dial")
	c.AddError("send")
	c.AddError("send")

	if got := c.ConnectionCount(); got != 2 {
		t.Errorf("ConnectionCount = %d, want 2", got)
	}
	if got := c.ErrorCount(); got != 3 {
		t.Errorf("ErrorCount = %d, want 3", got)
	}
	if len(c.order) != 2 || c.order[0] != SeriesConnect || c.order[1] != SeriesDelivery {
		t.Errorf("series order = %v", c.order)
	}
}
