package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tracked lists the server metrics shown in the report, in order. Labeled
// series are summed per metric name.
var tracked = []struct {
	label string
	name  string
}{
	{"Connections", "dm_connections_total"},
	{"Online Users", "dm_online_users"},
	{"Handshakes", "dm_handshakes_total"},
	{"Presence Events", "dm_presence_events_total"},
	{"Messages Routed", "dm_messages_routed_total"},
	{"Receipts", "dm_receipts_total"},
}

const (
	pushLatencySum   = "dm_push_latency_seconds_sum"
	pushLatencyCount = "dm_push_latency_seconds_count"
)

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint while a scenario runs and
// prints how the server-side counters moved.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL polling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a first snapshot and keeps polling until ctx is done or Stop
// is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.poll()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.poll()
				return
			case <-ticker.C:
				s.poll()
			}
		}
	}()
}

// Stop ends polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) poll() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition sums the values of every sample line by metric name.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if name, v, ok := parseMetricLine(line); ok {
			values[name] += v
		}
	}
	return values, sc.Err()
}

// parseMetricLine splits `name{labels} value [timestamp]` into the bare
// metric name and its value.
func parseMetricLine(line string) (string, float64, bool) {
	rest := line
	name := ""
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", 0, false
		}
		name = line[:open]
		rest = line[open+end+1:]
	} else {
		sp := strings.IndexAny(line, " \t")
		if sp < 0 {
			return "", 0, false
		}
		name, rest = line[:sp], line[sp:]
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	// A trailing timestamp, if any, is ignored.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints start, end, delta and peak for each tracked metric plus the
// average push latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  %d snapshots over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Start", "End", "Delta", "Peak")
	for _, m := range tracked {
		peak := first.values[m.name]
		for _, snap := range snaps[1:] {
			if v := snap.values[m.name]; v > peak {
				peak = v
			}
		}
		start, end := first.values[m.name], last.values[m.name]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", m.label, start, end, end-start, peak)
	}

	count := last.values[pushLatencyCount] - first.values[pushLatencyCount]
	if count <= 0 {
		fmt.Printf("\n  %-16s no observations\n", "Push Latency")
		return
	}
	avg := (last.values[pushLatencySum] - first.values[pushLatencySum]) / count
	fmt.Printf("\n  %-16s avg %.4fs over %.0f pushes\n", "Push Latency", avg, count)
}
