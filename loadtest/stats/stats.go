// Package stats provides a goroutine-safe metrics collector that aggregates
// latency samples from many load test clients and prints a summary report
// with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Sample series recorded by the scenarios.
const (
	SeriesConnect  = "Connect (dial to session:created)"
	SeriesPresence = "Presence (connect to peer user:online)"
	SeriesDelivery = "Delivery (send to newMessage)"
	SeriesReceipt  = "Receipt (seen to messagesSeen)"
)

// Collector aggregates latency samples and error counts. All methods are
// safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	order       []string
	errors      map[string]int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.Add(SeriesConnect, d)
}

// Add records one latency sample in the named series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddError counts an error of the given kind ("dial", "send", ...).
func (c *Collector) AddError(kind string) {
	c.mu.Lock()
	c.errors[kind]++
	c.mu.Unlock()
}

// ConnectionCount returns the number of established connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the total number of errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.errors {
		n += v
	}
	return n
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	total := 0
	for _, v := range c.errors {
		total += v
	}

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", total)
	if total > 0 {
		kinds := make([]string, 0, len(c.errors))
		for k := range c.errors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-10s %d\n", k+":", c.errors[k])
		}
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s ---\n", name)
		printPercentiles(c.series[name])
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the given durations and prints avg, p50, p95, p99,
// and max values along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile returns the q-th percentile of sorted durations.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Ceil(float64(len(sorted))*q)) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}
