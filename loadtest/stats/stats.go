// Package stats aggregates what load test participants observe (connect
// latency, join snapshot size, echo latency and errors) and prints a report.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector is safe for concurrent use by many participants.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	joined    int
	errors    int
	connects  []time.Duration
	echoes    []time.Duration
	snapshots []int
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

// AddConnect records a participant that finished joining after d.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined++
	c.connects = append(c.connects, d)
}

// AddSnapshot records how many messages a join snapshot carried.
func (c *Collector) AddSnapshot(messages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, messages)
}

// AddMsgLatency records the time from sending an add to seeing its echo.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echoes = append(c.echoes, d)
}

func (c *Collector) AddError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the distribution of a latency sample.
type Summary struct {
	Count                   int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of samples without modifying it. The
// zero Summary is returned for an empty sample.
func Summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		Count: n,
		Avg:   sum / time.Duration(n),
		P50:   rank(0.50),
		P95:   rank(0.95),
		P99:   rank(0.99),
		Max:   sorted[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.Count)
}

// Report prints the collected results to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Participants:  %d\n", c.joined)
	fmt.Printf("Errors:        %d\n", c.errors)
	if attempts := c.joined + c.errors; attempts > 0 {
		fmt.Printf("Failure rate:  %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}

	if len(c.connects) > 0 {
		fmt.Printf("\nJoin latency   %s\n", Summarize(c.connects))
	}
	if len(c.echoes) > 0 {
		fmt.Printf("Echo latency   %s\n", Summarize(c.echoes))
	}
	if len(c.snapshots) > 0 {
		fmt.Printf("Snapshots:     %d (largest %d messages)\n", len(c.snapshots), slices.Max(c.snapshots))
	}
	fmt.Println()
}
