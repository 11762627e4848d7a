// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are safe
// for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	matchLatencies   []time.Duration
	relayLatencies   []time.Duration
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server scraper whose snapshots Report also prints.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that reached init after d.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMatch records the time from join_emotion to matched.
func (c *Collector) AddMatch(d time.Duration) {
	c.mu.Lock()
	c.matchLatencies = append(c.matchLatencies, d)
	c.mu.Unlock()
}

// AddRelay records the time from sending a chat message to the peer
// receiving it.
func (c *Collector) AddRelay(d time.Duration) {
	c.mu.Lock()
	c.relayLatencies = append(c.relayLatencies, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the distribution of a set of durations.
type Summary struct {
	N                  int
	Avg, P50, P95, P99 time.Duration
	Max                time.Duration
}

// Summarize sorts durations in place and computes their distribution.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N)
}

// Report prints the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, section := range []struct {
		title string
		data  []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Match Latency", c.matchLatencies},
		{"Relay Latency", c.relayLatencies},
	} {
		if len(section.data) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n  %s\n", section.title, Summarize(section.data))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}
