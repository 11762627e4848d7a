package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Snapshot is one reading of the server's /stats/live endpoint.
type Snapshot struct {
	At           time.Time
	Participants int `json:"participants"`
	ActiveRooms  int `json:"activeRooms"`
	Waiting      int `json:"waiting"`
}

// Scraper polls /stats/live during a run so the report can show how the
// server's view evolved.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for url, polled every interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval until ctx ends
// or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the poller to exit.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns the readings taken so far.
func (s *Scraper) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snapshots...)
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("scrape %s: %s", s.url, resp.Status)
	}

	snap := Snapshot{At: time.Now()}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("scrape %s: %w", s.url, err)
	}
	return snap, nil
}

// Report prints initial, final and peak values for each reading.
func (s *Scraper) Report() {
	snaps := s.Snapshots()
	if len(snaps) == 0 {
		fmt.Println("\n--- Server (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server (/stats/live) ---")
	fmt.Printf("  %d snapshots over %s\n\n", len(snaps), last.At.Sub(first.At).Round(time.Second))
	fmt.Printf("  %-14s %8s %8s %8s\n", "Reading", "Initial", "Final", "Peak")

	rows := []struct {
		label string
		get   func(Snapshot) int
	}{
		{"Participants", func(s Snapshot) int { return s.Participants }},
		{"Active rooms", func(s Snapshot) int { return s.ActiveRooms }},
		{"Waiting", func(s Snapshot) int { return s.Waiting }},
	}
	for _, r := range rows {
		fmt.Printf("  %-14s %8d %8d %8d\n", r.label, r.get(first), r.get(last), peak(snaps, r.get))
	}
}

func peak(snaps []Snapshot, get func(Snapshot) int) int {
	p := 0
	for _, s := range snaps {
		p = max(p, get(s))
	}
	return p
}
