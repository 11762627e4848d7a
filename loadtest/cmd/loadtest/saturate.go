package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/emochat/loadtest/client"
	"github.com/whisper/emochat/loadtest/stats"
)

// runSaturate opens many idle connections, holds them and reports how many
// the server dropped. Idle participants never join, so this measures the
// transport alone.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:5000/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	liveURL := fs.String("live-url", "http://localhost:5000/stats/live", "Server live stats endpoint")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*liveURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, collector, func(int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url)
		if err != nil {
			collector.AddError()
			return
		}
		if err := c.WaitReady(connCtx); err != nil {
			collector.AddError()
			c.Close()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := countAlive(&mu, clients)
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	scraper.Stop()

	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

func countAlive(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		if c.Alive() {
			alive++
		}
	}
	return alive
}
