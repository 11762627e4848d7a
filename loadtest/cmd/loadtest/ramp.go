package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/emochat/loadtest/stats"
)

// ramp launches n calls of task spread over d, with at most concurrency in
// flight, and waits for them. It reports whether ctx ended early.
func ramp(ctx context.Context, n int, d time.Duration, concurrency int, collector *stats.Collector, task func(i int)) bool {
	interval := d / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, n, collector.ErrorCount(), rate)
				last, lastTime = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			task(i)
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return interrupted
}
