package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/emochat/internal/matching"
	"github.com/whisper/emochat/internal/protocol"
	"github.com/whisper/emochat/loadtest/client"
	"github.com/whisper/emochat/loadtest/stats"
)

// Messages carry their send time so the receiver can measure relay latency.
const stampPrefix = "lt:"

type chatOptions struct {
	url          string
	chatDuration time.Duration
	msgInterval  time.Duration
	msgSize      int
	matchTimeout time.Duration
}

type chatCounters struct {
	matched  atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
	blocked  atomic.Int64
	limited  atomic.Int64
}

// runChat connects pairs of participants to the same emotion, lets them
// chat for a while and has them leave. Consecutive clients share an
// emotion; which two of them end up paired is the server's choice.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:5000/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of participant pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each participant chats")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between messages per participant")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous participants starting up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matched")
	emotions := fs.String("emotions", strings.Join(matching.Emotions, ","), "Comma-separated emotions to spread pairs over")
	liveURL := fs.String("live-url", "http://localhost:5000/stats/live", "Server live stats endpoint")
	fs.Parse(args)

	var pool []string
	for _, e := range strings.Split(*emotions, ",") {
		if e = strings.TrimSpace(e); e != "" {
			pool = append(pool, e)
		}
	}
	if len(pool) == 0 {
		pool = matching.Emotions
	}

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*liveURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	opts := chatOptions{
		url:          *url,
		chatDuration: *chatDuration,
		msgInterval:  *msgInterval,
		msgSize:      *msgSize,
		matchTimeout: *matchTimeout,
	}
	var counters chatCounters

	// All participants run concurrently, so the concurrency bound only
	// applies to start-up; each task returns once its participant has
	// connected and the rest continues in its own goroutine.
	done := make(chan struct{}, total)
	started := time.Now()
	ramp(ctx, total, *rampUp, *concurrency, collector, func(i int) {
		c, err := connect(ctx, opts.url)
		if err != nil {
			collector.AddError()
			done <- struct{}{}
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		go func() {
			defer func() { done <- struct{}{} }()
			participate(ctx, c, pool[(i/2)%len(pool)], opts, collector, &counters)
		}()
	})

wait:
	for i := 0; i < total; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			break wait
		}
	}
	scraper.Stop()

	fmt.Printf("\nChat phase complete in %s\n", time.Since(started).Round(time.Second))
	fmt.Printf("  matched: %d/%d  sent: %d  received: %d  blocked: %d  rate limited: %d\n",
		counters.matched.Load(), total, counters.sent.Load(), counters.received.Load(),
		counters.blocked.Load(), counters.limited.Load())
	collector.Report()
}

func connect(ctx context.Context, url string) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		return nil, err
	}
	if err := c.WaitReady(connCtx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// participate runs one participant from join to leave.
func participate(ctx context.Context, c *client.Client, emotion string, opts chatOptions, collector *stats.Collector, counters *chatCounters) {
	defer c.Close()

	matched := make(chan string, 1)
	peerLeft := make(chan struct{}, 1)

	c.On(protocol.TypeMatched, func(raw json.RawMessage) {
		var m protocol.MatchedMsg
		if json.Unmarshal(raw, &m) == nil {
			select {
			case matched <- m.Room:
			default:
			}
		}
	})
	c.On(protocol.TypeChatMessage, func(raw json.RawMessage) {
		var m protocol.ServerChatMsg
		if json.Unmarshal(raw, &m) != nil {
			return
		}
		counters.received.Add(1)
		if sentAt, ok := parseStamp(m.Message); ok {
			collector.AddRelay(time.Since(sentAt))
		}
	})
	c.On(protocol.TypePeerLeft, func(json.RawMessage) {
		select {
		case peerLeft <- struct{}{}:
		default:
		}
	})
	c.On(protocol.TypeMessageBlocked, func(json.RawMessage) { counters.blocked.Add(1) })
	c.On(protocol.TypeRateLimited, func(json.RawMessage) { counters.limited.Add(1) })

	joinedAt := time.Now()
	if err := c.Join(emotion); err != nil {
		collector.AddError()
		return
	}

	var room string
	select {
	case room = <-matched:
		collector.AddMatch(time.Since(joinedAt))
		counters.matched.Add(1)
	case <-time.After(opts.matchTimeout):
		collector.AddError()
		return
	case <-ctx.Done():
		return
	}

	end := time.NewTimer(opts.chatDuration)
	defer end.Stop()
	tick := time.NewTicker(opts.msgInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-peerLeft:
			return
		case <-end.C:
			_ = c.Leave(room)
			return
		case <-tick.C:
			if err := c.Chat(room, stamp(time.Now(), opts.msgSize)); err != nil {
				collector.AddError()
				return
			}
			counters.sent.Add(1)
		}
	}
}

// stamp builds a message of about size bytes carrying at. The padding
// avoids runs of one character so the spam filter lets it through.
func stamp(at time.Time, size int) string {
	const filler = "abcdefghij"
	s := stampPrefix + strconv.FormatInt(at.UnixNano(), 10) + ":"
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat(filler, pad/len(filler)+1)[:pad]
	}
	return s
}

func parseStamp(msg string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(msg, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	raw, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
