package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/emochat/internal/config"
	"github.com/whisper/emochat/internal/logging"
	"github.com/whisper/emochat/internal/messaging"
	"github.com/whisper/emochat/internal/report"
	"github.com/whisper/emochat/internal/session"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.Init(logging.Config{
		Service: "emochat-moderator",
		Version: version,
		Env:     logging.ParseEnv(cfg.Log.Env),
		Backend: logging.Backend(cfg.Log.Backend),
		Debug:   cfg.Log.Debug,
	})

	if err := run(cfg, log); err != nil {
		log.Error("moderator exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATS.URL != "" {
		natsConfig.URL = cfg.NATS.URL
	}
	natsConfig.Name = "emochat-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// Redis is optional; without it reports are logged but not tallied.
	var tally *report.Tally
	if cfg.Redis.Addr != "" {
		rdb, err := session.Dial(context.Background(), cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		tally = report.NewTally(rdb)
	}

	// Subscription callbacks run on one goroutine, so opened needs no lock.
	opened := make(map[string]time.Time)
	err = natsClient.SubscribeRoomEvents(func(subject string, ev messaging.RoomEvent) {
		switch subject {
		case messaging.SubjectRoomOpened:
			opened[ev.Room] = ev.At
			log.Debug("room opened", "room_id", ev.Room, "emotion", ev.Emotion, "server", ev.Server)
		case messaging.SubjectRoomReported:
			handleReport(log, tally, ev)
		case messaging.SubjectRoomClosed:
			attrs := []any{
				"room_id", ev.Room, "session_id", ev.SessionID, "emotion", ev.Emotion,
				"reason", ev.Reason, "server", ev.Server,
			}
			if at, ok := opened[ev.Room]; ok {
				attrs = append(attrs, "duration", ev.At.Sub(at).Round(time.Second))
				delete(opened, ev.Room)
			}
			log.Info("room closed", attrs...)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe room events: %w", err)
	}

	log.Info("moderator running", "nats_url", natsConfig.URL, "redis", tally != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())
	return nil
}

func handleReport(log *slog.Logger, tally *report.Tally, ev messaging.RoomEvent) {
	reported := reportedAnonID(ev)
	log.Warn("participant reported",
		"room_id", ev.Room, "session_id", ev.SessionID, "emotion", ev.Emotion,
		"reporter", ev.Reporter, "reported", reported, "server", ev.Server)

	if tally == nil || reported == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, flagged, err := tally.Record(ctx, reported)
	if err != nil {
		log.Warn("report tally failed", "anon_id", reported, "error", err)
		return
	}
	if flagged {
		log.Warn("repeatedly reported participant", "anon_id", reported, "reports", n, "window", report.Window)
	}
}

func reportedAnonID(ev messaging.RoomEvent) string {
	for _, id := range ev.AnonIDs {
		if id != ev.Reporter {
			return id
		}
	}
	return ""
}
