package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after Interval before a silent client is dropped (default: 10s)
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// silent for longer than Interval + Timeout. Removal runs the server's
// disconnect callback, which is how an abandoned tab leaves its room. The
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info("heartbeat timeout", "conn_id", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(config.Timeout); err != nil {
			server.log.Debug("heartbeat ping failed", "conn_id", c.ID, "error", err)
			server.RemoveConnection(c)
		}
	}
}
