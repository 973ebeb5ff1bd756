// Package metrics keeps process-wide counters for the gateway.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for both channels.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections bound
	ActiveConnections atomic.Int64 // currently bound connections
	RejectedConnects  atomic.Int64 // connects refused (unknown user, bad query)
	TotalDisconnects  atomic.Int64

	// Room access
	JoinsGranted atomic.Int64
	JoinsDenied  atomic.Int64

	// Relay
	MessagesRelayed    atomic.Int64 // servMessage broadcasts
	MessagesSuppressed atomic.Int64 // dropped: muted sender, non-member, invalid body

	// Rooms
	RoomsCreated atomic.Int64
	RoomsDeleted atomic.Int64
	RoomsRenamed atomic.Int64

	// Moderation
	KickCount atomic.Int64
	BanCount  atomic.Int64
	MuteCount atomic.Int64
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	RejectedConnects  int64 `json:"rejected_connects"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	JoinsGranted int64 `json:"joins_granted"`
	JoinsDenied  int64 `json:"joins_denied"`

	MessagesRelayed    int64 `json:"messages_relayed"`
	MessagesSuppressed int64 `json:"messages_suppressed"`

	RoomsCreated int64 `json:"rooms_created"`
	RoomsDeleted int64 `json:"rooms_deleted"`
	RoomsRenamed int64 `json:"rooms_renamed"`

	KickCount int64 `json:"kick_count"`
	BanCount  int64 `json:"ban_count"`
	MuteCount int64 `json:"mute_count"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		RejectedConnects:   m.RejectedConnects.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		JoinsGranted:       m.JoinsGranted.Load(),
		JoinsDenied:        m.JoinsDenied.Load(),
		MessagesRelayed:    m.MessagesRelayed.Load(),
		MessagesSuppressed: m.MessagesSuppressed.Load(),
		RoomsCreated:       m.RoomsCreated.Load(),
		RoomsDeleted:       m.RoomsDeleted.Load(),
		RoomsRenamed:       m.RoomsRenamed.Load(),
		KickCount:          m.KickCount.Load(),
		BanCount:           m.BanCount.Load(),
		MuteCount:          m.MuteCount.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"joins", s.JoinsGranted,
		"joins_denied", s.JoinsDenied,
		"relayed", s.MessagesRelayed,
		"suppressed", s.MessagesSuppressed,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
