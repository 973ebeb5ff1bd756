package metrics

import (
	"fmt"
	"net/http"
	"time"
)

// Handler serves all metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(m.serveHTTP)
}

func (m *Metrics) serveHTTP(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("roomgate_uptime_seconds", "Process uptime in seconds.", "gauge", uptime)

	write("roomgate_connections_active", "Currently bound websocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("roomgate_connections_total", "Lifetime websocket connections bound.", "counter",
		m.TotalConnections.Load())
	write("roomgate_connections_rejected_total", "Connects refused.", "counter",
		m.RejectedConnects.Load())
	write("roomgate_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("roomgate_joins_granted_total", "Room joins granted.", "counter",
		m.JoinsGranted.Load())
	write("roomgate_joins_denied_total", "Room joins denied.", "counter",
		m.JoinsDenied.Load())

	write("roomgate_messages_relayed_total", "Messages broadcast to rooms.", "counter",
		m.MessagesRelayed.Load())
	write("roomgate_messages_suppressed_total", "Messages dropped before broadcast.", "counter",
		m.MessagesSuppressed.Load())

	write("roomgate_rooms_created_total", "Rooms created.", "counter",
		m.RoomsCreated.Load())
	write("roomgate_rooms_deleted_total", "Rooms deleted.", "counter",
		m.RoomsDeleted.Load())
	write("roomgate_rooms_renamed_total", "Rooms renamed.", "counter",
		m.RoomsRenamed.Load())

	write("roomgate_kicks_total", "Users kicked.", "counter",
		m.KickCount.Load())
	write("roomgate_bans_total", "Users banned.", "counter",
		m.BanCount.Load())
	write("roomgate_mutes_total", "Users muted.", "counter",
		m.MuteCount.Load())
}
