package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// StatusReport is the backend's load snapshot, served on /healthz and
// published as a heartbeat on the broker
type StatusReport struct {
	Status        string    `json:"status"` // healthy, busy, critical
	ActiveStreams int64     `json:"active_streams"`
	ActiveModels  int64     `json:"active_models"`
	ServedStreams int64     `json:"served_streams"`
	Chunks        int64     `json:"chunks"`
	Sockets       int64     `json:"sockets"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Monitor tracks streaming load with atomic counters
type Monitor struct {
	threshold int64
	logger    *slog.Logger

	activeStreams atomic.Int64
	activeModels  atomic.Int64
	served        atomic.Int64
	chunks        atomic.Int64
	sockets       atomic.Int64
	lastActivity  atomic.Int64
}

// NewMonitor creates a monitor reporting critical once threshold
// generations run at the same time
func NewMonitor(threshold int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 8
	}
	return &Monitor{threshold: int64(threshold), logger: logger}
}

func (m *Monitor) BeginStream(participants int) {
	m.activeStreams.Add(1)
	m.activeModels.Add(int64(participants))
	m.touch()
}

func (m *Monitor) EndStream(participants int) {
	m.activeStreams.Add(-1)
	m.activeModels.Add(-int64(participants))
	m.served.Add(1)
	m.touch()
}

func (m *Monitor) AddChunk() {
	m.chunks.Add(1)
}

func (m *Monitor) SocketOpened() { m.sockets.Add(1) }
func (m *Monitor) SocketClosed() { m.sockets.Add(-1) }

func (m *Monitor) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Monitor) Report() StatusReport {
	active := m.activeModels.Load()
	report := StatusReport{
		Status:        m.status(active),
		ActiveStreams: m.activeStreams.Load(),
		ActiveModels:  active,
		ServedStreams: m.served.Load(),
		Chunks:        m.chunks.Load(),
		Sockets:       m.sockets.Load(),
		Timestamp:     time.Now(),
	}
	if ts := m.lastActivity.Load(); ts > 0 {
		report.LastActivity = time.Unix(0, ts)
	}
	return report
}

func (m *Monitor) status(active int64) string {
	switch {
	case active == 0:
		return "healthy"
	case active < m.threshold:
		return "busy"
	default:
		return "critical"
	}
}

// Publish sends heartbeats on subject until ctx is done, every second
// while streams are running and every ten seconds when idle
func (m *Monitor) Publish(ctx context.Context, nc *nats.Conn, subject string) {
	busyTicker := time.NewTicker(time.Second)
	idleTicker := time.NewTicker(10 * time.Second)
	defer busyTicker.Stop()
	defer idleTicker.Stop()

	m.logger.Info("Publishing backend heartbeats", "subject", subject)
	for {
		select {
		case <-ctx.Done():
			return
		case <-busyTicker.C:
			if m.activeStreams.Load() > 0 {
				m.publish(nc, subject)
			}
		case <-idleTicker.C:
			if m.activeStreams.Load() == 0 {
				m.publish(nc, subject)
			}
		}
	}
}

func (m *Monitor) publish(nc *nats.Conn, subject string) {
	report := m.Report()
	data, err := json.Marshal(report)
	if err != nil {
		m.logger.Error("Failed to marshal status report", "error", err)
		return
	}
	if err := nc.Publish(subject, data); err != nil {
		m.logger.Warn("Failed to publish status report", "error", err)
		return
	}
	if report.Status != "healthy" {
		m.logger.Info("Status report",
			"status", report.Status,
			"active_streams", report.ActiveStreams,
			"active_models", report.ActiveModels)
	}
}
