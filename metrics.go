package diagterm

import (
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks session and flash health statistics for one Registry.
type Metrics struct {
	// Sessions
	OpenAttempts       atomic.Int64
	SuccessfulOpens    atomic.Int64
	OpenFailures       atomic.Int64
	Closes             atomic.Int64
	Disconnections     atomic.Int64
	Reconnects         atomic.Int64
	ReconnectFailures  atomic.Int64
	ActiveSessions     atomic.Int64
	LastDisconnectTime atomic.Int64 // unix seconds

	// Traffic
	Writes       atomic.Int64
	WriteErrors  atomic.Int64
	BytesWritten atomic.Int64
	BytesRead    atomic.Int64
	LinesRead    atomic.Int64
	DroppedLines atomic.Int64 // lines over maxLineSize

	// Monitor
	MonitorPasses     atomic.Int64
	EnumerationErrors atomic.Int64

	// Flashing
	FlashesStarted      atomic.Int64
	FlashesSucceeded    atomic.Int64
	FlashesFailed       atomic.Int64
	FlashRetries        atomic.Int64
	ToolInstalls        atomic.Int64
	ToolInstallFailures atomic.Int64

	// Health Indicators
	ConsecutiveFailures atomic.Int64
	LastErrorTime       atomic.Int64
}

// HealthStatus represents the overall health of the serial layer.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Timestamp           time.Time    `json:"timestamp"`
	ActiveSessions      int64        `json:"active_sessions"`
	OpenSuccessRate     float64      `json:"open_success_rate"`
	WriteSuccessRate    float64      `json:"write_success_rate"`
	FlashSuccessRate    float64      `json:"flash_success_rate"`
	Disconnections      int64        `json:"disconnections"`
	Reconnects          int64        `json:"reconnects"`
	BytesRead           int64        `json:"bytes_read"`
	BytesWritten        int64        `json:"bytes_written"`
	LinesRead           int64        `json:"lines_read"`
	FlashesStarted      int64        `json:"flashes_started"`
	FlashRetries        int64        `json:"flash_retries"`
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	HealthStatus        HealthStatus `json:"health_status"`
	HealthScore         float64      `json:"health_score"`
}

func (m *Metrics) recordFailure() {
	m.ConsecutiveFailures.Inc()
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *Metrics) recordSuccess() {
	m.ConsecutiveFailures.Store(0)
}

func rate(ok, total int64) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(ok) / float64(total) * 100
}

// Snapshot copies the counters and assesses health.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Timestamp:           time.Now(),
		ActiveSessions:      m.ActiveSessions.Load(),
		OpenSuccessRate:     rate(m.SuccessfulOpens.Load(), m.OpenAttempts.Load()),
		WriteSuccessRate:    rate(m.Writes.Load()-m.WriteErrors.Load(), m.Writes.Load()),
		FlashSuccessRate:    rate(m.FlashesSucceeded.Load(), m.FlashesSucceeded.Load()+m.FlashesFailed.Load()),
		Disconnections:      m.Disconnections.Load(),
		Reconnects:          m.Reconnects.Load(),
		BytesRead:           m.BytesRead.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		LinesRead:           m.LinesRead.Load(),
		FlashesStarted:      m.FlashesStarted.Load(),
		FlashRetries:        m.FlashRetries.Load(),
		ConsecutiveFailures: m.ConsecutiveFailures.Load(),
	}
	s.HealthStatus = assessHealthStatus(s)
	s.HealthScore = calculateHealthScore(s)
	return s
}

func assessHealthStatus(s MetricsSnapshot) HealthStatus {
	if s.ActiveSessions == 0 {
		return HealthStatusDown
	}
	if s.WriteSuccessRate < 50.0 || s.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}
	if s.WriteSuccessRate < 90.0 || s.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func calculateHealthScore(s MetricsSnapshot) float64 {
	if s.ActiveSessions == 0 {
		return 0.0
	}
	score := 100.0
	score -= (100.0 - s.WriteSuccessRate) * 2
	score -= float64(s.ConsecutiveFailures) * 10
	if score < 0 {
		score = 0
	}
	return score
}
