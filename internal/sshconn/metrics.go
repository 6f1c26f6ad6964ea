package sshconn

import (
	"sync"
	"time"
)

// metrics tracks probe outcomes for the current connection.
type metrics struct {
	mu               sync.Mutex
	connectedAt      time.Time
	lastProbe        time.Time
	successfulProbes int64
	failedProbes     int64
	reconnects       int64
}

// MetricsSnapshot is a point-in-time copy of the connection metrics.
type MetricsSnapshot struct {
	ConnectedAt      time.Time `json:"connected_at"`
	LastProbe        time.Time `json:"last_probe"`
	SuccessfulProbes int64     `json:"successful_probes"`
	FailedProbes     int64     `json:"failed_probes"`
	Reconnects       int64     `json:"reconnects"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
}

func (cm *metrics) reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connectedAt = time.Now()
	cm.lastProbe = time.Time{}
	cm.successfulProbes = 0
	cm.failedProbes = 0
}

func (cm *metrics) recordProbe(ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastProbe = time.Now()
	if ok {
		cm.successfulProbes++
	} else {
		cm.failedProbes++
	}
}

func (cm *metrics) recordReconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.reconnects++
}

func (cm *metrics) snapshot() MetricsSnapshot {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	s := MetricsSnapshot{
		ConnectedAt:      cm.connectedAt,
		LastProbe:        cm.lastProbe,
		SuccessfulProbes: cm.successfulProbes,
		FailedProbes:     cm.failedProbes,
		Reconnects:       cm.reconnects,
	}
	if !cm.connectedAt.IsZero() {
		s.UptimeSeconds = int64(time.Since(cm.connectedAt) / time.Second)
	}
	return s
}
