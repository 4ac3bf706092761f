package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// NetworkQuality is the qualitative network condition label reported by
// clients with each telemetry sample.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
)

// rank orders quality labels from best (0) to worst (3). Unknown labels rank
// worst so a malformed sample never improves the aggregate.
func (q NetworkQuality) rank() int {
	switch q {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	default:
		return 3
	}
}

// WorseThan reports whether q is a worse network condition than other.
func (q NetworkQuality) WorseThan(other NetworkQuality) bool {
	return q.rank() > other.rank()
}

// CallQualityMetrics is one point-in-time quality measurement.
type CallQualityMetrics struct {
	NetworkQuality NetworkQuality `json:"networkQuality"`
	Bandwidth      float64        `json:"bandwidth"`
	Latency        float64        `json:"latency"`
	PacketLoss     float64        `json:"packetLoss"`
	Jitter         float64        `json:"jitter"`
}

// CallTelemetry is an immutable, append-only telemetry sample submitted by a
// participant's client during a call.
type CallTelemetry struct {
	CallID          uuid.UUID          `json:"callId"`
	UserID          uuid.UUID          `json:"userId"`
	DurationSeconds int                `json:"durationSeconds"`
	Metrics         CallQualityMetrics `json:"metrics"`
	Issues          []string           `json:"issues,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// AggregateQuality derives a rolling quality summary from recent samples.
// Numeric fields are the rounded arithmetic mean across the window; the
// quality label is the worst observed, since labels are not numeric.
// An empty window yields a neutral default of "good" with zero metrics.
func AggregateQuality(samples []*CallTelemetry) CallQualityMetrics {
	if len(samples) == 0 {
		return CallQualityMetrics{NetworkQuality: QualityGood}
	}

	agg := CallQualityMetrics{NetworkQuality: QualityExcellent}
	for _, s := range samples {
		agg.Bandwidth += s.Metrics.Bandwidth
		agg.Latency += s.Metrics.Latency
		agg.PacketLoss += s.Metrics.PacketLoss
		agg.Jitter += s.Metrics.Jitter
		if s.Metrics.NetworkQuality.WorseThan(agg.NetworkQuality) {
			agg.NetworkQuality = s.Metrics.NetworkQuality
		}
	}

	n := float64(len(samples))
	agg.Bandwidth = math.Round(agg.Bandwidth / n)
	agg.Latency = math.Round(agg.Latency / n)
	agg.PacketLoss = math.Round(agg.PacketLoss / n)
	agg.Jitter = math.Round(agg.Jitter / n)
	return agg
}
