package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAggregateQuality_Empty(t *testing.T) {
	agg := AggregateQuality(nil)

	assert.Equal(t, QualityGood, agg.NetworkQuality)
	assert.Zero(t, agg.Bandwidth)
	assert.Zero(t, agg.Latency)
	assert.Zero(t, agg.PacketLoss)
	assert.Zero(t, agg.Jitter)
}

func TestAggregateQuality_MeansAndWorstLabel(t *testing.T) {
	samples := []*CallTelemetry{
		{Metrics: CallQualityMetrics{NetworkQuality: QualityGood, Bandwidth: 100, Latency: 50, PacketLoss: 1, Jitter: 2}},
		{Metrics: CallQualityMetrics{NetworkQuality: QualityPoor, Bandwidth: 200, Latency: 150, PacketLoss: 3, Jitter: 4}},
	}

	agg := AggregateQuality(samples)

	assert.Equal(t, QualityPoor, agg.NetworkQuality, "worst label wins")
	assert.Equal(t, float64(150), agg.Bandwidth)
	assert.Equal(t, float64(100), agg.Latency)
	assert.Equal(t, float64(2), agg.PacketLoss)
	assert.Equal(t, float64(3), agg.Jitter)
}

func TestAggregateQuality_Rounding(t *testing.T) {
	samples := []*CallTelemetry{
		{Metrics: CallQualityMetrics{NetworkQuality: QualityExcellent, Latency: 10}},
		{Metrics: CallQualityMetrics{NetworkQuality: QualityExcellent, Latency: 11}},
		{Metrics: CallQualityMetrics{NetworkQuality: QualityExcellent, Latency: 11}},
	}

	agg := AggregateQuality(samples)

	assert.Equal(t, float64(11), agg.Latency)
	assert.Equal(t, QualityExcellent, agg.NetworkQuality)
}

func TestAggregateQuality_UnknownLabelRanksWorst(t *testing.T) {
	samples := []*CallTelemetry{
		{Metrics: CallQualityMetrics{NetworkQuality: QualityExcellent}},
		{Metrics: CallQualityMetrics{NetworkQuality: NetworkQuality("garbled")}},
	}

	agg := AggregateQuality(samples)
	assert.Equal(t, NetworkQuality("garbled"), agg.NetworkQuality)
}

func TestWorseThan(t *testing.T) {
	assert.True(t, QualityPoor.WorseThan(QualityFair))
	assert.True(t, QualityFair.WorseThan(QualityGood))
	assert.True(t, QualityGood.WorseThan(QualityExcellent))
	assert.False(t, QualityExcellent.WorseThan(QualityPoor))
	assert.False(t, QualityGood.WorseThan(QualityGood))
}

func TestCallSettingsMerge(t *testing.T) {
	settings := DefaultCallSettings(uuid.New())
	assert.True(t, settings.EchoCancellation)
	assert.Equal(t, DefaultVideoBitrateKbps, settings.VideoBitrate)
	assert.Equal(t, Resolution720p, settings.PreferredResolution)

	echo := false
	bitrate := 2500
	res := Resolution1080p
	merged := settings.Merge(CallSettingsPatch{
		EchoCancellation:    &echo,
		VideoBitrate:        &bitrate,
		PreferredResolution: &res,
	})

	assert.False(t, merged.EchoCancellation)
	assert.Equal(t, 2500, merged.VideoBitrate)
	assert.Equal(t, Resolution1080p, merged.PreferredResolution)
	// untouched fields survive the merge
	assert.True(t, merged.NoiseSuppression)
	assert.True(t, merged.AutoGainControl)
}
