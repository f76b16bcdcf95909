package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityPredicates(t *testing.T) {
	assert.True(t, IsGoodQuality(QualityGood))
	assert.False(t, IsGoodQuality(QualityUncertain))
	assert.False(t, IsGoodQuality(QualityBadCommFail))

	assert.True(t, IsBadQuality(QualityBad))
	assert.True(t, IsBadQuality(QualityBadNotConn))
	assert.False(t, IsBadQuality(QualityGood))
	assert.False(t, IsBadQuality(QualityUncertain))

	assert.True(t, IsUncertainQuality(QualityUncertain))
	assert.False(t, IsUncertainQuality(QualityGood))
	assert.False(t, IsUncertainQuality(QualityBad))
	assert.False(t, IsUncertainQuality(QualityBadCommFail))
}

func TestNormalizeLegacyQuality(t *testing.T) {
	// 旧系统 192 与 0 均为 Good
	assert.Equal(t, QualityGood, NormalizeLegacyQuality(192))
	assert.Equal(t, QualityGood, NormalizeLegacyQuality(0))
	assert.Equal(t, QualityUncertain, NormalizeLegacyQuality(64))
	assert.Equal(t, QualityBad, NormalizeLegacyQuality(8))
	assert.Equal(t, QualityBad, NormalizeLegacyQuality(-1))
}

func TestTelemetryMessage_RoundTrip(t *testing.T) {
	srcTS := time.Date(2026, 1, 5, 7, 59, 59, 0, time.UTC)
	s := &Sample{
		ConnectionID: "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c",
		TagID:        12,
		TS:           time.Date(2026, 1, 5, 8, 0, 0, 123456000, time.UTC),
		SrcTS:        &srcTS,
		Value:        21.5,
		Quality:      QualityGood,
	}

	msg := NewTelemetryMessage(s)
	assert.Equal(t, "2026-01-05T08:00:00.123456Z", msg.TS)
	assert.Equal(t, "2026-01-05T07:59:59Z", msg.SrcTS)

	back, err := msg.ToSample()
	require.NoError(t, err)
	assert.Equal(t, s.ConnectionID, back.ConnectionID)
	assert.Equal(t, s.TagID, back.TagID)
	assert.True(t, s.TS.Equal(back.TS))
	require.NotNil(t, back.SrcTS)
	assert.True(t, srcTS.Equal(*back.SrcTS))
	assert.Equal(t, 21.5, back.Value)
}

func TestTelemetryMessage_InvalidTimestamp(t *testing.T) {
	msg := &TelemetryMessage{ConnectionID: "c", TagID: 1, TS: "yesterday", Value: 1.0}
	_, err := msg.ToSample()
	assert.Error(t, err)
}

func TestTelemetrySubject(t *testing.T) {
	assert.Equal(t, "df.telemetry.raw.conn-1", TelemetrySubject("conn-1"))
}

func TestToNumeric(t *testing.T) {
	n, ok := ToNumeric(int32(7))
	require.True(t, ok)
	assert.Equal(t, 7.0, n)

	_, ok = ToNumeric("7")
	assert.False(t, ok)
	_, ok = ToNumeric(nil)
	assert.False(t, ok)
}
