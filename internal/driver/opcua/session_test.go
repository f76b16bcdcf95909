package opcua

import (
	"fmt"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

func newTestSession() *Session {
	return NewSession(models.Connection{
		ID:       "conn-ua",
		Protocol: models.ProtocolOPCUA,
		Endpoint: "opc.tcp://10.0.0.9:4840",
	}, Options{RequestTimeout: time.Second, SampleBuffer: 4}, zap.NewNop())
}

func TestQualityFromStatus(t *testing.T) {
	assert.Equal(t, models.QualityGood, qualityFromStatus(ua.StatusOK))
	assert.Equal(t, models.QualityUncertain, qualityFromStatus(ua.StatusUncertainLastUsableValue))
	assert.Equal(t, models.QualityBadNotConn, qualityFromStatus(ua.StatusBadNotConnected))
	assert.Equal(t, models.QualityBadCommFail, qualityFromStatus(ua.StatusBadCommunicationError))
	assert.Equal(t, models.QualityBad, qualityFromStatus(ua.StatusBadInternalError))

	// 映射结果必须落在对应的质量等级段
	assert.True(t, models.IsGoodQuality(qualityFromStatus(ua.StatusOK)))
	assert.True(t, models.IsUncertainQuality(qualityFromStatus(ua.StatusUncertainLastUsableValue)))
	assert.False(t, models.IsGoodQuality(qualityFromStatus(ua.StatusUncertainLastUsableValue)))
	assert.True(t, models.IsBadQuality(qualityFromStatus(ua.StatusBadTimeout)))
}

func TestEmitDataValue_NullValueNeverGood(t *testing.T) {
	s := newTestSession()

	// 非空变体但内部值为空：不得以 Good 发射空值
	s.emitDataValue(1, &ua.DataValue{Status: ua.StatusOK, Value: &ua.Variant{}}, time.Now())

	select {
	case sample := <-s.Samples():
		assert.Nil(t, sample.Value)
		assert.Equal(t, models.QualityBadTypeError, sample.Quality)
	default:
		t.Fatal("expected a sample")
	}
}

func TestEmitDataValue_BadStatusKeepsValueNil(t *testing.T) {
	s := newTestSession()

	s.emitDataValue(2, &ua.DataValue{Status: ua.StatusBadCommunicationError}, time.Now())

	select {
	case sample := <-s.Samples():
		require.Nil(t, sample.Value)
		assert.Equal(t, models.QualityBadCommFail, sample.Quality)
	default:
		t.Fatal("expected a sample")
	}
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure(ua.StatusBadUserAccessDenied))
	assert.True(t, isAuthFailure(ua.StatusBadIdentityTokenInvalid))
	assert.True(t, isAuthFailure(fmt.Errorf("activate session: %w", ua.StatusBadIdentityTokenRejected)))
	assert.False(t, isAuthFailure(ua.StatusBadTimeout))
	assert.False(t, isAuthFailure(fmt.Errorf("dial tcp: connection refused")))
}

func TestRateChangeSignificant(t *testing.T) {
	s := newTestSession()

	// 需同时超过绝对与相对阈值才重建订阅
	assert.False(t, s.rateChangeSignificant(1000, 1004))
	assert.False(t, s.rateChangeSignificant(1000, 1040))
	assert.True(t, s.rateChangeSignificant(1000, 1100))
	assert.True(t, s.rateChangeSignificant(100, 250))
}
