package publisher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

// fakeBus 记录发布调用的总线替身
type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, data)
	return nil
}

func TestPublish_SubjectPerConnection(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, zap.NewNop())

	srcTS := time.Date(2026, 1, 5, 7, 59, 59, 0, time.UTC)
	s := &models.Sample{
		ConnectionID: "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c",
		TagID:        12,
		TS:           time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		SrcTS:        &srcTS,
		Value:        21.5,
		Quality:      models.QualityGood,
	}
	require.NoError(t, p.Publish(s))

	require.Len(t, bus.subjects, 1)
	assert.Equal(t, "df.telemetry.raw.7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c", bus.subjects[0])

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(bus.payloads[0], &msg))
	assert.Equal(t, "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c", msg["connection_id"])
	assert.Equal(t, float64(12), msg["tag_id"])
	assert.Equal(t, 21.5, msg["v"])
	assert.Equal(t, float64(0), msg["q"])
	assert.Equal(t, "2026-01-05T08:00:00Z", msg["ts"])
	assert.Equal(t, "2026-01-05T07:59:59Z", msg["src_ts"])

	published, failed := p.Counters()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(0), failed)
}

func TestPublish_NullValueOmitsSrcTS(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, zap.NewNop())

	s := &models.Sample{
		ConnectionID: "7a1e8a18-4a3f-4f6c-9c1a-2d3e4f5a6b7c",
		TagID:        12,
		TS:           time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		Value:        nil,
		Quality:      models.QualityBadCommFail,
	}
	require.NoError(t, p.Publish(s))

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(bus.payloads[0], &msg))
	assert.Nil(t, msg["v"])
	assert.NotContains(t, msg, "src_ts")
	assert.Contains(t, msg, "v") // null 值字段必须存在
}

func TestPublish_BusErrorCountsFailure(t *testing.T) {
	bus := &fakeBus{err: errors.New("bus unavailable")}
	p := NewPublisher(bus, zap.NewNop())

	s := &models.Sample{ConnectionID: "conn-a", TagID: 1, TS: time.Now(), Value: 1.0}
	assert.Error(t, p.Publish(s))

	published, failed := p.Counters()
	assert.Equal(t, uint64(0), published)
	assert.Equal(t, uint64(1), failed)
}

func TestDrain_ForwardsUntilChannelClosed(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, zap.NewNop())

	ch := make(chan models.Sample, 4)
	ch <- models.Sample{ConnectionID: "conn-a", TagID: 1, TS: time.Now(), Value: 1.0}
	ch <- models.Sample{ConnectionID: "conn-a", TagID: 2, TS: time.Now(), Value: 2.0}
	close(ch)

	p.Drain(ch)

	published, _ := p.Counters()
	assert.Equal(t, uint64(2), published)
}
