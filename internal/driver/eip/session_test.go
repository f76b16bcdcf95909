package eip

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
	"df-connectivity/internal/driver/eipworker"
	"df-connectivity/internal/models"
)

func newTestSession(t *testing.T, script string) *Session {
	t.Helper()
	return NewSession(models.Connection{
		ID:       "conn-eip",
		Protocol: models.ProtocolEIP,
		Endpoint: "10.0.0.8:44818",
	}, Options{
		WorkerCmd:      "/bin/sh",
		WorkerArgs:     []string{"-c", script},
		RequestTimeout: 2 * time.Second,
		SampleBuffer:   16,
	}, zap.NewNop())
}

func TestSession_SubscriptionPushRecoversAfterWorkerExit(t *testing.T) {
	// 第一个 worker 实例应答 connect 与 subscribe_polling 后崩溃；
	// 重启后的实例持续回显（cat 把请求原样回写即视为成功响应）
	marker := filepath.Join(t.TempDir(), "first-run")
	script := fmt.Sprintf(`if [ ! -e "%s" ]; then
touch "%s"
read line; printf '%%s\n' "$line"
read line; printf '%%s\n' "$line"
sleep 0.3
exit 7
fi
exec cat`, marker, marker)

	s := newTestSession(t, script)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(context.Background())

	tags := models.TagsByGroup{
		"slot-5": {{ID: 1, ConnectionID: "conn-eip", Path: "Program:Main.Speed", DataType: "REAL", PollGroupID: "slot-5"}},
	}
	require.NoError(t, s.UpdateTagSubscriptions(ctx, tags))

	// worker 应答订阅后退出 -> 会话降级
	require.Eventually(t, func() bool {
		return s.State() == driver.StateDegraded
	}, 2*time.Second, 10*time.Millisecond)

	// 降级状态下的订阅下发触发一次透明恢复：重启 worker、重建连接、重发订阅
	tags2 := models.TagsByGroup{
		"slot-5": {
			{ID: 1, ConnectionID: "conn-eip", Path: "Program:Main.Speed", DataType: "REAL", PollGroupID: "slot-5"},
			{ID: 2, ConnectionID: "conn-eip", Path: "Program:Main.Load", DataType: "REAL", PollGroupID: "slot-5"},
		},
	}
	require.NoError(t, s.UpdateTagSubscriptions(ctx, tags2))
	assert.Equal(t, driver.StateConnected, s.State())
	assert.Equal(t, uint64(1), s.Stats().Reconnects)
}

func TestSession_TelemetryFrameNormalizesLegacyQuality(t *testing.T) {
	s := newTestSession(t, "exec cat")

	// 旧编码 192 为 Good
	s.handleTelemetry(&eipworker.TelemetryFrame{
		TagID:   7,
		Value:   21.5,
		Quality: 192,
		TS:      "2026-01-05T08:00:00Z",
	})
	select {
	case sample := <-s.Samples():
		assert.Equal(t, models.QualityGood, sample.Quality)
		assert.Equal(t, 21.5, sample.Value)
	default:
		t.Fatal("expected a sample")
	}

	// 其余旧编码归为 Bad；质量变化必过滤器
	s.handleTelemetry(&eipworker.TelemetryFrame{TagID: 7, Value: 21.5, Quality: 8})
	select {
	case sample := <-s.Samples():
		assert.Equal(t, models.QualityBad, sample.Quality)
	default:
		t.Fatal("expected a sample")
	}
}
