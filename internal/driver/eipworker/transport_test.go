package eipworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/driver"
)

// startWorker 以 shell 片段充当 worker 进程
func startWorker(t *testing.T, script string, opts Options) *Transport {
	t.Helper()
	opts.Command = "/bin/sh"
	opts.Args = []string{"-c", script}
	tr := NewTransport(opts, zap.NewNop())
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)
	return tr
}

func TestCall_ResponseRouting(t *testing.T) {
	// cat 原样回显：回显行带 id，被识别为该请求的响应
	tr := startWorker(t, "cat", Options{DefaultTimeout: 2 * time.Second})

	result, err := tr.Call(context.Background(), MethodConnect, map[string]string{"host": "10.0.0.5"}, 0)
	require.NoError(t, err)
	assert.Nil(t, result) // 回显行无 result 字段
	assert.Equal(t, 0, tr.PendingCount())
}

func TestCall_Timeout(t *testing.T) {
	// worker 永不响应
	tr := startWorker(t, "sleep 60", Options{DefaultTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := tr.Call(context.Background(), MethodBrowseTags, nil, 0)
	require.Error(t, err)

	var timeoutErr *driver.RequestTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, MethodBrowseTags, timeoutErr.Method)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestCall_ContextCancel(t *testing.T) {
	tr := startWorker(t, "sleep 60", Options{DefaultTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Call(ctx, MethodWriteTag, nil, 0)
	assert.ErrorIs(t, err, driver.ErrCancelled)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestCall_WorkerExitRejectsPending(t *testing.T) {
	// worker 读到第一行请求后以退出码 3 终止
	var mu sync.Mutex
	var exitErr *driver.WorkerExitedError

	tr := startWorker(t, "read line; exit 3", Options{DefaultTimeout: 5 * time.Second})
	tr.OnExit = func(err *driver.WorkerExitedError) {
		mu.Lock()
		exitErr = err
		mu.Unlock()
	}

	_, err := tr.Call(context.Background(), MethodConnect, nil, 0)
	require.Error(t, err)

	var workerErr *driver.WorkerExitedError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, 3, workerErr.Code)

	// 退出回调在拒绝在途请求之后触发
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exitErr != nil
	}, time.Second, 10*time.Millisecond)
}

func TestCall_AfterWorkerExitReportsSessionClosed(t *testing.T) {
	// worker 立即退出；Wait 回收后 stdin 已关闭
	tr := startWorker(t, "exit 0", Options{DefaultTimeout: time.Second})

	require.Eventually(t, func() bool {
		return !tr.Running()
	}, time.Second, 10*time.Millisecond)

	_, err := tr.Call(context.Background(), MethodSubscribePolling, nil, 0)
	assert.ErrorIs(t, err, driver.ErrSessionClosed)
}

func TestCall_BusyWhenPendingLimitReached(t *testing.T) {
	tr := startWorker(t, "sleep 60", Options{DefaultTimeout: 10 * time.Second, MaxPending: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tr.Call(context.Background(), MethodConnect, nil, 0)
	}()

	require.Eventually(t, func() bool {
		return tr.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	// 在途请求达到上限：立即拒绝，不排队
	_, err := tr.Call(context.Background(), MethodWriteTag, nil, 0)
	assert.ErrorIs(t, err, driver.ErrBusy)

	tr.Stop()
	<-done
}

func TestReadLoop_TelemetryFrames(t *testing.T) {
	// worker 启动即推送两帧遥测与一行垃圾，然后保持存活
	script := `echo '{"tag_id":7,"v":21.5,"q":0,"ts":"2026-01-05T08:00:00Z"}'; ` +
		`echo 'not json'; ` +
		`echo '{"tag_id":8,"v":"run","q":0,"ts":"2026-01-05T08:00:01Z","src_ts":"2026-01-05T07:59:59Z"}'; ` +
		`sleep 60`

	var mu sync.Mutex
	var frames []*TelemetryFrame

	tr := NewTransport(Options{
		Command:        "/bin/sh",
		Args:           []string{"-c", script},
		DefaultTimeout: time.Second,
	}, zap.NewNop())
	tr.OnTelemetry = func(frame *TelemetryFrame) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
	}
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)

	// 垃圾行被丢弃，两帧遥测按序到达
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(7), frames[0].TagID)
	assert.Equal(t, 21.5, frames[0].Value)
	assert.Equal(t, int64(8), frames[1].TagID)
	assert.Equal(t, "run", frames[1].Value)
	assert.Equal(t, "2026-01-05T07:59:59Z", frames[1].SrcTS)
}

func TestStop_Idempotent(t *testing.T) {
	tr := startWorker(t, "sleep 60", Options{DefaultTimeout: time.Second})
	require.True(t, tr.Running())

	tr.Stop()
	tr.Stop()
	assert.False(t, tr.Running())

	// 停止后的调用直接拒绝
	_, err := tr.Call(context.Background(), MethodConnect, nil, 0)
	assert.ErrorIs(t, err, driver.ErrCancelled)
}
