package eipworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"df-connectivity/internal/driver"
)

// worker 必须实现的 JSON-RPC 方法
const (
	MethodConnect             = "connect"
	MethodDisconnect          = "disconnect"
	MethodSubscribePolling    = "subscribe_polling"
	MethodWriteTag            = "write_tag"
	MethodBrowseTags          = "browse_tags"
	MethodResolveTypes        = "resolve_types"
	MethodDiscover            = "discover"
	MethodListIdentity        = "list_identity"
	MethodGetRackConfig       = "get_rack_configuration"
	MethodGetConnectionStatus = "get_connection_status"
)

// maxLineBytes 单行最大长度（浏览结果可能很大）
const maxLineBytes = 8 * 1024 * 1024

// stopGrace SIGTERM 后等待 worker 自行退出的时间
const stopGrace = 3 * time.Second

// TelemetryFrame worker 主动推送的遥测帧（行内必须携带 tag_id）
type TelemetryFrame struct {
	TagID int64       `json:"tag_id"`
	Value interface{} `json:"v"`
	Quality uint16    `json:"q"`
	TS    string      `json:"ts"`
	SrcTS string      `json:"src_ts,omitempty"`
}

// rpcRequest JSON-RPC 2.0 请求
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcError JSON-RPC 2.0 错误对象
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// inboundLine 入站行的探测结构：带 id 的是响应，带 tag_id 的是遥测帧
type inboundLine struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	TagID   *int64          `json:"tag_id"`
}

// callResult 挂起调用的完成结果
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall 在途 RPC 调用
type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// Options 传输层参数
type Options struct {
	Command        string   // worker 可执行文件
	Args           []string
	DefaultTimeout time.Duration // 单次调用默认超时
	MaxPending     int           // 在途请求上限，超出时 Call 直接返回 ErrBusy
}

// Transport EIP worker 的 JSON-RPC stdio 传输层
// 按行分帧的 JSON：带 id 的行是请求/响应，带 tag_id 的行是遥测帧。
// stdout 由单个 reader goroutine 消费；stdin 写入串行化。
// worker 退出时拒绝全部在途请求并触发退出回调，传输层自身不重启进程。
type Transport struct {
	opts   Options
	logger *zap.Logger

	// OnTelemetry 遥测帧回调（reader goroutine 同步调用）
	OnTelemetry func(frame *TelemetryFrame)
	// OnExit worker 退出回调（在途请求已全部拒绝后调用）
	OnExit func(err *driver.WorkerExitedError)

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    int64
	closed    bool

	readerDone chan struct{}
	waitDone   chan struct{}
	stopping   int32
}

// NewTransport 创建传输层（未启动）
func NewTransport(opts Options, logger *zap.Logger) *Transport {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 8192
	}
	return &Transport{
		opts:    opts,
		logger:  logger,
		pending: make(map[int64]*pendingCall),
	}
}

// Start 拉起 worker 子进程并开始读取 stdout/stderr
func (t *Transport) Start(ctx context.Context) error {
	cmd := exec.Command(t.opts.Command, t.opts.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", t.opts.Command, err)
	}

	t.pendingMu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.closed = false
	t.readerDone = make(chan struct{})
	t.waitDone = make(chan struct{})
	atomic.StoreInt32(&t.stopping, 0)
	t.pendingMu.Unlock()

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)
	go t.waitLoop(cmd)

	t.logger.Info("EIP worker started",
		zap.String("command", t.opts.Command),
		zap.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Stop 停止 worker：SIGTERM -> 宽限期 -> SIGKILL；拒绝全部在途请求。幂等。
func (t *Transport) Stop() {
	t.pendingMu.Lock()
	cmd := t.cmd
	waitDone := t.waitDone
	alreadyClosed := t.closed
	t.closed = true
	t.pendingMu.Unlock()

	if cmd == nil || alreadyClosed {
		return
	}
	atomic.StoreInt32(&t.stopping, 1)

	t.rejectAll(driver.ErrCancelled)

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
			<-waitDone
		}
	}

	t.logger.Info("EIP worker stopped")
}

// Running worker 是否仍在运行
func (t *Transport) Running() bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if t.cmd == nil || t.closed {
		return false
	}
	select {
	case <-t.waitDone:
		return false
	default:
		return true
	}
}

// PendingCount 在途请求数
func (t *Transport) PendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// Call 发送一次 JSON-RPC 调用并等待响应
// timeout <= 0 时使用默认超时。超时返回 RequestTimeoutError，
// 在途请求达到上限时立即返回 ErrBusy。
func (t *Transport) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.opts.DefaultTimeout
	}

	t.pendingMu.Lock()
	if t.closed || t.stdin == nil {
		t.pendingMu.Unlock()
		return nil, driver.ErrCancelled
	}
	if len(t.pending) >= t.opts.MaxPending {
		t.pendingMu.Unlock()
		return nil, driver.ErrBusy
	}
	t.nextID++
	id := t.nextID
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	call.timer = time.AfterFunc(timeout, func() {
		if t.removePending(id) != nil {
			call.ch <- callResult{err: &driver.RequestTimeoutError{Method: method}}
		}
	})
	t.pending[id] = call
	stdin := t.stdin
	t.pendingMu.Unlock()

	line, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.removePending(id)
		call.timer.Stop()
		return nil, fmt.Errorf("failed to marshal request %s: %w", method, err)
	}
	line = append(line, '\n')

	t.writeMu.Lock()
	_, err = stdin.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		call.timer.Stop()
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			// worker 已退出，stdin 随 Wait 关闭
			return nil, fmt.Errorf("write request %s: %w", method, driver.ErrSessionClosed)
		}
		return nil, fmt.Errorf("failed to write request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if t.removePending(id) != nil {
			call.timer.Stop()
		}
		return nil, driver.ErrCancelled
	case res := <-call.ch:
		return res.result, res.err
	}
}

// removePending 摘除在途请求；返回 nil 表示已被其他路径完成
func (t *Transport) removePending(id int64) *pendingCall {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return call
}

// rejectAll 以同一错误拒绝全部在途请求
func (t *Transport) rejectAll(err error) {
	t.pendingMu.Lock()
	calls := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.pendingMu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.ch <- callResult{err: err}
	}
}

// readLoop 消费 worker stdout；单 goroutine，遥测帧同步分发
func (t *Transport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe inboundLine
		if err := json.Unmarshal(line, &probe); err != nil {
			t.logger.Warn("Dropping unparseable worker line",
				zap.Int("length", len(line)),
				zap.Error(err),
			)
			continue
		}

		switch {
		case probe.ID != nil:
			t.dispatchResponse(&probe)
		case probe.TagID != nil:
			t.dispatchTelemetry(line)
		default:
			t.logger.Warn("Dropping worker line without id or tag_id")
		}
	}

	if err := scanner.Err(); err != nil && atomic.LoadInt32(&t.stopping) == 0 {
		t.logger.Warn("Worker stdout read error", zap.Error(err))
	}
}

// dispatchResponse 将响应路由到对应的在途请求
func (t *Transport) dispatchResponse(probe *inboundLine) {
	call := t.removePending(*probe.ID)
	if call == nil {
		// 已超时或已被取消的迟到响应
		t.logger.Debug("Dropping response for unknown request id", zap.Int64("id", *probe.ID))
		return
	}
	call.timer.Stop()

	if probe.Error != nil {
		call.ch <- callResult{err: fmt.Errorf("worker rpc %s failed: %s (code %d)",
			call.method, probe.Error.Message, probe.Error.Code)}
		return
	}
	call.ch <- callResult{result: probe.Result}
}

// dispatchTelemetry 解析并分发遥测帧
func (t *Transport) dispatchTelemetry(line []byte) {
	var frame TelemetryFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.logger.Warn("Dropping malformed telemetry frame", zap.Error(err))
		return
	}
	if t.OnTelemetry != nil {
		t.OnTelemetry(&frame)
	}
}

// stderrLoop worker stderr 仅作诊断日志
func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("worker stderr", zap.String("line", scanner.Text()))
	}
}

// waitLoop 等待进程退出，拒绝在途请求并上报退出事件
func (t *Transport) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()
	close(t.waitDone)

	exitErr := &driver.WorkerExitedError{}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			if status, ok := ee.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					exitErr.Signal = status.Signal().String()
				} else {
					exitErr.Code = status.ExitStatus()
				}
			}
		}
	}

	t.rejectAll(exitErr)

	if atomic.LoadInt32(&t.stopping) == 1 {
		return
	}

	t.logger.Error("EIP worker exited unexpectedly",
		zap.Int("code", exitErr.Code),
		zap.String("signal", exitErr.Signal),
	)
	if t.OnExit != nil {
		t.OnExit(exitErr)
	}
}
