package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LoadState 描述 Transaction 当前所处的阶段，供诊断端查询。
const (
	LoadStateIdle        = "idle"
	LoadStateReadingBody = "reading_body"
)

// Transaction 代表一次进行中的回源请求。响应头已经到达，正文按需顺序读取。
// 同一个 Transaction 只被一个协调器驱动，Read 不做并发保护。
type Transaction struct {
	resp     *http.Response
	info     ResponseInfo
	priority atomic.Int32
	reading  atomic.Bool
	eof      bool
	logger   *logrus.Logger
}

// Start 发起 GET 回源请求并在响应头到达后返回 Transaction。
// 非 2xx 响应同样返回 Transaction，由调用方决定是否继续消费正文。
func Start(ctx context.Context, client *http.Client, rawURL string, header http.Header, priority Priority, logger *logrus.Logger) (*Transaction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	if header != nil {
		CopyHeaders(req.Header, header)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		resp:   resp,
		info:   SnapshotResponse(resp),
		logger: logger,
	}
	t.priority.Store(int32(priority))
	return t, nil
}

// Read 顺序读取正文的下一段字节。正文结束返回 (0, nil)，即零长度的
// 终止读；传输层错误返回 (0, err)。
func (t *Transaction) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.eof {
		return 0, nil
	}

	t.reading.Store(true)
	n, err := t.resp.Body.Read(p)
	t.reading.Store(false)

	if err != nil {
		if errors.Is(err, io.EOF) {
			t.eof = true
			if n > 0 {
				return n, nil
			}
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// SetPriority 记录聚合后的优先级。net/http 无法在请求中途调整调度，
// 这里保留数值供日志与后续重试请求使用。
func (t *Transaction) SetPriority(p Priority) {
	old := Priority(t.priority.Swap(int32(p)))
	if old != p && t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"action": "upstream_priority",
			"from":   old.String(),
			"to":     p.String(),
		}).Debug("priority_updated")
	}
}

// Priority 返回当前记录的优先级。
func (t *Transaction) Priority() Priority {
	return Priority(t.priority.Load())
}

// ResponseInfo 返回响应元数据快照。
func (t *Transaction) ResponseInfo() *ResponseInfo {
	return &t.info
}

// LoadState 返回当前读取状态。
func (t *Transaction) LoadState() string {
	if t.reading.Load() {
		return LoadStateReadingBody
	}
	return LoadStateIdle
}

// Close 释放底层响应体。协调器在最后一个消费者离开时调用。
func (t *Transaction) Close() error {
	return t.resp.Body.Close()
}
