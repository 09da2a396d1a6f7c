package proxy

import (
	"bytes"
	"context"
	"encoding/hex"
	"path"
	"strings"
	"sync"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/cache/writers"
	"github.com/cache-hub/cache-hub/internal/upstream"
)

// requestConsumer 是单个客户端请求在写协调器里的化身。优先级可随请求头
// 调整，摘除结果留给请求 goroutine 在下一次读时消化。
type requestConsumer struct {
	mu       sync.Mutex
	priority upstream.Priority
	expected []byte
	removed  bool
	result   error
}

func newRequestConsumer(priority upstream.Priority, expected []byte) *requestConsumer {
	return &requestConsumer{priority: priority, expected: expected}
}

func (rc *requestConsumer) Priority() upstream.Priority {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.priority
}

func (rc *requestConsumer) OnRemoved(result error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.removed = true
	rc.result = result
}

func (rc *requestConsumer) VerifyChecksum(sum []byte) bool {
	if len(rc.expected) == 0 {
		return true
	}
	return bytes.Equal(sum, rc.expected)
}

// removalResult 返回协调器侧记录的摘除结果。
func (rc *requestConsumer) removalResult() (bool, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.removed, rc.result
}

// rangeCursor 把范围续传的正文写到既有偏移之后，绕过协调器默认的追加
// 偏移计算。
type rangeCursor struct {
	off int64
}

func (r *rangeCursor) CacheWrite(ctx context.Context, entry writers.CacheEntry, p []byte) (int, error) {
	n, err := entry.WriteData(ctx, cache.BodyStream, r.off, p)
	r.off += int64(n)
	return n, err
}

// expectedChecksum 从内容寻址路径（…/sha256:<hex>）中提取期望摘要。
// 路径不符合该形态时返回 nil。
func expectedChecksum(requestPath string) []byte {
	last := path.Base(requestPath)
	rest, ok := strings.CutPrefix(last, "sha256:")
	if !ok {
		return nil
	}
	if len(rest) != 64 {
		return nil
	}
	sum, err := hex.DecodeString(rest)
	if err != nil {
		return nil
	}
	return sum
}
