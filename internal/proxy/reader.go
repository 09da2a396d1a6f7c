package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/cache/writers"
)

// errRestartable 标记一次可以通过重新发起缓存查找恢复的流失败。
// 只有还没向客户端写出任何字节时才允许重启。
var errRestartable = errors.New("stream failed before completion, restart eligible")

// consumerReader 把一个消费者对共享条目的消费过程适配成 io.Reader：
// 落后于磁盘进度时直接读条目，追平后通过协调器参与共享网络读；
// 协调器先行结束时回退到已完成的磁盘条目继续读。
type consumerReader struct {
	ctx     context.Context
	coord   *writers.Coordinator
	handle  writers.Handle
	entry   *cache.ActiveEntry
	store   cache.Store
	locator cache.Locator

	offset   int64
	fallback io.ReadSeekCloser
	done     bool
}

func (r *consumerReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.fallback != nil {
		n, err := r.fallback.Read(p)
		r.offset += int64(n)
		if errors.Is(err, io.EOF) {
			r.done = true
		}
		return n, err
	}

	// 追赶阶段：磁盘上已有的字节直接读，不打扰协调器。
	if r.offset < r.entry.DataSize(cache.BodyStream) {
		n, err := r.entry.ReadData(r.ctx, cache.BodyStream, r.offset, p)
		r.offset += int64(n)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if errors.Is(err, cache.ErrEntryDoomed) {
				return 0, fmt.Errorf("%w: %s", errRestartable, err.Error())
			}
			return 0, err
		}
	}

	n, err := r.coord.Read(r.ctx, r.handle, p)
	switch {
	case err == nil && n > 0:
		r.offset += int64(n)
		return n, nil
	case err == nil:
		r.done = true
		return 0, io.EOF
	case errors.Is(err, writers.ErrWritersDone):
		return r.readFromFinishedEntry(p)
	case errors.Is(err, writers.ErrCacheWrite),
		errors.Is(err, writers.ErrConsumerGone):
		return 0, fmt.Errorf("%w: %s", errRestartable, err.Error())
	default:
		var netErr *writers.NetworkReadError
		if errors.As(err, &netErr) {
			return 0, fmt.Errorf("%w: %s", errRestartable, err.Error())
		}
		return 0, err
	}
}

// readFromFinishedEntry 在协调器结束后打开定稿的条目，从当前偏移继续。
// 完成回调落盘元数据与 ErrWritersDone 之间存在极短的窗口，打开失败时
// 做有限重试。
func (r *consumerReader) readFromFinishedEntry(p []byte) (int, error) {
	var result *cache.ReadResult
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		result, err = r.store.Open(r.ctx, r.locator)
		if err == nil {
			break
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return 0, err
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: finished entry unavailable", errRestartable)
	}
	if _, err := result.Reader.Seek(r.offset, io.SeekStart); err != nil {
		result.Reader.Close()
		return 0, err
	}
	r.fallback = result.Reader
	return r.Read(p)
}

func (r *consumerReader) Close() error {
	if r.fallback != nil {
		return r.fallback.Close()
	}
	return nil
}
