package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ActiveEntry 是一个正在写入的缓存条目句柄。正文支持按偏移写入，
// 元数据整体原子覆盖。句柄在协调器的生命周期内被独占驱动，但
// Doom/Close 可能来自其他 goroutine，因此内部仍做互斥保护。
type ActiveEntry struct {
	store    *fileStore
	locator  Locator
	key      string
	bodyPath string
	metaPath string

	mu       sync.Mutex
	body     *os.File
	bodySize int64
	metaSize int64
	doomed   bool
	closed   bool
}

// Key 返回条目的缓存键（诊断与日志用）。
func (e *ActiveEntry) Key() string {
	return e.key
}

// Locator 返回条目的定位信息。
func (e *ActiveEntry) Locator() Locator {
	return e.locator
}

// DataSize 返回指定数据流当前的字节数。
func (e *ActiveEntry) DataSize(stream int) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if stream == MetadataStream {
		return e.metaSize
	}
	return e.bodySize
}

// WriteData 将 p 写入指定数据流的 off 偏移处，返回写入的字节数。
// 条目销毁后写入返回 ErrEntryDoomed。
func (e *ActiveEntry) WriteData(ctx context.Context, stream int, off int64, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doomed || e.closed {
		return 0, ErrEntryDoomed
	}

	if stream == MetadataStream {
		n, err := e.writeMetaRawLocked(off, p)
		return n, err
	}

	n, err := e.body.WriteAt(p, off)
	if end := off + int64(n); end > e.bodySize {
		e.bodySize = end
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

// ReadData 从指定数据流的 off 偏移处读取，供尚未读完的消费者在写入
// 结束后继续消费正文。
func (e *ActiveEntry) ReadData(ctx context.Context, stream int, off int64, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doomed {
		return 0, ErrEntryDoomed
	}
	if stream != BodyStream {
		return 0, fmt.Errorf("read unsupported on stream %d", stream)
	}
	if off >= e.bodySize {
		return 0, io.EOF
	}

	limit := int64(len(p))
	if remain := e.bodySize - off; remain < limit {
		limit = remain
	}
	return e.body.ReadAt(p[:limit], off)
}

// WriteMetadata 原子覆盖条目元数据（临时文件 + rename）。
func (e *ActiveEntry) WriteMetadata(ctx context.Context, meta EntryMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doomed {
		return ErrEntryDoomed
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(e.metaPath), ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, werr := tempFile.Write(raw)
	cerr := tempFile.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tempName, e.metaPath)
	}
	if werr != nil {
		os.Remove(tempName)
		return werr
	}

	e.metaSize = int64(len(raw))
	return nil
}

// Doom 销毁条目：关闭句柄并删除正文与元数据文件。销毁后的条目拒绝
// 一切写入，幂等。
func (e *ActiveEntry) Doom(ctx context.Context) error {
	e.mu.Lock()
	if e.doomed {
		e.mu.Unlock()
		return nil
	}
	e.doomed = true
	if !e.closed {
		e.closed = true
		_ = e.body.Close()
	}
	e.mu.Unlock()

	return e.store.Remove(ctx, e.locator)
}

// Close 关闭正文文件句柄，保留磁盘内容。
func (e *ActiveEntry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.body.Close()
}

// writeMetaRawLocked 支持按字节写元数据流，满足磁盘条目接口的通用形态；
// 正常路径都走 WriteMetadata。
func (e *ActiveEntry) writeMetaRawLocked(off int64, p []byte) (int, error) {
	f, err := os.OpenFile(e.metaPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.WriteAt(p, off)
	if end := off + int64(n); end > e.metaSize {
		e.metaSize = end
	}
	return n, err
}
