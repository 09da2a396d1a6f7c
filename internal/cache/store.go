package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// 每个条目由两个数据流组成，沿用经典磁盘缓存的流编号：0 号放元数据，
// 1 号放响应正文。
const (
	MetadataStream = 0
	BodyStream     = 1
)

// Store 负责管理磁盘缓存条目的读写。磁盘布局遵循：
//
//	<StoragePath>/<Origin>/<path>.body    # 响应正文
//	<StoragePath>/<Origin>/<path>.meta    # JSON 元数据快照
//
// 正文允许按偏移增量写入；元数据通过临时文件 + rename 原子落盘。
type Store interface {
	// Open 返回一个可流式读取的完整缓存条目。条目不存在、未写完、
	// 已截断或被标记为不可信时返回 ErrNotFound。
	Open(ctx context.Context, locator Locator) (*ReadResult, error)

	// Create 创建（或清空重建）一个可增量写入的条目，交给写协调器驱动。
	Create(ctx context.Context, locator Locator) (*ActiveEntry, error)

	// Metadata 返回条目的元数据快照而不校验可服务性，调用方据此判断
	// 截断条目能否续传。条目不存在时返回 ErrNotFound。
	Metadata(ctx context.Context, locator Locator) (EntryMetadata, error)

	// Resume 重新打开一个已有条目继续写入，保留现有正文与元数据。
	// 供截断条目的范围续传使用。
	Resume(ctx context.Context, locator Locator) (*ActiveEntry, error)

	// Remove 删除条目的正文与元数据文件。
	Remove(ctx context.Context, locator Locator) error
}

// Locator 唯一定位一个缓存条目（Origin + 相对路径），所有路径均为 URL 路径风格。
type Locator struct {
	Origin string
	Path   string
}

// EntryMetadata 是条目元数据快照。Truncated 表示正文只写了一部分、但响应
// 具备强校验器，可供未来的 Range 请求续传验证；Unusable 表示正文校验失败，
// 条目永久不可信。
type EntryMetadata struct {
	Status        int         `json:"status"`
	Header        http.Header `json:"header"`
	ContentLength int64       `json:"content_length"`
	FetchedAt     time.Time   `json:"fetched_at"`
	Complete      bool        `json:"complete"`
	Truncated     bool        `json:"truncated"`
	Unusable      bool        `json:"unusable"`
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Locator   Locator       `json:"locator"`
	FilePath  string        `json:"file_path"`
	SizeBytes int64         `json:"size_bytes"`
	ModTime   time.Time     `json:"-"`
	Metadata  EntryMetadata `json:"metadata"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在或不可直接服务。
var ErrNotFound = errors.New("cache entry not found")

// ErrEntryDoomed 表示条目已被销毁，后续写入全部拒绝。
var ErrEntryDoomed = errors.New("cache entry doomed")
