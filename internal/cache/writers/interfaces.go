package writers

import (
	"context"

	"github.com/cache-hub/cache-hub/internal/cache"
	"github.com/cache-hub/cache-hub/internal/upstream"
)

// ParallelWritingPattern 描述协调器的写入模式。第二个消费者加入后模式
// 即固定，决定后续消费者能否继续加入。
type ParallelWritingPattern int

const (
	// PatternNone 表示尚无消费者，模式由第一次准入决定。
	PatternNone ParallelWritingPattern = iota
	// PatternExclusive 表示网络读被单个消费者独占（范围请求等）。
	PatternExclusive
	// PatternJoin 表示多个消费者共享同一次网络读。
	PatternJoin
)

func (p ParallelWritingPattern) String() string {
	switch p {
	case PatternExclusive:
		return "exclusive"
	case PatternJoin:
		return "join"
	default:
		return "none"
	}
}

// Consumer 是协调器反向调用的消费者回调面。实现必须是轻量、非重入的：
// 回调可能在协调器内部锁持有期间触发，不得再调用协调器方法。
type Consumer interface {
	// Priority 返回消费者当前声明的优先级（聚合取最大值）。
	Priority() upstream.Priority

	// OnRemoved 通知消费者已被摘除，result 为终止码：nil 表示正常
	// 结束，否则是导致摘除的错误。
	OnRemoved(result error)

	// VerifyChecksum 在终止读定型摘要后被调用，返回摘要是否符合期望。
	// 没有期望摘要的消费者恒返回 true。
	VerifyChecksum(sum []byte) bool
}

// PartialCursor 是范围请求的写游标：字节绕过通用的追加偏移，由游标
// 决定落盘位置。持有 PartialCursor 的消费者总是独占模式。
type PartialCursor interface {
	CacheWrite(ctx context.Context, entry CacheEntry, p []byte) (int, error)
}

// TransactionInfo 是消费者加入时登记的快照信息。
type TransactionInfo struct {
	// Partial 非 nil 时表示这是一个范围请求消费者。
	Partial PartialCursor
	// Truncated 表示该消费者视角下条目已经是截断状态。
	Truncated bool
	// Response 是加入时的响应元数据快照，截断决策依赖它。
	Response upstream.ResponseInfo
}

// CacheEntry 是磁盘条目协作方的最小契约，由 cache.ActiveEntry 满足。
type CacheEntry interface {
	Key() string
	DataSize(stream int) int64
	WriteData(ctx context.Context, stream int, off int64, p []byte) (int, error)
	WriteMetadata(ctx context.Context, meta cache.EntryMetadata) error
}

// NetworkTransaction 是网络事务协作方的最小契约，由 upstream.Transaction
// 满足。Read 返回 (0, nil) 表示正文结束（零长度终止读）。
type NetworkTransaction interface {
	Read(ctx context.Context, p []byte) (int, error)
	SetPriority(p upstream.Priority)
	ResponseInfo() *upstream.ResponseInfo
	LoadState() string
	Close() error
}

// Owner 是创建协调器的缓存层回调面。两个回调都在协调器锁外调用，
// 且 DoneWritingToEntry 恰好触发一次。
type Owner interface {
	// DoneWritingToEntry 表示协调器生命周期结束：success 表示正文
	// 完整写完，keepEntry 决定条目去留，readers 是可以转为直接读
	// 磁盘条目的遗留消费者。
	DoneWritingToEntry(entry CacheEntry, success bool, keepEntry bool, readers []Consumer)

	// DoomEntryRestartConsumers 要求缓存层销毁条目，并让仍然挂着的
	// 消费者针对全新的缓存查找重启。
	DoomEntryRestartConsumers(entry CacheEntry)
}

// Config 将源自全局配置的阈值显式传入协调器。
type Config struct {
	// ReadBufferSize 是共享读缓冲的大小，单次网络读不超过该值。
	ReadBufferSize int
}

// DefaultReadBufferSize 在配置缺省时使用。
const DefaultReadBufferSize = 32 * 1024
