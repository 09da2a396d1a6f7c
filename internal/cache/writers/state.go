package writers

// State 是协调器状态机的显式枚举。StateNone 表示空闲：没有进行中的
// 网络读，任何消费者的下一次 Read 都会重新进入 StateNetworkRead。
type State int

const (
	StateNone State = iota
	StateNetworkRead
	StateNetworkReadComplete
	StateCacheWriteData
	StateCacheWriteDataComplete
	StateMarkEntryUnusable
	StateMarkEntryUnusableComplete
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateNetworkRead:
		return "network_read"
	case StateNetworkReadComplete:
		return "network_read_complete"
	case StateCacheWriteData:
		return "cache_write_data"
	case StateCacheWriteDataComplete:
		return "cache_write_data_complete"
	case StateMarkEntryUnusable:
		return "mark_entry_unusable"
	case StateMarkEntryUnusableComplete:
		return "mark_entry_unusable_complete"
	default:
		return "unknown"
	}
}

// Event 描述驱动状态机前进的一次完成结果。I/O 与副作用由协调器在状态
// 之间执行，nextStep 本身不做任何 I/O。
type Event struct {
	// Result 是上一步的字节数（网络读或磁盘写）。
	Result int
	// Err 是上一步的 I/O 错误。
	Err error
	// ChecksumMismatch 仅在 CacheWriteDataComplete 阶段有效：终止读
	// 定型的摘要未通过校验。
	ChecksumMismatch bool
}

// nextStep 是纯转移函数：给定当前状态与事件，产出下一状态。
// 完整的一次读序列：
//
//	NetworkRead → NetworkReadComplete → CacheWriteData →
//	CacheWriteDataComplete → None
//
// 其中 NetworkReadComplete 收到错误直接回到 None（失败处理），
// CacheWriteDataComplete 在校验失败时先绕行 MarkEntryUnusable。
func nextStep(s State, ev Event) State {
	switch s {
	case StateNetworkRead:
		return StateNetworkReadComplete
	case StateNetworkReadComplete:
		if ev.Err != nil {
			return StateNone
		}
		return StateCacheWriteData
	case StateCacheWriteData:
		return StateCacheWriteDataComplete
	case StateCacheWriteDataComplete:
		if ev.ChecksumMismatch {
			return StateMarkEntryUnusable
		}
		return StateNone
	case StateMarkEntryUnusable:
		return StateMarkEntryUnusableComplete
	case StateMarkEntryUnusableComplete:
		return StateNone
	default:
		return StateNone
	}
}
