package writers

import "errors"

var (
	// ErrCacheWrite 表示磁盘写失败或写入字节数不足。携带该错误的消费者
	// 应重新发起一次全新的缓存查找。
	ErrCacheWrite = errors.New("cache write failed")

	// ErrConsumerGone 表示句柄指向的消费者已被移除（或句柄已过期）。
	ErrConsumerGone = errors.New("consumer removed from entry writers")

	// ErrWritersDone 表示协调器已向上层汇报完成，不再接受读请求。
	// 尚未读完的消费者应转为直接读取磁盘条目。
	ErrWritersDone = errors.New("entry writers already completed")

	// ErrCannotJoin 表示准入被拒：独占模式、网络只读或已完成。
	ErrCannotJoin = errors.New("entry writers not accepting new consumers")

	// ErrNoNetworkTransaction 表示尚未挂载网络事务就发起了读。
	ErrNoNetworkTransaction = errors.New("no network transaction attached")
)

// NetworkReadError 包装传输层的读错误，保留原因链。
type NetworkReadError struct {
	Cause error
}

func (e *NetworkReadError) Error() string {
	return "network read failed: " + e.Cause.Error()
}

func (e *NetworkReadError) Unwrap() error {
	return e.Cause
}
