package upstream

import (
	"fmt"
	"strings"
)

// Priority 表示一次回源请求的调度优先级。共享同一次回源的多个消费者
// 各自声明优先级，协调器取最大值下推到 Transaction。
type Priority int

const (
	IdlePriority Priority = iota
	LowPriority
	NormalPriority
	HighPriority
	HighestPriority

	// MinimumPriority 是聚合计算的起始值。
	MinimumPriority = IdlePriority
)

var priorityNames = map[Priority]string{
	IdlePriority:    "idle",
	LowPriority:     "low",
	NormalPriority:  "normal",
	HighPriority:    "high",
	HighestPriority: "highest",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority 解析配置/请求头中的优先级字符串。
func ParsePriority(raw string) (Priority, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for p, name := range priorityNames {
		if name == normalized {
			return p, nil
		}
	}
	return IdlePriority, fmt.Errorf("unknown priority: %s", raw)
}

// MaxPriority 返回两者中较高的优先级。
func MaxPriority(a, b Priority) Priority {
	if a > b {
		return a
	}
	return b
}
