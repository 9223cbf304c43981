package runner

import (
	"fmt"
	"time"
)

// Limit 是由跟踪器在每次 wait4 之后根据 rusage 检查的资源限制
// 为 0 的字段表示不限制
type Limit struct {
	TimeLimit   time.Duration // 用户态 CPU 时间上限
	MemoryLimit Size          // 最大常驻内存上限
}

func (l Limit) String() string {
	return fmt.Sprintf("Limit[Time=%v, Memory=%v]", l.TimeLimit, l.MemoryLimit)
}
