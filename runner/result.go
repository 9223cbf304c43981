package runner

import (
	"fmt"
	"time"
)

// Result 是一次跟踪运行的结果
type Result struct {
	Status            // 结果状态
	ExitStatus int    // 退出状态（如果被信号终止则为信号编号）
	Error      string // 潜在的详细错误信息（用于运行器错误）

	// Syscalls 是跟踪器观察到的系统调用入口次数（所有线程合计）
	Syscalls int

	Time   time.Duration // 使用的用户 CPU 时间
	Memory Size          // 使用的最大常驻内存

	// 跟踪器的度量指标
	SetUpTime   time.Duration // 从启动到握手完成的时间
	RunningTime time.Duration // 从握手完成到被跟踪者终止的时间
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%d syscalls][%v %v][%v %v]", r.Syscalls, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%d syscalls][%v %v]", r.ExitStatus, r.Syscalls, r.SetUpTime, r.RunningTime)

	case StatusRunnerError:
		return fmt.Sprintf("Result[RunnerFailed(%s)][%v %v]", r.Error, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%d syscalls][%v %v]", r.Status, r.Error, r.ExitStatus, r.Syscalls, r.SetUpTime, r.RunningTime)
	}
}
