// Package ptrace 组合受保护栈、forkexec 和 ptracer，在被跟踪者中运行一个工作函数
package ptrace

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zqzqsb/stracetest/pkg/rlimit"
	"github.com/zqzqsb/stracetest/pkg/seccomp"
	"github.com/zqzqsb/stracetest/ptracer"
	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/work"
)

// Runner 定义了一次受跟踪的工作函数执行
type Runner struct {
	// Request 选择工作函数并携带参数
	Request work.Request

	// Exec 是被重新执行的程序，为空时使用 /proc/self/exe
	Exec string

	// Env 是追加到调用方环境变量之后的额外环境变量，格式为 "KEY=VALUE"
	Env []string

	// Files 是被跟踪者的标准输入、输出、错误
	// 为空时继承调用方的描述符，受保护栈总是作为第 4 个描述符传入
	Files []uintptr

	// RLimits 在 execve 之前应用到被跟踪者
	RLimits []rlimit.RLimit

	// Limit 由跟踪器根据 rusage 检查
	Limit runner.Limit

	// Seccomp 非空时被跟踪者加载该过滤器，跟踪器只在过滤器选中的系统调用上停止
	Seccomp seccomp.Filter

	// ShareFlags 是与调用方共享的内核状态，见 forkexec.SharedFlags
	ShareFlags uintptr

	// Handler 接收每个系统调用事件，可以为空
	Handler Handler

	// Observer 接收跟踪器的每一次状态转换，可以为空
	Observer ptracer.StateObserver

	// Logger 是调试日志的输出，为空时使用 logrus 标准日志
	Logger logrus.FieldLogger

	// ShowDetails 控制是否输出跟踪细节
	ShowDetails bool

	// SyncFunc 在子进程停止之前调用，参数是子进程的 PID
	SyncFunc func(pid int) error
}

// Event 是一次系统调用停止
type Event struct {
	Tid   int
	Phase ptracer.Phase
	Nr    uint
	Name  string
	Args  [6]uint

	// Path 是解析为绝对路径的路径参数，只在进入时对带路径的系统调用填写
	Path string
	// Mode 是 open 系列的访问模式，例如 "r "、"w "、"wr"
	Mode string

	// Ret 是返回值，只在返回时有效
	Ret int
}

func (e Event) String() string {
	switch {
	case e.Phase == ptracer.PhaseExit:
		return fmt.Sprintf("[%d] %s = %d", e.Tid, e.Name, e.Ret)
	case e.Path != "":
		return fmt.Sprintf("[%d] %s(%q) %s", e.Tid, e.Name, e.Path, e.Mode)
	default:
		return fmt.Sprintf("[%d] %s(%#x, %#x, %#x)", e.Tid, e.Name, e.Args[0], e.Args[1], e.Args[2])
	}
}

// Handler 接收系统调用事件
// 事件在被跟踪线程停止期间同步交付，Handler 返回之前该线程不会继续
type Handler interface {
	Event(Event)
}

// HandlerFunc 把普通函数适配为 Handler
type HandlerFunc func(Event)

// Event 调用 f(e)
func (f HandlerFunc) Event(e Event) {
	f(e)
}

// Outcome 是一次运行的结果
type Outcome struct {
	runner.Result

	// Pid 是被跟踪者的 PID，启动失败时为 0
	Pid int
	// Panic 是工作函数的 panic，只在 Status 为 StatusPanicked 时非空
	Panic *work.Panic
	// Counts 是按名字统计的系统调用进入次数
	Counts SyscallCounter
}
