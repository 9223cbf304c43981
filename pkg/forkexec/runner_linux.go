package forkexec

import (
	"syscall"

	"github.com/zqzqsb/stracetest/pkg/rlimit"
)

// Runner 是一个配置结构体，包含了执行路径、参数以及资源限制等配置
// 它创建的子进程在 execve 之前停止自身，等待跟踪器通过 PTRACE_SEIZE 附加
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args: 命令行参数数组，Args[0] 是要执行的程序路径
	// Env: 环境变量数组，格式为 "KEY=VALUE"
	Args []string
	Env  []string

	// ExecFile 如果定义了，将使用 execveat(fd, "", AT_EMPTY_PATH) 执行
	ExecFile uintptr

	// RLimits 定义了进程的资源限制
	// 通过 prlimit64 系统调用设置
	RLimits []rlimit.RLimit

	// Files 定义了新进程的文件描述符映射
	// 索引从 0 开始，通常 0,1,2 分别对应 stdin, stdout, stderr
	// 更高的索引用于传递额外的描述符（例如受保护栈的 memfd）
	Files []uintptr

	// Seccomp 定义了系统调用过滤器
	// 在自停止之后、execve 之前加载，因此跟踪器此时已经附加
	Seccomp *syscall.SockFprog

	// ShareFlags 定义了子进程与调用者共享的内核状态
	// 只有 SharedFlags 中的位生效，其余位被忽略
	ShareFlags uintptr

	// SyncFunc 用于父子进程通过套接字对同步状态
	// 会传入子进程的 PID 作为参数
	// 如果 SyncFunc 返回错误，父进程会杀死子进程并报告错误
	SyncFunc func(int) error

	// NoNewPrivs 通过 prctl(PR_SET_NO_NEW_PRIVS) 禁用对 setuid 进程的调用
	// 当提供 seccomp 过滤器时自动启用
	NoNewPrivs bool

	// StopBeforeExec 在与父进程同步之后通过 kill(getpid(), SIGSTOP) 停止自身
	// 父进程等待该停止（握手），附加后发送 SIGCONT 使其继续
	StopBeforeExec bool
}
