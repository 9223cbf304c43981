//go:build linux
// +build linux

package ptracer

import (
	"fmt"

	"github.com/zqzqsb/stracetest/runner"
)

// Phase 表示系统调用停止发生在进入还是返回时
type Phase int

const (
	// PhaseEnter 系统调用进入停止（包括 seccomp 跟踪停止）
	PhaseEnter Phase = iota + 1
	// PhaseExit 系统调用返回停止
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhaseEnter:
		return "enter"
	case PhaseExit:
		return "exit"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State 是跟踪器对单个被跟踪者的状态
//
//	Created -> HandshakeWait -> Attached -> Stepping -> Exited
//
// 任何一步出错都会进入 Failed
type State int

const (
	StateCreated State = iota
	StateHandshakeWait
	StateAttached
	StateStepping
	StateExited
	StateFailed
)

var stateToString = []string{
	"created",
	"handshake-wait",
	"attached",
	"stepping",
	"exited",
	"failed",
}

func (s State) String() string {
	if s >= StateCreated && s <= StateFailed {
		return stateToString[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Tracer 定义了一个 ptracer 实例
type Tracer struct {
	Handler
	Runner
	runner.Limit

	// Seccomp 表示被跟踪者加载了带 SECCOMP_RET_TRACE 的过滤器
	// 此时以 PTRACE_CONT 恢复，只在过滤器选中的系统调用上停止
	Seccomp bool
}

// Runner 表示进程运行器
type Runner interface {
	// Start 启动子进程并返回 pid 和错误（如果失败）
	// 子进程应该在 execve 之前以 SIGSTOP 停止自身，并且是新进程组的组长
	Start() (int, error)
}

// Handler 接收跟踪过程中观察到的系统调用
type Handler interface {
	// Syscall 在被跟踪者的每个系统调用停止时被调用，返回后被跟踪者才会继续
	Syscall(ctx *Context, phase Phase)

	// Debug 在调试模式下打印调试信息
	Debug(v ...interface{})
}

// StateObserver 可以由 Handler 额外实现，用于接收每一次状态转换
type StateObserver interface {
	OnState(pid int, s State)
}
