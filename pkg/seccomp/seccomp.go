// Package seccomp 保存可以由 forkexec 在 execve 之前加载的 seccomp BPF 程序
//
// 这里的过滤器只用于减少跟踪停止：被选中的系统调用返回 SECCOMP_RET_TRACE，
// 跟踪器以 PTRACE_CONT 恢复被跟踪者，只在这些系统调用上收到
// PTRACE_EVENT_SECCOMP，其余系统调用直接放行
package seccomp

import "syscall"

// Filter 是 BPF 格式的 seccomp 过滤器，每条 SockFilter 是一条指令
type Filter []syscall.SockFilter

// Len 返回指令数量
func (f Filter) Len() int {
	return len(f)
}
