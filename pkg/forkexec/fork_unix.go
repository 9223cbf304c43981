package forkexec

// go:linkname 需要导入 unsafe
import _ "unsafe"

// beforeFork 阻塞信号并锁定运行时，clone 之前调用
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork 在父进程中恢复信号
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild 在子进程中清除信号处理并恢复信号掩码
// 之后子进程只能执行原始系统调用
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
