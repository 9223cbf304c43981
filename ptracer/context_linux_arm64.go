package ptracer

import (
	"unsafe"

	unix "golang.org/x/sys/unix"
)

// arm64 上系统调用号在 x8，参数在 x0-x5，返回值写回 x0

// ntPrstatus 是 PTRACE_GETREGSET 通用寄存器集的类型
const ntPrstatus = 1

// SyscallNo 获取当前系统调用号
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Regs[8])
}

// Arg0 获取当前系统调用的 arg0，返回停止时已被返回值覆盖
func (c *Context) Arg0() uint {
	return uint(c.regs.Regs[0])
}

// Arg1 获取当前系统调用的 arg1
func (c *Context) Arg1() uint {
	return uint(c.regs.Regs[1])
}

// Arg2 获取当前系统调用的 arg2
func (c *Context) Arg2() uint {
	return uint(c.regs.Regs[2])
}

// Arg3 获取当前系统调用的 arg3
func (c *Context) Arg3() uint {
	return uint(c.regs.Regs[3])
}

// Arg4 获取当前系统调用的 arg4
func (c *Context) Arg4() uint {
	return uint(c.regs.Regs[4])
}

// Arg5 获取当前系统调用的 arg5
func (c *Context) Arg5() uint {
	return uint(c.regs.Regs[5])
}

// ReturnValue 返回系统调用的返回值，只在 PhaseExit 有意义
func (c *Context) ReturnValue() int {
	return int(int64(c.regs.Regs[0]))
}

// ptraceGetRegs 使用 PTRACE_GETREGSET，arm64 没有 PTRACE_GETREGS
func ptraceGetRegs(pid int, regs *unix.PtraceRegs) error {
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(regs))}
	iov.SetLen(int(unsafe.Sizeof(*regs)))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(pid),
		ntPrstatus, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
