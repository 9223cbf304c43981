package ptracer

import (
	unix "golang.org/x/sys/unix"
)

/*
	; x86_64 系统调用参数顺序
	syscall_number -> orig_rax
	arg0 -> rdi
	arg1 -> rsi
	arg2 -> rdx
	arg3 -> r10            ; 注意：不是 rcx
	arg4 -> r8
	arg5 -> r9
	return -> rax
*/

// SyscallNo 获取当前系统调用号
// rax 在返回时会被返回值覆盖，系统调用号保存在 orig_rax 中
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Orig_rax)
}

// Arg0 获取当前系统调用的 arg0
func (c *Context) Arg0() uint {
	return uint(c.regs.Rdi)
}

// Arg1 获取当前系统调用的 arg1
func (c *Context) Arg1() uint {
	return uint(c.regs.Rsi)
}

// Arg2 获取当前系统调用的 arg2
func (c *Context) Arg2() uint {
	return uint(c.regs.Rdx)
}

// Arg3 获取当前系统调用的 arg3
func (c *Context) Arg3() uint {
	return uint(c.regs.R10)
}

// Arg4 获取当前系统调用的 arg4
func (c *Context) Arg4() uint {
	return uint(c.regs.R8)
}

// Arg5 获取当前系统调用的 arg5
func (c *Context) Arg5() uint {
	return uint(c.regs.R9)
}

// ReturnValue 返回系统调用的返回值，只在 PhaseExit 有意义
// 进入时为 -ENOSYS
func (c *Context) ReturnValue() int {
	return int(int64(c.regs.Rax))
}

func ptraceGetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}
