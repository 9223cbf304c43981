package ptracer

import (
	"bytes"
	"os"
	"syscall"

	unix "golang.org/x/sys/unix"
)

// Context 是当前系统调用停止的上下文
// 用于获取系统调用号和参数
type Context struct {
	// Pid 是停止的线程 ID
	Pid int
	// 当前寄存器上下文（平台相关）
	regs unix.PtraceRegs
}

var (
	// UseVMReadv 决定是否使用 ProcessVMReadv 系统调用来读取字符串
	// 初始为 true，如果尝试失败并返回 ENOSYS 则变为 false
	UseVMReadv = true
	pageSize   = 4 << 10
)

func init() {
	pageSize = os.Getpagesize()
}

func getTrapContext(ops ptraceOps, pid int) (*Context, error) {
	ctx := &Context{Pid: pid}
	if err := ops.getRegs(pid, &ctx.regs); err != nil {
		return nil, err
	}
	return ctx, nil
}

// GetString 从被跟踪者内存读取以 NUL 结尾的字符串，最长 PATH_MAX
// 读取失败时返回空字符串
//
// 首先尝试 ProcessVMReadv，不支持时回退到 PTRACE_PEEKDATA
func (c *Context) GetString(addr uintptr) string {
	buff := make([]byte, syscall.PathMax)

	if UseVMReadv {
		err := vmReadStr(c.Pid, addr, buff)
		if err == nil {
			return cString(buff)
		}
		if err == syscall.ENOSYS {
			UseVMReadv = false
		}
	}

	if err := ptraceReadStr(c.Pid, addr, buff); err != nil {
		return ""
	}
	return cString(buff)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
