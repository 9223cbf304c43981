package ptrace

import (
	"fmt"
	"os"
	"path"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/stracetest/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/stracetest/ptracer"
)

// tracerHandler 把 ptracer 的系统调用停止转换为 Event
type tracerHandler struct {
	ShowDetails bool
	Logger      logrus.FieldLogger
	Handler     Handler
	Observer    ptracer.StateObserver
	Counter     SyscallCounter
}

// Debug 只有在 ShowDetails 为 true 时输出
func (h *tracerHandler) Debug(v ...interface{}) {
	if h.ShowDetails {
		h.Logger.Debugln(v...)
	}
}

// OnState 实现 ptracer.StateObserver
func (h *tracerHandler) OnState(pid int, s ptracer.State) {
	if h.ShowDetails {
		h.Logger.WithFields(logrus.Fields{"pid": pid, "state": s}).Debug("tracer state")
	}
	if h.Observer != nil {
		h.Observer.OnState(pid, s)
	}
}

// pathArg 描述系统调用的路径参数位置
// dirfd 为 -1 表示路径相对于当前工作目录
type pathArg struct {
	dirfd, path int
	// flags 是 open 系列访问标志的参数位置，-1 表示没有
	flags int
}

var pathArgs = map[string]pathArg{
	"open":       {-1, 0, 1},
	"creat":      {-1, 0, -1},
	"openat":     {0, 1, 2},
	"openat2":    {0, 1, -1},
	"readlink":   {-1, 0, -1},
	"readlinkat": {0, 1, -1},
	"unlink":     {-1, 0, -1},
	"unlinkat":   {0, 1, -1},
	"access":     {-1, 0, -1},
	"faccessat":  {0, 1, -1},
	"faccessat2": {0, 1, -1},
	"newfstatat": {0, 1, -1},
	"fstatat64":  {0, 1, -1},
	"statx":      {0, 1, -1},
	"stat":       {-1, 0, -1},
	"stat64":     {-1, 0, -1},
	"lstat":      {-1, 0, -1},
	"lstat64":    {-1, 0, -1},
	"execve":     {-1, 0, -1},
	"execveat":   {0, 1, -1},
	"chmod":      {-1, 0, -1},
	"fchmodat":   {0, 1, -1},
	"rename":     {-1, 0, -1},
	"renameat":   {0, 1, -1},
	"renameat2":  {0, 1, -1},
	"mkdir":      {-1, 0, -1},
	"mkdirat":    {0, 1, -1},
	"chdir":      {-1, 0, -1},
}

func args(ctx *ptracer.Context) [6]uint {
	return [6]uint{ctx.Arg0(), ctx.Arg1(), ctx.Arg2(), ctx.Arg3(), ctx.Arg4(), ctx.Arg5()}
}

// Syscall 实现 ptracer.Handler
func (h *tracerHandler) Syscall(ctx *ptracer.Context, phase ptracer.Phase) {
	nr := ctx.SyscallNo()
	ev := Event{
		Tid:   ctx.Pid,
		Phase: phase,
		Nr:    nr,
		Name:  libseccomp.SyscallName(nr),
		Args:  args(ctx),
	}

	if phase == ptracer.PhaseEnter {
		h.Counter.Add(ev.Name)
		if pa, ok := pathArgs[ev.Name]; ok {
			ev.Path = h.getPath(ctx, ev.Args, pa)
			if pa.flags >= 0 {
				ev.Mode = getFileMode(ev.Args[pa.flags])
			}
		}
	} else {
		ev.Ret = ctx.ReturnValue()
	}

	h.Debug("syscall:", ev)
	if h.Handler != nil {
		h.Handler.Event(ev)
	}
}

// getPath 读取路径参数并转换为绝对路径
func (h *tracerHandler) getPath(ctx *ptracer.Context, a [6]uint, pa pathArg) string {
	p := ctx.GetString(uintptr(a[pa.path]))
	if p == "" {
		return ""
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	base := ""
	if pa.dirfd >= 0 {
		if fd := int32(uint32(a[pa.dirfd])); fd != unix.AT_FDCWD {
			base = getProcFd(ctx.Pid, int(fd))
		}
	}
	if base == "" {
		base = getProcCwd(ctx.Pid)
	}
	return path.Join(base, p)
}

// getFileMode 返回打开模式 ("r " 只读, "w " 只写, "wr" 读写)
func getFileMode(flags uint) string {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		return "r "
	case syscall.O_WRONLY:
		return "w "
	case syscall.O_RDWR:
		return "wr"
	default:
		return "??"
	}
}

// getProcCwd 返回线程的当前工作目录，pid 为 0 表示当前进程
func getProcCwd(pid int) string {
	fileName := "/proc/self/cwd"
	if pid > 0 {
		fileName = fmt.Sprintf("/proc/%d/cwd", pid)
	}
	s, err := os.Readlink(fileName)
	if err != nil {
		return ""
	}
	return s
}

// getProcFd 返回线程打开的目录描述符对应的路径
func getProcFd(pid, fd int) string {
	s, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
	if err != nil {
		return ""
	}
	return s
}
