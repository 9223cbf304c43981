package forkexec

import (
	"syscall"
	"unsafe" // 需要用于 go:linkname

	"golang.org/x/sys/unix"
)

// Start 函数会执行以下操作：
// 1. clone 创建子进程（按 ShareFlags 共享部分内核状态）
// 2. 与子进程同步并执行 SyncFunc
// 3. 如果设置了 StopBeforeExec，子进程停止自身等待跟踪器
// 4. 加载 seccomp 过滤器并执行 execve
//
// 返回值：
// - pid: 子进程的进程ID，子进程调用了 setsid，因此也是其进程组 ID
// - error: clone 失败或子进程在同步前失败时为 ChildError
//
// 注意：跟踪器需要在调用此函数前锁定当前 OS 线程
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	// 创建一对 socket 用于父子进程通信
	// p[0] 由父进程使用，p[1] 由子进程使用
	// 子进程一端设置了 close-on-exec，execve 成功后父进程读到 EOF
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	pid, err1 := forkAndExecInChild(r, argv0, argv, env, p)

	// 恢复所有信号处理
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

// CloneFlags 返回实际传给 clone 的标志
func (r *Runner) CloneFlags() uintptr {
	return uintptr(syscall.SIGCHLD) | (r.ShareFlags & SharedFlags)
}

// syncWithChild 负责父进程与子进程的同步：
// 1. 处理 clone 失败
// 2. 读取子进程同步消息或错误
// 3. 执行用户定义的同步函数并确认
func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		err2     syscall.Errno
		err      error
		childErr ChildError
	)

	unix.Close(p[1])

	if err1 != 0 {
		unix.Close(p[0])
		childErr.Location = LocClone
		childErr.Err = err1
		return 0, childErr
	}

	// 读取子进程的同步消息，同步消息只有 errno 大小，错误消息是完整的 ChildError
	n, err := readChildErr(p[0], &childErr)
	if (n != int(unsafe.Sizeof(err2)) && n != int(unsafe.Sizeof(childErr))) || childErr.Err != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto fail
	}

	if r.SyncFunc != nil {
		if err = r.SyncFunc(pid); err != nil {
			goto fail
		}
	}
	// 向子进程发送确认
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err1)), uintptr(unsafe.Sizeof(err1)))

	// 子进程即将停止，阻塞读取会一直等到跟踪器让它继续，因此在另一个 goroutine 中读取
	// execve 之前的失败会以退出码的形式被跟踪器观察到
	if r.StopBeforeExec {
		go func() {
			readChildErr(p[0], &childErr)
			unix.Close(p[0])
		}()
		return pid, nil
	}

	// 检查子进程在同步后是否失败
	n, err = readChildErr(p[0], &childErr)
	unix.Close(p[0])
	if n != 0 || err != nil {
		childErr.Err = handlePipeError(n, childErr.Err)
		goto failAfterClose
	}
	return pid, nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(pid)
	if childErr.Err == 0 {
		return 0, err
	}
	return 0, childErr
}

// readChildErr 从文件描述符中读取子进程的错误信息，EINTR 时重试
func readChildErr(fd int, childErr *ChildError) (n int, err error) {
	for {
		n, err = readlen(fd, (*byte)(unsafe.Pointer(childErr)), int(unsafe.Sizeof(*childErr)))
		if err != syscall.EINTR {
			break
		}
	}
	return
}

func readlen(fd int, p *byte, np int) (n int, err error) {
	r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(p)), uintptr(np))
	n = int(r0)
	if e1 != 0 {
		err = syscall.Errno(e1)
	}
	return
}

// handlePipeError 读取长度足够时返回子进程报告的错误码，否则返回 EPIPE
func handlePipeError(r1 int, errno syscall.Errno) syscall.Errno {
	if uintptr(r1) >= unsafe.Sizeof(errno) {
		return syscall.Errno(errno)
	}
	return syscall.EPIPE
}

// handleChildFailed 杀死子进程并回收，避免僵尸进程
func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	syscall.Kill(pid, syscall.SIGKILL)
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
