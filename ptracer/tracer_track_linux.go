package ptracer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/stracetest/runner"
)

// ptraceOps 是跟踪器用到的系统调用，测试中可以替换以模拟等待状态
type ptraceOps struct {
	wait4       func(pid int, ws *unix.WaitStatus, options int, ru *unix.Rusage) (int, error)
	seize       func(pid int) error
	setOptions  func(pid int, options int) error
	syscall     func(pid int, sig int) error
	cont        func(pid int, sig int) error
	getEventMsg func(pid int) (uint, error)
	getRegs     func(pid int, regs *unix.PtraceRegs) error
	kill        func(pid int, sig unix.Signal) error
}

var sys = ptraceOps{
	wait4:       unix.Wait4,
	seize:       unix.PtraceSeize,
	setOptions:  unix.PtraceSetOptions,
	syscall:     unix.PtraceSyscall,
	cont:        unix.PtraceCont,
	getEventMsg: unix.PtraceGetEventMsg,
	getRegs:     ptraceGetRegs,
	kill:        unix.Kill,
}

const (
	// syscallStop 是 PTRACE_O_TRACESYSGOOD 下系统调用停止的停止信号
	syscallStop = unix.SIGTRAP | 0x80

	// traceOptions 在 PTRACE_SEIZE 之后设置
	// EXITKILL 保证跟踪器意外退出时被跟踪者不会继续运行
	traceOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_EXITKILL
)

/*
	Trace 启动并跟踪目标进程的所有线程

实现细节：
 1. 锁定当前线程，ptrace 请求只能由附加的线程发出
 2. 通过 Runner 接口启动目标进程，目标进程在 execve 之前以 SIGSTOP 停止自身
 3. 握手：wait4(pid, WUNTRACED) 等到该停止
 4. 附加：PTRACE_SEIZE 然后 PTRACE_SETOPTIONS
 5. 以 PTRACE_SYSCALL 恢复并发送一次 SIGCONT，之后在 wait4(-pgid) 上循环

返回值：
  - result: 包含进程执行的最终状态、资源使用情况
  - err: 启动、握手、附加或单步循环失败时为 *runner.Failure，
    此时被跟踪者已被杀死并回收

被跟踪者自身的退出状态（包括非零退出和被信号杀死）通过 result 报告，不是 err
*/
func (t *Tracer) Trace(c context.Context) (result runner.Result, err error) {
	// ptrace 是基于线程的（内核进程）
	// Goroutine 1 -----> OS Thread 1  -----> Child Process
	//                   (locked)            (being traced)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pgid, err := t.Runner.Start()
	t.Handler.Debug("tracer started:", pgid, err)
	if err != nil {
		t.notify(0, StateFailed)
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		return result, launchFailure(err)
	}
	return newPtraceHandle(t, pgid, sys).trace(c)
}

// launchFailure 把 Runner.Start 的错误转换为 LaunchFailure
// Runner 已经返回 *runner.Failure 时原样使用
func launchFailure(err error) *runner.Failure {
	var f *runner.Failure
	if errors.As(err, &f) {
		return f
	}
	f = &runner.Failure{
		Kind:   runner.LaunchFailure,
		Op:     "start",
		Reason: err.Error(),
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		f.Err = errno
	}
	return f
}

func (t *Tracer) notify(pid int, s State) {
	t.Handler.Debug("state:", pid, s)
	if o, ok := t.Handler.(StateObserver); ok {
		o.OnState(pid, s)
	}
}

/*
字段说明：

	*Tracer: 嵌入的跟踪器对象
	ops: 系统调用
	pgid: 被跟踪者 pid，同时是进程组 ID
	state: 当前状态
	inSyscall: 每个线程是否处于系统调用进入和返回之间
	reaped: 主线程已经被回收
	exitEvent: PTRACE_EVENT_EXIT 报告的主线程退出状态
	syscalls: 观察到的系统调用进入次数
	fTime: 开始单步的时间
*/
type ptraceHandle struct {
	*Tracer
	ops       ptraceOps
	pgid      int
	state     State
	reaped    bool
	inSyscall map[int]bool
	exitEvent *unix.WaitStatus
	syscalls  int
	fTime     time.Time
}

func newPtraceHandle(t *Tracer, pgid int, ops ptraceOps) *ptraceHandle {
	ph := &ptraceHandle{
		Tracer:    t,
		ops:       ops,
		pgid:      pgid,
		inSyscall: make(map[int]bool),
	}
	ph.setState(StateCreated)
	return ph
}

func (ph *ptraceHandle) setState(s State) {
	ph.state = s
	ph.notify(ph.pgid, s)
}

func (ph *ptraceHandle) failure(kind runner.FailureKind, op string, err error) *runner.Failure {
	return &runner.Failure{
		Kind: kind,
		Op:   op,
		Pid:  ph.pgid,
		Err:  runner.ToErrno(err),
	}
}

func (ph *ptraceHandle) trace(c context.Context) (result runner.Result, err error) {
	sTime := time.Now()

	defer func() {
		if err != nil {
			ph.Handler.Debug("trace failed:", err)
			result.Status = runner.StatusRunnerError
			result.Error = err.Error()
			ph.setState(StateFailed)
		}
		if !ph.reaped {
			// 被跟踪者仍然存活：杀死整个进程组并阻塞回收
			ph.killAll()
			ph.reap()
			if err == nil {
				// 超出限制后由跟踪器终止，同样报告终止状态
				ph.setState(StateExited)
			}
		}
		ph.collectZombie()
		result.Syscalls = ph.syscalls
		if !ph.fTime.IsZero() {
			result.SetUpTime = ph.fTime.Sub(sTime)
			result.RunningTime = time.Since(ph.fTime)
		}
	}()

	if err = ph.handshake(); err != nil {
		return
	}
	if err = ph.attach(); err != nil {
		return
	}

	// 监听取消信号，取消时杀死整个进程组，主循环随后观察到终止
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.Done():
			ph.killAll()
		case <-stop:
		}
	}()

	ph.setState(StateStepping)
	ph.fTime = time.Now()
	if err = ph.resume(ph.pgid, 0); err != nil {
		return
	}
	// 结束被跟踪者自己发起的组停止
	if e := ph.ops.kill(ph.pgid, unix.SIGCONT); e != nil {
		err = ph.failure(runner.TraceProtocolFailure, "kill(SIGCONT)", e)
		return
	}

	for {
		var (
			wstatus unix.WaitStatus
			rusage  unix.Rusage
			pid     int
		)
		pid, err = ph.ops.wait4(-ph.pgid, &wstatus, unix.WALL, &rusage)
		if err == unix.EINTR {
			ph.Handler.Debug("wait4 interrupted")
			continue
		}
		if err != nil {
			err = ph.failure(runner.TraceProtocolFailure, "wait4", err)
			return
		}

		if pid == ph.pgid {
			userTime, userMem, curStatus := ph.checkUsage(rusage)
			result.Time = userTime
			result.Memory = userMem
			if curStatus != runner.StatusNormal {
				result.Status = curStatus
				return
			}
		}

		var finished bool
		finished, err = ph.handle(pid, wstatus)
		if err != nil {
			return
		}
		if finished {
			ph.reaped = true
			ph.setState(StateExited)
			ph.finish(c, wstatus, &result)
			return
		}
	}
}

// finish 根据主线程最终的等待状态填写结果
func (ph *ptraceHandle) finish(c context.Context, ws unix.WaitStatus, result *runner.Result) {
	switch {
	case ws.Exited():
		result.ExitStatus = ws.ExitStatus()
		if result.ExitStatus == 0 {
			result.Status = runner.StatusNormal
		} else {
			result.Status = runner.StatusNonzeroExitStatus
		}
	case ws.Signaled():
		result.Status = runner.StatusSignalled
		result.ExitStatus = int(ws.Signal())
		result.Error = fmt.Sprintf("process killed by signal %d", ws.Signal())
		if c.Err() != nil {
			result.Status = runner.StatusCanceled
			result.Error = c.Err().Error()
		}
	}
	if ph.exitEvent != nil && ph.exitEvent.Exited() && ph.exitEvent.ExitStatus() != result.ExitStatus {
		ph.Handler.Debug("exit event status", ph.exitEvent.ExitStatus(), "differs from", result.ExitStatus)
	}
}

// handshake 等待被跟踪者以 SIGSTOP 停止自身
func (ph *ptraceHandle) handshake() error {
	ph.setState(StateHandshakeWait)

	var ws unix.WaitStatus
	for {
		_, err := ph.ops.wait4(ph.pgid, &ws, unix.WUNTRACED|unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ph.failure(runner.HandshakeFailure, "wait4", err)
		}
		break
	}

	f := &runner.Failure{Kind: runner.HandshakeFailure, Op: "wait4", Pid: ph.pgid}
	switch {
	case ws.Stopped() && ws.StopSignal() == unix.SIGSTOP:
		ph.Handler.Debug("handshake: stopped by SIGSTOP")
		return nil
	case ws.Stopped():
		f.Signal = ws.StopSignal()
		f.Reason = "stopped by unexpected signal"
	case ws.Exited():
		f.ExitStatus = ws.ExitStatus()
		f.Reason = "exited before stopping"
		ph.reaped = true
	case ws.Signaled():
		f.Signal = ws.Signal()
		f.Reason = "killed before stopping"
		ph.reaped = true
	default:
		f.Reason = fmt.Sprintf("unexpected wait status %#x", uint32(ws))
	}
	return f
}

// attach 附加到已停止的被跟踪者并设置选项
func (ph *ptraceHandle) attach() error {
	if err := ph.ops.seize(ph.pgid); err != nil {
		return ph.failure(runner.AttachFailure, "PTRACE_SEIZE", err)
	}
	opts := traceOptions
	if ph.Seccomp {
		opts |= unix.PTRACE_O_TRACESECCOMP
	}
	if err := ph.ops.setOptions(ph.pgid, opts); err != nil {
		return ph.failure(runner.AttachFailure, "PTRACE_SETOPTIONS", err)
	}
	ph.setState(StateAttached)
	return nil
}

// resume 恢复线程，seccomp 模式下只在过滤器选中的系统调用上停止
func (ph *ptraceHandle) resume(pid, sig int) error {
	op, fn := "PTRACE_SYSCALL", ph.ops.syscall
	if ph.Seccomp {
		op, fn = "PTRACE_CONT", ph.ops.cont
	}
	if err := fn(pid, sig); err != nil {
		f := ph.failure(runner.TraceProtocolFailure, op, err)
		f.Pid = pid
		return f
	}
	return nil
}

/*
	handle 处理一次等待状态

返回值：
  - finished: 主线程已经退出或被杀死
  - err: 恢复线程失败
*/
func (ph *ptraceHandle) handle(pid int, wstatus unix.WaitStatus) (finished bool, err error) {
	switch {
	case wstatus.Exited():
		delete(ph.inSyscall, pid)
		ph.Handler.Debug("thread exited:", pid, "status:", wstatus.ExitStatus())
		return pid == ph.pgid, nil

	case wstatus.Signaled():
		delete(ph.inSyscall, pid)
		ph.Handler.Debug("thread terminated by signal:", pid, "signal:", wstatus.Signal())
		return pid == ph.pgid, nil

	case wstatus.Stopped():
		sig := wstatus.StopSignal()
		event := int(uint32(wstatus) >> 16)
		inject := 0

		switch {
		case sig == syscallStop:
			phase := PhaseEnter
			if ph.inSyscall[pid] {
				phase = PhaseExit
			}
			ph.inSyscall[pid] = phase == PhaseEnter
			ph.syscallStop(pid, phase)

		case event == unix.PTRACE_EVENT_STOP:
			// 新线程的初始停止或组停止
			ph.Handler.Debug("event stop:", pid, "signal:", sig)

		case sig == unix.SIGTRAP && event != 0:
			ph.handleEvent(pid, event)

		default:
			// 信号递送停止，原样注入
			ph.Handler.Debug("signal delivery:", pid, "signal:", sig)
			inject = int(sig)
		}

		if err := ph.resume(pid, inject); err != nil {
			// 线程可能在停止期间被同组其他线程的 exit_group 杀死
			if errors.Is(err, unix.ESRCH) && pid != ph.pgid {
				ph.Handler.Debug("thread vanished:", pid)
				delete(ph.inSyscall, pid)
				return false, nil
			}
			return false, err
		}
	}
	return false, nil
}

func (ph *ptraceHandle) handleEvent(pid, event int) {
	switch event {
	case unix.PTRACE_EVENT_SECCOMP:
		ph.syscallStop(pid, PhaseEnter)

	case unix.PTRACE_EVENT_EXIT:
		msg, err := ph.ops.getEventMsg(pid)
		ph.Handler.Debug("exit event:", pid, msg, err)
		if err == nil && pid == ph.pgid {
			ws := unix.WaitStatus(msg)
			ph.exitEvent = &ws
		}

	case unix.PTRACE_EVENT_CLONE:
		msg, _ := ph.ops.getEventMsg(pid)
		ph.Handler.Debug("clone event:", pid, "new thread:", msg)

	default:
		ph.Handler.Debug("trap event:", pid, event)
	}
}

// syscallStop 读取寄存器并交给处理器，处理器返回之前线程保持停止
func (ph *ptraceHandle) syscallStop(pid int, phase Phase) {
	if phase == PhaseEnter {
		ph.syscalls++
	}
	ctx, err := getTrapContext(ph.ops, pid)
	if err != nil {
		ph.Handler.Debug("failed to get registers:", pid, err)
		return
	}
	ph.Handler.Syscall(ctx, phase)
}

// checkUsage 检查资源使用，零值限制表示不限制
func (ph *ptraceHandle) checkUsage(rusage unix.Rusage) (time.Duration, runner.Size, runner.Status) {
	status := runner.StatusNormal
	userTime := time.Duration(rusage.Utime.Nano()) // 纳秒
	userMem := runner.Size(rusage.Maxrss << 10)    // 字节

	if ph.Limit.TimeLimit > 0 && userTime > ph.Limit.TimeLimit {
		status = runner.StatusTimeLimitExceeded
	}
	if ph.Limit.MemoryLimit > 0 && userMem > ph.Limit.MemoryLimit {
		status = runner.StatusMemoryLimitExceeded
	}
	return userTime, userMem, status
}

// killAll 终止整个进程组
func (ph *ptraceHandle) killAll() {
	ph.ops.kill(-ph.pgid, unix.SIGKILL)
}

// reap 阻塞回收进程组，直到主线程被回收
// 被跟踪的非主线程必须先被回收，主线程才会被报告
func (ph *ptraceHandle) reap() {
	var wstatus unix.WaitStatus
	for {
		pid, err := ph.ops.wait4(-ph.pgid, &wstatus, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || (pid == ph.pgid && (wstatus.Exited() || wstatus.Signaled())) {
			return
		}
	}
}

// collectZombie 收集已终止的子进程
func (ph *ptraceHandle) collectZombie() {
	var wstatus unix.WaitStatus
	for {
		pid, err := ph.ops.wait4(-ph.pgid, &wstatus, unix.WALL|unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
