package ptrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/zqzqsb/stracetest/pkg/forkexec"
	"github.com/zqzqsb/stracetest/pkg/guardstack"
	"github.com/zqzqsb/stracetest/ptracer"
	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/work"
)

// DefaultExec 是被重新执行的当前程序
const DefaultExec = "/proc/self/exe"

/*
Run 在被跟踪者中运行 Request 选择的工作函数

过程：
 1. 分配受保护栈并压入参数帧，参数之后至少保留 work.PanicReserve 字节
 2. 以 forkexec 启动重新执行当前程序的子进程，子进程在 execve 之前停止自身
 3. ptracer 握手、附加并单步到被跟踪者终止
 4. 从受保护栈读取 panic 帧

返回值：
  - Outcome: 被跟踪者的结果，包括带回的 panic
  - error: 核心操作失败时为 *runner.Failure，包括没有 panic 记录的异常退出（TraceeFailure）

工作函数 panic 不是错误，此时 Outcome.Status 为 StatusPanicked
*/
func (r *Runner) Run(c context.Context) (out Outcome, err error) {
	out.Counts = NewSyscallCounter()

	stack, err := guardstack.Allocate()
	if err != nil {
		out.Status = runner.StatusRunnerError
		out.Error = err.Error()
		return out, err
	}
	defer stack.Release()

	// 参数帧之后保留 panic 记录的空间
	err = guardstack.ErrOverflow
	if len(r.Request.Arg)+work.PanicReserve <= int(stack.Size) {
		err = stack.Push(guardstack.FrameArg, r.Request.Arg)
	}
	if err != nil {
		out.Status = runner.StatusRunnerError
		out.Error = err.Error()
		return out, &runner.Failure{
			Kind:   runner.AllocationFailure,
			Op:     "push argument",
			Size:   runner.Size(len(r.Request.Arg)),
			Reason: err.Error(),
		}
	}

	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "tracer")

	exec := r.Exec
	if exec == "" {
		exec = DefaultExec
	}
	l := &launcher{Runner: &forkexec.Runner{
		Args:           []string{exec},
		Env:            r.environ(),
		Files:          r.files(stack.Fd()),
		RLimits:        r.RLimits,
		Seccomp:        r.Seccomp.SockFprog(),
		ShareFlags:     r.ShareFlags,
		SyncFunc:       r.SyncFunc,
		StopBeforeExec: true,
	}}

	th := &tracerHandler{
		ShowDetails: r.ShowDetails,
		Logger:      logger,
		Handler:     r.Handler,
		Observer:    r.Observer,
		Counter:     out.Counts,
	}
	tracer := ptracer.Tracer{
		Handler: th,
		Runner:  l,
		Limit:   r.Limit,
		Seccomp: len(r.Seccomp) > 0,
	}

	out.Result, err = tracer.Trace(c)
	out.Pid = l.pid
	if err != nil {
		return out, err
	}
	return out, r.collect(stack, &out)
}

// collect 在被跟踪者终止之后读取 panic 帧并判断结果
// 超出限制或被取消的被跟踪者由跟踪器杀死，不读取 panic 帧
func (r *Runner) collect(stack *guardstack.Stack, out *Outcome) error {
	switch out.Status {
	case runner.StatusTimeLimitExceeded, runner.StatusMemoryLimitExceeded, runner.StatusCanceled:
		return nil
	}
	f := &runner.Failure{Kind: runner.TraceeFailure, Op: "exit", Pid: out.Pid}

	frames, err := stack.Frames()
	if err != nil {
		f.Reason = "guarded stack: " + err.Error()
		return f
	}
	p, ok, err := work.Decode(frames)
	switch {
	case err != nil:
		f.Reason = err.Error()
		return f
	case ok:
		out.Status = runner.StatusPanicked
		out.Panic = p
		out.Error = p.Message
		return nil
	}

	switch out.Status {
	case runner.StatusNonzeroExitStatus:
		f.ExitStatus = out.ExitStatus
		f.Reason = "exited without a panic record"
		if out.ExitStatus == work.ExitBadRequest {
			f.Reason = "work not runnable in tracee"
		}
		return f
	case runner.StatusSignalled:
		f.Signal = syscall.Signal(out.ExitStatus)
		f.Reason = "killed by signal"
		return f
	}
	return nil
}

// environ 返回被跟踪者的环境变量，调用方环境中的请求变量被替换
func (r *Runner) environ() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, work.EnvWork+"=") || strings.HasPrefix(e, work.EnvStackFd+"=") {
			continue
		}
		env = append(env, e)
	}
	env = append(env, r.Env...)
	return append(env, r.Request.Env()...)
}

// files 返回被跟踪者的描述符表，受保护栈固定位于 work.StackFd
func (r *Runner) files(stackFd uintptr) []uintptr {
	files := []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()}
	copy(files, r.Files)
	return append(files[:work.StackFd], stackFd)
}

// launcher 把 forkexec 的错误转换为 LaunchFailure 并记录 PID
type launcher struct {
	*forkexec.Runner
	pid int
}

func (l *launcher) Start() (int, error) {
	pid, err := l.Runner.Start()
	if err != nil {
		return 0, launchFailure(err, l.CloneFlags())
	}
	l.pid = pid
	return pid, nil
}

func launchFailure(err error, flags uintptr) *runner.Failure {
	f := &runner.Failure{Kind: runner.LaunchFailure, Flags: flags}
	var childErr forkexec.ChildError
	if errors.As(err, &childErr) {
		f.Op = childErr.Location.String()
		if childErr.Index > 0 {
			f.Op = fmt.Sprintf("%s(%d)", f.Op, childErr.Index)
		}
		f.Err = childErr.Err
		return f
	}
	f.Op = "start"
	f.Err = runner.ToErrno(err)
	if f.Err == 0 {
		f.Reason = err.Error()
	}
	return f
}
