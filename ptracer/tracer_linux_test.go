package ptracer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	unix "golang.org/x/sys/unix"

	"github.com/zqzqsb/stracetest/runner"
)

// 远大于默认 pid_max，真实的 kill 调用也不会命中任何进程
const fakePid = 1 << 30

func stopped(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f)
}

func sysStop() unix.WaitStatus {
	return stopped(unix.SIGTRAP | 0x80)
}

func eventStop(sig unix.Signal, event int) unix.WaitStatus {
	return unix.WaitStatus(uint32(event)<<16 | uint32(sig)<<8 | 0x7f)
}

func exited(code int) unix.WaitStatus {
	return unix.WaitStatus(uint32(code) << 8)
}

func signaled(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig))
}

type waitEvent struct {
	pid int
	ws  unix.WaitStatus
	ru  unix.Rusage
	err error
}

// fakeKernel 按顺序返回预先设定的等待状态，并记录所有 ptrace 请求
type fakeKernel struct {
	mu sync.Mutex

	handshake    unix.WaitStatus
	handshakeErr error
	events       []waitEvent

	seizeErr   error
	optionsErr error
	// resumeErr 在第 resumeFailAt 次恢复（从 1 开始）时返回
	resumeErr    error
	resumeFailAt int
	resumes      int

	calls   []string
	options int
	killed  chan struct{}
	reaped  bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		handshake: stopped(unix.SIGSTOP),
		killed:    make(chan struct{}),
	}
}

func (k *fakeKernel) record(format string, args ...interface{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, fmt.Sprintf(format, args...))
}

func (k *fakeKernel) ops() ptraceOps {
	resume := func(op string) func(int, int) error {
		return func(pid, sig int) error {
			k.record("%s(%d,%d)", op, pid, sig)
			k.mu.Lock()
			defer k.mu.Unlock()
			k.resumes++
			if k.resumeErr != nil && k.resumes == k.resumeFailAt {
				return k.resumeErr
			}
			return nil
		}
	}
	return ptraceOps{
		wait4: k.wait4,
		seize: func(pid int) error {
			k.record("seize(%d)", pid)
			return k.seizeErr
		},
		setOptions: func(pid, options int) error {
			k.record("setoptions(%d)", pid)
			k.options = options
			return k.optionsErr
		},
		syscall: resume("syscall"),
		cont:    resume("cont"),
		getEventMsg: func(pid int) (uint, error) {
			return uint(exited(0)), nil
		},
		getRegs: func(pid int, regs *unix.PtraceRegs) error {
			return nil
		},
		kill: func(pid int, sig unix.Signal) error {
			k.record("kill(%d,%v)", pid, sig)
			if sig == unix.SIGKILL {
				k.mu.Lock()
				select {
				case <-k.killed:
				default:
					close(k.killed)
				}
				k.mu.Unlock()
			}
			return nil
		},
	}
}

func (k *fakeKernel) wait4(pid int, ws *unix.WaitStatus, options int, ru *unix.Rusage) (int, error) {
	switch {
	case options&unix.WUNTRACED != 0:
		k.record("wait4(handshake)")
		*ws = k.handshake
		return pid, k.handshakeErr
	case options&unix.WNOHANG != 0:
		return 0, unix.ECHILD
	}

	k.mu.Lock()
	if len(k.events) > 0 {
		e := k.events[0]
		k.events = k.events[1:]
		k.mu.Unlock()
		*ws = e.ws
		if ru != nil {
			*ru = e.ru
		}
		return e.pid, e.err
	}
	reaped := k.reaped
	k.reaped = true
	k.mu.Unlock()

	if reaped {
		return 0, unix.ECHILD
	}
	// 没有更多事件：只有被杀死后主线程才会终止
	select {
	case <-k.killed:
		*ws = signaled(unix.SIGKILL)
		return fakePid, nil
	case <-time.After(5 * time.Second):
		return 0, unix.ECHILD
	}
}

func (k *fakeKernel) sawKill() bool {
	select {
	case <-k.killed:
		return true
	default:
		return false
	}
}

type syscallRecord struct {
	Pid   int
	Phase Phase
}

type recordHandler struct {
	t        *testing.T
	mu       sync.Mutex
	states   []State
	syscalls []syscallRecord
}

func (h *recordHandler) Syscall(ctx *Context, phase Phase) {
	h.syscalls = append(h.syscalls, syscallRecord{ctx.Pid, phase})
}

func (h *recordHandler) Debug(v ...interface{}) {
	h.t.Log(v...)
}

func (h *recordHandler) OnState(pid int, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

type fakeRunner struct {
	pid int
	err error
}

func (r fakeRunner) Start() (int, error) {
	return r.pid, r.err
}

func runFake(t *testing.T, ctx context.Context, k *fakeKernel, seccomp bool) (*recordHandler, runner.Result, error) {
	t.Helper()
	h := &recordHandler{t: t}
	tr := &Tracer{Handler: h, Runner: fakeRunner{pid: fakePid}, Seccomp: seccomp}
	result, err := newPtraceHandle(tr, fakePid, k.ops()).trace(ctx)
	return h, result, err
}

func TestTraceLifecycle(t *testing.T) {
	const tid = fakePid + 1
	k := newFakeKernel()
	k.events = []waitEvent{
		{pid: fakePid, ws: stopped(unix.SIGCONT)},
		{pid: fakePid, ws: sysStop()},
		{pid: fakePid, ws: sysStop()},
		{pid: fakePid, ws: eventStop(unix.SIGTRAP, unix.PTRACE_EVENT_CLONE)},
		{pid: tid, ws: eventStop(unix.SIGTRAP, unix.PTRACE_EVENT_STOP)},
		{pid: fakePid, ws: sysStop()},
		{pid: tid, ws: sysStop()},
		{pid: tid, ws: stopped(unix.SIGURG)},
		{pid: tid, ws: sysStop()},
		{pid: fakePid, ws: sysStop()},
		{pid: tid, ws: eventStop(unix.SIGTRAP, unix.PTRACE_EVENT_EXIT)},
		{pid: tid, ws: exited(0)},
		{pid: fakePid, ws: eventStop(unix.SIGTRAP, unix.PTRACE_EVENT_EXIT)},
		{pid: fakePid, ws: exited(0)},
	}

	h, result, err := runFake(t, context.Background(), k, false)
	require.NoError(t, err)
	require.Equal(t, runner.StatusNormal, result.Status)
	require.Equal(t, 0, result.ExitStatus)
	require.Equal(t, 3, result.Syscalls)
	require.False(t, k.sawKill(), "exited tracee must not be killed")

	wantStates := []State{StateCreated, StateHandshakeWait, StateAttached, StateStepping, StateExited}
	if diff := cmp.Diff(wantStates, h.states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	wantSyscalls := []syscallRecord{
		{fakePid, PhaseEnter},
		{fakePid, PhaseExit},
		{fakePid, PhaseEnter},
		{tid, PhaseEnter},
		{tid, PhaseExit},
		{fakePid, PhaseExit},
	}
	if diff := cmp.Diff(wantSyscalls, h.syscalls); diff != "" {
		t.Errorf("syscalls mismatch (-want +got):\n%s", diff)
	}

	// 握手在附加之前，附加之后才恢复并发送 SIGCONT
	require.Equal(t, []string{
		"wait4(handshake)",
		fmt.Sprintf("seize(%d)", fakePid),
		fmt.Sprintf("setoptions(%d)", fakePid),
		fmt.Sprintf("syscall(%d,0)", fakePid),
		fmt.Sprintf("kill(%d,%v)", fakePid, unix.SIGCONT),
		// 信号递送停止原样注入
		fmt.Sprintf("syscall(%d,%d)", fakePid, unix.SIGCONT),
	}, k.calls[:6])
	require.Contains(t, k.calls, fmt.Sprintf("syscall(%d,%d)", tid, unix.SIGURG))
	require.Equal(t, traceOptions, k.options)
}

func TestTraceExitStatus(t *testing.T) {
	tests := []struct {
		name       string
		final      unix.WaitStatus
		wantStatus runner.Status
		wantExit   int
	}{
		{name: "nonzero", final: exited(2), wantStatus: runner.StatusNonzeroExitStatus, wantExit: 2},
		{name: "signalled", final: signaled(unix.SIGSEGV), wantStatus: runner.StatusSignalled, wantExit: int(unix.SIGSEGV)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newFakeKernel()
			k.events = []waitEvent{{pid: fakePid, ws: tt.final}}
			_, result, err := runFake(t, context.Background(), k, false)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, result.Status)
			require.Equal(t, tt.wantExit, result.ExitStatus)
		})
	}
}

func TestTraceHandshakeFailure(t *testing.T) {
	tests := []struct {
		name     string
		ws       unix.WaitStatus
		err      error
		wantKill bool
		check    func(t *testing.T, f *runner.Failure)
	}{
		{
			name:     "wait error",
			err:      unix.EIO,
			wantKill: true,
			check: func(t *testing.T, f *runner.Failure) {
				require.Equal(t, unix.EIO, f.Err)
			},
		},
		{
			name:     "wrong signal",
			ws:       stopped(unix.SIGTSTP),
			wantKill: true,
			check: func(t *testing.T, f *runner.Failure) {
				require.Equal(t, unix.SIGTSTP, f.Signal)
			},
		},
		{
			name: "exited",
			ws:   exited(3),
			check: func(t *testing.T, f *runner.Failure) {
				require.Equal(t, 3, f.ExitStatus)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newFakeKernel()
			k.handshake, k.handshakeErr = tt.ws, tt.err
			h, result, err := runFake(t, context.Background(), k, false)

			var f *runner.Failure
			require.ErrorAs(t, err, &f)
			require.Equal(t, runner.HandshakeFailure, f.Kind)
			require.Equal(t, fakePid, f.Pid)
			tt.check(t, f)

			require.Equal(t, runner.StatusRunnerError, result.Status)
			require.Equal(t, tt.wantKill, k.sawKill())
			// 被杀死的被跟踪者在返回前已经回收，不会停留在停止状态
			require.Equal(t, tt.wantKill, k.reaped)
			require.NotContains(t, k.calls, fmt.Sprintf("seize(%d)", fakePid))
			require.Equal(t, StateFailed, h.states[len(h.states)-1])
		})
	}
}

func TestTraceAttachFailure(t *testing.T) {
	t.Run("seize", func(t *testing.T) {
		k := newFakeKernel()
		k.seizeErr = unix.EPERM
		_, _, err := runFake(t, context.Background(), k, false)
		require.ErrorIs(t, err, &runner.Failure{Kind: runner.AttachFailure, Op: "PTRACE_SEIZE"})
		require.ErrorIs(t, err, unix.EPERM)
		require.True(t, k.sawKill())
	})

	t.Run("options", func(t *testing.T) {
		k := newFakeKernel()
		k.optionsErr = unix.EINVAL
		_, _, err := runFake(t, context.Background(), k, false)
		require.ErrorIs(t, err, &runner.Failure{Kind: runner.AttachFailure, Op: "PTRACE_SETOPTIONS"})
		require.True(t, k.sawKill())
	})
}

func TestTraceWaitFailureMidLoop(t *testing.T) {
	k := newFakeKernel()
	k.events = []waitEvent{
		{pid: fakePid, ws: sysStop()},
		{err: unix.EINTR},
		{err: unix.EIO},
	}

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, _, err = runFake(t, context.Background(), k, false)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("trace did not return after wait failure")
	}

	var f *runner.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, runner.TraceProtocolFailure, f.Kind)
	require.Equal(t, "wait4", f.Op)
	require.Equal(t, unix.EIO, f.Err)
	require.True(t, k.sawKill(), "tracee must be killed after protocol failure")
}

func TestTraceResumeFailure(t *testing.T) {
	k := newFakeKernel()
	k.events = []waitEvent{{pid: fakePid, ws: sysStop()}}
	k.resumeErr, k.resumeFailAt = unix.EIO, 2

	_, _, err := runFake(t, context.Background(), k, false)
	var f *runner.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, runner.TraceProtocolFailure, f.Kind)
	require.Equal(t, "PTRACE_SYSCALL", f.Op)
	require.True(t, k.sawKill())
}

func TestTraceVanishedThread(t *testing.T) {
	const tid = fakePid + 7
	k := newFakeKernel()
	k.events = []waitEvent{
		{pid: tid, ws: sysStop()},
		{pid: fakePid, ws: exited(0)},
	}
	k.resumeErr, k.resumeFailAt = unix.ESRCH, 2

	_, result, err := runFake(t, context.Background(), k, false)
	require.NoError(t, err)
	require.Equal(t, runner.StatusNormal, result.Status)
}

func TestTraceSeccompMode(t *testing.T) {
	k := newFakeKernel()
	k.events = []waitEvent{
		{pid: fakePid, ws: eventStop(unix.SIGTRAP, unix.PTRACE_EVENT_SECCOMP)},
		{pid: fakePid, ws: exited(0)},
	}
	h, _, err := runFake(t, context.Background(), k, true)
	require.NoError(t, err)
	require.Equal(t, traceOptions|unix.PTRACE_O_TRACESECCOMP, k.options)
	require.Equal(t, []syscallRecord{{fakePid, PhaseEnter}}, h.syscalls)
	require.Contains(t, k.calls, fmt.Sprintf("cont(%d,0)", fakePid))
	require.NotContains(t, k.calls, fmt.Sprintf("syscall(%d,0)", fakePid))
}

func TestTraceCanceled(t *testing.T) {
	k := newFakeKernel()
	k.events = []waitEvent{{pid: fakePid, ws: sysStop()}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, result, err := runFake(t, ctx, k, false)
	require.NoError(t, err)
	require.Equal(t, runner.StatusCanceled, result.Status)
	require.True(t, k.sawKill())
}

func TestTraceLimitExceeded(t *testing.T) {
	k := newFakeKernel()
	k.events = []waitEvent{
		{pid: fakePid, ws: sysStop(), ru: unix.Rusage{Maxrss: 4 << 10}},
	}
	h := &recordHandler{t: t}
	tr := &Tracer{
		Handler: h,
		Runner:  fakeRunner{pid: fakePid},
		Limit:   runner.Limit{MemoryLimit: 1 << 20},
	}
	result, err := newPtraceHandle(tr, fakePid, k.ops()).trace(context.Background())
	require.NoError(t, err)
	require.Equal(t, runner.StatusMemoryLimitExceeded, result.Status)
	require.Equal(t, runner.Size(4<<20), result.Memory)
	require.True(t, k.sawKill())

	// 跟踪器杀死并回收后，观察者仍然收到终止状态
	wantStates := []State{StateCreated, StateHandshakeWait, StateAttached, StateStepping, StateExited}
	if diff := cmp.Diff(wantStates, h.states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceLaunchFailure(t *testing.T) {
	h := &recordHandler{t: t}
	tr := &Tracer{Handler: h, Runner: fakeRunner{err: unix.EAGAIN}}
	result, err := tr.Trace(context.Background())

	var f *runner.Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, runner.LaunchFailure, f.Kind)
	require.Equal(t, unix.EAGAIN, f.Err)
	require.Equal(t, runner.StatusRunnerError, result.Status)
	require.Equal(t, []State{StateFailed}, h.states)
}

func TestTraceLaunchFailurePassthrough(t *testing.T) {
	want := &runner.Failure{Kind: runner.LaunchFailure, Op: "execve", Err: unix.ENOENT}
	tr := &Tracer{Handler: &recordHandler{t: t}, Runner: fakeRunner{err: want}}
	_, err := tr.Trace(context.Background())
	require.Same(t, want, err)
}

func TestCheckUsage(t *testing.T) {
	ph := &ptraceHandle{Tracer: &Tracer{}}
	ru := unix.Rusage{Maxrss: 1 << 10}
	ru.Utime.Sec = 2

	_, _, status := ph.checkUsage(ru)
	require.Equal(t, runner.StatusNormal, status, "zero limits are unlimited")

	ph.Limit = runner.Limit{TimeLimit: time.Second}
	_, _, status = ph.checkUsage(ru)
	require.Equal(t, runner.StatusTimeLimitExceeded, status)

	ph.Limit = runner.Limit{MemoryLimit: 1 << 10}
	_, mem, status := ph.checkUsage(ru)
	require.Equal(t, runner.StatusMemoryLimitExceeded, status)
	require.Equal(t, runner.Size(1<<20), mem)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "handshake-wait", StateHandshakeWait.String())
	require.Equal(t, "State(42)", State(42).String())
	require.Equal(t, "exit", PhaseExit.String())
}
