/*
Package strace 在一个受 ptrace 跟踪的子进程中运行 Go 函数，并把结果和 panic 带回调用方

工作函数需要在包初始化时注册，程序的 main（或测试的 TestMain）需要首先调用 work.Main：

	var hello = work.Register("hello", func(arg []byte) {
		fmt.Printf("hello, %s\n", arg)
	})

	func main() {
		work.Main()
		res, err := strace.RunTraced(context.Background(), hello, []byte("world"))
		...
	}

被跟踪者是重新执行的当前程序。每个系统调用停止都可以通过 WithHandler 观察。
*/
package strace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zqzqsb/stracetest/pkg/pipe"
	"github.com/zqzqsb/stracetest/ptracer"
	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/runner/ptrace"
	"github.com/zqzqsb/stracetest/work"
)

// ErrInvalidWork 表示工作函数没有通过 work.Register 注册
var ErrInvalidWork = errors.New("strace: work is not registered")

// Option 配置一次 RunTraced
type Option func(*options)

type options struct {
	config   Config
	stdout   io.Writer
	stderr   io.Writer
	handler  ptrace.Handler
	observer ptracer.StateObserver
	logger   logrus.FieldLogger
	pid      *int
}

// WithConfig 替换 DefaultConfig
func WithConfig(c Config) Option {
	return func(o *options) { o.config = c }
}

// WithLimit 设置跟踪器检查的时间和内存限制
func WithLimit(l runner.Limit) Option {
	return func(o *options) {
		o.config.TimeLimit = l.TimeLimit
		o.config.MemoryLimit = l.MemoryLimit
	}
}

// WithStdout 把被跟踪者的标准输出写到 w
// *os.File 直接作为描述符传入，其他 writer 通过管道转发，长度受 Config.OutputLimit 限制
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr 同 WithStdout，作用于标准错误
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithHandler 接收每个系统调用事件
func WithHandler(h ptrace.Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithObserver 接收跟踪器的状态转换
func WithObserver(s ptracer.StateObserver) Option {
	return func(o *options) { o.observer = s }
}

// WithLogger 设置调试日志的输出
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithPid 在返回之前把被跟踪者的 PID 写入 p
func WithPid(p *int) Option {
	return func(o *options) { o.pid = p }
}

func newLogger(debug bool) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

/*
RunTraced 在受跟踪的子进程中运行 w(arg)，阻塞到子进程终止或 ctx 结束

返回的 error：
  - nil: 工作函数正常返回，或者超出了 Config 中的限制（见 Result.Status）
  - *DeferredPanic: 工作函数 panic，Repanic 在调用方重新抛出原始值
  - *runner.Failure: 核心操作失败，或者被跟踪者没有 panic 记录就异常终止
  - ctx.Err(): ctx 结束，被跟踪者已被杀死
*/
func RunTraced(ctx context.Context, w work.Work, arg []byte, opts ...Option) (runner.Result, error) {
	if !w.Valid() {
		return runner.Result{Status: runner.StatusRunnerError, Error: ErrInvalidWork.Error()}, ErrInvalidWork
	}

	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &o.config
	if o.logger == nil {
		o.logger = newLogger(c.Debug)
	}
	log := o.logger.WithField("work", w.Name())

	share, err := c.shareFlags()
	if err != nil {
		return runner.Result{Status: runner.StatusRunnerError, Error: err.Error()}, err
	}
	filter, err := c.filter()
	if err != nil {
		return runner.Result{Status: runner.StatusRunnerError, Error: err.Error()}, err
	}

	files := []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()}
	var pipes []*pipe.Pipe
	defer func() {
		for _, p := range pipes {
			p.CloseWrite()
		}
	}()
	for i, out := range []io.Writer{o.stdout, o.stderr} {
		if out == nil {
			continue
		}
		if f, ok := out.(*os.File); ok {
			files[i+1] = f.Fd()
			continue
		}
		p, err := pipe.NewPipe(out, int64(c.OutputLimit))
		if err != nil {
			f := &runner.Failure{Kind: runner.LaunchFailure, Op: "pipe", Err: runner.ToErrno(err), Reason: err.Error()}
			return runner.Result{Status: runner.StatusRunnerError, Error: f.Error()}, f
		}
		pipes = append(pipes, p)
		files[i+1] = p.W.Fd()
	}

	r := &ptrace.Runner{
		Request:     work.NewRequest(w, arg),
		Files:       files,
		RLimits:     c.RLimits.Prepare(),
		Limit:       c.limit(),
		Seccomp:     filter,
		ShareFlags:  share,
		Handler:     o.handler,
		Observer:    o.observer,
		Logger:      log,
		ShowDetails: c.Debug,
	}
	log.Debugf("run traced: %v", c)

	out, err := r.Run(ctx)
	if o.pid != nil {
		*o.pid = out.Pid
	}
	for _, p := range pipes {
		if _, werr := p.Wait(); werr != nil {
			log.WithError(werr).Warn("forward tracee output")
		}
		if p.Truncated() {
			log.Warnf("tracee output truncated at %v", c.OutputLimit)
		}
	}
	if err != nil {
		log.WithError(err).Debug("run failed")
		return out.Result, err
	}

	log.Debugf("finished: %v", out.Result)
	switch out.Status {
	case runner.StatusPanicked:
		return out.Result, &DeferredPanic{Work: w.Name(), Pid: out.Pid, Panic: *out.Panic}
	case runner.StatusCanceled:
		if err := ctx.Err(); err != nil {
			return out.Result, err
		}
		return out.Result, context.Canceled
	}
	return out.Result, nil
}

// DeferredPanic 是在被跟踪者中发生、被带回调用方的 panic
type DeferredPanic struct {
	// Work 是 panic 的工作函数名
	Work string
	// Pid 是被跟踪者的 PID
	Pid int

	work.Panic
}

func (p *DeferredPanic) Error() string {
	msg := fmt.Sprintf("work %s (pid %d) panicked: %s", p.Work, p.Pid, p.Message)
	if rp, ok := p.Value.(*work.RemotePanic); ok && rp.Unregistered {
		msg += fmt.Sprintf(" [%s not transferable, value is *work.RemotePanic; register it with work.RegisterPanicType]", p.Type)
	}
	return msg
}

// Unwrap 在原始值是 error 时返回它
func (p *DeferredPanic) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

// Repanic 在调用方以原始值重新 panic
func (p *DeferredPanic) Repanic() {
	panic(p.Value)
}
