package runner

import (
	"fmt"
	"strings"
	"syscall"
)

// FailureKind 标识跟踪执行过程中失败发生的阶段
type FailureKind int

// FailureKind 常量按照一次跟踪执行的顺序排列
const (
	AllocationFailure    FailureKind = iota + 1 // 分配受保护的栈失败
	ProtectionFailure                           // 修改栈内存保护失败
	LaunchFailure                               // 创建被跟踪者失败
	HandshakeFailure                            // 等待被跟踪者自停止失败
	AttachFailure                               // PTRACE_SEIZE 或设置选项失败
	TraceProtocolFailure                        // 单步循环中 wait/resume 失败
	TraceeFailure                               // 被跟踪者异常退出且没有 panic 记录
)

var kindToString = []string{
	"unknown",
	"allocation failure",
	"protection failure",
	"launch failure",
	"handshake failure",
	"attach failure",
	"trace protocol failure",
	"tracee failure",
}

func (k FailureKind) String() string {
	if k >= AllocationFailure && k <= TraceeFailure {
		return kindToString[k]
	}
	return kindToString[0]
}

// Failure 是核心操作返回的结构化错误
// 除 Kind 和 Op 之外的字段只在相关时填写，零值不会出现在错误信息中
type Failure struct {
	Kind FailureKind
	// Op 是失败的系统调用或操作名，例如 "mmap"、"wait4"、"PTRACE_SEIZE"
	Op string
	// Err 是平台错误码，0 表示失败不是由系统调用返回的
	Err syscall.Errno

	Pid    int     // 被跟踪者 ID
	Size   Size    // 请求的大小
	Addr   uintptr // 相关地址
	Flags  uintptr // clone 标志
	Signal syscall.Signal
	// ExitStatus 是被跟踪者的退出码（TraceeFailure）
	ExitStatus int
	// Reason 是无法用错误码表示的原因，例如 "stopped by signal 5"
	Reason string
}

// Error 返回可以直接作为测试失败信息展示的单行描述
func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	if f.Op != "" {
		b.WriteString(": ")
		b.WriteString(f.Op)
	}

	var operands []string
	if f.Pid != 0 {
		operands = append(operands, fmt.Sprintf("pid=%d", f.Pid))
	}
	if f.Size != 0 {
		operands = append(operands, fmt.Sprintf("size=%d (%v)", f.Size.Byte(), f.Size))
	}
	if f.Addr != 0 {
		operands = append(operands, fmt.Sprintf("addr=%#x", f.Addr))
	}
	if f.Flags != 0 {
		operands = append(operands, fmt.Sprintf("flags=%#x", f.Flags))
	}
	if f.Signal != 0 {
		operands = append(operands, fmt.Sprintf("signal=%v", f.Signal))
	}
	if f.ExitStatus != 0 {
		operands = append(operands, fmt.Sprintf("exit=%d", f.ExitStatus))
	}
	if len(operands) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(operands, ", "))
		b.WriteString(")")
	}

	if f.Reason != "" {
		b.WriteString(": ")
		b.WriteString(f.Reason)
	}
	if f.Err != 0 {
		fmt.Fprintf(&b, ": errno %d (%s)", int(f.Err), f.Err.Error())
	}
	return b.String()
}

// Unwrap 返回底层错误码，使 errors.Is(err, syscall.ESRCH) 之类的判断可用
func (f *Failure) Unwrap() error {
	if f.Err == 0 {
		return nil
	}
	return f.Err
}

// Is 允许按种类匹配：errors.Is(err, &Failure{Kind: AttachFailure})
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && (t.Op == "" || t.Op == f.Op)
}

// ToErrno 将 error 转换为 syscall.Errno，无法转换时返回 0
func ToErrno(err error) syscall.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return 0
}
