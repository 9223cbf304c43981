package libseccomp

import (
	"errors"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/zqzqsb/stracetest/pkg/seccomp"
)

// Builder 描述一个按系统调用名字分组的过滤器
type Builder struct {
	Allow   []string // 放行的系统调用
	Trace   []string // 交给跟踪器的系统调用
	Default Action   // 其余系统调用的动作
}

// ErrNoTrace 表示过滤器不会产生任何跟踪停止
var ErrNoTrace = errors.New("libseccomp: filter traces nothing")

// TraceOnly 返回只跟踪 names、其余全部放行的构建器
func TraceOnly(names ...string) *Builder {
	return &Builder{Trace: names, Default: ActionAllow}
}

// Build 编译为内核可以加载的过滤器
// 未知的系统调用名字由 go-seccomp-bpf 报错
func (b *Builder) Build() (seccomp.Filter, error) {
	if len(b.Trace) == 0 && b.Default.Action() != ActionTrace {
		return nil, ErrNoTrace
	}

	var groups []libseccomp.SyscallGroup
	if len(b.Allow) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{Action: libseccomp.ActionAllow, Names: b.Allow})
	}
	if len(b.Trace) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{Action: libseccomp.ActionTrace, Names: b.Trace})
	}
	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
		Syscalls:      groups,
	}

	program, err := policy.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// ExportBPF 把 BPF 指令汇编为内核格式
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, in := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: in.Op,
			Jt:   in.Jt,
			Jf:   in.Jf,
			K:    in.K,
		})
	}
	return filter
}
