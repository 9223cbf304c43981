// Package rlimit 描述应用到被跟踪者的资源限制
// 限制在子进程 execve 之前通过 prlimit64 设置，见 forkexec.Runner.RLimits
package rlimit

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/zqzqsb/stracetest/runner"
)

// RLimits 是配置文件中的资源限制，零值字段表示继承调用方的限制
type RLimits struct {
	CPU          time.Duration `yaml:"cpu"`          // CPU 时间，向上取整到秒
	Data         runner.Size   `yaml:"data"`         // 数据段大小
	FileSize     runner.Size   `yaml:"fileSize"`     // 单个文件大小
	Stack        runner.Size   `yaml:"stack"`        // 主线程栈大小
	AddressSpace runner.Size   `yaml:"addressSpace"` // 地址空间
	OpenFile     uint64        `yaml:"openFile"`     // 打开文件数量
	DisableCore  bool          `yaml:"disableCore"`  // 禁用 core dump
}

// RLimit 是一条 prlimit64 请求
type RLimit struct {
	// Res 是资源类型（例如 syscall.RLIMIT_CPU）
	Res int
	// Rlim 是应用到该资源的限制
	Rlim syscall.Rlimit
}

func same(v uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: v, Max: v}
}

// Prepare 按固定顺序生成 prlimit64 请求
// 子进程出错时 ChildError.Index 是请求在返回切片中的下标加一
func (r *RLimits) Prepare() []RLimit {
	var ret []RLimit

	if r.CPU > 0 {
		sec := uint64((r.CPU + time.Second - 1) / time.Second)
		// 软限制到达时发送 SIGXCPU，硬限制多留一秒发送 SIGKILL
		ret = append(ret, RLimit{
			Res:  syscall.RLIMIT_CPU,
			Rlim: syscall.Rlimit{Cur: sec, Max: sec + 1},
		})
	}
	if r.Data > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_DATA, Rlim: same(r.Data.Byte())})
	}
	if r.FileSize > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_FSIZE, Rlim: same(r.FileSize.Byte())})
	}
	if r.Stack > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_STACK, Rlim: same(r.Stack.Byte())})
	}
	if r.AddressSpace > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_AS, Rlim: same(r.AddressSpace.Byte())})
	}
	if r.OpenFile > 0 {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_NOFILE, Rlim: same(r.OpenFile)})
	}
	if r.DisableCore {
		ret = append(ret, RLimit{Res: syscall.RLIMIT_CORE, Rlim: same(0)})
	}
	return ret
}

func (r RLimit) String() string {
	switch r.Res {
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%d s:%d s]", r.Rlim.Cur, r.Rlim.Max)
	case syscall.RLIMIT_NOFILE:
		return fmt.Sprintf("OpenFile[%d]", r.Rlim.Cur)
	case syscall.RLIMIT_CORE:
		return fmt.Sprintf("Core[%d]", r.Rlim.Cur)
	}

	var t string
	switch r.Res {
	case syscall.RLIMIT_DATA:
		t = "Data"
	case syscall.RLIMIT_FSIZE:
		t = "File"
	case syscall.RLIMIT_STACK:
		t = "Stack"
	case syscall.RLIMIT_AS:
		t = "AddressSpace"
	default:
		t = fmt.Sprintf("Resource(%d)", r.Res)
	}
	return fmt.Sprintf("%s[%v]", t, runner.Size(r.Rlim.Cur))
}

func (r *RLimits) String() string {
	var s []string
	for _, l := range r.Prepare() {
		s = append(s, l.String())
	}
	return fmt.Sprintf("RLimits{%s}", strings.Join(s, ", "))
}
