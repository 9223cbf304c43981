package libseccomp

import (
	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// ToSeccompAction 转换为 go-seccomp-bpf 的动作，未知动作按 kill 处理
// go-seccomp-bpf 不支持 SECCOMP_RET_DATA，动作数据在这里被丢弃
func ToSeccompAction(a Action) libseccomp.Action {
	switch a.Action() {
	case ActionAllow:
		return libseccomp.ActionAllow
	case ActionErrno:
		return libseccomp.ActionErrno
	case ActionTrace:
		return libseccomp.ActionTrace
	default:
		return libseccomp.ActionKillProcess
	}
}
