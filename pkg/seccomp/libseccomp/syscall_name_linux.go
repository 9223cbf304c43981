package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// 当前架构的系统调用表
var info, errInfo = arch.GetInfo("")

// ToSyscallName 返回系统调用号在当前架构上的名字
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("libseccomp: syscall %d does not exist", sysno)
	}
	return n, nil
}

// SyscallName 与 ToSyscallName 相同，未知系统调用返回 "syscall_<nr>"
func SyscallName(sysno uint) string {
	if n, err := ToSyscallName(sysno); err == nil {
		return n
	}
	return fmt.Sprintf("syscall_%d", sysno)
}
