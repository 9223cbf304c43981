// Package forkexec 通过原始 clone 系统调用创建被跟踪的子进程
package forkexec

import (
	"golang.org/x/sys/unix"
)

// 定义 syscall 包中缺少的常量
const (
	// SECCOMP_SET_MODE_FILTER 是 seccomp 的过滤器模式
	SECCOMP_SET_MODE_FILTER = 1

	// SECCOMP_FILTER_FLAG_TSYNC 表示同步所有线程的 seccomp 过滤器
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// SharedFlags 定义了允许子进程与调用者共享的内核状态
	// CLONE_FS: 根目录、工作目录和 umask
	// CLONE_SYSVSEM: System V 信号量撤销列表
	// CLONE_IO: I/O 上下文
	//
	// CLONE_VM 和 CLONE_FILES 不在其中：子进程需要在私有的描述符表上
	// 重新排列描述符，而且 execve 会替换地址空间并解除描述符表共享
	SharedFlags = unix.CLONE_FS | unix.CLONE_SYSVSEM | unix.CLONE_IO
)

var (
	// empty 是 execveat 使用的空路径
	empty = []byte("\000")

	// etxtbsyRetryInterval 定义了遇到 ETXTBSY 错误时的重试间隔（1 毫秒）
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)
