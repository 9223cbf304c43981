package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 定义了子进程执行失败的具体位置
type ErrorLocation int

// ChildError 定义了子进程错误的详细信息
type ChildError struct {
	Err      syscall.Errno // 系统调用错误码
	Location ErrorLocation // 错误发生的位置
	Index    int           // 操作序号（设置第几个资源限制时失败）
}

// Location 常量按照子进程初始化的顺序排列
const (
	LocClone         ErrorLocation = iota + 1 // 克隆（创建）新进程失败
	LocCloseWrite                             // 关闭父进程端套接字失败
	LocGetPid                                 // 获取进程 ID 失败
	LocDup3                                   // 复制文件描述符失败
	LocFcntl                                  // 文件控制操作失败
	LocSetSid                                 // 设置会话 ID 失败
	LocSetRlimit                              // 设置资源限制失败
	LocSetNoNewPrivs                          // 禁止获取新特权失败
	LocSyncWrite                              // 同步写入失败
	LocSyncRead                               // 同步读取失败
	LocStop                                   // 停止自身失败
	LocSeccomp                                // 加载 seccomp 失败
	LocExecve                                 // 执行新程序失败
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"dup3",
	"fcntl",
	"setsid",
	"setrlimit",
	"set_no_new_privs",
	"sync_write",
	"sync_read",
	"stop",
	"seccomp",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Error 返回格式化的错误信息，例如：
//   - "execve: no such file or directory"
//   - "setrlimit(2): operation not permitted"
func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap 返回底层错误码
func (e ChildError) Unwrap() error {
	return e.Err
}
