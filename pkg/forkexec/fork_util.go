package forkexec

import (
	"syscall"
)

// prepareExec 准备 execve 系统调用所需的 C 风格参数
// 子进程在 fork 之后不能分配内存，因此必须在父进程中转换好
func prepareExec(args, env []string) (*byte, []*byte, []*byte, error) {
	if len(args) == 0 {
		return nil, nil, nil, syscall.EINVAL
	}
	argv0, err := syscall.BytePtrFromString(args[0])
	if err != nil {
		return nil, nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(args)
	if err != nil {
		return nil, nil, nil, err
	}
	envv, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, envv, nil
}

// prepareFds 将描述符转换为 int 数组，并返回第一个不会与之冲突的描述符编号
func prepareFds(files []uintptr) ([]int, int) {
	fd := make([]int, len(files))
	nextfd := len(files)
	for i, ufd := range files {
		if nextfd < int(ufd) {
			nextfd = int(ufd)
		}
		fd[i] = int(ufd)
	}
	nextfd++
	return fd, nextfd
}
