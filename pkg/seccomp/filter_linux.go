package seccomp

import "syscall"

// SockFprog 返回 seccomp(SECCOMP_SET_MODE_FILTER) 需要的程序描述
// 空过滤器返回 nil，表示不加载
//
// 返回值引用 f 的底层数组，加载完成之前 f 不能被修改
func (f Filter) SockFprog() *syscall.SockFprog {
	if len(f) == 0 {
		return nil
	}
	b := []syscall.SockFilter(f)
	return &syscall.SockFprog{
		Len:    uint16(len(b)),
		Filter: &b[0],
	}
}
