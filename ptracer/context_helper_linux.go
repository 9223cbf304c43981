package ptracer

import (
	"bytes"

	unix "golang.org/x/sys/unix"
)

// ptraceReadStr 使用 PTRACE_PEEKDATA 从被跟踪者内存中读取 len(buff) 字节
// 线程必须处于 ptrace 停止状态
func ptraceReadStr(pid int, addr uintptr, buff []byte) error {
	_, err := unix.PtracePeekData(pid, addr, buff)
	return err
}

// vmRead 使用 process_vm_readv 从目标进程 addr 处读取最多 len(buff) 字节，返回实际读取的字节数
// 不需要目标处于 ptrace 停止状态。远端地址只作为 uintptr 传递，不转换为指针
func vmRead(pid int, addr uintptr, buff []byte) (int, error) {
	local := []unix.Iovec{{Base: &buff[0]}}
	local[0].SetLen(len(buff))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buff)}}
	return unix.ProcessVMReadv(pid, local, remote, 0)
}

/*
	vmReadStr 使用 process_vm_readv 读取以 NUL 结尾的字符串

按页读取：字符串可能紧挨着一个不可读的页结束，跨页的单次读取会整体失败。
第一次只读到 addr 所在页的末尾，之后每次读一整页，直到遇到 NUL 或填满 buff
*/
func vmReadStr(pid int, addr uintptr, buff []byte) error {
	totalRead := 0
	nextRead := pageSize - int(addr%uintptr(pageSize))
	if nextRead == 0 {
		nextRead = pageSize
	}

	for len(buff) > 0 {
		if restToRead := len(buff); restToRead < nextRead {
			nextRead = restToRead
		}

		curRead, err := vmRead(pid, addr+uintptr(totalRead), buff[:nextRead])
		if err != nil {
			return err
		}
		if curRead == 0 {
			break
		}
		if hasNull(buff[:curRead]) {
			break
		}

		totalRead += curRead
		buff = buff[curRead:]
		nextRead = pageSize
	}
	return nil
}

func hasNull(buff []byte) bool {
	return bytes.IndexByte(buff, 0) >= 0
}
