package memfd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// 创建 memfd 的标志位组合：
// MFD_CLOEXEC: 在执行 exec 时自动关闭文件描述符（需要传给子进程时由 dup3 重新映射）
// MFD_ALLOW_SEALING: 允许对文件进行密封操作
const createFlag = unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING

// 固定大小密封标志位组合：
// F_SEAL_SHRINK: 防止文件缩小（缩小会让已有映射访问时触发 SIGBUS）
// F_SEAL_GROW: 防止文件增长
// F_SEAL_SEAL: 防止进一步修改密封
const sizeSeal = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL

// New 创建一个新的 memfd（内存文件）
// 参数：
//   - name: 文件名（仅用于调试目的，出现在 /proc/<pid>/maps 中）
//
// 注意：调用者需要负责关闭返回的文件
func New(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, createFlag)
	if err != nil {
		return nil, fmt.Errorf("memfd: memfd_create failed %w", err)
	}
	file := os.NewFile(uintptr(fd), name)
	if file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: NewFile failed for %v", name)
	}
	return file, nil
}

// NewSized 创建一个大小固定为 size 字节的 memfd
// 文件大小被密封，映射它的任一进程都无法再改变大小
func NewSized(name string, size int64) (*os.File, error) {
	file, err := New(name)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(int(file.Fd()), size); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: ftruncate(%d) %w", size, err)
	}
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, sizeSeal); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: seal %w", err)
	}
	return file, nil
}
