// Package guardstack 分配两端带有保护页的栈内存区域。
//
// 区域由一个匿名 memfd 以 MAP_SHARED 方式映射，整个映射初始为 PROT_NONE，
// 只有中间部分被修改为可读写。首尾各一页永远不可访问，越界访问会立即触发
// 访问错误。由于映射来自 memfd，跟踪器和被重新执行的被跟踪者可以通过继承的
// 文件描述符映射同一组物理页，两者按栈的方式在上面压入帧（见 frame.go）。
package guardstack

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/stracetest/pkg/memfd"
	"github.com/zqzqsb/stracetest/runner"
)

const (
	// DefaultSize 是 RLIMIT_STACK 为无限或不可读时使用的可用栈大小
	DefaultSize runner.Size = 2 << 20
	// MinSize 是读取 RLIMIT_STACK 之后应用的下限
	MinSize runner.Size = 16 << 10

	defaultPageSize = 4 << 10

	// 所有 Go 支持的平台上栈都向低地址增长（HP PA 是 Linux 上唯一的例外，Go 没有该移植）
	growsDown = true

	mapFlags = unix.MAP_SHARED | unix.MAP_STACK
)

// memOps 是分配过程用到的系统调用，测试中可以替换以注入错误
type memOps struct {
	memfd    func(name string, size int64) (*os.File, error)
	mmap     func(fd int, offset int64, length int, prot int, flags int) ([]byte, error)
	mprotect func(b []byte, prot int) error
	munmap   func(b []byte) error
}

var sys = memOps{
	memfd:    memfd.NewSized,
	mmap:     unix.Mmap,
	mprotect: unix.Mprotect,
	munmap:   unix.Munmap,
}

// PageSize 返回平台的虚拟内存页大小，不可用时返回 4KiB
// 进程生命周期内页大小不变，结果被缓存
var PageSize = sync.OnceValue(func() int {
	if p := os.Getpagesize(); p > 0 {
		return p
	}
	return defaultPageSize
})

// UsableSize 返回不包括保护页的可用栈大小
// RLIMIT_STACK 被假定在进程生命周期内不变，结果被缓存
var UsableSize = sync.OnceValue(func() runner.Size {
	return usableSize(unix.Getrlimit, PageSize())
})

// usableSize 根据 RLIMIT_STACK 计算可用大小：
//  1. 读取失败或为 RLIM_INFINITY 时使用 DefaultSize
//  2. 否则取 max(rlim_cur, MinSize)
//  3. 向上取整到整页，保证上方保护页恰好从页边界开始
func usableSize(getrlimit func(int, *unix.Rlimit) error, page int) runner.Size {
	size := DefaultSize
	var limit unix.Rlimit
	if err := getrlimit(unix.RLIMIT_STACK, &limit); err == nil && limit.Cur != unix.RLIM_INFINITY {
		size = max(runner.Size(limit.Cur), MinSize)
	}
	p := runner.Size(page)
	return (size + p - 1) / p * p
}

// Stack 是一块两端带保护页的栈内存
//
// 零值 Stack 是有效的空栈，Release 对其无任何作用
type Stack struct {
	// mem 是整个映射（包括两端保护页），释放时整体 munmap
	mem  []byte
	file *os.File

	// Start 是可读写区域的起始地址（不包括保护页）
	Start uintptr
	// Size 是可读写区域的大小（不包括保护页）
	Size runner.Size
	// Guard 是每个保护页区域的大小
	Guard int

	released bool
}

// Allocate 分配一个新的受保护栈
//
// 失败时返回 *runner.Failure（AllocationFailure 或 ProtectionFailure），
// 并且不会留下任何映射或文件描述符
func Allocate() (*Stack, error) {
	return allocate(UsableSize(), PageSize())
}

func allocate(usable runner.Size, page int) (*Stack, error) {
	total := int(usable) + 2*page

	f, err := sys.memfd("guardstack", int64(total))
	if err != nil {
		var errno unix.Errno
		errors.As(err, &errno)
		return nil, &runner.Failure{
			Kind:   runner.AllocationFailure,
			Op:     "memfd_create",
			Size:   runner.Size(total),
			Err:    errno,
			Reason: err.Error(),
		}
	}

	s, err := mapStack(f, total, page)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.reset()
	return s, nil
}

// Open 在被跟踪者一侧映射从父进程继承的栈
// fd 的所有权转移给返回的 Stack，由 Release 关闭
func Open(fd uintptr) (*Stack, error) {
	f := os.NewFile(fd, "guardstack")
	if f == nil {
		return nil, fmt.Errorf("guardstack: invalid fd %d", fd)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("guardstack: fstat %w", err)
	}

	page := PageSize()
	total := int(fi.Size())
	if total < 2*page+int(MinSize) || total%page != 0 {
		f.Close()
		return nil, fmt.Errorf("guardstack: fd %d has invalid size %d", fd, total)
	}

	s, err := mapStack(f, total, page)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := s.check(); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

// mapStack 将 f 整体映射为不可访问，然后把除首尾保护页之外的部分改为可读写
func mapStack(f *os.File, total, page int) (*Stack, error) {
	mem, err := sys.mmap(int(f.Fd()), 0, total, unix.PROT_NONE, mapFlags)
	if err != nil {
		return nil, &runner.Failure{
			Kind: runner.AllocationFailure,
			Op:   "mmap",
			Size: runner.Size(total),
			Err:  runner.ToErrno(err),
		}
	}

	usable := mem[page : total-page]
	if err := sys.mprotect(usable, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		sys.munmap(mem)
		return nil, &runner.Failure{
			Kind: runner.ProtectionFailure,
			Op:   "mprotect",
			Addr: uintptr(unsafe.Pointer(&usable[0])),
			Size: runner.Size(len(usable)),
			Err:  runner.ToErrno(err),
		}
	}

	return &Stack{
		mem:   mem,
		file:  f,
		Start: uintptr(unsafe.Pointer(&usable[0])),
		Size:  runner.Size(len(usable)),
		Guard: page,
	}, nil
}

// Top 返回栈的逻辑顶部地址
// 栈向下增长时为可用区域的高端，否则为低端
func (s *Stack) Top() uintptr {
	if s == nil || s.mem == nil {
		return 0
	}
	if growsDown {
		return s.Start + uintptr(s.Size)
	}
	return s.Start
}

// Base 返回整个映射（包括保护页）的起始地址
func (s *Stack) Base() uintptr {
	if s == nil || s.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Fd 返回底层 memfd 的文件描述符，用于传给被跟踪者
func (s *Stack) Fd() uintptr {
	if s == nil || s.file == nil {
		return ^uintptr(0)
	}
	return s.file.Fd()
}

// usable 返回可读写区域
func (s *Stack) usable() []byte {
	return s.mem[s.Guard : len(s.mem)-s.Guard]
}

// Release 取消整个映射（包括保护页）并关闭 memfd
// 只有第一次调用生效，对 nil 或零值 Stack 调用是安全的
func (s *Stack) Release() error {
	if s == nil || s.released || s.mem == nil {
		return nil
	}
	s.released = true

	err := sys.munmap(s.mem)
	s.mem = nil
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err != nil {
		return fmt.Errorf("guardstack: munmap %w", err)
	}
	return nil
}

func (s *Stack) String() string {
	return fmt.Sprintf("Stack{start=%#x, size=%v, guard=%d}", s.Start, s.Size, s.Guard)
}
