package forkexec

import (
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/stracetest/pkg/memfd"
)

func BenchmarkStdForkExec(b *testing.B) {
	null := openNull(b)
	defer null.Close()
	attr := &syscall.ProcAttr{
		Env:   []string{"PATH=/bin"},
		Files: []uintptr{null.Fd(), null.Fd(), null.Fd()},
	}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pid, err := syscall.ForkExec("/bin/true", []string{"true"}, attr)
			if err != nil {
				b.Fatal(err)
			}
			mustExit(b, pid)
		}
	})
}

// BenchmarkStart 按共享的内核状态比较启动开销
func BenchmarkStart(b *testing.B) {
	for _, bm := range []struct {
		name  string
		share uintptr
	}{
		{"private", 0},
		{"fs", unix.CLONE_FS},
		{"shared", SharedFlags},
	} {
		b.Run(bm.name, func(b *testing.B) {
			r, null := newTrueRunner(b)
			defer null.Close()
			r.ShareFlags = bm.share
			benchmarkStart(b, r)
		})
	}
}

// BenchmarkStartStack 使用与被跟踪者相同的描述符布局，第 4 个描述符是 memfd
func BenchmarkStartStack(b *testing.B) {
	r, null := newTrueRunner(b)
	defer null.Close()

	stack, err := memfd.NewSized("bench", 1<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer stack.Close()
	r.Files = append(r.Files, stack.Fd())
	r.ShareFlags = SharedFlags
	r.NoNewPrivs = true
	benchmarkStart(b, r)
}

func benchmarkStart(b *testing.B, r *Runner) {
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pid, err := r.Start()
			if err != nil {
				b.Fatal(err)
			}
			mustExit(b, pid)
		}
	})
}

// newTrueRunner 返回执行 /bin/true 的 Runner，标准输入输出都指向 /dev/null
func newTrueRunner(tb testing.TB) (*Runner, *os.File) {
	null := openNull(tb)
	return &Runner{
		Args:  []string{"/bin/true"},
		Env:   []string{"PATH=/bin"},
		Files: []uintptr{null.Fd(), null.Fd(), null.Fd()},
	}, null
}

func openNull(tb testing.TB) *os.File {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		tb.Fatal(err)
	}
	return f
}

// mustExit 等待 pid 以 0 退出
func mustExit(tb testing.TB, pid int) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			tb.Fatalf("wait4(%d): %v", pid, err)
		}
		if ws.Exited() || ws.Signaled() {
			break
		}
	}
	if !ws.Exited() || ws.ExitStatus() != 0 {
		tb.Errorf("pid %d: status %#x", pid, uint32(ws))
	}
}
