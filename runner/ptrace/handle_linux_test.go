package ptrace

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zqzqsb/stracetest/ptracer"
)

func TestGetFileMode(t *testing.T) {
	tests := []struct {
		flags uint
		want  string
	}{
		{syscall.O_RDONLY, "r "},
		{syscall.O_WRONLY | syscall.O_CREAT | syscall.O_TRUNC, "w "},
		{syscall.O_RDWR | syscall.O_CLOEXEC, "wr"},
		{syscall.O_ACCMODE, "??"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, getFileMode(tt.flags))
	}
}

func TestPathArgs(t *testing.T) {
	// *at 系列的第一个参数是目录描述符
	for name, pa := range pathArgs {
		if pa.dirfd >= 0 {
			require.Equal(t, 0, pa.dirfd, name)
			require.Equal(t, 1, pa.path, name)
		} else {
			require.Equal(t, 0, pa.path, name)
		}
	}
	require.Equal(t, 2, pathArgs["openat"].flags)
	require.Equal(t, 1, pathArgs["open"].flags)
}

func TestGetProcCwd(t *testing.T) {
	self := getProcCwd(0)
	require.NotEmpty(t, self)
	require.Equal(t, self, getProcCwd(syscall.Getpid()))
	require.Empty(t, getProcCwd(1<<30))
	require.Empty(t, getProcFd(syscall.Getpid(), 1<<20))
}

func TestEventString(t *testing.T) {
	require.Equal(t, `[7] openat("/tmp/x") r `, Event{Tid: 7, Name: "openat", Path: "/tmp/x", Mode: "r ", Phase: ptracer.PhaseEnter}.String())
	require.Equal(t, "[7] write = 5", Event{Tid: 7, Name: "write", Ret: 5, Phase: ptracer.PhaseExit}.String())
	require.Equal(t, "[7] getpid(0x0, 0x0, 0x0)", Event{Tid: 7, Name: "getpid", Phase: ptracer.PhaseEnter}.String())
}

func TestSyscallCounter(t *testing.T) {
	c := NewSyscallCounter()
	c.Add("write")
	c.Add("write")
	c.Add("read")
	c.Add("brk")

	other := NewSyscallCounter()
	other.Add("read")
	c.AddRange(other)

	require.Equal(t, 5, c.Total())
	require.Equal(t, []SyscallCount{{"read", 2}, {"write", 2}, {"brk", 1}}, c.Sorted())
}
