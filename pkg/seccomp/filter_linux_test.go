package seccomp

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSockFprog(t *testing.T) {
	require.Nil(t, Filter(nil).SockFprog())

	f := Filter{
		{Code: 0x20, K: 4},
		{Code: 0x06, K: 0x7fff0000},
	}
	prog := f.SockFprog()
	require.NotNil(t, prog)
	require.EqualValues(t, 2, prog.Len)
	require.Equal(t, f.Len(), int(prog.Len))
	require.Same(t, &f[0], (*syscall.SockFilter)(prog.Filter))
}
