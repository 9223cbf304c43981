//go:build race

package strace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zqzqsb/stracetest/ptracer"
	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/runner/ptrace"
	"github.com/zqzqsb/stracetest/work"
)

var openWork = work.Register("strace-test-open", func(arg []byte) {
	if f, err := os.Open(string(arg)); err == nil {
		f.Close()
	}
})

// 在 -race 下并发运行：fork 之后的子进程设置 rlimit（DefaultConfig 禁用 core），
// 跟踪器通过 process_vm_readv 读取路径参数
func TestRunTracedConcurrentRace(t *testing.T) {
	p := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			var out bytes.Buffer
			res, err := RunTraced(context.Background(), printWork, []byte("race"), WithStdout(&out), quiet())
			if err != nil {
				return err
			}
			if res.Status != runner.StatusNormal || out.String() != "hello, race\n" {
				return fmt.Errorf("print: status %v, output %q", res.Status, out.String())
			}

			var seen bool
			h := ptrace.HandlerFunc(func(e ptrace.Event) {
				if e.Phase == ptracer.PhaseEnter && e.Path == p {
					seen = true
				}
			})
			res, err = RunTraced(context.Background(), openWork, []byte(p), WithHandler(h), quiet())
			if err != nil {
				return err
			}
			if res.Status != runner.StatusNormal || !seen {
				return fmt.Errorf("open: status %v, path seen %v", res.Status, seen)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
