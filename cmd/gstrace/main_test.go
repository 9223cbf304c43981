package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/strace"
	"github.com/zqzqsb/stracetest/work"
)

func TestMain(m *testing.M) {
	work.Main()
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	t.Log(errOut.String())
	return out.String(), err
}

func TestList(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	for _, name := range []string{"open", "panic", "print", "spin"} {
		require.Contains(t, out, name+"\n")
	}
}

func TestRunPrint(t *testing.T) {
	out, err := execute(t, "run", "--parallel", "3", "print", "world")
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(out, "hello, world\n"))
	require.Contains(t, out, "write")
	require.Contains(t, out, "exit_group")
	require.Contains(t, out, "#2")
}

func TestRunSpin(t *testing.T) {
	out, err := execute(t, "run", "spin")
	require.NoError(t, err)
	require.Contains(t, out, "getppid")
}

func TestRunPanic(t *testing.T) {
	_, err := execute(t, "run", "panic", "boom")
	var p *strace.DeferredPanic
	require.ErrorAs(t, err, &p)
	require.Equal(t, "boom", p.Value)
}

func TestRunConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gstrace.yaml")
	require.NoError(t, os.WriteFile(p, []byte("seccomp:\n  trace: [getppid]\n"), 0o644))

	out, err := execute(t, "run", "--config", p, "spin")
	require.NoError(t, err)
	require.Contains(t, out, "getppid")
	require.NotContains(t, out, "exit_group")
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "run", "nope")
	require.ErrorContains(t, err, `unknown work "nope"`)

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "print")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(t, "run", "open", "/nonexistent/gstrace")
	// *fs.PathError 没有注册，只带回类型和文本
	var p *strace.DeferredPanic
	require.ErrorAs(t, err, &p)
	require.Equal(t, "*fs.PathError", p.Type)
	require.IsType(t, &work.RemotePanic{}, p.Value)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	total := map[string]int{"write": 2, "read": 3}
	printSummary(&buf, []runner.Result{{Status: runner.StatusNormal, Syscalls: 5}}, total)
	require.Contains(t, buf.String(), "read     3\nwrite    2\ntotal    5\n")
}
