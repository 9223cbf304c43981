package strace

import (
	"context"
	"errors"
	"testing"

	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/work"
)

// Run 是测试框架的适配：失败时 t.Fatal，工作函数 panic 时在测试中重新 panic
func Run(t testing.TB, w work.Work, arg []byte, opts ...Option) runner.Result {
	t.Helper()

	res, err := RunTraced(context.Background(), w, arg, opts...)
	var p *DeferredPanic
	switch {
	case errors.As(err, &p):
		t.Logf("%v\n%s", p, p.Stack)
		p.Repanic()
	case err != nil:
		t.Fatalf("run %v: %v", w, err)
	}
	return res
}
