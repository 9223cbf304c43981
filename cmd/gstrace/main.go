// gstrace 在受跟踪的子进程中运行内置的工作函数并统计系统调用
//
//	gstrace list
//	gstrace run print world
//	gstrace run --parallel 4 --config strace.yaml open /etc/hostname
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/zqzqsb/stracetest/strace"
	"github.com/zqzqsb/stracetest/work"
)

func main() {
	// 被跟踪者在这里执行工作函数并退出
	work.Main()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gstrace:", err)
		var p *strace.DeferredPanic
		if errors.As(err, &p) {
			os.Stderr.Write(p.Stack)
			os.Exit(work.ExitPanicked)
		}
		os.Exit(1)
	}
}
