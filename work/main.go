package work

import (
	"os"
	"runtime/debug"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/zqzqsb/stracetest/pkg/guardstack"
)

// ExitBadRequest 是被跟踪者无法理解启动请求时的退出码
const ExitBadRequest = 125

// osExit 在测试中替换
var osExit = os.Exit

// IsTracee 返回当前进程是否由跟踪器启动
func IsTracee() bool {
	return os.Getenv(EnvWork) != ""
}

// Main 是被跟踪者的入口
//
// 普通进程中立即返回。被跟踪者中打开继承的受保护栈，读取参数帧，运行工作函数，
// 然后退出进程，不会返回：正常返回时退出码为 0，panic 时写入 panic 帧并以
// ExitPanicked 退出
func Main() {
	name := os.Getenv(EnvWork)
	if name == "" {
		return
	}
	log := logrus.WithField("work", name)

	w, ok := Lookup(name)
	if !ok {
		log.Error("work not registered in this binary")
		osExit(ExitBadRequest)
		return
	}

	fd, err := strconv.Atoi(os.Getenv(EnvStackFd))
	if err != nil || fd < 0 {
		log.WithError(err).Error("invalid ", EnvStackFd)
		osExit(ExitBadRequest)
		return
	}
	stack, err := guardstack.Open(uintptr(fd))
	if err != nil {
		log.WithError(err).Error("open guarded stack")
		osExit(ExitBadRequest)
		return
	}

	var arg []byte
	if f, ok, err := stack.Find(guardstack.FrameArg); err != nil {
		log.WithError(err).Error("read argument frame")
		osExit(ExitBadRequest)
		return
	} else if ok {
		arg = f.Payload
	}

	osExit(run(w, arg, stack, log))
}

// run 运行工作函数并返回退出码
// 调用 runtime.Goexit 的工作函数同样被当作 panic
func run(w Work, arg []byte, stack *guardstack.Stack, log logrus.FieldLogger) (code int) {
	returned := false
	defer func() {
		if returned {
			return
		}
		v := recover()
		if v == nil {
			v = &RemotePanic{Type: "runtime.Goexit", Message: "work called runtime.Goexit"}
		}
		if err := pushPanic(stack, v, debug.Stack()); err != nil {
			log.WithError(err).Error("push panic frame")
		}
		stack.Release()
		// Goexit 期间 deferred 函数的返回值不会被使用，直接退出
		osExit(ExitPanicked)
		code = ExitPanicked
	}()

	w.fn(arg)
	returned = true
	stack.Release()
	return 0
}
