// Package work 注册可以在被跟踪者中运行的工作函数，并实现被跟踪者一侧的入口
//
// 跟踪器以 /proc/self/exe 重新执行当前程序，环境变量选择要运行的工作函数。
// 因此工作函数必须在 main 或 TestMain 调用 Main 之前完成注册，通常在包级变量中：
//
//	var printHello = work.Register("print-hello", func(arg []byte) {
//		fmt.Println("hello", string(arg))
//	})
//
//	func TestMain(m *testing.M) {
//		work.Main()
//		os.Exit(m.Run())
//	}
package work

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// 被跟踪者的环境变量
const (
	// EnvWork 是要运行的工作函数的名字
	EnvWork = "STRACETEST_WORK"
	// EnvStackFd 是被跟踪者中受保护栈的文件描述符
	EnvStackFd = "STRACETEST_STACK_FD"
)

// StackFd 是受保护栈在被跟踪者中的文件描述符，紧跟在标准输入输出之后
const StackFd = 3

// Func 是工作函数，arg 是调用方传入的参数
type Func func(arg []byte)

// Work 是一个已注册的工作函数
type Work struct {
	name string
	fn   Func
}

// Name 返回注册名
func (w Work) Name() string {
	return w.name
}

// Valid 返回 w 是否来自 Register
func (w Work) Valid() bool {
	return w.fn != nil
}

func (w Work) String() string {
	return fmt.Sprintf("Work[%s]", w.name)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Work)
)

// Register 注册工作函数，名字为空、重复或 fn 为 nil 时 panic
func Register(name string, fn Func) Work {
	if name == "" {
		panic("work: Register with empty name")
	}
	if fn == nil {
		panic("work: Register " + name + " with nil func")
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic("work: Register called twice for " + name)
	}
	w := Work{name: name, fn: fn}
	registry[name] = w
	return w
}

// Lookup 按名字查找工作函数
func Lookup(name string) (Work, bool) {
	mu.RLock()
	defer mu.RUnlock()
	w, ok := registry[name]
	return w, ok
}

// Names 返回所有注册名，按字典序排列
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Request 是一次启动请求，创建之后不再修改
type Request struct {
	Name string
	Arg  []byte
}

// NewRequest 拷贝 arg，调用方之后修改 arg 不影响请求
func NewRequest(w Work, arg []byte) Request {
	return Request{Name: w.name, Arg: append([]byte(nil), arg...)}
}

// Env 返回被跟踪者需要的环境变量
func (r Request) Env() []string {
	return []string{
		EnvWork + "=" + r.Name,
		EnvStackFd + "=" + strconv.Itoa(StackFd),
	}
}
