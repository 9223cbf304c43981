package libseccomp

import "fmt"

// Action 是过滤器对系统调用的处理动作
// 低 16 位是动作，高 16 位保留给动作数据（例如 errno）
type Action uint32

// 零值无效
const (
	ActionAllow Action = iota + 1 // 放行，不产生跟踪停止
	ActionErrno                   // 不执行系统调用，返回错误码
	ActionTrace                   // 产生 PTRACE_EVENT_SECCOMP 停止
	ActionKill                    // 终止整个进程
)

var actionToString = []string{"invalid", "allow", "errno", "trace", "kill"}

// Action 返回不含数据的动作
func (a Action) Action() Action {
	return Action(a & 0xffff)
}

// WithData 设置动作数据
func (a Action) WithData(data uint16) Action {
	return a.Action() | Action(data)<<16
}

// Data 返回动作数据
func (a Action) Data() uint16 {
	return uint16(a >> 16)
}

func (a Action) String() string {
	act := a.Action()
	if act > ActionKill {
		return fmt.Sprintf("Action(%d)", uint32(act))
	}
	if d := a.Data(); d != 0 {
		return fmt.Sprintf("%s(%d)", actionToString[act], d)
	}
	return actionToString[act]
}

// UnmarshalText 从配置文件中的名字解析动作
func (a *Action) UnmarshalText(b []byte) error {
	for i, s := range actionToString[1:] {
		if s == string(b) {
			*a = Action(i + 1)
			return nil
		}
	}
	return fmt.Errorf("libseccomp: unknown action %q", b)
}
