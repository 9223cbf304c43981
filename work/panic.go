package work

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/zqzqsb/stracetest/pkg/guardstack"
)

// ExitPanicked 是被跟踪者在写入 panic 帧之后的退出码，与 Go 运行时一致
// 运行时自身崩溃也以 2 退出，但不会留下 panic 帧
const ExitPanicked = 2

// maxStack 是 panic 帧中保留的调用栈长度上限
const maxStack = 64 << 10

// PanicReserve 是压入参数帧之后必须保留的空间，保证 panic 记录能够写入
const PanicReserve = 4 << 10

// briefMessage 是回退记录中保留的文本长度
const briefMessage = 256

// RegisterPanicType 使 v 的具体类型可以跨进程传回
// 类型必须可以被 encoding/gob 编码（导出字段），并且在被跟踪者执行
// Main 之前注册，通常放在 init 中。基本类型（string、int 等）无需注册。
// 未注册类型的 panic 值在调用方表现为 *RemotePanic
func RegisterPanicType(v any) {
	gob.Register(v)
}

// record 是 panic 帧的负载
type record struct {
	Type    string
	Message string
	Stack   []byte
	Value   any
}

// Panic 是从被跟踪者带回的 panic
type Panic struct {
	// Type 是原始值的动态类型，例如 "*fs.PathError"
	Type string
	// Message 是原始值的文本，error 为 Error()，其他为 fmt.Sprint
	Message string
	// Stack 是被跟踪者中 panic 时的调用栈
	Stack []byte
	// Value 是原始值；类型未注册或无法编码时为 *RemotePanic
	Value any
}

// RemotePanic 代替无法跨进程传回的 panic 值
type RemotePanic struct {
	Type    string
	Message string
	// Unregistered 表示原始值的类型没有注册或者无法编码，errors.Is/As 无法匹配原始值
	Unregistered bool
}

func init() {
	RegisterPanicType(&RemotePanic{})
}

func (p *RemotePanic) Error() string {
	if p.Unregistered {
		return fmt.Sprintf("%s (%s, type not registered with work.RegisterPanicType)", p.Message, p.Type)
	}
	return fmt.Sprintf("%s (%s)", p.Message, p.Type)
}

func message(v any) string {
	switch v := v.(type) {
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// encodePanic 编码 panic 值，值无法编码时只保留类型和文本
func encodePanic(v any, stack []byte) []byte {
	if len(stack) > maxStack {
		stack = stack[:maxStack]
	}
	r := record{
		Type:    fmt.Sprintf("%T", v),
		Message: message(v),
		Stack:   stack,
		Value:   v,
	}
	if rp, ok := v.(*RemotePanic); ok {
		r.Type, r.Message = rp.Type, rp.Message
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&r); err == nil {
		return buf.Bytes()
	}
	r.Value = nil
	return encodeRecord(&r)
}

// encodeBrief 只编码类型和截断的文本，完整记录放不下时使用
func encodeBrief(v any) []byte {
	r := record{Type: fmt.Sprintf("%T", v), Message: message(v)}
	if rp, ok := v.(*RemotePanic); ok {
		r.Type, r.Message = rp.Type, rp.Message
	}
	if len(r.Message) > briefMessage {
		r.Message = r.Message[:briefMessage]
	}
	return encodeRecord(&r)
}

func encodeRecord(r *record) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		// 只包含字符串和字节切片的结构不会编码失败
		panic(err)
	}
	return buf.Bytes()
}

// pushPanic 压入 panic 帧，空间不足时退回只有类型和文本的记录
func pushPanic(s *guardstack.Stack, v any, stack []byte) error {
	err := s.Push(guardstack.FramePanic, encodePanic(v, stack))
	if errors.Is(err, guardstack.ErrOverflow) {
		err = s.Push(guardstack.FramePanic, encodeBrief(v))
	}
	return err
}

func decodePanic(b []byte) (*Panic, error) {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return nil, fmt.Errorf("work: decode panic frame: %w", err)
	}
	p := &Panic{
		Type:    r.Type,
		Message: r.Message,
		Stack:   r.Stack,
		Value:   r.Value,
	}
	if p.Value == nil {
		p.Value = &RemotePanic{Type: r.Type, Message: r.Message, Unregistered: true}
	}
	return p, nil
}

// ErrNoPanic 表示栈上没有 panic 帧
var ErrNoPanic = errors.New("work: no panic frame")

// Decode 从受保护栈的帧中取出被跟踪者写入的 panic
// 没有 panic 帧时返回 (nil, false, nil)
func Decode(frames []guardstack.Frame) (*Panic, bool, error) {
	for _, f := range frames {
		if f.Kind != guardstack.FramePanic {
			continue
		}
		p, err := decodePanic(f.Payload)
		if err != nil {
			return nil, true, err
		}
		return p, true, nil
	}
	return nil, false, nil
}

// DecodeStack 与 Decode 相同，直接读取 s 的帧
func DecodeStack(s *guardstack.Stack) (*Panic, error) {
	frames, err := s.Frames()
	if err != nil {
		return nil, err
	}
	p, ok, err := Decode(frames)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPanic
	}
	return p, nil
}
