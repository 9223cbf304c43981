package guardstack

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 栈布局（depth 为相对逻辑栈顶的距离，栈顶见 Top）：
//
//	depth 0              : 头部 {magic u32, count u32, sp u64}
//	depth headerSize     : 第 1 帧 {kind u32, len u32} + payload（8 字节对齐）
//	...                  : 第 n 帧
//	depth sp             : 当前栈指针，之后的空间未使用
//
// 跟踪器在启动前压入参数帧，被跟踪者最多压入一个 panic 帧，跟踪器在观察到
// 被跟踪者终止之后才读取，因此不存在并发读写窗口。
const (
	magic       = 0x43525453 // "STRC"
	headerSize  = 16
	frameHeader = 8
	frameAlign  = 8
)

// FrameKind 标识帧中负载的含义
type FrameKind uint32

// 帧类型
const (
	FrameArg   FrameKind = iota + 1 // 工作函数参数，由跟踪器压入
	FramePanic                      // 编码后的 panic 记录，由被跟踪者压入
)

func (k FrameKind) String() string {
	switch k {
	case FrameArg:
		return "arg"
	case FramePanic:
		return "panic"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint32(k))
	}
}

// Frame 是栈上的一帧
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

var (
	// ErrOverflow 表示负载超出了可用栈空间
	ErrOverflow = errors.New("guardstack: frame overflows usable region")
	// ErrCorrupt 表示栈头部或帧头部无效
	ErrCorrupt = errors.New("guardstack: corrupt stack header")
	// ErrReleased 表示栈已经释放
	ErrReleased = errors.New("guardstack: stack released")
)

// at 返回位于 depth 处、长度为 n 的字节切片，与栈增长方向无关
func (s *Stack) at(depth, n int) []byte {
	u := s.usable()
	if growsDown {
		return u[len(u)-depth-n : len(u)-depth]
	}
	return u[depth : depth+n]
}

func (s *Stack) header() (count uint32, sp uint64) {
	h := s.at(0, headerSize)
	return binary.LittleEndian.Uint32(h[4:8]), binary.LittleEndian.Uint64(h[8:16])
}

func (s *Stack) setHeader(count uint32, sp uint64) {
	h := s.at(0, headerSize)
	binary.LittleEndian.PutUint32(h[0:4], magic)
	binary.LittleEndian.PutUint32(h[4:8], count)
	binary.LittleEndian.PutUint64(h[8:16], sp)
}

// reset 清空栈，只写头部
func (s *Stack) reset() {
	s.setHeader(0, headerSize)
}

// check 验证头部
func (s *Stack) check() error {
	h := s.at(0, headerSize)
	if binary.LittleEndian.Uint32(h[0:4]) != magic {
		return ErrCorrupt
	}
	if _, sp := s.header(); sp < headerSize || sp > uint64(s.Size) {
		return ErrCorrupt
	}
	return nil
}

func align(n int) int {
	return (n + frameAlign - 1) &^ (frameAlign - 1)
}

// Push 在当前栈指针之后压入一帧
func (s *Stack) Push(kind FrameKind, payload []byte) error {
	if s == nil || s.mem == nil {
		return ErrReleased
	}
	if err := s.check(); err != nil {
		return err
	}
	count, sp := s.header()

	need := frameHeader + align(len(payload))
	if uint64(need) > uint64(s.Size)-sp {
		return ErrOverflow
	}

	depth := int(sp)
	h := s.at(depth, frameHeader)
	binary.LittleEndian.PutUint32(h[0:4], uint32(kind))
	binary.LittleEndian.PutUint32(h[4:8], uint32(len(payload)))
	if len(payload) > 0 {
		copy(s.at(depth+frameHeader, len(payload)), payload)
	}

	s.setHeader(count+1, sp+uint64(need))
	return nil
}

// Frames 从栈顶开始按压入顺序返回所有帧
// 负载是拷贝，栈释放之后仍然有效
func (s *Stack) Frames() ([]Frame, error) {
	if s == nil || s.mem == nil {
		return nil, ErrReleased
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	count, sp := s.header()

	frames := make([]Frame, 0, count)
	depth := headerSize
	for i := uint32(0); i < count; i++ {
		if uint64(depth+frameHeader) > sp {
			return nil, fmt.Errorf("%w: frame %d header beyond sp", ErrCorrupt, i)
		}
		h := s.at(depth, frameHeader)
		kind := FrameKind(binary.LittleEndian.Uint32(h[0:4]))
		n := int(binary.LittleEndian.Uint32(h[4:8]))
		if uint64(depth+frameHeader+align(n)) > sp {
			return nil, fmt.Errorf("%w: frame %d payload beyond sp", ErrCorrupt, i)
		}
		payload := make([]byte, n)
		copy(payload, s.at(depth+frameHeader, n))
		frames = append(frames, Frame{Kind: kind, Payload: payload})
		depth += frameHeader + align(n)
	}
	return frames, nil
}

// Find 返回第一个类型为 kind 的帧
func (s *Stack) Find(kind FrameKind) (Frame, bool, error) {
	frames, err := s.Frames()
	if err != nil {
		return Frame{}, false, err
	}
	for _, f := range frames {
		if f.Kind == kind {
			return f, true, nil
		}
	}
	return Frame{}, false, nil
}
