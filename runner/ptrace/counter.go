package ptrace

import (
	"sort"
)

// SyscallCounter 按系统调用名字统计进入次数
type SyscallCounter map[string]int

// NewSyscallCounter 创建新的 SyscallCounter
func NewSyscallCounter() SyscallCounter {
	return make(SyscallCounter)
}

// Add 记录一次系统调用
func (s SyscallCounter) Add(name string) {
	s[name]++
}

// AddRange 合并另一个计数器
func (s SyscallCounter) AddRange(m SyscallCounter) {
	for k, v := range m {
		s[k] += v
	}
}

// Total 返回所有系统调用的次数之和
func (s SyscallCounter) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// SyscallCount 是一项统计
type SyscallCount struct {
	Name  string
	Count int
}

// Sorted 按次数从多到少返回统计，次数相同时按名字排序
func (s SyscallCounter) Sorted() []SyscallCount {
	ret := make([]SyscallCount, 0, len(s))
	for k, v := range s {
		ret = append(ret, SyscallCount{k, v})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Count != ret[j].Count {
			return ret[i].Count > ret[j].Count
		}
		return ret[i].Name < ret[j].Name
	})
	return ret
}
