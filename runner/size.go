package runner

import (
	"fmt"
	"strconv"
	"strings"
)

// Size 存储对象的字节数，例如栈大小或内存
// 最大大小受64位限制
type Size uint64

// String 实现 stringer 接口用于打印
func (s Size) String() string {
	t := uint64(s)
	switch {
	case t < 1<<10:
		return fmt.Sprintf("%d B", t)
	case t < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(t)/float64(1<<10))
	case t < 1<<30:
		return fmt.Sprintf("%.1f MiB", float64(t)/float64(1<<20))
	default:
		return fmt.Sprintf("%.1f GiB", float64(t)/float64(1<<30))
	}
}

// Set 从字符串解析大小值，支持 K/M/G 后缀（可带 B/iB）
// 例如 "16K"、"2MiB"、"4096"
func (s *Size) Set(str string) error {
	str = strings.TrimSpace(str)
	if str == "" {
		return fmt.Errorf("size: empty string")
	}
	str = strings.TrimSuffix(strings.TrimSuffix(str, "B"), "b")
	str = strings.TrimSuffix(str, "i")
	if str == "" {
		return fmt.Errorf("size: missing number")
	}

	factor := 0
	switch str[len(str)-1] {
	case 'k', 'K':
		factor = 10
		str = str[:len(str)-1]
	case 'm', 'M':
		factor = 20
		str = str[:len(str)-1]
	case 'g', 'G':
		factor = 30
		str = str[:len(str)-1]
	}

	t, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}
	*s = Size(t << factor)
	return nil
}

// UnmarshalText 使 Size 可以直接从配置文件中的字符串解析
func (s *Size) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// Byte 返回字节大小
func (s Size) Byte() uint64 {
	return uint64(s)
}

// KiB 返回 KiB 大小
func (s Size) KiB() uint64 {
	return uint64(s) >> 10
}

// MiB 返回 MiB 大小
func (s Size) MiB() uint64 {
	return uint64(s) >> 20
}
