package strace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/zqzqsb/stracetest/pkg/forkexec"
	"github.com/zqzqsb/stracetest/pkg/rlimit"
	"github.com/zqzqsb/stracetest/pkg/seccomp"
	"github.com/zqzqsb/stracetest/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/stracetest/runner"
)

// Config 是一次跟踪运行的配置，可以从 YAML 文件加载
//
//	timeLimit: 2s
//	memoryLimit: 256M
//	outputLimit: 1M
//	share: [fs, io]
//	rlimits:
//	  disableCore: true
//	  openFile: 256
//	seccomp:
//	  trace: [openat, execve]
//	debug: false
type Config struct {
	// TimeLimit 和 MemoryLimit 由跟踪器根据 rusage 检查，0 表示不限制
	TimeLimit   time.Duration `yaml:"timeLimit"`
	MemoryLimit runner.Size   `yaml:"memoryLimit"`

	// OutputLimit 是转发到 WithStdout/WithStderr 的最大字节数，0 表示不限制
	OutputLimit runner.Size `yaml:"outputLimit"`

	// Share 是与被跟踪者共享的内核状态："fs"、"sysvsem"、"io"
	Share []string `yaml:"share"`

	RLimits rlimit.RLimits `yaml:"rlimits"`

	Seccomp SeccompConfig `yaml:"seccomp"`

	// Debug 输出跟踪器状态转换和每个系统调用
	Debug bool `yaml:"debug"`
}

// SeccompConfig 选择只在部分系统调用上停止
type SeccompConfig struct {
	// Trace 非空时被跟踪者加载只跟踪这些系统调用的过滤器
	Trace []string `yaml:"trace"`
}

var shareNames = map[string]uintptr{
	"fs":      unix.CLONE_FS,
	"sysvsem": unix.CLONE_SYSVSEM,
	"io":      unix.CLONE_IO,
}

// DefaultConfig 共享所有可共享的状态并禁用 core dump
func DefaultConfig() Config {
	return Config{
		Share:   []string{"fs", "sysvsem", "io"},
		RLimits: rlimit.RLimits{DisableCore: true},
	}
}

// ParseConfig 在 DefaultConfig 的基础上解析 YAML，未知字段报错
func ParseConfig(b []byte) (Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("strace: parse config: %w", err)
	}
	if _, err := c.shareFlags(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("strace: load config: %w", err)
	}
	return ParseConfig(b)
}

func (c *Config) shareFlags() (uintptr, error) {
	var flags uintptr
	for _, s := range c.Share {
		f, ok := shareNames[strings.ToLower(s)]
		if !ok {
			return 0, fmt.Errorf("strace: unknown share %q (want fs, sysvsem or io)", s)
		}
		flags |= f
	}
	return flags & forkexec.SharedFlags, nil
}

func (c *Config) limit() runner.Limit {
	return runner.Limit{TimeLimit: c.TimeLimit, MemoryLimit: c.MemoryLimit}
}

func (c *Config) filter() (seccomp.Filter, error) {
	if len(c.Seccomp.Trace) == 0 {
		return nil, nil
	}
	f, err := libseccomp.TraceOnly(c.Seccomp.Trace...).Build()
	if err != nil {
		return nil, fmt.Errorf("strace: seccomp filter: %w", err)
	}
	return f, nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config[%v, share=%v, %v, seccomp=%v]", c.limit(), c.Share, &c.RLimits, c.Seccomp.Trace)
}
