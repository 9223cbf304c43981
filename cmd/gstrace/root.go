package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zqzqsb/stracetest/strace"
	"github.com/zqzqsb/stracetest/work"
)

// rootOptions 是所有子命令共享的参数
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

// config 加载 --config 指定的配置，没有指定时使用默认配置
func (o *rootOptions) config() (strace.Config, error) {
	c := strace.DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if c, err = strace.LoadConfig(o.ConfigPath); err != nil {
			return c, err
		}
	}
	if o.Verbose {
		c.Debug = true
	}
	return c, nil
}

func newLogger(stderr io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(stderr)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "gstrace",
		Short:         "Run built-in works under a syscall tracer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log tracer states and every syscall")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in works",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range work.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
