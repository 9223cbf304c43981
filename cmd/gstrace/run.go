package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zqzqsb/stracetest/ptracer"
	"github.com/zqzqsb/stracetest/runner"
	"github.com/zqzqsb/stracetest/runner/ptrace"
	"github.com/zqzqsb/stracetest/strace"
	"github.com/zqzqsb/stracetest/work"
)

// runOptions 是 run 子命令的参数
type runOptions struct {
	*rootOptions
	Parallel  int
	Events    bool
	TimeLimit time.Duration
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run <work> [arg]",
		Short: "Run a built-in work under the tracer and print a syscall summary",
		Long: `Run a built-in work in a traced child process.

The tracee writes to the standard output of gstrace. After all runs finish a
table of syscall counts (entries, all threads) is printed.

Example:
  gstrace run print world
  gstrace run --events open /etc/hostname
  gstrace run --parallel 4 --config strace.yaml spin`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg []byte
			if len(args) == 2 {
				arg = []byte(args[1])
			}
			return runWork(cmd, opts, args[0], arg)
		},
	}

	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 1, "number of concurrent traced runs")
	cmd.Flags().BoolVarP(&opts.Events, "events", "e", false, "print every syscall event to stderr")
	cmd.Flags().DurationVar(&opts.TimeLimit, "time-limit", 0, "CPU time limit of each run (overrides config)")
	return cmd
}

func runWork(cmd *cobra.Command, opts *runOptions, name string, arg []byte) error {
	w, ok := work.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown work %q, see gstrace list", name)
	}
	c, err := opts.config()
	if err != nil {
		return err
	}
	if opts.TimeLimit > 0 {
		c.TimeLimit = opts.TimeLimit
	}
	n := max(opts.Parallel, 1)

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	tracee := stdout
	if _, ok := stdout.(*os.File); !ok {
		// 每次运行的转发 goroutine 并发写入
		tracee = &lockedWriter{w: stdout}
	}
	log := newLogger(stderr, c.Debug)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mu      sync.Mutex
		total   = ptrace.NewSyscallCounter()
		results = make([]runner.Result, n)
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			counts := ptrace.NewSyscallCounter()
			h := ptrace.HandlerFunc(func(e ptrace.Event) {
				if e.Phase == ptracer.PhaseEnter {
					counts.Add(e.Name)
				}
				if opts.Events {
					mu.Lock()
					fmt.Fprintf(stderr, "#%d %v\n", i, e)
					mu.Unlock()
				}
			})

			res, err := strace.RunTraced(ctx, w, arg,
				strace.WithConfig(c),
				strace.WithHandler(h),
				strace.WithStdout(tracee),
				strace.WithLogger(log.WithField("run", i)),
			)

			mu.Lock()
			results[i] = res
			total.AddRange(counts)
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("run #%d: %w", i, err)
			}
			switch res.Status {
			case runner.StatusTimeLimitExceeded, runner.StatusMemoryLimitExceeded:
				return fmt.Errorf("run #%d: %w", i, res.Status)
			}
			return nil
		})
	}
	err = g.Wait()

	printSummary(stdout, results, total)
	return err
}

// printSummary 输出每次运行的结果和合计的系统调用次数
func printSummary(out io.Writer, results []runner.Result, total ptrace.SyscallCounter) {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for i, r := range results {
		fmt.Fprintf(tw, "#%d\t%v\n", i, r)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "syscall\tcalls")
	for _, c := range total.Sorted() {
		fmt.Fprintf(tw, "%s\t%d\n", c.Name, c.Count)
	}
	fmt.Fprintf(tw, "total\t%d\n", total.Total())
	tw.Flush()
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
