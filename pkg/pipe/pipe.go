// Package pipe 把被跟踪者的输出通过管道转发到任意 io.Writer
package pipe

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Pipe 是一个写入端交给子进程、读取端由后台 goroutine 复制到 writer 的管道
type Pipe struct {
	// W 是管道的写入端，作为子进程的文件描述符传入
	W *os.File
	// Done 在读取端遇到 EOF 之后关闭
	Done <-chan struct{}
	// Max 是转发的最大字节数，超出部分被丢弃，0 表示不限制
	Max int64

	closeOnce sync.Once
	written   int64
	dropped   int64
	err       error
}

// NewPipe 创建管道并开始转发
// 调用者在子进程启动之后需要调用 CloseWrite，否则 Done 永远不会关闭
func NewPipe(writer io.Writer, max int64) (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	p := &Pipe{W: w, Done: done, Max: max}

	go func() {
		defer close(done)
		defer r.Close()

		var src io.Reader = r
		if max > 0 {
			src = io.LimitReader(r, max)
		}
		p.written, p.err = io.Copy(writer, src)
		// 继续读取剩余数据，避免写入端阻塞或收到 SIGPIPE
		p.dropped, _ = io.Copy(io.Discard, r)
	}()
	return p, nil
}

// CloseWrite 关闭父进程持有的写入端，可以重复调用
func (p *Pipe) CloseWrite() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.W.Close()
	})
	return err
}

// Wait 关闭写入端并等待转发结束
// 返回转发的字节数和写入 writer 时的错误
func (p *Pipe) Wait() (int64, error) {
	p.CloseWrite()
	<-p.Done
	return p.written, p.err
}

// Truncated 返回是否因为 Max 丢弃了数据，只在 Done 关闭之后有效
func (p *Pipe) Truncated() bool {
	return p.dropped > 0
}

func (p *Pipe) String() string {
	return fmt.Sprintf("Pipe[%d/%d]", p.written, p.Max)
}
