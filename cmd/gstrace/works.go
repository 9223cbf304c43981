package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/zqzqsb/stracetest/work"
)

// 内置的工作函数
var (
	_ = work.Register("print", func(arg []byte) {
		fmt.Printf("hello, %s\n", arg)
	})

	_ = work.Register("panic", func(arg []byte) {
		panic(string(arg))
	})

	_ = work.Register("spin", func([]byte) {
		n := 0
		for i := 0; i < 1<<24; i++ {
			n += i
		}
		syscall.Getppid()
	})

	_ = work.Register("open", func(arg []byte) {
		b, err := os.ReadFile(string(arg))
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s: %d bytes\n", arg, len(b))
	})
)
