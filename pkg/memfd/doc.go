// Package memfd 提供了 Linux memfd（匿名内存文件）的接口。
// memfd 没有文件系统路径，只能通过文件描述符访问，因此可以被 MAP_SHARED 映射，
// 并在 execve 之后通过继承的文件描述符在另一个进程中映射同一组物理页。
//
// 要求 Linux 内核版本 >= 3.17
package memfd
