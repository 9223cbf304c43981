package runner

// Status 是被跟踪程序的结果状态
type Status int

// 跟踪运行的结果状态
const (
	StatusInvalid Status = iota // 0 未初始化
	// 正常
	StatusNormal // 1 正常退出（退出码为 0）

	// 资源限制超出
	StatusTimeLimitExceeded   // 2 时间限制超出
	StatusMemoryLimitExceeded // 3 内存限制超出

	// 运行时错误
	StatusPanicked          // 4 工作函数发生 panic，panic 被带回调用方
	StatusSignalled         // 5 被信号终止
	StatusNonzeroExitStatus // 6 非零退出状态

	// 被调用方取消（context 结束）
	StatusCanceled // 7 取消

	// 跟踪器错误
	StatusRunnerError // 8 运行器错误
)

var (
	statusString = []string{
		"无效",
		"",
		"超出时间限制",
		"超出内存限制",
		"工作函数 panic",
		"被信号终止",
		"非零退出状态",
		"已取消",
		"运行器错误",
	}
)

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (t Status) Error() string {
	return t.String()
}
