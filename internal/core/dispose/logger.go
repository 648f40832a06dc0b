package dispose

// 使用延迟注入避免与 log 包的循环依赖
// dispose 包的日志通过主 log 系统输出
var (
	logFunc func(level string, format string, args ...interface{})
)

// SetLogger 设置日志函数（由主程序初始化时调用）
func SetLogger(fn func(level string, format string, args ...interface{})) {
	logFunc = fn
}

func log(level string, format string, args ...interface{}) {
	if logFunc != nil {
		logFunc(level, format, args...)
	}
	// logFunc 未设置时静默忽略
}

// Debugf 调试日志
func Debugf(format string, args ...interface{}) {
	log("debug", format, args...)
}

// Infof 信息日志
func Infof(format string, args ...interface{}) {
	log("info", format, args...)
}

// Warnf 警告日志
func Warnf(format string, args ...interface{}) {
	log("warn", format, args...)
}

// Errorf 错误日志
func Errorf(format string, args ...interface{}) {
	log("error", format, args...)
}

// Warn 警告消息
func Warn(msg string) {
	log("warn", "%s", msg)
}

// Info 信息消息
func Info(msg string) {
	log("info", "%s", msg)
}
