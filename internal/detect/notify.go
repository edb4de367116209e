package detect

import (
	"chrome2nas/internal/logger"
)

// Notifier 用户可见的提示
type Notifier interface {
	Notify(title, message string)
}

// LogNotifier 只写日志的默认提示器，界面通过事件通道获取提示
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(l logger.Logger) *LogNotifier {
	if l == nil {
		l = logger.NewNop()
	}
	return &LogNotifier{log: l}
}

func (n *LogNotifier) Notify(title, message string) {
	n.log.Info("通知", "title", title, "message", message)
}
