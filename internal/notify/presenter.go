package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
)

// LogPresenter 将通知写入日志
type LogPresenter struct {
	logger *zap.Logger
}

// NewLogPresenter 创建日志展示器
func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPresenter{logger: logger}
}

func (p *LogPresenter) Show(n domain.Notification) {
	fields := []zap.Field{
		zap.String("id", n.ID),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.Duration("duration", n.Duration),
	}
	switch n.Severity {
	case domain.SeverityError:
		p.logger.Error("Notification", fields...)
	case domain.SeverityWarning:
		p.logger.Warn("Notification", fields...)
	default:
		p.logger.Info("Notification", fields...)
	}
}

func (p *LogPresenter) Hide(id string) {
	p.logger.Debug("Notification dismissed", zap.String("id", id))
}

// WriterPresenter 在终端输出通知
type WriterPresenter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPresenter 创建终端展示器
func NewWriterPresenter(w io.Writer) *WriterPresenter {
	return &WriterPresenter{w: w}
}

func (p *WriterPresenter) Show(n domain.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s] %s: %s\n", strings.ToUpper(string(n.Severity)), n.Title, n.Message)
}

func (p *WriterPresenter) Hide(string) {}

// MultiPresenter 同时分发给多个展示器
type MultiPresenter []Presenter

func (m MultiPresenter) Show(n domain.Notification) {
	for _, p := range m {
		p.Show(n)
	}
}

func (m MultiPresenter) Hide(id string) {
	for _, p := range m {
		p.Hide(id)
	}
}

// ShowCounter 展示计数
type ShowCounter interface {
	RecordNotificationShown()
}

// CountingPresenter 记录展示次数后转发给下一层
type CountingPresenter struct {
	Presenter
	Counter ShowCounter
}

func (p CountingPresenter) Show(n domain.Notification) {
	p.Counter.RecordNotificationShown()
	p.Presenter.Show(n)
}
