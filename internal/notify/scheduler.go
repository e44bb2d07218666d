// Package notify 串行展示用户提醒：同一时间最多一条，先进先出。
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
)

// 默认时长
const (
	DefaultDuration     = 5 * time.Second
	DefaultDismissDelay = 300 * time.Millisecond
	DefaultTick         = 100 * time.Millisecond
)

// Presenter 通知展示层
type Presenter interface {
	Show(n domain.Notification)
	Hide(id string)
}

// Options 调度参数，零值使用默认值
type Options struct {
	DefaultDuration time.Duration
	DismissDelay    time.Duration
	Tick            time.Duration
}

// Scheduler 通知调度器
type Scheduler struct {
	presenter Presenter
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	queue   []domain.Notification
	current string

	wake    chan struct{}
	dismiss chan string
}

// NewScheduler 创建通知调度器
func NewScheduler(presenter Presenter, logger *zap.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.DismissDelay <= 0 {
		opts.DismissDelay = DefaultDismissDelay
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Scheduler{
		presenter: presenter,
		logger:    logger,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		dismiss:   make(chan string, 1),
	}
}

// Enqueue 加入队列并立即返回通知 ID，duration 为 0 时使用默认时长
func (s *Scheduler) Enqueue(title, message string, severity domain.Severity, duration time.Duration) string {
	if duration <= 0 {
		duration = s.opts.DefaultDuration
	}
	if severity == "" {
		severity = domain.SeverityInfo
	}
	n := domain.Notification{
		ID:       uuid.NewString(),
		Title:    title,
		Message:  message,
		Severity: severity,
		Duration: duration,
	}

	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n.ID
}

// Dismiss 关闭正在展示的通知，或从队列中移除尚未展示的通知
func (s *Scheduler) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" && id == s.current {
		select {
		case s.dismiss <- id:
		default:
		}
		return true
	}
	for i, n := range s.queue {
		if n.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Len 返回等待展示的通知数
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Current 返回正在展示的通知 ID
func (s *Scheduler) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run 调度循环，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		n, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}

		s.show(n)
		if !s.waitDismiss(ctx, n) {
			s.finish(n.ID)
			return ctx.Err()
		}
		s.finish(n.ID)

		// 等待关闭动画结束后再展示下一条
		if s.opts.DismissDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.DismissDelay):
			}
		}
	}
}

func (s *Scheduler) next() (domain.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Notification{}, false
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	s.current = n.ID
	// 丢弃上一条残留的关闭信号
	select {
	case <-s.dismiss:
	default:
	}
	return n, true
}

// waitDismiss 等待自动关闭或手动关闭，ctx 取消时返回 false
func (s *Scheduler) waitDismiss(ctx context.Context, n domain.Notification) bool {
	timer := time.NewTimer(n.Duration)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case id := <-s.dismiss:
			if id == n.ID {
				return true
			}
		}
	}
}

func (s *Scheduler) show(n domain.Notification) {
	defer s.recoverPresenter("show")
	if s.presenter != nil {
		s.presenter.Show(n)
	}
}

// finish 清除当前通知，隐藏操作不等待完成
func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()

	if s.presenter == nil {
		return
	}
	go func() {
		defer s.recoverPresenter("hide")
		s.presenter.Hide(id)
	}()
}

func (s *Scheduler) recoverPresenter(op string) {
	if r := recover(); r != nil {
		s.logger.Error("Notification presenter panicked", zap.String("op", op), zap.Any("panic", r))
	}
}
