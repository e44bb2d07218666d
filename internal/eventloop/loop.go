// Package eventloop 提供单协程串行执行的任务循环。
//
// 所有会修改别名、验证码和日志状态的操作都投递到同一个循环中执行，
// 远程调用在循环外完成，结果再通过 Post/Call 回到循环。
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped 循环已停止
var ErrStopped = errors.New("event loop stopped")

// PanicCounter 任务 panic 计数（由监控模块实现）
type PanicCounter interface {
	Inc()
}

// Loop 串行任务循环
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	running atomic.Bool
	logger  *zap.Logger
	panics  PanicCounter
	busy    atomic.Int64 // 当前任务开始执行的时间（UnixNano），空闲时为 0
}

// Option 循环选项
type Option func(*Loop)

// WithPanicCounter 设置 panic 计数器
func WithPanicCounter(c PanicCounter) Option {
	return func(l *Loop) {
		l.panics = c
	}
}

// New 创建任务循环
func New(logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post 投递任务，不阻塞。循环停止后投递的任务被丢弃。
func (l *Loop) Post(task func()) {
	select {
	case <-l.stopped:
		return
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call 投递任务并等待执行完成。
//
// 任务出队时如果 ctx 已取消则跳过执行。
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	var ran bool
	l.Post(func() {
		defer close(done)
		if ctx.Err() != nil {
			return
		}
		ran = true
		fn()
	})

	select {
	case <-done:
		if ran {
			return nil
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

// Run 运行循环直到 ctx 取消
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.stopped)

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.execute(task)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done 循环停止后关闭
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Pending 返回排队中的任务数
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// BusyFor 返回当前任务已执行的时长，空闲时返回 0
func (l *Loop) BusyFor() time.Duration {
	started := l.busy.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

// execute 执行任务（捕获 panic）
func (l *Loop) execute(task func()) {
	l.busy.Store(time.Now().UnixNano())
	defer l.busy.Store(0)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
			if l.panics != nil {
				l.panics.Inc()
			}
		}
	}()
	task()
}

// Timer 循环内定时器，回调在循环中执行
type Timer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

// AfterFunc 在 d 之后将 fn 投递到循环。
//
// Stop 之后即使回调已进入队列也不会执行。
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			fn()
		})
	})
	return t
}

// Stop 取消定时器，返回回调是否尚未执行
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.timer.Stop()
	return !t.stopped.Swap(true)
}
