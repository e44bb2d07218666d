package monitoring

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	memoryWarnBytes    = 1 << 30
	goroutineWarnCount = 1000
)

// QueueSource 事件循环队列长度
type QueueSource interface {
	Pending() int
}

// AliasSource 当前会话的别名计数
type AliasSource func(ctx context.Context) (active, pendingDeletions int, err error)

// Collector 定期采集运行时与会话指标
type Collector struct {
	metrics   *Metrics
	queue     QueueSource
	aliases   AliasSource
	logger    *zap.Logger
	startTime time.Time
}

// NewCollector 创建指标采集器，aliases 可为 nil
func NewCollector(metrics *Metrics, queue QueueSource, aliases AliasSource, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		metrics:   metrics,
		queue:     queue,
		aliases:   aliases,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Uptime 获取运行时间
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Collect 采集一次
func (c *Collector) Collect(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()

	c.metrics.SystemUptime.Set(c.Uptime().Seconds())
	c.metrics.MemoryUsage.Set(float64(mem.Alloc))
	c.metrics.Goroutines.Set(float64(goroutines))
	if c.queue != nil {
		c.metrics.LoopQueueSize.Set(float64(c.queue.Pending()))
	}

	if c.aliases != nil {
		active, pending, err := c.aliases(ctx)
		if err != nil {
			c.logger.Debug("Skip alias metrics", zap.Error(err))
		} else {
			c.metrics.AliasesActive.Set(float64(active))
			c.metrics.PendingDeletions.Set(float64(pending))
		}
	}

	if mem.Alloc > memoryWarnBytes {
		c.logger.Warn("High memory usage", zap.Uint64("alloc_bytes", mem.Alloc))
	}
	if goroutines > goroutineWarnCount {
		c.logger.Warn("High goroutine count", zap.Int("goroutines", goroutines))
	}
}

// Run 按间隔采集直到 ctx 取消
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
