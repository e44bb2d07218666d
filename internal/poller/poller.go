// Package poller 拉取服务商投递日志，筛选本设备别名的日志并交给验证码注册表。
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/codes"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
	"tempmail/aliasmx/internal/provider"
)

const (
	// DefaultInterval 自动拉取间隔
	DefaultInterval = 40 * time.Second
	// ViewLimit 日志视图默认展示条数
	ViewLimit = 20
)

// ErrNotBound 未绑定服务商会话
var ErrNotBound = errors.New("poller is not bound to a session")

// OwnerSource 提供本设备创建的别名名称。OwnedNames 在事件循环中调用。
type OwnerSource interface {
	OwnedNames(domainName string) map[string]struct{}
}

// CodeSink 接收本设备日志并返回新发现的验证码。Ingest 在事件循环中调用。
type CodeSink interface {
	Ingest(ctx context.Context, logs []domain.DeliveryLog) ([]domain.ConfirmationCode, error)
}

// Preferences 自动拉取偏好的持久化
type Preferences interface {
	AutoPoll(ctx context.Context, def bool) bool
	SetAutoPoll(ctx context.Context, enabled bool) error
}

// Metrics 拉取指标
type Metrics interface {
	PollCompleted(auto bool, deviceLogs int, newCodes int)
	PollFailed(auto bool)
}

type nopMetrics struct{}

func (nopMetrics) PollCompleted(bool, int, int) {}
func (nopMetrics) PollFailed(bool)              {}

// Result 一次拉取的结果
type Result struct {
	Fetched  int
	Logs     []domain.DeliveryLog
	NewCodes []domain.ConfirmationCode
	Auto     bool
}

// Listener 拉取完成后调用（不在事件循环中）
type Listener func(Result)

// Options 拉取器配置
type Options struct {
	Interval    time.Duration
	DefaultAuto bool
	Matcher     *codes.Matcher
	Metrics     Metrics
	Listener    Listener
}

// Poller 日志拉取器
type Poller struct {
	loop     *eventloop.Loop
	owners   OwnerSource
	sink     CodeSink
	prefs    Preferences
	matcher  *codes.Matcher
	metrics  Metrics
	listener Listener
	logger   *zap.Logger
	interval time.Duration

	enabled atomic.Bool

	sessMu     sync.RWMutex
	api        provider.API
	domainName string

	ctrlMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// 只在事件循环中访问
	logs []domain.DeliveryLog
}

// New 创建日志拉取器
func New(loop *eventloop.Loop, owners OwnerSource, sink CodeSink, prefs Preferences, logger *zap.Logger, opts Options) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Matcher == nil {
		opts.Matcher = codes.NewMatcher()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	p := &Poller{
		loop:     loop,
		owners:   owners,
		sink:     sink,
		prefs:    prefs,
		matcher:  opts.Matcher,
		metrics:  opts.Metrics,
		listener: opts.Listener,
		logger:   logger,
		interval: opts.Interval,
	}
	p.enabled.Store(opts.DefaultAuto)
	return p
}

// LoadPreference 读取持久化的自动拉取偏好
func (p *Poller) LoadPreference(ctx context.Context) bool {
	enabled := p.prefs.AutoPoll(ctx, p.enabled.Load())
	p.enabled.Store(enabled)
	return enabled
}

// Interval 返回自动拉取间隔
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// AutoPollEnabled 返回自动拉取是否开启
func (p *Poller) AutoPollEnabled() bool {
	return p.enabled.Load()
}

// SetAutoPoll 保存偏好，并按需启动或停止自动拉取
func (p *Poller) SetAutoPoll(ctx context.Context, enabled bool) error {
	p.enabled.Store(enabled)
	if err := p.prefs.SetAutoPoll(ctx, enabled); err != nil {
		return fmt.Errorf("save auto poll preference: %w", err)
	}
	if enabled {
		p.Start()
	} else {
		p.Stop()
	}
	return nil
}

// Bind 绑定当前会话
func (p *Poller) Bind(api provider.API, domainName string) {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	p.api = api
	p.domainName = domainName
}

// Unbind 停止自动拉取并解除会话绑定
func (p *Poller) Unbind() {
	p.Stop()
	p.sessMu.Lock()
	p.api = nil
	p.domainName = ""
	p.sessMu.Unlock()
}

func (p *Poller) session() (provider.API, string) {
	p.sessMu.RLock()
	defer p.sessMu.RUnlock()
	return p.api, p.domainName
}

// Start 在已绑定会话且开启自动拉取时启动定时拉取，重复调用无副作用
func (p *Poller) Start() bool {
	if !p.enabled.Load() {
		return false
	}
	if api, _ := p.session(); api == nil {
		return false
	}

	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if p.cancel != nil {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.run(ctx, done)

	p.logger.Info("Auto poll started", zap.Duration("interval", p.interval))
	return true
}

// Stop 停止自动拉取并等待进行中的拉取结束。不能在事件循环中调用。
func (p *Poller) Stop() {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Info("Auto poll stopped")
}

// Running 返回自动拉取是否在运行
func (p *Poller) Running() bool {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	return p.cancel != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.enabled.Load() {
				continue
			}
			if _, err := p.poll(ctx, true); err != nil && ctx.Err() == nil {
				p.logger.Warn("Auto poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce 立即拉取一次
func (p *Poller) PollOnce(ctx context.Context) (Result, error) {
	return p.poll(ctx, false)
}

// PollAuto 按自动模式立即拉取一次，没有本设备日志时保留上一次的结果
func (p *Poller) PollAuto(ctx context.Context) (Result, error) {
	return p.poll(ctx, true)
}

func (p *Poller) poll(ctx context.Context, auto bool) (Result, error) {
	api, domainName := p.session()
	if api == nil {
		return Result{}, ErrNotBound
	}

	fetched, err := api.FetchLogs(ctx, domainName)
	if err != nil {
		p.metrics.PollFailed(auto)
		return Result{}, fmt.Errorf("fetch logs: %w", err)
	}

	result := Result{Fetched: len(fetched), Auto: auto}
	var ingestErr error
	err = p.loop.Call(ctx, func() {
		owned := p.owners.OwnedNames(domainName)
		device := make([]domain.DeliveryLog, 0, len(fetched))
		for _, l := range fetched {
			if _, ok := owned[l.RecipientLocalPart()]; ok {
				device = append(device, l)
			}
		}
		result.Logs = device

		// 自动拉取没有本设备日志时保留上一次的结果
		if auto && len(device) == 0 {
			return
		}
		p.logs = device
		result.NewCodes, ingestErr = p.sink.Ingest(ctx, device)
	})
	if err != nil {
		return Result{}, err
	}
	if ingestErr != nil {
		p.logger.Warn("Failed to persist confirmation codes", zap.Error(ingestErr))
	}

	p.metrics.PollCompleted(auto, len(result.Logs), len(result.NewCodes))
	p.logger.Debug("Logs polled",
		zap.Bool("auto", auto),
		zap.Int("fetched", result.Fetched),
		zap.Int("device", len(result.Logs)),
		zap.Int("new_codes", len(result.NewCodes)),
	)

	if p.listener != nil {
		p.listener(result)
	}
	return result, nil
}

// Logs 返回按时间倒序的本设备日志，limit <= 0 表示不限制
func (p *Poller) Logs(ctx context.Context, filter domain.LogFilter, limit int) ([]domain.DeliveryLog, error) {
	var snapshot []domain.DeliveryLog
	if err := p.loop.Call(ctx, func() {
		snapshot = append(snapshot, p.logs...)
	}); err != nil {
		return nil, err
	}

	out := snapshot[:0]
	for _, l := range snapshot {
		if !filter.MatchesStatus(&l) {
			continue
		}
		if filter == domain.LogFilterHasCode && !p.matcher.Matches(codes.DecodeSubject(l.Subject)) {
			continue
		}
		out = append(out, l)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClearLogs 清空已加载的日志，返回清除的条数。验证码不受影响。
func (p *Poller) ClearLogs(ctx context.Context) (int, error) {
	var n int
	err := p.loop.Call(ctx, func() {
		n = len(p.logs)
		p.logs = nil
	})
	return n, err
}
