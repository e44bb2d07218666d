// Package alias 管理短期转发别名的生命周期：创建、到期删除、状态刷新和批量清理。
//
// Manager 的全部状态只在事件循环中读写，远程调用在调用方协程或独立协程中完成。
package alias

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
	"tempmail/aliasmx/internal/pool"
	"tempmail/aliasmx/internal/provider"
)

const (
	randomNameLength = 10
	randomAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"

	persistTimeout      = 5 * time.Second
	remoteDeleteTimeout = 30 * time.Second
	defaultPurgeWorkers = 4
)

// Store 别名集合持久化
type Store interface {
	LoadAliases(ctx context.Context) (domain.AliasCollection, error)
	SaveAliases(ctx context.Context, collection domain.AliasCollection) error
}

// Metrics 生命周期指标
type Metrics interface {
	AliasCreated()
	AliasExpired()
	AliasPurged(deleted, failed int)
	RemoteDeleteFailed()
}

type nopMetrics struct{}

func (nopMetrics) AliasCreated()        {}
func (nopMetrics) AliasExpired()        {}
func (nopMetrics) AliasPurged(int, int) {}
func (nopMetrics) RemoteDeleteFailed()  {}

// EventType 生命周期事件类型
type EventType string

const (
	EventCreated EventType = "created"
	EventExpired EventType = "expired"
	EventPurged  EventType = "purged"
)

// Event 生命周期事件，Alias 为快照
type Event struct {
	Type   EventType
	Alias  domain.Alias
	Result domain.PurgeResult
}

// Observer 在事件循环中同步调用，不能阻塞
type Observer func(Event)

// Option 管理器选项
type Option func(*Manager)

// WithTTL 设置别名有效期
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithPurgeWorkers 设置批量删除的并发数
func WithPurgeWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.purgeWorkers = n
		}
	}
}

// Manager 别名生命周期管理器
type Manager struct {
	loop         *eventloop.Loop
	store        Store
	deviceID     string
	logger       *zap.Logger
	validator    *domain.EmailValidator
	metrics      Metrics
	now          func() time.Time
	ttl          time.Duration
	purgeWorkers int

	// 以下字段只在事件循环中访问
	collection domain.AliasCollection
	api        provider.API
	scheduler  *Scheduler

	obsMu     sync.RWMutex
	observers []Observer

	inflight sync.WaitGroup
	deletes  atomic.Int64
}

// NewManager 创建别名管理器
func NewManager(loop *eventloop.Loop, store Store, deviceID string, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		loop:         loop,
		store:        store,
		deviceID:     deviceID,
		logger:       logger,
		validator:    domain.NewEmailValidator(),
		metrics:      nopMetrics{},
		now:          time.Now,
		ttl:          domain.AliasTTL,
		purgeWorkers: defaultPurgeWorkers,
		collection:   make(domain.AliasCollection),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.scheduler = NewScheduler(loop, m.now, m.fireDeletion)
	return m
}

// DeviceID 返回本机设备标识
func (m *Manager) DeviceID() string {
	return m.deviceID
}

// TTL 返回别名有效期
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Subscribe 注册生命周期观察者
func (m *Manager) Subscribe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) emit(e Event) {
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, o := range observers {
		o(e)
	}
}

// Load 从存储加载别名集合
func (m *Manager) Load(ctx context.Context) error {
	collection, err := m.store.LoadAliases(ctx)
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	for d, list := range collection {
		kept := list[:0]
		for _, a := range list {
			if a != nil {
				kept = append(kept, a)
			}
		}
		collection[d] = kept
	}
	return m.loop.Call(ctx, func() {
		m.collection = collection
		for domainName := range m.collection {
			m.recompute(domainName)
		}
	})
}

// Bind 登录后绑定服务商客户端
func (m *Manager) Bind(ctx context.Context, api provider.API) error {
	return m.loop.Call(ctx, func() {
		m.api = api
	})
}

// Unbind 取消全部删除定时器并解除服务商绑定，返回取消的定时器数量。
//
// 返回后不会再有任何删除回调执行。
func (m *Manager) Unbind(ctx context.Context) (int, error) {
	var cancelled int
	err := m.loop.Call(ctx, func() {
		cancelled = m.scheduler.DisarmAll()
		m.api = nil
	})
	return cancelled, err
}

// Resume 为本设备创建且尚未发起删除的别名重新安排删除。
//
// 进程停止期间到期的别名（加载时已标记为 expired）会立即同步删除。
func (m *Manager) Resume(ctx context.Context, domainName string) (int, error) {
	domainName = normalizeDomain(domainName)
	var armed int
	err := m.loop.Call(ctx, func() {
		var due []*domain.Alias
		for _, a := range m.collection[domainName] {
			if a.OwnerDeviceID == m.deviceID && !a.DeletionAttempted {
				due = append(due, a)
			}
		}
		for _, a := range due {
			m.scheduler.Arm(a.Key(), a.ExpiresAt)
			armed++
		}
		m.recompute(domainName)
	})
	return armed, err
}

// CreateAlias 在服务商处创建别名并安排到期删除。
//
// name 为空时生成随机名称。服务商调用失败时不创建本地记录。
func (m *Manager) CreateAlias(ctx context.Context, name, forwardTarget, domainName string) (*domain.Alias, error) {
	domainName = normalizeDomain(domainName)
	forwardTarget = strings.TrimSpace(forwardTarget)
	name = strings.TrimSpace(name)

	if domainName == "" {
		return nil, domain.NewValidationError("domain", "domain is required", domain.ErrMissingCredential)
	}
	if err := m.validator.ValidateForwardTarget(forwardTarget, domainName); err != nil {
		return nil, err
	}
	if name == "" {
		name = RandomName()
	} else if err := m.validator.ValidateAliasName(name); err != nil {
		return nil, err
	}

	key := domain.NewAliasKey(domainName, name)

	var api provider.API
	var exists bool
	if err := m.loop.Call(ctx, func() {
		api = m.api
		exists = m.find(key) != nil
	}); err != nil {
		return nil, err
	}
	if api == nil {
		return nil, domain.ErrNotLoggedIn
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrAliasExists)
	}

	remoteID, err := api.CreateAlias(ctx, domainName, name, forwardTarget)
	if err != nil {
		m.logger.Warn("Remote alias creation failed", zap.String("alias", key.String()), zap.Error(err))
		return nil, fmt.Errorf("create alias %s: %w", key, err)
	}

	now := m.now()
	if remoteID == "" {
		remoteID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	record := &domain.Alias{
		Name:          name,
		Domain:        domainName,
		ForwardTarget: forwardTarget,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
		OwnerDeviceID: m.deviceID,
		RemoteID:      remoteID,
		Status:        domain.AliasStatusActive,
	}

	// 远程别名已存在，本地记录和定时器不能因调用方取消而丢失
	var created domain.Alias
	var commitErr error
	err = m.loop.Call(context.WithoutCancel(ctx), func() {
		if m.find(key) != nil {
			commitErr = fmt.Errorf("%s: %w", key, domain.ErrAliasExists)
			return
		}
		m.collection[domainName] = append(m.collection[domainName], record)
		m.persist()
		// 创建期间会话已结束：只保留记录，下次登录时由 Resume 安排删除
		if m.api != api {
			commitErr = fmt.Errorf("%s: session ended during create: %w", key, domain.ErrNotLoggedIn)
			return
		}
		m.scheduler.Arm(key, record.ExpiresAt)
		created = *record
		m.metrics.AliasCreated()
		m.emit(Event{Type: EventCreated, Alias: created})
	})
	if err != nil {
		m.logger.Error("Alias created remotely but not recorded", zap.String("alias", key.String()), zap.Error(err))
		return nil, err
	}
	if commitErr != nil {
		if !IsConflict(commitErr) {
			m.logger.Warn("Alias recorded without deletion timer", zap.String("alias", key.String()), zap.Error(commitErr))
		}
		return nil, commitErr
	}

	m.logger.Info("Alias created",
		zap.String("alias", key.String()),
		zap.String("forward", forwardTarget),
		zap.Time("expires_at", created.ExpiresAt),
	)
	return &created, nil
}

// ListAliases 刷新状态后返回按创建时间倒序的别名快照
func (m *Manager) ListAliases(ctx context.Context, domainName string, filter domain.AliasFilter, search string) ([]domain.Alias, error) {
	domainName = normalizeDomain(domainName)
	var out []domain.Alias
	err := m.loop.Call(ctx, func() {
		m.recompute(domainName)
		for _, a := range m.collection[domainName] {
			if a.MatchesFilter(filter) && a.MatchesSearch(search) {
				out = append(out, *a)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RecomputeStatuses 将已到期的 active 别名标记为 expired，返回变更数量
func (m *Manager) RecomputeStatuses(ctx context.Context, domainName string) (int, error) {
	domainName = normalizeDomain(domainName)
	var changed int
	err := m.loop.Call(ctx, func() {
		changed = m.recompute(domainName)
	})
	return changed, err
}

// recompute 只会把 active 改为 expired，不会恢复已过期的别名
func (m *Manager) recompute(domainName string) int {
	now := m.now()
	changed := 0
	for _, a := range m.collection[domainName] {
		if a.Status != domain.AliasStatusExpired && a.IsExpiredAt(now) {
			a.Status = domain.AliasStatusExpired
			changed++
		}
	}
	if changed > 0 {
		m.persist()
	}
	return changed
}

// PurgeExpired 删除全部已过期别名：逐个尝试远程删除，无论结果如何都移除本地记录
func (m *Manager) PurgeExpired(ctx context.Context, domainName string) (domain.PurgeResult, error) {
	domainName = normalizeDomain(domainName)

	var api provider.API
	var expired []domain.Alias
	if err := m.loop.Call(ctx, func() {
		api = m.api
		if api == nil {
			return
		}
		m.recompute(domainName)
		for _, a := range m.collection[domainName] {
			if a.Status == domain.AliasStatusExpired {
				// 清理接管远程删除，到期定时器不再发起第二次
				m.scheduler.Disarm(a.Key())
				expired = append(expired, *a)
			}
		}
	}); err != nil {
		return domain.PurgeResult{}, err
	}
	if api == nil {
		return domain.PurgeResult{}, domain.ErrNotLoggedIn
	}
	if len(expired) == 0 {
		return domain.PurgeResult{}, nil
	}

	var deleted, failed atomic.Int32
	workers := pool.NewWorkerPool(m.purgeWorkers, len(expired), m.logger)
	workers.Start(ctx)
	for _, a := range expired {
		task := func() {
			err := api.DeleteAlias(ctx, domainName, a.Name)
			if err == nil || provider.IsNotFound(err) {
				deleted.Add(1)
				return
			}
			failed.Add(1)
			m.metrics.RemoteDeleteFailed()
			m.logger.Warn("Failed to delete expired alias", zap.String("alias", a.Address()), zap.Error(err))
		}
		if !workers.Submit(ctx, task) {
			failed.Add(1)
		}
	}
	workers.Stop()

	// 未执行的任务（ctx 取消）计为失败
	result := domain.PurgeResult{Deleted: int(deleted.Load()), Failed: int(failed.Load())}
	if missing := len(expired) - result.Deleted - result.Failed; missing > 0 {
		result.Failed += missing
	}

	purged := make(map[domain.AliasKey]struct{}, len(expired))
	for _, a := range expired {
		purged[a.Key()] = struct{}{}
	}

	err := m.loop.Call(context.WithoutCancel(ctx), func() {
		list := m.collection[domainName]
		kept := list[:0]
		for _, a := range list {
			if _, ok := purged[a.Key()]; ok {
				continue
			}
			kept = append(kept, a)
		}
		for i := len(kept); i < len(list); i++ {
			list[i] = nil
		}
		m.collection[domainName] = kept
		m.persist()
		m.metrics.AliasPurged(result.Deleted, result.Failed)
		m.emit(Event{Type: EventPurged, Result: result})
	})
	if err != nil {
		return result, err
	}

	m.logger.Info("Expired aliases purged",
		zap.String("domain", domainName),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// Stats 返回别名计数（Codes 由调用方填充）
func (m *Manager) Stats(ctx context.Context, domainName string) (domain.DashboardStats, error) {
	domainName = normalizeDomain(domainName)
	var stats domain.DashboardStats
	err := m.loop.Call(ctx, func() {
		m.recompute(domainName)
		for _, a := range m.collection[domainName] {
			stats.Total++
			if a.Status == domain.AliasStatusActive {
				stats.Active++
			} else {
				stats.Expired++
			}
		}
	})
	return stats, err
}

// OwnedNames 返回本设备创建的别名名称（小写）。只能在事件循环中调用。
func (m *Manager) OwnedNames(domainName string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, a := range m.collection[normalizeDomain(domainName)] {
		if a.OwnerDeviceID == m.deviceID {
			names[strings.ToLower(a.Name)] = struct{}{}
		}
	}
	return names
}

// DeviceAliasNames 返回本设备创建的别名名称
func (m *Manager) DeviceAliasNames(ctx context.Context, domainName string) (map[string]struct{}, error) {
	var names map[string]struct{}
	err := m.loop.Call(ctx, func() {
		names = m.OwnedNames(domainName)
	})
	return names, err
}

// PendingDeletions 返回待执行的删除定时器数量
func (m *Manager) PendingDeletions(ctx context.Context) (int, error) {
	var n int
	err := m.loop.Call(ctx, func() {
		n = m.scheduler.Pending()
	})
	return n, err
}

// RemoteDeletes 返回定时器发起的远程删除次数
func (m *Manager) RemoteDeletes() int64 {
	return m.deletes.Load()
}

// Wait 等待进行中的远程删除完成
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// fireDeletion 定时器到期：远程删除（不重试），本地标记为 expired。
//
// 记录已不存在时什么都不做。
func (m *Manager) fireDeletion(key domain.AliasKey) {
	a := m.find(key)
	if a == nil {
		m.logger.Debug("Deletion timer fired for missing alias", zap.String("alias", key.String()))
		return
	}

	if api := m.api; api != nil {
		a.DeletionAttempted = true
		m.deletes.Add(1)
		m.inflight.Add(1)
		domainName, name := a.Domain, a.Name
		go func() {
			defer m.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), remoteDeleteTimeout)
			defer cancel()
			if err := api.DeleteAlias(ctx, domainName, name); err != nil && !provider.IsNotFound(err) {
				m.metrics.RemoteDeleteFailed()
				m.logger.Warn("Failed to delete alias from provider", zap.String("alias", key.String()), zap.Error(err))
				return
			}
			m.logger.Info("Deleted alias from provider", zap.String("alias", key.String()))
		}()
	} else {
		m.logger.Warn("No provider session, skipping remote deletion", zap.String("alias", key.String()))
	}

	a.Status = domain.AliasStatusExpired
	m.persist()
	m.metrics.AliasExpired()
	m.emit(Event{Type: EventExpired, Alias: *a})
}

func (m *Manager) find(key domain.AliasKey) *domain.Alias {
	for _, a := range m.collection[key.Domain] {
		if a.Key() == key {
			return a
		}
	}
	return nil
}

func (m *Manager) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.SaveAliases(ctx, m.collection); err != nil {
		m.logger.Error("Failed to persist aliases", zap.Error(err))
	}
}

// RandomName 生成 10 位 [a-z0-9] 随机别名
func RandomName() string {
	b := make([]byte, randomNameLength)
	for i := range b {
		b[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
	}
	return string(b)
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// IsConflict 判断是否为别名已存在
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrAliasExists)
}
