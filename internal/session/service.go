// Package session 组合别名管理、验证码注册表和日志拉取，提供登录会话级别的操作。
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/alias"
	"tempmail/aliasmx/internal/codes"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
	"tempmail/aliasmx/internal/poller"
	"tempmail/aliasmx/internal/provider"
	"tempmail/aliasmx/internal/storage"
)

// 需要刷新的视图
const (
	ViewDashboard = "dashboard"
	ViewAliases   = "aliases"
	ViewLogs      = "logs"
	ViewCodes     = "codes"
)

// DefaultFollowUpDelay 创建别名后补拉日志的延迟
const DefaultFollowUpDelay = 2 * time.Second

// Notifier 通知队列
type Notifier interface {
	Enqueue(title, message string, severity domain.Severity, duration time.Duration) string
}

// Signaler 视图失效信号，实现不能阻塞
type Signaler interface {
	Stale(view string)
}

// Deps 会话依赖
type Deps struct {
	Loop          *eventloop.Loop
	State         *storage.State
	Factory       provider.Factory
	Notifier      Notifier
	Signaler      Signaler
	Logger        *zap.Logger
	Matcher       *codes.Matcher
	AliasOptions  []alias.Option
	Poller        poller.Options
	FollowUpDelay time.Duration
}

// Service 会话服务
type Service struct {
	loop      *eventloop.Loop
	state     *storage.State
	factory   provider.Factory
	notifier  Notifier
	signaler  Signaler
	logger    *zap.Logger
	validator *domain.EmailValidator

	aliases  *alias.Manager
	registry *codes.Registry
	poller   *poller.Poller

	deviceID      string
	followUpDelay time.Duration

	// 登录、登出和创建别名串行执行
	opMu sync.Mutex

	mu          sync.Mutex
	api         provider.API
	domainName  string
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	followUp    *time.Timer
	followUpsWG sync.WaitGroup
}

// New 创建会话服务并加载持久化的别名和验证码
func New(ctx context.Context, deps Deps) (*Service, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Matcher == nil {
		deps.Matcher = codes.NewMatcher()
	}
	if deps.FollowUpDelay == 0 {
		deps.FollowUpDelay = DefaultFollowUpDelay
	}

	deviceID, err := deps.State.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}

	s := &Service{
		loop:          deps.Loop,
		state:         deps.State,
		factory:       deps.Factory,
		notifier:      deps.Notifier,
		signaler:      deps.Signaler,
		logger:        deps.Logger,
		validator:     domain.NewEmailValidator(),
		deviceID:      deviceID,
		followUpDelay: deps.FollowUpDelay,
	}

	s.aliases = alias.NewManager(deps.Loop, deps.State, deviceID, deps.Logger.Named("alias"), deps.AliasOptions...)
	s.aliases.Subscribe(s.onAliasEvent)
	s.registry = codes.NewRegistry(deps.Matcher, deps.State, deps.Logger.Named("codes"))

	pollerOpts := deps.Poller
	pollerOpts.Matcher = deps.Matcher
	pollerOpts.Listener = s.onPoll
	s.poller = poller.New(deps.Loop, s.aliases, s.registry, deps.State, deps.Logger.Named("poller"), pollerOpts)

	if err := s.aliases.Load(ctx); err != nil {
		return nil, err
	}
	var loadErr error
	if err := s.loop.Call(ctx, func() {
		loadErr = s.registry.Load(ctx)
	}); err != nil {
		return nil, err
	}
	if loadErr != nil {
		return nil, loadErr
	}
	s.poller.LoadPreference(ctx)

	s.logger.Info("Session service ready", zap.String("device_id", deviceID))
	return s, nil
}

// Aliases 返回别名管理器
func (s *Service) Aliases() *alias.Manager {
	return s.aliases
}

// Poller 返回日志拉取器
func (s *Service) Poller() *poller.Poller {
	return s.poller
}

// DeviceID 返回设备标识
func (s *Service) DeviceID() string {
	return s.deviceID
}

// Active 是否已登录
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api != nil
}

// Domain 返回当前登录的域名
func (s *Service) Domain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domainName
}

func (s *Service) current() (provider.API, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api, s.domainName
}

func (s *Service) requireSession() (string, error) {
	api, domainName := s.current()
	if api == nil {
		s.notify("Error", "Please login first", domain.SeverityError)
		return "", domain.ErrNotLoggedIn
	}
	return domainName, nil
}

// Login 校验 API Key 并开启会话
func (s *Service) Login(ctx context.Context, apiKey, domainName string) error {
	apiKey = strings.TrimSpace(apiKey)
	domainName = strings.ToLower(strings.TrimSpace(domainName))

	if apiKey == "" || domainName == "" {
		s.notify("Error", "Please enter API key and domain name", domain.SeverityError)
		return domain.NewValidationError("credentials", "api key and domain are required", domain.ErrMissingCredential)
	}
	if err := s.validator.ValidateDomain(domainName); err != nil {
		s.notify("Error", "Invalid API key or domain", domain.SeverityError)
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Active() {
		s.teardown(ctx)
	}

	api := s.factory(apiKey)
	if _, err := api.Account(ctx); err != nil {
		var remote *domain.RemoteError
		if errors.As(err, &remote) && remote.Status > 0 {
			s.notify("Error", "Invalid API key or domain", domain.SeverityError)
		} else {
			s.notify("Error", "Network error. Check your internet connection.", domain.SeverityError)
		}
		return fmt.Errorf("login: %w", err)
	}

	if err := s.state.SaveCredentials(ctx, apiKey, domainName); err != nil {
		s.logger.Warn("Failed to save credentials", zap.Error(err))
	}

	if err := s.activate(ctx, api, domainName); err != nil {
		return err
	}

	s.logger.Info("Logged in", zap.String("domain", domainName))
	s.notify("Success", "Login successful!", domain.SeveritySuccess)
	s.signal(ViewDashboard, ViewAliases, ViewCodes)
	return nil
}

// RestoreSession 使用已保存的凭据自动登录，没有凭据时返回 false
func (s *Service) RestoreSession(ctx context.Context) (bool, error) {
	apiKey, domainName, ok := s.state.Credentials(ctx)
	if !ok {
		return false, nil
	}
	if err := s.Login(ctx, apiKey, domainName); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) activate(ctx context.Context, api provider.API, domainName string) error {
	if err := s.aliases.Bind(ctx, api); err != nil {
		return err
	}
	if _, err := s.aliases.Resume(ctx, domainName); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.api = api
	s.domainName = domainName
	s.sessCtx = sessCtx
	s.sessCancel = cancel
	s.mu.Unlock()

	s.poller.Bind(api, domainName)
	s.poller.Start()
	return nil
}

// Logout 停止自动拉取、取消全部删除定时器并清除凭据。返回后不会再有删除回调执行。
//
// 本地别名和验证码保留。
func (s *Service) Logout(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.Active() {
		return domain.ErrNotLoggedIn
	}

	cancelled := s.teardown(ctx)
	if err := s.state.ClearCredentials(ctx); err != nil {
		s.logger.Warn("Failed to clear credentials", zap.Error(err))
	}

	s.logger.Info("Logged out", zap.Int("cancelled_timers", cancelled))
	s.notify("Success", "Logged out successfully", domain.SeveritySuccess)
	s.signal(ViewDashboard)
	return nil
}

// Shutdown 进程退出时结束会话，保留凭据以便下次恢复
func (s *Service) Shutdown(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.Active() {
		s.teardown(ctx)
	}
}

func (s *Service) teardown(ctx context.Context) int {
	s.poller.Unbind()

	s.mu.Lock()
	if s.followUp != nil {
		s.followUp.Stop()
		s.followUp = nil
	}
	if s.sessCancel != nil {
		s.sessCancel()
	}
	s.mu.Unlock()
	s.followUpsWG.Wait()

	cancelled, err := s.aliases.Unbind(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("Failed to cancel deletion timers", zap.Error(err))
	}
	s.aliases.Wait()

	s.mu.Lock()
	s.api = nil
	s.domainName = ""
	s.sessCtx = nil
	s.sessCancel = nil
	s.mu.Unlock()
	return cancelled
}

// CreateAlias 创建别名。forward 为空时使用保存的转发地址，与保存的不同时更新保存值。
//
// 创建期间登出会等待创建完成后再取消定时器。
func (s *Service) CreateAlias(ctx context.Context, name, forward string) (*domain.Alias, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	domainName, err := s.requireSession()
	if err != nil {
		return nil, err
	}

	forward = strings.TrimSpace(forward)
	saved := s.state.ForwardTarget(ctx)
	if forward == "" {
		forward = saved
	}
	if forward == "" {
		s.notify("Error", "Please enter forward email", domain.SeverityError)
		return nil, domain.NewValidationError("forward", "forward target is required", domain.ErrInvalidForwardTarget)
	}
	if err := s.validator.ValidateForwardTarget(forward, domainName); err != nil {
		s.notifyError(err)
		return nil, err
	}
	if forward != saved {
		if err := s.state.SetForwardTarget(ctx, forward); err != nil {
			s.logger.Warn("Failed to save forward target", zap.Error(err))
		}
	}

	a, err := s.aliases.CreateAlias(ctx, name, forward, domainName)
	if err != nil {
		s.notifyError(err)
		return nil, err
	}

	s.notify("Success", fmt.Sprintf("Alias created: %s", a.Address()), domain.SeveritySuccess)
	s.signal(ViewDashboard, ViewAliases)
	s.scheduleFollowUp()
	return a, nil
}

// scheduleFollowUp 自动拉取开启时，创建别名后延迟补拉一次日志
func (s *Service) scheduleFollowUp() {
	if s.followUpDelay <= 0 || !s.poller.Running() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessCtx == nil {
		return
	}
	if s.followUp != nil {
		s.followUp.Stop()
	}
	sessCtx := s.sessCtx
	s.followUp = time.AfterFunc(s.followUpDelay, func() {
		s.mu.Lock()
		if sessCtx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.followUpsWG.Add(1)
		s.mu.Unlock()
		defer s.followUpsWG.Done()

		if _, err := s.poller.PollAuto(sessCtx); err != nil && sessCtx.Err() == nil {
			s.logger.Warn("Follow-up poll failed", zap.Error(err))
		}
	})
}

// ListAliases 返回当前域名的别名
func (s *Service) ListAliases(ctx context.Context, filter domain.AliasFilter, search string) ([]domain.Alias, error) {
	_, domainName := s.current()
	if domainName == "" {
		return nil, domain.ErrNotLoggedIn
	}
	return s.aliases.ListAliases(ctx, domainName, filter, search)
}

// AliasCodes 返回每个别名收到的验证码，键为小写别名名称，没有验证码的别名不在结果中
func (s *Service) AliasCodes(ctx context.Context, aliases []domain.Alias) (map[string]string, error) {
	out := make(map[string]string)
	err := s.loop.Call(ctx, func() {
		for i := range aliases {
			name := strings.ToLower(aliases[i].Name)
			if c, ok := s.registry.ForRecipient(name); ok {
				out[name] = c.Code
			}
		}
	})
	return out, err
}

// PurgeExpired 删除全部过期别名
func (s *Service) PurgeExpired(ctx context.Context) (domain.PurgeResult, error) {
	domainName, err := s.requireSession()
	if err != nil {
		return domain.PurgeResult{}, err
	}

	result, err := s.aliases.PurgeExpired(ctx, domainName)
	if err != nil {
		s.notifyError(err)
		return result, err
	}
	if result.Deleted+result.Failed == 0 {
		s.notify("Info", "No expired aliases to delete", domain.SeverityInfo)
		return result, nil
	}

	s.notify("Success", fmt.Sprintf("%d expired aliases deleted. %d failed.", result.Deleted, result.Failed), domain.SeveritySuccess)
	s.signal(ViewDashboard, ViewAliases)
	return result, nil
}

// ListCodes 返回按时间倒序的验证码
func (s *Service) ListCodes(ctx context.Context) ([]domain.ConfirmationCode, error) {
	var list []domain.ConfirmationCode
	err := s.loop.Call(ctx, func() {
		list = s.registry.List()
	})
	return list, err
}

// ClearCodes 清空验证码，返回清除的数量
func (s *Service) ClearCodes(ctx context.Context) (int, error) {
	var n int
	var clearErr error
	err := s.loop.Call(ctx, func() {
		n = s.registry.Len()
		clearErr = s.registry.Clear(ctx)
	})
	if err != nil {
		return 0, err
	}
	if clearErr != nil {
		return n, clearErr
	}
	s.signal(ViewCodes, ViewDashboard)
	return n, nil
}

// Logs 返回日志视图
func (s *Service) Logs(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryLog, error) {
	return s.poller.Logs(ctx, filter, poller.ViewLimit)
}

// ClearLogs 清空已加载的日志
func (s *Service) ClearLogs(ctx context.Context) (int, error) {
	n, err := s.poller.ClearLogs(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		s.notify("Logs", "No logs to clear", domain.SeverityInfo)
		return 0, nil
	}
	s.notify("Logs", "Logs cleared successfully", domain.SeveritySuccess)
	s.signal(ViewLogs)
	return n, nil
}

// PollNow 立即拉取日志
func (s *Service) PollNow(ctx context.Context) (poller.Result, error) {
	if _, err := s.requireSession(); err != nil {
		return poller.Result{}, err
	}

	result, err := s.poller.PollOnce(ctx)
	if err != nil {
		s.notifyError(err)
		return result, err
	}

	switch {
	case result.Fetched == 0:
		s.notify("Info", "No logs found", domain.SeverityInfo)
	case len(result.Logs) == 0:
		s.notify("Info", "No logs found for this device", domain.SeverityInfo)
	default:
		s.notify("Success", fmt.Sprintf("Loaded %d log entries from this device", len(result.Logs)), domain.SeveritySuccess)
	}
	return result, nil
}

// AutoPollEnabled 自动拉取是否开启
func (s *Service) AutoPollEnabled() bool {
	return s.poller.AutoPollEnabled()
}

// ToggleAutoPoll 切换自动拉取，返回切换后的状态
func (s *Service) ToggleAutoPoll(ctx context.Context) (bool, error) {
	enabled := !s.poller.AutoPollEnabled()
	if err := s.poller.SetAutoPoll(ctx, enabled); err != nil {
		return !enabled, err
	}
	if enabled {
		s.notify("Auto Load", fmt.Sprintf("Auto-load enabled (every %s)", humanInterval(s.pollerInterval())), domain.SeveritySuccess)
	} else {
		s.notify("Auto Load", "Auto-load disabled", domain.SeverityInfo)
	}
	return enabled, nil
}

func (s *Service) pollerInterval() time.Duration {
	return s.poller.Interval()
}

// ForwardTarget 返回保存的转发地址
func (s *Service) ForwardTarget(ctx context.Context) string {
	return s.state.ForwardTarget(ctx)
}

// SetForwardTarget 校验并保存转发地址
func (s *Service) SetForwardTarget(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if err := s.validator.ValidateEmail(target); err != nil {
		s.notify("Error", "Please enter a valid email address", domain.SeverityError)
		return domain.NewValidationError("forward", "please enter a valid email address", domain.ErrInvalidForwardTarget)
	}
	if err := s.state.SetForwardTarget(ctx, target); err != nil {
		return fmt.Errorf("save forward target: %w", err)
	}
	s.notify("Success", "Forward email saved successfully!", domain.SeveritySuccess)
	return nil
}

// Stats 返回仪表盘计数
func (s *Service) Stats(ctx context.Context) (domain.DashboardStats, error) {
	_, domainName := s.current()
	stats, err := s.aliases.Stats(ctx, domainName)
	if err != nil {
		return stats, err
	}
	err = s.loop.Call(ctx, func() {
		stats.Codes = s.registry.Len()
	})
	return stats, err
}

// Refresh 重新计算别名状态并刷新全部视图
func (s *Service) Refresh(ctx context.Context) error {
	_, domainName := s.current()
	if _, err := s.aliases.RecomputeStatuses(ctx, domainName); err != nil {
		return err
	}
	s.signal(ViewDashboard, ViewAliases, ViewLogs, ViewCodes)
	s.notify("Refresh", "Data refreshed successfully", domain.SeveritySuccess)
	return nil
}

// onPoll 拉取完成：验证码提醒、自动加载提醒、视图刷新
func (s *Service) onPoll(r poller.Result) {
	switch n := len(r.NewCodes); {
	case n == 1:
		s.notify("Code Detected", fmt.Sprintf("New confirmation code: %s", r.NewCodes[0].Code), domain.SeveritySuccess)
	case n > 1:
		s.notify("Code Detected", fmt.Sprintf("%d new confirmation codes detected", n), domain.SeveritySuccess)
	}

	if len(r.Logs) == 0 {
		return
	}
	if r.Auto {
		s.notify("Logs", fmt.Sprintf("Auto-loaded %d new log entries", len(r.Logs)), domain.SeverityInfo)
	}
	s.signal(ViewLogs, ViewCodes, ViewDashboard)
}

// onAliasEvent 在事件循环中调用
func (s *Service) onAliasEvent(e alias.Event) {
	if e.Type == alias.EventExpired {
		s.signal(ViewDashboard, ViewAliases)
	}
}

func (s *Service) notify(title, message string, severity domain.Severity) {
	if s.notifier == nil {
		return
	}
	s.notifier.Enqueue(title, message, severity, 0)
}

// notifyError 按错误类型生成提醒
func (s *Service) notifyError(err error) {
	var ve *domain.ValidationError
	var remote *domain.RemoteError
	switch {
	case errors.As(err, &ve):
		s.notify("Error", capitalize(ve.Reason), domain.SeverityError)
	case errors.As(err, &remote):
		msg := remote.Message
		if msg == "" {
			msg = "API error"
		}
		s.notify("Error", "API error: "+msg, domain.SeverityError)
	case errors.Is(err, domain.ErrNotLoggedIn), errors.Is(err, poller.ErrNotBound):
		s.notify("Error", "Please login first", domain.SeverityError)
	case alias.IsConflict(err):
		s.notify("Error", "Alias already exists", domain.SeverityError)
	default:
		s.notify("Error", err.Error(), domain.SeverityError)
	}
}

func (s *Service) signal(views ...string) {
	if s.signaler == nil {
		return
	}
	for _, v := range views {
		s.signaler.Stale(v)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func humanInterval(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}
