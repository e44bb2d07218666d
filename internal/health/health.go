package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	defaultCheckTimeout = 2 * time.Second
	maxLoopBusy         = 10 * time.Second
)

// ErrNoSession 未登录
var ErrNoSession = errors.New("no active session")

// Loop 事件循环探测
type Loop interface {
	Call(ctx context.Context, fn func()) error
	BusyFor() time.Duration
}

// Store 存储探测
type Store interface {
	Health(ctx context.Context) error
}

// Session 会话探测
type Session interface {
	Active() bool
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health  healthcheck.Handler
	loop    Loop
	store   Store
	session Session
	logger  *zap.Logger
	timeout time.Duration
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(loop Loop, store Store, session Session, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		loop:    loop,
		store:   store,
		session: session,
		logger:  logger,
		timeout: defaultCheckTimeout,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 事件循环必须能在超时内执行任务
	hc.health.AddLivenessCheck("event-loop", healthcheck.Timeout(hc.checkLoop, hc.timeout))

	hc.health.AddLivenessCheck("storage", healthcheck.Timeout(hc.checkStore, hc.timeout))

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(1000))

	if hc.session != nil {
		hc.health.AddReadinessCheck("session", hc.checkSession)
	}
}

func (hc *HealthChecker) checkLoop() error {
	if busy := hc.loop.BusyFor(); busy > maxLoopBusy {
		return fmt.Errorf("event loop busy for %s", busy)
	}
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()
	return hc.loop.Call(ctx, func() {})
}

func (hc *HealthChecker) checkStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()
	return hc.store.Health(ctx)
}

func (hc *HealthChecker) checkSession() error {
	if !hc.session.Active() {
		return ErrNoSession
	}
	return nil
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.checkLoop(); err != nil {
		results["event-loop"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["event-loop"] = "OK"
	}

	if err := hc.checkStore(); err != nil {
		results["storage"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["storage"] = "OK"
	}

	if hc.session != nil {
		if hc.session.Active() {
			results["session"] = "OK"
		} else {
			results["session"] = "NOT_LOGGED_IN"
		}
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	for name, status := range results {
		if name != "timestamp" && status != "OK" {
			hc.logger.Debug("Health check not passing", zap.String("check", name), zap.String("status", status))
		}
	}
	return results
}
