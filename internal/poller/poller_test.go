package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/aliasmx/internal/codes"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
	"tempmail/aliasmx/internal/provider"
	"tempmail/aliasmx/internal/storage"
	"tempmail/aliasmx/internal/storage/memory"
)

type fakeAPI struct {
	mu    sync.Mutex
	logs  []domain.DeliveryLog
	err   error
	calls atomic.Int32
}

func (f *fakeAPI) Account(context.Context) (*provider.Account, error) {
	return &provider.Account{}, nil
}

func (f *fakeAPI) CreateAlias(context.Context, string, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeAPI) DeleteAlias(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (f *fakeAPI) FetchLogs(context.Context, string) ([]domain.DeliveryLog, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryLog(nil), f.logs...), f.err
}

func (f *fakeAPI) setLogs(logs []domain.DeliveryLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = logs
}

type ownedNames map[string]struct{}

func (o ownedNames) OwnedNames(string) map[string]struct{} { return o }

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func deliveryLog(id, recipient, subject, status string, offset time.Duration) domain.DeliveryLog {
	return domain.DeliveryLog{
		ID:        id,
		Subject:   subject,
		Sender:    "no-reply@shop.com",
		Recipient: recipient,
		Created:   base.Add(offset),
		Events:    []domain.LogEvent{{Status: status, Created: base.Add(offset)}},
	}
}

func newTestPoller(t *testing.T, api provider.API, opts Options) (*Poller, *storage.State) {
	t.Helper()
	loop := startLoop(t)
	state := storage.NewState(memory.NewStore(), nil)
	registry := codes.NewRegistry(codes.NewMatcher(), state, nil)
	p := New(loop, ownedNames{"promo": {}, "shop": {}}, registry, state, nil, opts)
	p.Bind(api, "x.com")
	t.Cleanup(p.Unbind)
	return p, state
}

func TestPoller_PollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("只保留本设备别名的日志并提取验证码", func(t *testing.T) {
		api := &fakeAPI{logs: []domain.DeliveryLog{
			deliveryLog("1", "promo@x.com", "482913 is your verification code", domain.LogStatusDelivered, 0),
			deliveryLog("2", "someone@x.com", "Your OTP: 7841", domain.LogStatusDelivered, time.Minute),
			deliveryLog("3", "Shop@x.com", "Welcome", domain.LogStatusQueued, 2*time.Minute),
		}}
		p, state := newTestPoller(t, api, Options{})

		result, err := p.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Fetched)
		require.Len(t, result.Logs, 2)
		require.Len(t, result.NewCodes, 1)
		assert.Equal(t, "482913", result.NewCodes[0].Code)
		assert.False(t, result.Auto)

		saved, err := state.LoadCodes(ctx)
		require.NoError(t, err)
		assert.Len(t, saved, 1)

		// 再次拉取不会重复记录
		result, err = p.PollOnce(ctx)
		require.NoError(t, err)
		assert.Empty(t, result.NewCodes)
	})

	t.Run("拉取失败返回错误", func(t *testing.T) {
		api := &fakeAPI{err: &domain.RemoteError{Op: "fetch logs", Status: 500}}
		p, _ := newTestPoller(t, api, Options{})

		_, err := p.PollOnce(ctx)
		assert.True(t, domain.IsRemoteError(err))
	})

	t.Run("未绑定会话", func(t *testing.T) {
		p, _ := newTestPoller(t, &fakeAPI{}, Options{})
		p.Unbind()

		_, err := p.PollOnce(ctx)
		assert.ErrorIs(t, err, ErrNotBound)
	})

	t.Run("通知监听器", func(t *testing.T) {
		api := &fakeAPI{logs: []domain.DeliveryLog{
			deliveryLog("1", "promo@x.com", "code: 1234", domain.LogStatusDelivered, 0),
		}}
		var got []Result
		p, _ := newTestPoller(t, api, Options{Listener: func(r Result) { got = append(got, r) }})

		_, err := p.PollOnce(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Len(t, got[0].Logs, 1)
	})
}

func TestPoller_Logs(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{logs: []domain.DeliveryLog{
		deliveryLog("1", "promo@x.com", "482913 is your verification code", domain.LogStatusDelivered, 0),
		deliveryLog("2", "promo@x.com", "Welcome aboard", domain.LogStatusRefused, time.Minute),
		deliveryLog("3", "shop@x.com", "Order shipped", domain.LogStatusQueued, 2*time.Minute),
	}}
	p, _ := newTestPoller(t, api, Options{})
	_, err := p.PollOnce(ctx)
	require.NoError(t, err)

	t.Run("按时间倒序", func(t *testing.T) {
		logs, err := p.Logs(ctx, domain.LogFilterAll, 0)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, "3", logs[0].ID)
		assert.Equal(t, "1", logs[2].ID)
	})

	t.Run("按状态过滤", func(t *testing.T) {
		logs, err := p.Logs(ctx, domain.LogFilterFailed, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "2", logs[0].ID)

		logs, err = p.Logs(ctx, domain.LogFilterPending, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "3", logs[0].ID)
	})

	t.Run("包含验证码", func(t *testing.T) {
		logs, err := p.Logs(ctx, domain.LogFilterHasCode, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "1", logs[0].ID)
	})

	t.Run("限制条数", func(t *testing.T) {
		logs, err := p.Logs(ctx, domain.LogFilterAll, 2)
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("清空日志", func(t *testing.T) {
		n, err := p.ClearLogs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		logs, err := p.Logs(ctx, domain.LogFilterAll, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestPoller_AutoPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("开启后定时拉取，关闭后停止", func(t *testing.T) {
		api := &fakeAPI{}
		p, state := newTestPoller(t, api, Options{Interval: 10 * time.Millisecond})

		require.NoError(t, p.SetAutoPoll(ctx, true))
		assert.True(t, p.Running())
		assert.True(t, state.AutoPoll(ctx, false))

		require.Eventually(t, func() bool { return api.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, p.SetAutoPoll(ctx, false))
		assert.False(t, p.Running())
		assert.False(t, state.AutoPoll(ctx, true))

		n := api.calls.Load()
		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, n, api.calls.Load())
	})

	t.Run("自动拉取没有本设备日志时保留旧日志", func(t *testing.T) {
		api := &fakeAPI{logs: []domain.DeliveryLog{
			deliveryLog("1", "promo@x.com", "hello", domain.LogStatusDelivered, 0),
		}}
		p, _ := newTestPoller(t, api, Options{Interval: 10 * time.Millisecond})
		_, err := p.PollOnce(ctx)
		require.NoError(t, err)

		api.setLogs([]domain.DeliveryLog{deliveryLog("2", "other@x.com", "hi", domain.LogStatusDelivered, 0)})
		result, err := p.poll(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, result.Logs)

		logs, err := p.Logs(ctx, domain.LogFilterAll, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "1", logs[0].ID)
	})

	t.Run("未绑定会话时不启动", func(t *testing.T) {
		p, _ := newTestPoller(t, &fakeAPI{}, Options{DefaultAuto: true})
		p.Unbind()
		assert.False(t, p.Start())
	})

	t.Run("读取持久化偏好", func(t *testing.T) {
		p, state := newTestPoller(t, &fakeAPI{}, Options{DefaultAuto: true})
		require.NoError(t, state.SetAutoPoll(ctx, false))
		assert.False(t, p.LoadPreference(ctx))
		assert.False(t, p.Start())
	})
}
