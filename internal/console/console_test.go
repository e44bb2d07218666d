package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/poller"
)

type fakeSession struct {
	active    bool
	calls     []string
	aliases   []domain.Alias
	codes     []domain.ConfirmationCode
	logs      []domain.DeliveryLog
	forward   string
	autoPoll  bool
	lastName  string
	lastFwd   string
	filter    domain.AliasFilter
	search    string
	logFilter domain.LogFilter
}

func (f *fakeSession) record(name string) { f.calls = append(f.calls, name) }

func (f *fakeSession) Active() bool   { return f.active }
func (f *fakeSession) Domain() string { return "example.com" }

func (f *fakeSession) Login(_ context.Context, apiKey, domainName string) error {
	f.record("login " + apiKey + " " + domainName)
	f.active = true
	return nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.record("logout")
	f.active = false
	return nil
}

func (f *fakeSession) CreateAlias(_ context.Context, name, forward string) (*domain.Alias, error) {
	f.record("create")
	f.lastName, f.lastFwd = name, forward
	if name == "" {
		name = "random1234"
	}
	now := time.Now()
	return &domain.Alias{Name: name, Domain: "example.com", ForwardTarget: "me@gmail.com", CreatedAt: now, ExpiresAt: now.Add(domain.AliasTTL)}, nil
}

func (f *fakeSession) ListAliases(_ context.Context, filter domain.AliasFilter, search string) ([]domain.Alias, error) {
	f.filter, f.search = filter, search
	return f.aliases, nil
}

func (f *fakeSession) AliasCodes(_ context.Context, aliases []domain.Alias) (map[string]string, error) {
	out := make(map[string]string)
	for _, a := range aliases {
		for _, c := range f.codes {
			if strings.HasPrefix(c.Recipient, a.Name+"@") {
				out[a.Name] = c.Code
			}
		}
	}
	return out, nil
}

func (f *fakeSession) PurgeExpired(context.Context) (domain.PurgeResult, error) {
	f.record("purge")
	return domain.PurgeResult{Deleted: 1}, nil
}

func (f *fakeSession) ListCodes(context.Context) ([]domain.ConfirmationCode, error) {
	return f.codes, nil
}

func (f *fakeSession) ClearCodes(context.Context) (int, error) {
	n := len(f.codes)
	f.codes = nil
	return n, nil
}

func (f *fakeSession) Logs(_ context.Context, filter domain.LogFilter) ([]domain.DeliveryLog, error) {
	f.logFilter = filter
	return f.logs, nil
}

func (f *fakeSession) ClearLogs(context.Context) (int, error) {
	f.record("clear-logs")
	return 0, nil
}

func (f *fakeSession) PollNow(context.Context) (poller.Result, error) {
	f.record("poll")
	return poller.Result{}, nil
}

func (f *fakeSession) AutoPollEnabled() bool { return f.autoPoll }

func (f *fakeSession) ToggleAutoPoll(context.Context) (bool, error) {
	f.autoPoll = !f.autoPoll
	return f.autoPoll, nil
}

func (f *fakeSession) ForwardTarget(context.Context) string { return f.forward }

func (f *fakeSession) SetForwardTarget(_ context.Context, target string) error {
	f.forward = target
	return nil
}

func (f *fakeSession) Stats(context.Context) (domain.DashboardStats, error) {
	return domain.DashboardStats{Total: 3, Active: 2, Expired: 1, Codes: len(f.codes)}, nil
}

func (f *fakeSession) Refresh(context.Context) error {
	f.record("refresh")
	return nil
}

type fakeDismisser struct {
	current   string
	dismissed []string
}

func (d *fakeDismisser) Current() string { return d.current }

func (d *fakeDismisser) Dismiss(id string) bool {
	d.dismissed = append(d.dismissed, id)
	return id == d.current
}

func newConsole(sess *fakeSession, notifier Dismisser) (*Console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return New(strings.NewReader(""), out, sess, notifier, nil), out
}

func TestConsole_Commands(t *testing.T) {
	ctx := context.Background()

	t.Run("登录和登出", func(t *testing.T) {
		sess := &fakeSession{}
		c, _ := newConsole(sess, nil)

		assert.True(t, c.Exec(ctx, "login key-1 example.com"))
		assert.True(t, c.Exec(ctx, "logout"))

		assert.Equal(t, []string{"login key-1 example.com", "logout"}, sess.calls)
	})

	t.Run("登录参数不足只打印用法", func(t *testing.T) {
		sess := &fakeSession{}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "login key-only")

		assert.Empty(t, sess.calls)
		assert.Contains(t, out.String(), "usage: login")
	})

	t.Run("创建参数解析", func(t *testing.T) {
		sess := &fakeSession{active: true}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "create")
		assert.Equal(t, "", sess.lastName)
		assert.Equal(t, "", sess.lastFwd)
		assert.Contains(t, out.String(), "random1234@example.com -> me@gmail.com")

		c.Exec(ctx, "create other@gmail.com")
		assert.Equal(t, "", sess.lastName)
		assert.Equal(t, "other@gmail.com", sess.lastFwd)

		c.Exec(ctx, "create shop me@gmail.com")
		assert.Equal(t, "shop", sess.lastName)
		assert.Equal(t, "me@gmail.com", sess.lastFwd)
	})

	t.Run("列表过滤和搜索", func(t *testing.T) {
		now := time.Now()
		sess := &fakeSession{active: true, aliases: []domain.Alias{
			{Name: "shop1", Domain: "example.com", ForwardTarget: "me@gmail.com", Status: domain.AliasStatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
			{Name: "shop2", Domain: "example.com", ForwardTarget: "me@gmail.com", Status: domain.AliasStatusExpired, CreatedAt: now.Add(-5 * time.Minute), ExpiresAt: now.Add(-time.Minute)},
		}}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "list expired shop")
		assert.Equal(t, domain.AliasFilterExpired, sess.filter)
		assert.Equal(t, "shop", sess.search)
		assert.Contains(t, out.String(), "shop1@example.com")
		assert.Contains(t, out.String(), "expired")

		c.Exec(ctx, "list gmail")
		assert.Equal(t, domain.AliasFilterAll, sess.filter)
		assert.Equal(t, "gmail", sess.search)
	})

	t.Run("列表显示别名收到的验证码", func(t *testing.T) {
		now := time.Now()
		sess := &fakeSession{active: true,
			aliases: []domain.Alias{
				{Name: "shop1", Domain: "example.com", ForwardTarget: "me@gmail.com", Status: domain.AliasStatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
				{Name: "shop2", Domain: "example.com", ForwardTarget: "me@gmail.com", Status: domain.AliasStatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
			},
			codes: []domain.ConfirmationCode{{Code: "778899", Sender: "a@b.com", Recipient: "shop1@example.com", ObservedAt: now}},
		}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "list")

		assert.Contains(t, out.String(), "CODE")
		lines := strings.Split(out.String(), "\n")
		var shop1, shop2 string
		for _, l := range lines {
			switch {
			case strings.HasPrefix(l, "shop1@"):
				shop1 = l
			case strings.HasPrefix(l, "shop2@"):
				shop2 = l
			}
		}
		assert.Contains(t, shop1, "778899")
		assert.NotContains(t, shop2, "778899")
	})

	t.Run("验证码清空", func(t *testing.T) {
		sess := &fakeSession{codes: []domain.ConfirmationCode{{Code: "123456", Sender: "a@b.com", ObservedAt: time.Now()}}}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "codes")
		assert.Contains(t, out.String(), "123456")

		c.Exec(ctx, "clear-codes")
		assert.Contains(t, out.String(), "Cleared 1 confirmation codes")
	})

	t.Run("日志过滤", func(t *testing.T) {
		sess := &fakeSession{logs: []domain.DeliveryLog{{
			ID: "l1", Subject: "=?UTF-8?B?WW91ciBjb2RlIGlzIDEyMzQ1Ng==?=", Sender: "a@b.com", Recipient: "shop@example.com",
			Created: time.Now(), Events: []domain.LogEvent{{Status: "DELIVERED"}},
		}}}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "logs has-code")

		assert.Equal(t, domain.LogFilterHasCode, sess.logFilter)
		assert.Contains(t, out.String(), "Your code is 123456")
		assert.Contains(t, out.String(), "DELIVERED")
	})

	t.Run("转发地址查看和保存", func(t *testing.T) {
		sess := &fakeSession{}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "forward")
		assert.Contains(t, out.String(), "(not set)")

		c.Exec(ctx, "forward me@gmail.com")
		assert.Equal(t, "me@gmail.com", sess.forward)
	})

	t.Run("统计和自动拉取", func(t *testing.T) {
		sess := &fakeSession{}
		c, out := newConsole(sess, nil)

		c.Exec(ctx, "auto")
		c.Exec(ctx, "stats")

		assert.True(t, sess.autoPoll)
		assert.Contains(t, out.String(), "Auto-load")
		assert.Contains(t, out.String(), "on")
	})

	t.Run("关闭当前通知", func(t *testing.T) {
		d := &fakeDismisser{current: "n1"}
		c, out := newConsole(&fakeSession{}, d)

		c.Exec(ctx, "dismiss")
		assert.Equal(t, []string{"n1"}, d.dismissed)

		d.current = ""
		c.Exec(ctx, "dismiss")
		assert.Contains(t, out.String(), "No notification to dismiss")
	})

	t.Run("未知命令和退出", func(t *testing.T) {
		c, out := newConsole(&fakeSession{}, nil)

		assert.True(t, c.Exec(ctx, "frobnicate"))
		assert.Contains(t, out.String(), "Unknown command")
		assert.True(t, c.Exec(ctx, "   "))
		assert.False(t, c.Exec(ctx, "quit"))
		assert.False(t, c.Exec(ctx, "EXIT"))
	})
}

func TestConsole_Run(t *testing.T) {
	t.Run("执行输入直到quit", func(t *testing.T) {
		sess := &fakeSession{}
		out := &bytes.Buffer{}
		c := New(strings.NewReader("poll\nrefresh\nquit\npurge\n"), out, sess, nil, nil)

		require.NoError(t, c.Run(context.Background()))

		assert.Equal(t, []string{"poll", "refresh"}, sess.calls)
		assert.Contains(t, out.String(), "aliasmx ready")
	})

	t.Run("输入结束返回", func(t *testing.T) {
		sess := &fakeSession{}
		c := New(strings.NewReader("help\n"), &bytes.Buffer{}, sess, nil, nil)

		done := make(chan error, 1)
		go func() { done <- c.Run(context.Background()) }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("console did not return on EOF")
		}
	})
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "4m00s", formatRemaining(domain.AliasTTL))
	assert.Equal(t, "3m05s", formatRemaining(3*time.Minute+5*time.Second))
	assert.Equal(t, "42s", formatRemaining(42*time.Second))
	assert.Equal(t, "0s", formatRemaining(-time.Second))
}
