package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/aliasmx/internal/config"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/monitoring"
)

type fakeSession struct {
	active      bool
	aliases     []domain.Alias
	codes       []domain.ConfirmationCode
	logs        []domain.DeliveryLog
	lastFilter  domain.AliasFilter
	lastSearch  string
	lastLogView domain.LogFilter
}

func (f *fakeSession) Active() bool          { return f.active }
func (f *fakeSession) Domain() string        { return "example.com" }
func (f *fakeSession) DeviceID() string      { return "device-1" }
func (f *fakeSession) AutoPollEnabled() bool { return true }

func (f *fakeSession) ListAliases(_ context.Context, filter domain.AliasFilter, search string) ([]domain.Alias, error) {
	if !f.active {
		return nil, domain.ErrNotLoggedIn
	}
	f.lastFilter = filter
	f.lastSearch = search
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

func (f *fakeSession) ListCodes(context.Context) ([]domain.ConfirmationCode, error) {
	return f.codes, nil
}

func (f *fakeSession) Logs(_ context.Context, filter domain.LogFilter) ([]domain.DeliveryLog, error) {
	f.lastLogView = filter
	return f.logs, nil
}

func (f *fakeSession) Stats(context.Context) (domain.DashboardStats, error) {
	return domain.DashboardStats{Total: 2, Active: 1, Expired: 1, Codes: len(f.codes)}, nil
}

type fakeHealth struct{}

func (fakeHealth) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (fakeHealth) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
}

func newTestRouter(sess *fakeSession) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDependencies{
		Config:  config.DiagnosticsConfig{AllowedOrigins: []string{"http://localhost"}},
		Session: sess,
		Health:  fakeHealth{},
		Metrics: monitoring.NewMetrics(),
	})
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Code int            `json:"code"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestRouter_API(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	sess := &fakeSession{
		active: true,
		aliases: []domain.Alias{
			{Name: "abc", Domain: "example.com", ForwardTarget: "me@gmail.com", Status: domain.AliasStatusActive, CreatedAt: now, ExpiresAt: now.Add(domain.AliasTTL)},
		},
		codes: []domain.ConfirmationCode{{Code: "123456", Sender: "no-reply@svc.com", Recipient: "abc@example.com", ObservedAt: now}},
	}
	r := newTestRouter(sess)

	t.Run("会话状态", func(t *testing.T) {
		w := doGet(r, "/api/session")

		require.Equal(t, http.StatusOK, w.Code)
		data := decode(t, w)
		assert.Equal(t, true, data["active"])
		assert.Equal(t, "example.com", data["domain"])
		assert.Equal(t, "device-1", data["deviceId"])
	})

	t.Run("别名列表传递过滤条件", func(t *testing.T) {
		w := doGet(r, "/api/aliases?filter=expired&search=ab")

		require.Equal(t, http.StatusOK, w.Code)
		data := decode(t, w)
		assert.EqualValues(t, 1, data["count"])
		assert.Contains(t, w.Body.String(), `"code":"123456"`)
		assert.Equal(t, domain.AliasFilterExpired, sess.lastFilter)
		assert.Equal(t, "ab", sess.lastSearch)
	})

	t.Run("验证码列表", func(t *testing.T) {
		w := doGet(r, "/api/codes")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "123456")
	})

	t.Run("空日志返回空数组", func(t *testing.T) {
		w := doGet(r, "/api/logs?filter=has-code")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"logs":[]`)
		assert.Equal(t, domain.LogFilterHasCode, sess.lastLogView)
	})

	t.Run("统计", func(t *testing.T) {
		w := doGet(r, "/api/stats")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"codes":1`)
	})

	t.Run("未登录返回401", func(t *testing.T) {
		r := newTestRouter(&fakeSession{})
		w := doGet(r, "/api/aliases")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "尚未登录")
	})

	t.Run("未知接口返回404", func(t *testing.T) {
		w := doGet(r, "/v1/mailboxes")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRouter_Ambient(t *testing.T) {
	r := newTestRouter(&fakeSession{})

	t.Run("健康检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, doGet(r, "/health/live").Code)
		assert.Equal(t, http.StatusServiceUnavailable, doGet(r, "/health/ready").Code)
	})

	t.Run("指标输出", func(t *testing.T) {
		doGet(r, "/api/session")
		w := doGet(r, "/metrics")

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "aliasmx_http_requests_total"))
	})

	t.Run("非本机请求被拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
