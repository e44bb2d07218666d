package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedQueue int

func (q fixedQueue) Pending() int { return int(q) }

func TestMetrics(t *testing.T) {
	t.Run("别名与拉取指标", func(t *testing.T) {
		m := NewMetrics()
		m.AliasCreated()
		m.AliasCreated()
		m.AliasExpired()
		m.AliasPurged(3, 1)
		m.RemoteDeleteFailed()
		m.PollCompleted(true, 2, 1)
		m.PollFailed(false)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.AliasesCreated))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.AliasesExpired))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.AliasesPurged.WithLabelValues("deleted")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.AliasesPurged.WithLabelValues("failed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PollsTotal.WithLabelValues("auto", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PollsTotal.WithLabelValues("manual", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CodesDetected))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("remote_delete", "alias")))
	})

	t.Run("实例之间互不影响", func(t *testing.T) {
		a, b := NewMetrics(), NewMetrics()
		a.AliasCreated()
		assert.Equal(t, 0.0, testutil.ToFloat64(b.AliasesCreated))
	})

	t.Run("HTTP处理器输出指标", func(t *testing.T) {
		m := NewMetrics()
		m.RecordHTTPRequest(http.MethodGet, "/api/stats", http.StatusOK, 10*time.Millisecond)

		rec := httptest.NewRecorder()
		m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `aliasmx_http_requests_total{endpoint="/api/stats",method="GET",status_code="200"} 1`)
	})
}

func TestCollector(t *testing.T) {
	ctx := context.Background()

	t.Run("采集运行时与别名计数", func(t *testing.T) {
		m := NewMetrics()
		c := NewCollector(m, fixedQueue(3), func(context.Context) (int, int, error) { return 2, 1, nil }, nil)
		c.Collect(ctx)

		assert.Equal(t, 3.0, testutil.ToFloat64(m.LoopQueueSize))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.AliasesActive))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingDeletions))
		assert.Positive(t, testutil.ToFloat64(m.Goroutines))
	})

	t.Run("别名计数失败时保留旧值", func(t *testing.T) {
		m := NewMetrics()
		m.AliasesActive.Set(5)
		c := NewCollector(m, nil, func(context.Context) (int, int, error) { return 0, 0, errors.New("not logged in") }, nil)
		c.Collect(ctx)

		assert.Equal(t, 5.0, testutil.ToFloat64(m.AliasesActive))
	})
}
