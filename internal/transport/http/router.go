package httptransport

import (
	"context"
	"net/http"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/aliasmx/internal/config"
	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/middleware"
	"tempmail/aliasmx/internal/monitoring"
	"tempmail/aliasmx/internal/websocket"
)

// Session 诊断接口读取的会话视图
type Session interface {
	Active() bool
	Domain() string
	DeviceID() string
	AutoPollEnabled() bool
	ListAliases(ctx context.Context, filter domain.AliasFilter, search string) ([]domain.Alias, error)
	AliasCodes(ctx context.Context, aliases []domain.Alias) (map[string]string, error)
	ListCodes(ctx context.Context) ([]domain.ConfirmationCode, error)
	Logs(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryLog, error)
	Stats(ctx context.Context) (domain.DashboardStats, error)
}

// HealthEndpoints 健康检查处理器
type HealthEndpoints interface {
	LiveEndpoint(w http.ResponseWriter, r *http.Request)
	ReadyEndpoint(w http.ResponseWriter, r *http.Request)
}

// AliasView 别名及其收到的验证码
type AliasView struct {
	domain.Alias
	Code string `json:"code,omitempty"`
}

// Handler 聚合诊断接口处理逻辑
type Handler struct {
	session Session
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       config.DiagnosticsConfig
	Session      Session
	Health       HealthEndpoints
	Metrics      *monitoring.Metrics
	WebSocketHub *websocket.Hub
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.LoopbackOnly(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(mm.HTTPMetrics())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.AllowedOrigins,
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 || corsConfig.AllowAllOrigins {
		router.Use(gincors.New(corsConfig))
	}

	handler := &Handler{session: deps.Session}

	// 健康检查
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	// 指标
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// 事件推送
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	api := router.Group("/api")
	{
		api.GET("/session", handler.getSession)
		api.GET("/stats", handler.getStats)
		api.GET("/aliases", handler.listAliases)
		api.GET("/codes", handler.listCodes)
		api.GET("/logs", handler.listLogs)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, MsgRouteNotFound)
	})

	return router
}

// SessionInfo 会话状态
type SessionInfo struct {
	Active   bool   `json:"active"`
	Domain   string `json:"domain,omitempty"`
	DeviceID string `json:"deviceId"`
	AutoPoll bool   `json:"autoPoll"`
}

// getSession godoc
// @Summary 会话状态
// @Tags Diagnostics
// @Produce json
// @Success 200 {object} Response{data=SessionInfo}
// @Router /api/session [get]
func (h *Handler) getSession(c *gin.Context) {
	Success(c, SessionInfo{
		Active:   h.session.Active(),
		Domain:   h.session.Domain(),
		DeviceID: h.session.DeviceID(),
		AutoPoll: h.session.AutoPollEnabled(),
	})
}

// getStats godoc
// @Summary 仪表盘计数
// @Tags Diagnostics
// @Produce json
// @Success 200 {object} Response{data=domain.DashboardStats}
// @Router /api/stats [get]
func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.session.Stats(c.Request.Context())
	if err != nil {
		handleError(c, err, MsgStatsFailed)
		return
	}
	Success(c, stats)
}

// listAliases godoc
// @Summary 别名列表
// @Description 按创建时间倒序返回当前域名下的别名
// @Tags Diagnostics
// @Produce json
// @Param filter query string false "all / active / expired"
// @Param search query string false "名称或转发地址关键字"
// @Success 200 {object} Response{data=object{aliases=[]AliasView,count=int}}
// @Router /api/aliases [get]
func (h *Handler) listAliases(c *gin.Context) {
	filter := domain.ParseAliasFilter(c.Query("filter"))
	aliases, err := h.session.ListAliases(c.Request.Context(), filter, c.Query("search"))
	if err != nil {
		handleError(c, err, MsgAliasListFailed)
		return
	}
	codes, err := h.session.AliasCodes(c.Request.Context(), aliases)
	if err != nil {
		handleError(c, err, MsgAliasListFailed)
		return
	}

	views := make([]AliasView, 0, len(aliases))
	for _, a := range aliases {
		views = append(views, AliasView{Alias: a, Code: codes[strings.ToLower(a.Name)]})
	}
	Success(c, gin.H{
		"aliases": views,
		"count":   len(views),
	})
}

// listCodes godoc
// @Summary 验证码列表
// @Tags Diagnostics
// @Produce json
// @Success 200 {object} Response{data=object{codes=[]domain.ConfirmationCode,count=int}}
// @Router /api/codes [get]
func (h *Handler) listCodes(c *gin.Context) {
	list, err := h.session.ListCodes(c.Request.Context())
	if err != nil {
		handleError(c, err, MsgCodeListFailed)
		return
	}
	if list == nil {
		list = []domain.ConfirmationCode{}
	}
	Success(c, gin.H{
		"codes": list,
		"count": len(list),
	})
}

// listLogs godoc
// @Summary 本设备投递日志
// @Tags Diagnostics
// @Produce json
// @Param filter query string false "all / delivered / failed / pending / has-code"
// @Success 200 {object} Response{data=object{logs=[]domain.DeliveryLog,count=int}}
// @Router /api/logs [get]
func (h *Handler) listLogs(c *gin.Context) {
	logs, err := h.session.Logs(c.Request.Context(), domain.ParseLogFilter(c.Query("filter")))
	if err != nil {
		handleError(c, err, MsgLogListFailed)
		return
	}
	if logs == nil {
		logs = []domain.DeliveryLog{}
	}
	Success(c, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}
