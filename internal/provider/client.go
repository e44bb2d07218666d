// Package provider 调用 ImprovMX v3 接口创建、删除别名并拉取投递日志。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempmail/aliasmx/internal/domain"
)

// DefaultBaseURL ImprovMX v3 接口地址
const DefaultBaseURL = "https://api.improvmx.com/v3"

const selfForwardMessage = "You cannot use your domain in your email"

// API 邮件转发服务商接口
type API interface {
	Account(ctx context.Context) (*Account, error)
	CreateAlias(ctx context.Context, domainName, alias, forward string) (remoteID string, err error)
	DeleteAlias(ctx context.Context, domainName, alias string) error
	FetchLogs(ctx context.Context, domainName string) ([]domain.DeliveryLog, error)
}

// Factory 根据 API Key 创建接口客户端
type Factory func(apiKey string) API

// Options 客户端参数
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // 每秒请求数
	Burst     int
}

// Client ImprovMX HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient 创建客户端
func NewClient(opts Options, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, opts.Burst),
		logger:     logger,
	}
}

// NewFactory 返回共享参数的客户端工厂
func NewFactory(opts Options, logger *zap.Logger) Factory {
	return func(apiKey string) API {
		return NewClient(opts, apiKey, logger)
	}
}

// Account 获取账户信息，用于校验 API Key
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var resp accountResponse
	if err := c.do(ctx, "account", http.MethodGet, "/account", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Account, nil
}

// CreateAlias 创建转发别名，返回服务商侧 ID
func (c *Client) CreateAlias(ctx context.Context, domainName, alias, forward string) (string, error) {
	var resp aliasResponse
	path := "/domains/" + url.PathEscape(domainName) + "/aliases"
	body := aliasRequest{Alias: alias, Forward: forward}
	if err := c.do(ctx, "create alias", http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &domain.RemoteError{Op: "create alias", Message: "provider reported failure"}
	}
	return string(resp.Alias.ID), nil
}

// DeleteAlias 删除转发别名
func (c *Client) DeleteAlias(ctx context.Context, domainName, alias string) error {
	path := "/domains/" + url.PathEscape(domainName) + "/aliases/" + url.PathEscape(alias)
	return c.do(ctx, "delete alias", http.MethodDelete, path, nil, nil)
}

// FetchLogs 拉取域名下的投递日志
func (c *Client) FetchLogs(ctx context.Context, domainName string) ([]domain.DeliveryLog, error) {
	var resp logsResponse
	path := "/domains/" + url.PathEscape(domainName) + "/logs"
	if err := c.do(ctx, "fetch logs", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	logs := make([]domain.DeliveryLog, 0, len(resp.Logs))
	for _, entry := range resp.Logs {
		logs = append(logs, entry.toDomain())
	}
	return logs, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.SetBasicAuth("api", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("provider request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func decodeError(op string, status int, data []byte) error {
	var payload errorResponse
	message := "API error"
	if err := json.Unmarshal(data, &payload); err == nil {
		if flat := payload.flatten(); flat != "" {
			message = flat
		}
	}

	remote := &domain.RemoteError{Op: op, Status: status, Message: message}
	if strings.Contains(message, selfForwardMessage) {
		remote.Err = domain.NewValidationError("forward", "cannot forward to your own domain email", domain.ErrInvalidForwardTarget)
	}
	return remote
}

// IsNotFound 判断服务商是否返回 404
func IsNotFound(err error) bool {
	var remote *domain.RemoteError
	return errors.As(err, &remote) && remote.Status == http.StatusNotFound
}
