package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("key not found")

// 持久化键
const (
	KeyDeviceID      = "temp_mail_device_id"
	KeyAPIKey        = "improvmx_api_key"
	KeyDomain        = "improvmx_domain"
	KeyForwardTarget = "improvmx_saved_forward_email"
	KeyCodes         = "temp_mail_confirmation_codes"
	KeyAutoPoll      = "temp_mail_auto_load"
	KeyAliases       = "improvmx_aliases"
)

// KV 字符串键值存储，实现需并发安全。
type KV interface {
	Get(ctx context.Context, key string) (string, error) // 键不存在返回 ErrNotFound
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Health(ctx context.Context) error
	Close() error
}

// State 在 KV 之上提供类型化的状态读写
type State struct {
	kv     KV
	logger *zap.Logger
}

// NewState 创建状态存储
func NewState(kv KV, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{kv: kv, logger: logger}
}

// KV 返回底层存储
func (s *State) KV() KV {
	return s.kv
}

// loadJSON 读取 JSON 值，内容损坏时删除该键并返回 false
func (s *State) loadJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.logger.Warn("Discarding corrupt persisted state", zap.String("key", key), zap.Error(err))
		if rmErr := s.kv.Remove(ctx, key); rmErr != nil {
			s.logger.Error("Failed to remove corrupt key", zap.String("key", key), zap.Error(rmErr))
		}
		return false, nil
	}
	return true, nil
}

func (s *State) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// LoadAliases 读取按域名分组的别名集合
func (s *State) LoadAliases(ctx context.Context) (domain.AliasCollection, error) {
	collection := make(domain.AliasCollection)
	if _, err := s.loadJSON(ctx, KeyAliases, &collection); err != nil {
		return nil, err
	}
	if collection == nil {
		collection = make(domain.AliasCollection)
	}
	// 旧记录缺少域名字段时以分组键补齐
	for d, list := range collection {
		for _, a := range list {
			if a != nil && a.Domain == "" {
				a.Domain = d
			}
		}
	}
	return collection, nil
}

// SaveAliases 整体写入别名集合
func (s *State) SaveAliases(ctx context.Context, collection domain.AliasCollection) error {
	return s.saveJSON(ctx, KeyAliases, collection)
}

// LoadCodes 读取验证码列表
func (s *State) LoadCodes(ctx context.Context) ([]domain.ConfirmationCode, error) {
	var codes []domain.ConfirmationCode
	if _, err := s.loadJSON(ctx, KeyCodes, &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// SaveCodes 整体写入验证码列表
func (s *State) SaveCodes(ctx context.Context, codes []domain.ConfirmationCode) error {
	if codes == nil {
		codes = []domain.ConfirmationCode{}
	}
	return s.saveJSON(ctx, KeyCodes, codes)
}

// DeviceID 返回本机设备标识，不存在时生成并保存
func (s *State) DeviceID(ctx context.Context) (string, error) {
	id, err := s.kv.Get(ctx, KeyDeviceID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("get device id: %w", err)
	}

	id = "device_" + uuid.NewString()
	if err := s.kv.Set(ctx, KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

// AutoPoll 读取自动轮询偏好，未保存时返回 def
func (s *State) AutoPoll(ctx context.Context, def bool) bool {
	raw, err := s.kv.Get(ctx, KeyAutoPoll)
	if err != nil {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// SetAutoPoll 保存自动轮询偏好
func (s *State) SetAutoPoll(ctx context.Context, enabled bool) error {
	return s.kv.Set(ctx, KeyAutoPoll, strconv.FormatBool(enabled))
}

// ForwardTarget 返回保存的转发地址
func (s *State) ForwardTarget(ctx context.Context) string {
	v, err := s.kv.Get(ctx, KeyForwardTarget)
	if err != nil {
		return ""
	}
	return v
}

// SetForwardTarget 保存转发地址
func (s *State) SetForwardTarget(ctx context.Context, target string) error {
	return s.kv.Set(ctx, KeyForwardTarget, target)
}

// Credentials 返回保存的 API Key 和域名，任一缺失时 ok 为 false
func (s *State) Credentials(ctx context.Context) (apiKey, domainName string, ok bool) {
	apiKey, err := s.kv.Get(ctx, KeyAPIKey)
	if err != nil || apiKey == "" {
		return "", "", false
	}
	domainName, err = s.kv.Get(ctx, KeyDomain)
	if err != nil || domainName == "" {
		return "", "", false
	}
	return apiKey, domainName, true
}

// SaveCredentials 保存登录凭据
func (s *State) SaveCredentials(ctx context.Context, apiKey, domainName string) error {
	if err := s.kv.Set(ctx, KeyAPIKey, apiKey); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	if err := s.kv.Set(ctx, KeyDomain, domainName); err != nil {
		return fmt.Errorf("save domain: %w", err)
	}
	return nil
}

// ClearCredentials 删除登录凭据
func (s *State) ClearCredentials(ctx context.Context) error {
	return errors.Join(
		s.kv.Remove(ctx, KeyAPIKey),
		s.kv.Remove(ctx, KeyDomain),
	)
}
