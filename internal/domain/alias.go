package domain

import (
	"strings"
	"time"
)

// AliasTTL 每个别名固定的有效期。
const AliasTTL = 4 * time.Minute

// AliasStatus 别名状态。
type AliasStatus string

const (
	AliasStatusActive  AliasStatus = "active"
	AliasStatusExpired AliasStatus = "expired"
)

// AliasFilter 别名列表过滤条件。
type AliasFilter string

const (
	AliasFilterAll     AliasFilter = "all"
	AliasFilterActive  AliasFilter = "active"
	AliasFilterExpired AliasFilter = "expired"
)

// ParseAliasFilter 解析过滤条件，未知值按 all 处理。
func ParseAliasFilter(value string) AliasFilter {
	switch AliasFilter(strings.ToLower(strings.TrimSpace(value))) {
	case AliasFilterActive:
		return AliasFilterActive
	case AliasFilterExpired:
		return AliasFilterExpired
	default:
		return AliasFilterAll
	}
}

// AliasKey 别名的组合键，按 (域名, 别名) 唯一。
type AliasKey struct {
	Domain string
	Name   string
}

// NewAliasKey 创建标准化（小写）的组合键。
func NewAliasKey(domain, name string) AliasKey {
	return AliasKey{
		Domain: strings.ToLower(strings.TrimSpace(domain)),
		Name:   strings.ToLower(strings.TrimSpace(name)),
	}
}

// String 返回完整地址形式，仅用于日志。
func (k AliasKey) String() string {
	return k.Name + "@" + k.Domain
}

// Alias 表示服务商侧创建的短期转发别名。
type Alias struct {
	Name          string      `json:"alias"`
	Domain        string      `json:"domain"`
	ForwardTarget string      `json:"forward"`
	CreatedAt     time.Time   `json:"created"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	OwnerDeviceID string      `json:"deviceId"`
	RemoteID      string      `json:"id"`
	Status        AliasStatus `json:"status"`

	// DeletionAttempted 到期删除已向服务商发起过，之后不再发起
	DeletionAttempted bool `json:"deletionAttempted,omitempty"`
}

// Key 返回别名的组合键。
func (a *Alias) Key() AliasKey {
	return NewAliasKey(a.Domain, a.Name)
}

// Address 返回别名完整地址。
func (a *Alias) Address() string {
	return a.Name + "@" + a.Domain
}

// IsExpiredAt 判断在给定时间点别名是否已过期。
func (a *Alias) IsExpiredAt(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Remaining 返回剩余有效时间，已过期返回 0。
func (a *Alias) Remaining(now time.Time) time.Duration {
	if a.IsExpiredAt(now) {
		return 0
	}
	return a.ExpiresAt.Sub(now)
}

// MatchesFilter 判断别名是否符合状态过滤。
func (a *Alias) MatchesFilter(filter AliasFilter) bool {
	switch filter {
	case AliasFilterActive:
		return a.Status == AliasStatusActive
	case AliasFilterExpired:
		return a.Status == AliasStatusExpired
	default:
		return true
	}
}

// MatchesSearch 大小写不敏感地匹配完整地址或转发地址。
func (a *Alias) MatchesSearch(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(a.Address()), term) ||
		strings.Contains(strings.ToLower(a.ForwardTarget), term)
}

// AliasCollection 按域名分组的别名集合，组内顺序即创建顺序。
type AliasCollection map[string][]*Alias

// PurgeResult 批量清理过期别名的结果。
type PurgeResult struct {
	Deleted int `json:"deletedCount"`
	Failed  int `json:"failedCount"`
}

// DashboardStats 仪表盘计数。
type DashboardStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Codes   int `json:"codes"`
}
