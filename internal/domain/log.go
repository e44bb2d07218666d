package domain

import (
	"strings"
	"time"
)

// 投递事件状态（服务商返回的原始值）。
const (
	LogStatusDelivered = "DELIVERED"
	LogStatusRefused   = "REFUSED"
	LogStatusFailed    = "FAILED"
	LogStatusPending   = "PENDING"
	LogStatusQueued    = "QUEUED"
	LogStatusSpam      = "SPAM"
	LogStatusUnknown   = "UNKNOWN"
)

// LogEvent 投递日志中的单个事件。
type LogEvent struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Created time.Time `json:"created"`
}

// DeliveryLog 服务商返回的一条投递日志。
type DeliveryLog struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Created   time.Time  `json:"created"`
	Events    []LogEvent `json:"events"`
}

// LastStatus 返回最后一个事件的状态。
func (l *DeliveryLog) LastStatus() string {
	if len(l.Events) == 0 || l.Events[len(l.Events)-1].Status == "" {
		return LogStatusUnknown
	}
	return strings.ToUpper(l.Events[len(l.Events)-1].Status)
}

// RecipientLocalPart 返回收件人地址 @ 前的部分（小写）。
func (l *DeliveryLog) RecipientLocalPart() string {
	local, _, _ := strings.Cut(l.Recipient, "@")
	return strings.ToLower(strings.TrimSpace(local))
}

// LogFilter 日志视图过滤条件。
type LogFilter string

const (
	LogFilterAll       LogFilter = "all"
	LogFilterDelivered LogFilter = "delivered"
	LogFilterFailed    LogFilter = "failed"
	LogFilterPending   LogFilter = "pending"
	LogFilterHasCode   LogFilter = "has-code"
)

// ParseLogFilter 解析日志过滤条件，未知值按 all 处理。
func ParseLogFilter(value string) LogFilter {
	switch f := LogFilter(strings.ToLower(strings.TrimSpace(value))); f {
	case LogFilterDelivered, LogFilterFailed, LogFilterPending, LogFilterHasCode:
		return f
	default:
		return LogFilterAll
	}
}

// MatchesStatus 按最后事件状态判断是否符合过滤条件。has-code 需要调用方另行判断。
func (f LogFilter) MatchesStatus(l *DeliveryLog) bool {
	status := l.LastStatus()
	switch f {
	case LogFilterDelivered:
		return status == LogStatusDelivered
	case LogFilterFailed:
		return status == LogStatusRefused || status == LogStatusFailed
	case LogFilterPending:
		return status == LogStatusPending || status == LogStatusQueued
	default:
		return true
	}
}
