package domain

import "time"

// Severity 通知级别。
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification 短暂展示的用户提醒，不持久化。
type Notification struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Message  string        `json:"message"`
	Severity Severity      `json:"type"`
	Duration time.Duration `json:"duration"`
}
