package domain

import "time"

// ConfirmationCode 从邮件主题中提取出的验证码记录，创建后不可变。
type ConfirmationCode struct {
	Code        string    `json:"code"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	ObservedAt  time.Time `json:"time"`
	Subject     string    `json:"subject"`
	SourceLogID string    `json:"logId"`
	Rule        string    `json:"rule,omitempty"`
}

// CodeKey 验证码去重键 (code, sender, observedAt)。
type CodeKey struct {
	Code       string
	Sender     string
	ObservedAt int64
}

// DedupKey 返回去重键。
func (c *ConfirmationCode) DedupKey() CodeKey {
	return CodeKey{
		Code:       c.Code,
		Sender:     c.Sender,
		ObservedAt: c.ObservedAt.UnixNano(),
	}
}
