package provider

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"tempmail/aliasmx/internal/domain"
)

// flexID 兼容数字和字符串两种 ID
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// flexTime 兼容 RFC3339、无时区时间串和 Unix 时间戳（秒或毫秒）
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*f = flexTime(time.Time{})
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			*f = flexTime(time.UnixMilli(n).UTC())
		} else {
			*f = flexTime(time.Unix(n, 0).UTC())
		}
		return nil
	}
	if fl, err := strconv.ParseFloat(raw, 64); err == nil {
		*f = flexTime(time.UnixMilli(int64(fl * 1000)).UTC())
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			*f = flexTime(t.UTC())
			return nil
		}
	}
	// 无法解析的时间按零值处理
	*f = flexTime(time.Time{})
	return nil
}

type party struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type logEvent struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Created flexTime `json:"created"`
}

type logEntry struct {
	ID        flexID     `json:"id"`
	Subject   string     `json:"subject"`
	Sender    party      `json:"sender"`
	Recipient party      `json:"recipient"`
	Created   flexTime   `json:"created"`
	Events    []logEvent `json:"events"`
}

func (e logEntry) toDomain() domain.DeliveryLog {
	events := make([]domain.LogEvent, 0, len(e.Events))
	for _, ev := range e.Events {
		events = append(events, domain.LogEvent{
			Status:  ev.Status,
			Message: ev.Message,
			Created: time.Time(ev.Created),
		})
	}
	return domain.DeliveryLog{
		ID:        string(e.ID),
		Subject:   e.Subject,
		Sender:    e.Sender.Email,
		Recipient: e.Recipient.Email,
		Created:   time.Time(e.Created),
		Events:    events,
	}
}

type logsResponse struct {
	Success bool       `json:"success"`
	Logs    []logEntry `json:"logs"`
}

type aliasRequest struct {
	Alias   string `json:"alias"`
	Forward string `json:"forward"`
}

type aliasResponse struct {
	Success bool `json:"success"`
	Alias   struct {
		ID      flexID `json:"id"`
		Alias   string `json:"alias"`
		Forward string `json:"forward"`
	} `json:"alias"`
}

// Account 账户信息（只取登录校验需要的字段）
type Account struct {
	Email   string `json:"email"`
	Plan    string `json:"plan"`
	Premium bool   `json:"premium"`
}

type accountResponse struct {
	Success bool    `json:"success"`
	Account Account `json:"account"`
}

type errorResponse struct {
	Success bool                       `json:"success"`
	Error   string                     `json:"error"`
	Errors  map[string]json.RawMessage `json:"errors"`
}

// flatten 展开 errors 对象中的所有消息，用 ", " 连接
func (e errorResponse) flatten() string {
	var parts []string
	for _, raw := range e.Errors {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			parts = append(parts, list...)
			continue
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			parts = append(parts, single)
		}
	}
	if len(parts) == 0 && e.Error != "" {
		parts = append(parts, e.Error)
	}
	return strings.Join(parts, ", ")
}
