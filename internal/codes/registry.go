package codes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempmail/aliasmx/internal/domain"
)

const unknownParty = "Unknown"

// Store 验证码持久化
type Store interface {
	LoadCodes(ctx context.Context) ([]domain.ConfirmationCode, error)
	SaveCodes(ctx context.Context, codes []domain.ConfirmationCode) error
}

// Registry 去重的验证码登记表，只追加，整体清空。
//
// Registry 不加锁，调用方需保证在同一个事件循环中访问。
type Registry struct {
	matcher *Matcher
	store   Store
	logger  *zap.Logger
	now     func() time.Time

	entries []domain.ConfirmationCode
	seen    map[domain.CodeKey]struct{}
}

// NewRegistry 创建验证码登记表
func NewRegistry(matcher *Matcher, store Store, logger *zap.Logger) *Registry {
	if matcher == nil {
		matcher = NewMatcher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		matcher: matcher,
		store:   store,
		logger:  logger,
		now:     time.Now,
		seen:    make(map[domain.CodeKey]struct{}),
	}
}

// Load 从存储加载已保存的验证码，重复项被丢弃
func (r *Registry) Load(ctx context.Context) error {
	codes, err := r.store.LoadCodes(ctx)
	if err != nil {
		return fmt.Errorf("load codes: %w", err)
	}

	r.entries = r.entries[:0]
	r.seen = make(map[domain.CodeKey]struct{}, len(codes))
	for _, c := range codes {
		key := c.DedupKey()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.entries = append(r.entries, c)
	}
	return nil
}

// Ingest 从日志中提取验证码，返回本次新增的条目。
//
// 每条日志最多提取一个验证码，去重键为 (code, sender, observedAt)。有新增时整体持久化。
func (r *Registry) Ingest(ctx context.Context, logs []domain.DeliveryLog) ([]domain.ConfirmationCode, error) {
	var added []domain.ConfirmationCode
	for i := range logs {
		entry, ok := r.extract(&logs[i])
		if !ok {
			continue
		}
		key := entry.DedupKey()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.entries = append(r.entries, entry)
		added = append(added, entry)
	}

	if len(added) == 0 {
		return nil, nil
	}

	r.logger.Info("Confirmation codes detected", zap.Int("count", len(added)))
	if err := r.store.SaveCodes(ctx, r.entries); err != nil {
		return added, fmt.Errorf("save codes: %w", err)
	}
	return added, nil
}

func (r *Registry) extract(log *domain.DeliveryLog) (domain.ConfirmationCode, bool) {
	subject := DecodeSubject(log.Subject)
	m, ok := r.matcher.Extract(subject)
	if !ok {
		return domain.ConfirmationCode{}, false
	}

	observed := log.Created
	if observed.IsZero() {
		observed = r.now()
	}
	logID := log.ID
	if logID == "" {
		logID = strconv.FormatInt(observed.UnixMilli(), 10)
	}

	return domain.ConfirmationCode{
		Code:        m.Code,
		Sender:      orUnknown(log.Sender),
		Recipient:   orUnknown(log.Recipient),
		ObservedAt:  observed,
		Subject:     subject,
		SourceLogID: logID,
		Rule:        m.Rule,
	}, true
}

// List 返回按时间倒序的副本
func (r *Registry) List() []domain.ConfirmationCode {
	out := make([]domain.ConfirmationCode, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	return out
}

// Len 返回条目数
func (r *Registry) Len() int {
	return len(r.entries)
}

// ForRecipient 返回发往指定别名的第一条验证码
func (r *Registry) ForRecipient(localPart string) (domain.ConfirmationCode, bool) {
	localPart = strings.ToLower(localPart)
	for _, c := range r.entries {
		name, _, _ := strings.Cut(c.Recipient, "@")
		if strings.ToLower(name) == localPart {
			return c, true
		}
	}
	return domain.ConfirmationCode{}, false
}

// Clear 清空全部验证码并持久化
func (r *Registry) Clear(ctx context.Context) error {
	r.entries = nil
	r.seen = make(map[domain.CodeKey]struct{})
	if err := r.store.SaveCodes(ctx, nil); err != nil {
		return fmt.Errorf("clear codes: %w", err)
	}
	return nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownParty
	}
	return s
}
