package codes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tempmail/aliasmx/internal/domain"
)

// MockStore 模拟验证码存储
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LoadCodes(ctx context.Context) ([]domain.ConfirmationCode, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ConfirmationCode), args.Error(1)
}

func (m *MockStore) SaveCodes(ctx context.Context, codes []domain.ConfirmationCode) error {
	args := m.Called(ctx, codes)
	return args.Error(0)
}

func TestMatcherExtract(t *testing.T) {
	m := NewMatcher()

	tests := []struct {
		name    string
		subject string
		code    string
		rule    string
		ok      bool
	}{
		{"数字在前的验证码", "482913 is your verification code", "482913", "is-your-code", true},
		{"OTP冒号格式", "Your OTP: 7841", "7841", "code-is", true},
		{"没有验证码", "Hello there, no code here", "", "", false},
		{"标签优先于通用数字", "Order 5555 shipped\nverification code: 1234", "1234", "code-is", true},
		{"短横线分段验证码", "Your code: AB3-XY9-Q7Z", "AB3-XY9-Q7Z", "dashed-code", true},
		{"安全码", "Security code 99887", "99887", "labeled-code", true},
		{"通用数字兜底", "Welcome 2024 member", "2024", "digits", true},
		{"数字过长不匹配", "Ref 123456789", "", "", false},
		{"空主题", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Extract(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.rule, got.Rule)
			assert.Equal(t, tt.ok, m.Matches(tt.subject))
		})
	}
}

func TestDecodeSubject(t *testing.T) {
	t.Run("普通主题原样返回", func(t *testing.T) {
		assert.Equal(t, "123456 is your code", DecodeSubject("123456 is your code"))
	})

	t.Run("解码UTF-8编码字", func(t *testing.T) {
		assert.Equal(t, "验证码 123456", DecodeSubject("=?UTF-8?B?6aqM6K+B56CBIDEyMzQ1Ng==?="))
	})

	t.Run("解码GBK编码字", func(t *testing.T) {
		// "验证码" 的 GBK 编码
		assert.Equal(t, "验证码 654321", DecodeSubject("=?GBK?B?0enWpMLr?= 654321"))
	})

	t.Run("未知字符集原样返回", func(t *testing.T) {
		raw := "=?x-unknown?B?MTIzNA==?="
		assert.Equal(t, raw, DecodeSubject(raw))
	})
}

func TestRegistryIngest(t *testing.T) {
	observed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	logs := []domain.DeliveryLog{
		{ID: "log-1", Subject: "482913 is your verification code", Sender: "no-reply@shop.com", Recipient: "promo@x.com", Created: observed},
		{ID: "log-2", Subject: "Newsletter", Sender: "news@shop.com", Recipient: "promo@x.com", Created: observed},
	}

	t.Run("重复摄入只保留一条", func(t *testing.T) {
		store := new(MockStore)
		store.On("SaveCodes", mock.Anything, mock.Anything).Return(nil).Once()
		r := NewRegistry(nil, store, nil)

		added, err := r.Ingest(context.Background(), logs)
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.Equal(t, "482913", added[0].Code)
		assert.Equal(t, "log-1", added[0].SourceLogID)

		added, err = r.Ingest(context.Background(), logs)
		require.NoError(t, err)
		assert.Empty(t, added)
		assert.Equal(t, 1, r.Len())
		store.AssertExpectations(t)
	})

	t.Run("同一批次内的重复日志去重", func(t *testing.T) {
		store := new(MockStore)
		store.On("SaveCodes", mock.Anything, mock.MatchedBy(func(c []domain.ConfirmationCode) bool {
			return len(c) == 1
		})).Return(nil).Once()
		r := NewRegistry(nil, store, nil)

		added, err := r.Ingest(context.Background(), []domain.DeliveryLog{logs[0], logs[0]})
		require.NoError(t, err)
		assert.Len(t, added, 1)
		store.AssertExpectations(t)
	})

	t.Run("缺失发件人使用Unknown", func(t *testing.T) {
		store := new(MockStore)
		store.On("SaveCodes", mock.Anything, mock.Anything).Return(nil)
		r := NewRegistry(nil, store, nil)

		added, err := r.Ingest(context.Background(), []domain.DeliveryLog{{ID: "l", Subject: "OTP: 1234", Created: observed}})
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.Equal(t, "Unknown", added[0].Sender)
		assert.Equal(t, "Unknown", added[0].Recipient)
	})

	t.Run("持久化失败仍返回新增条目", func(t *testing.T) {
		store := new(MockStore)
		store.On("SaveCodes", mock.Anything, mock.Anything).Return(errors.New("disk full"))
		r := NewRegistry(nil, store, nil)

		added, err := r.Ingest(context.Background(), logs)
		assert.Error(t, err)
		assert.Len(t, added, 1)
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistryLoadListClear(t *testing.T) {
	older := domain.ConfirmationCode{Code: "1111", Sender: "a@s.com", Recipient: "one@x.com", ObservedAt: time.Unix(100, 0)}
	newer := domain.ConfirmationCode{Code: "2222", Sender: "b@s.com", Recipient: "two@x.com", ObservedAt: time.Unix(200, 0)}

	store := new(MockStore)
	store.On("LoadCodes", mock.Anything).Return([]domain.ConfirmationCode{older, newer, older}, nil)
	store.On("SaveCodes", mock.Anything, []domain.ConfirmationCode(nil)).Return(nil)
	r := NewRegistry(nil, store, nil)

	require.NoError(t, r.Load(context.Background()))
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "2222", list[0].Code)
	assert.Equal(t, "1111", list[1].Code)

	c, ok := r.ForRecipient("TWO")
	assert.True(t, ok)
	assert.Equal(t, "2222", c.Code)

	require.NoError(t, r.Clear(context.Background()))
	assert.Equal(t, 0, r.Len())
	_, ok = r.ForRecipient("two")
	assert.False(t, ok)
}
