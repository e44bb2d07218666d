// Package codes 从投递日志主题中提取验证码并维护去重后的验证码登记表。
package codes

import (
	"regexp"
	"strings"
)

// Rule 提取规则：正则和捕获组
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Group   int
}

// DefaultRules 按优先级排列的默认规则，先匹配的规则胜出。
//
// 带标签的规则必须排在通用数字串之前，否则主题中与验证码无关的数字会被先捕获。
var DefaultRules = []Rule{
	{Name: "is-your-code", Pattern: regexp.MustCompile(`(?i)(\d{4,8})\s+is\s+(?:your\s+)?(?:confirmation|verification|security)?\s*code`), Group: 1},
	{Name: "code-is", Pattern: regexp.MustCompile(`(?i)(?:code|otp|verification)\s*(?:is|:)\s*(\d{4,8})`), Group: 1},
	{Name: "labeled-code", Pattern: regexp.MustCompile(`(?i)(?:confirmation|verification|security)\s*code\s*:?\s*(\d{4,8})`), Group: 1},
	{Name: "dashed-code", Pattern: regexp.MustCompile(`(?i)code\s*:?\s*([A-Z0-9]{3,}-[A-Z0-9]{3,}-[A-Z0-9]{3,})`), Group: 1},
	{Name: "otp", Pattern: regexp.MustCompile(`(?i)otp\s*:?\s*(\d{4,8})`), Group: 1},
	{Name: "digits", Pattern: regexp.MustCompile(`\b(\d{4,8})\b`), Group: 1},
}

// Matcher 按顺序应用提取规则
type Matcher struct {
	rules []Rule
}

// NewMatcher 创建匹配器，rules 为空时使用默认规则
func NewMatcher(rules ...Rule) *Matcher {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Matcher{rules: rules}
}

// Match 一次提取结果
type Match struct {
	Code string
	Rule string
}

// Extract 返回第一条命中规则的捕获内容，不再继续匹配后续规则
func (m *Matcher) Extract(subject string) (Match, bool) {
	if strings.TrimSpace(subject) == "" {
		return Match{}, false
	}
	for _, r := range m.rules {
		sub := r.Pattern.FindStringSubmatch(subject)
		if sub == nil || r.Group >= len(sub) || sub[r.Group] == "" {
			continue
		}
		return Match{Code: sub[r.Group], Rule: r.Name}, true
	}
	return Match{}, false
}

// Matches 判断主题中是否包含验证码
func (m *Matcher) Matches(subject string) bool {
	_, ok := m.Extract(subject)
	return ok
}
