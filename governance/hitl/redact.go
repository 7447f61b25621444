package hitl

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey", "credential",
	"authorization", "private_key", "seed", "mnemonic", "card", "iban",
}

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	walletPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
)

// Redact 返回去除敏感信息后的上下文副本。
// 敏感键整体替换，字符串中的邮箱和钱包地址做掩码。
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]any:
		return Redact(val)
	case []any:
		cp := make([]any, len(val))
		for i := range val {
			cp[i] = redactValue(val[i])
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		for i := range val {
			cp[i] = RedactString(val[i])
		}
		return cp
	default:
		return v
	}
}

// RedactString 对自由文本中的邮箱和钱包地址做掩码
func RedactString(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		at := strings.IndexByte(m, '@')
		return m[:1] + "***" + m[at:]
	})
	return walletPattern.ReplaceAllStringFunc(s, func(m string) string {
		return m[:6] + "…" + m[len(m)-4:]
	})
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
