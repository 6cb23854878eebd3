// Package sign implements the request signing schemes of the supported venues.
// All functions are pure; callers supply timestamps and nonces.
package sign

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

var ErrEmptySecret = errors.New("sign: empty secret")

// CanonicalQuery 按 key 排序，以 k=v 用 '&' 连接，值做 query 转义。
func CanonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// HMACSHA256Hex 返回 payload 的小写十六进制 HMAC-SHA256。
func HMACSHA256Hex(secret, payload string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Binance signs the canonical query with HMAC-SHA256.
func Binance(secret string, params map[string]string) (string, error) {
	return HMACSHA256Hex(secret, CanonicalQuery(params))
}

// LBank digests the canonical query with MD5 (upper-case hex) and then signs
// the digest with HMAC-SHA256. The "sign" key itself is never part of the
// payload.
func LBank(secret string, params map[string]string) (string, error) {
	filtered := make(map[string]string, len(params))
	for k, v := range params {
		if k == "sign" {
			continue
		}
		filtered[k] = v
	}
	sum := md5.Sum([]byte(unescapedQuery(filtered)))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	return HMACSHA256Hex(secret, digest)
}

// LBank signs the raw (unescaped) sorted parameter string.
func unescapedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// NobitexToken 返回 token 认证使用的 Authorization 头。
func NobitexToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	return "Token " + token
}
