// Package signer 提供基于 HMAC-SHA256 的签名与校验。
//
// 规范化规则：字段按键排序，键和值分别做百分号转义后以 "=" 连接，
// 字段之间以 "&" 连接。转义保证不同的字段集合不会得到相同的字节串。
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrEmptySecret 密钥为空
var ErrEmptySecret = errors.New("signer: 密钥不能为空")

// Canonicalize 将字段集合规范化为待签名字节串
func Canonicalize(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
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
		b.WriteString(url.QueryEscape(fields[k]))
	}
	return []byte(b.String())
}

// Sign 计算签名，返回小写十六进制
func Sign(canonical, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	return hex.EncodeToString(mac(canonical, secret)), nil
}

// Verify 以常量时间比较签名，任何格式问题都返回 false
func Verify(canonical []byte, signature string, secret []byte) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	// 只接受小写十六进制，同一签名只有一种合法写法
	if hex.EncodeToString(got) != signature {
		return false
	}
	return hmac.Equal(got, mac(canonical, secret))
}

func mac(canonical, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(canonical)
	return h.Sum(nil)
}

// Signer 绑定密钥的签名器
type Signer struct {
	secret []byte
}

// New 创建签名器，密钥会被复制
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign 对规范化字节串签名
func (s *Signer) Sign(canonical []byte) string {
	return hex.EncodeToString(mac(canonical, s.secret))
}

// SignFields 规范化并签名
func (s *Signer) SignFields(fields map[string]string) string {
	return s.Sign(Canonicalize(fields))
}

// Verify 校验签名
func (s *Signer) Verify(canonical []byte, signature string) bool {
	return Verify(canonical, signature, s.secret)
}

// VerifyFields 规范化并校验签名
func (s *Signer) VerifyFields(fields map[string]string, signature string) bool {
	return Verify(Canonicalize(fields), signature, s.secret)
}
