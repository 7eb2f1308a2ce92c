// Package token 负责票据二维码内容的编码与解码。
//
// 令牌格式（v1）：
//
//	v1.<base64url(AEAD nonce || 密文+tag)>.<hex HMAC-SHA256>
//
// 载荷以 CBOR 确定性编码序列化，使用 XChaCha20-Poly1305 加密，版本标签
// 作为 AAD；签名覆盖 "v1." 与密文部分。加密密钥与签名密钥由主密钥经
// HKDF-SHA256 派生，互不相同。解码失败一律返回 ErrInvalidToken。
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/signer"
)

// VersionV1 当前令牌版本
const VersionV1 = "v1"

// MinMasterKeySize 主密钥最小长度
const MinMasterKeySize = 32

const keySize = chacha20poly1305.KeySize

var (
	hkdfInfoEncryption = []byte("littlegate.token.enc.v1")
	hkdfInfoSigning    = []byte("littlegate.token.sig.v1")
)

// Codec 令牌编解码器，只读无状态，可并发使用
type Codec struct {
	encKey []byte
	signer *signer.Signer
	now    func() time.Time
	rand   io.Reader
}

// Option 编解码器选项
type Option func(*Codec)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithRandom 替换随机源，测试使用
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.rand = r }
}

// NewCodec 由主密钥创建编解码器
func NewCodec(masterKey []byte, opts ...Option) (*Codec, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, fmt.Errorf("token: 主密钥至少%d字节，当前%d字节", MinMasterKeySize, len(masterKey))
	}

	encKey, err := deriveKey(masterKey, hkdfInfoEncryption)
	if err != nil {
		return nil, err
	}
	sigKey, err := deriveKey(masterKey, hkdfInfoSigning)
	if err != nil {
		return nil, err
	}
	s, err := signer.New(sigKey)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		encKey: encKey,
		signer: s,
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode 编码载荷。每次调用都会生成新的载荷随机数和 AEAD nonce，
// 相同的逻辑内容不会得到相同的令牌。
func (c *Codec) Encode(p Payload) (string, error) {
	if p.IssuedAt.IsZero() {
		p.IssuedAt = c.now()
	}
	if err := p.validate(); err != nil {
		return "", fmt.Errorf("token: 载荷不完整: %w", err)
	}

	nonce := make([]byte, PayloadNonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("token: 生成载荷随机数失败: %w", err)
	}
	p.Nonce = nonce

	plaintext, err := marshalV1(&p)
	if err != nil {
		return "", fmt.Errorf("token: 序列化载荷失败: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return "", fmt.Errorf("token: 创建XChaCha20-Poly1305失败: %w", err)
	}

	sealed := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(c.rand, sealed); err != nil {
		return "", fmt.Errorf("token: 生成AEAD nonce失败: %w", err)
	}
	sealed = aead.Seal(sealed, sealed[:chacha20poly1305.NonceSizeX], plaintext, []byte(VersionV1))

	signed := VersionV1 + "." + base64.RawURLEncoding.EncodeToString(sealed)
	return signed + "." + c.signer.Sign([]byte(signed)), nil
}

// Decode 解码令牌，不产生任何副作用。
// 结构、签名、版本、认证标签或载荷字段任一不合法都返回 ErrInvalidToken。
func (c *Codec) Decode(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)

	version, body, signature, err := split(raw)
	if err != nil {
		return nil, err
	}

	switch version {
	case VersionV1:
		return c.decodeV1(body, signature)
	default:
		return nil, fmt.Errorf("token: 版本 %q: %w", version, model.ErrUnsupportedVersion)
	}
}

func (c *Codec) decodeV1(body, signature string) (*Payload, error) {
	if !c.signer.Verify([]byte(VersionV1+"."+body), signature) {
		return nil, fmt.Errorf("token: 签名不匹配: %w", model.ErrInvalidToken)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("token: 密文编码错误: %w", model.ErrInvalidToken)
	}

	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return nil, fmt.Errorf("token: 创建XChaCha20-Poly1305失败: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("token: 密文长度%d过短: %w", len(sealed), model.ErrInvalidToken)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], []byte(VersionV1))
	if err != nil {
		return nil, fmt.Errorf("token: 认证失败: %w", model.ErrInvalidToken)
	}

	p, err := unmarshalV1(plaintext)
	if err != nil {
		return nil, fmt.Errorf("token: 载荷解析失败(%v): %w", err, model.ErrInvalidToken)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("token: 载荷字段不合法(%v): %w", err, model.ErrInvalidToken)
	}
	if len(p.Nonce) != PayloadNonceSize {
		return nil, fmt.Errorf("token: 载荷随机数长度错误: %w", model.ErrInvalidToken)
	}
	return p, nil
}

// split 拆分 "<version>.<body>.<signature>"
func split(raw string) (version, body, signature string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("token: 结构错误: %w", model.ErrInvalidToken)
	}
	return parts[0], parts[1], parts[2], nil
}

func deriveKey(masterKey, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, info)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("token: HKDF派生密钥失败: %w", err)
	}
	return key, nil
}

// GenerateMasterKey 生成新的主密钥，返回 base64 编码
func GenerateMasterKey() (string, error) {
	key := make([]byte, MinMasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("生成主密钥失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
