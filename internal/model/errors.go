package model

import "errors"

var (
	// ErrInvalidToken 令牌格式错误或认证失败
	ErrInvalidToken = errors.New("票据令牌无效")
	// ErrUnsupportedVersion 令牌版本标签未知，同时满足 errors.Is(err, ErrInvalidToken)
	ErrUnsupportedVersion = &versionError{}
	// ErrInvalidSignature 签名不匹配
	ErrInvalidSignature = errors.New("签名校验失败")
	// ErrTicketNotFound 票据不存在
	ErrTicketNotFound = errors.New("票据不存在")
	// ErrTicketExists 票号重复
	ErrTicketExists = errors.New("票号已存在")
	// ErrStoreUnavailable 存储不可用
	ErrStoreUnavailable = errors.New("存储不可用")
	// ErrStoreTimeout 存储操作超时，结果未知，不自动重试
	ErrStoreTimeout = errors.New("存储操作超时")
)

type versionError struct{}

func (*versionError) Error() string { return "不支持的令牌版本" }

func (*versionError) Is(target error) bool { return target == ErrInvalidToken }
