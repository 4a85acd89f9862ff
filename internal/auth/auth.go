package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
)

// 认证失败时返回的错误。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

// Authenticator 使用静态 API Token 校验请求。
type Authenticator struct {
	tokens map[[sha256.Size]byte]string
}

// NewAuthenticator 以 名称→Token 的映射构造认证器，空 Token 会被忽略。
// 没有任何有效 Token 时返回 nil，表示不启用认证。
func NewAuthenticator(tokens map[string]string) *Authenticator {
	a := &Authenticator{tokens: make(map[[sha256.Size]byte]string, len(tokens))}
	names := make([]string, 0, len(tokens))
	for name := range tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		token := strings.TrimSpace(tokens[name])
		if token == "" {
			continue
		}
		a.tokens[sha256.Sum256([]byte(token))] = name
	}
	if len(a.tokens) == 0 {
		return nil
	}
	return a
}

// Authenticate 解析 Authorization 头并返回对应的调用方。
func (a *Authenticator) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	for known, name := range a.tokens {
		if subtle.ConstantTimeCompare(known[:], sum[:]) == 1 {
			return &Subject{Name: name}, nil
		}
	}
	return nil, ErrInvalidToken
}
