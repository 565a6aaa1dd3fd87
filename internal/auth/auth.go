package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	xerrors "Neural-Reflexion/internal/errors"
)

// 授权范围。
const (
	ScopeRead  = "runs:read"
	ScopeWrite = "runs:write"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

var (
	// ErrMissingToken 表示请求没有携带 Bearer Token。
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidToken 表示 Token 与任何已配置的凭据都不匹配。
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrPermissionDenied 表示 Token 缺少所需的授权范围。
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied", xerrors.WithSeverity(xerrors.SeverityWarning))
)

// TokenConfig 描述一个静态 API Token。Token 为空时从 TokenEnv 读取。
type TokenConfig struct {
	Name     string
	Token    string
	TokenEnv string
	Scopes   []string
}

// Resolve 优先使用显式配置，其次读取环境变量。
func (t TokenConfig) Resolve() string {
	if token := strings.TrimSpace(t.Token); token != "" {
		return token
	}
	if t.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(t.TokenEnv))
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name   string
	Scopes []string

	scopeSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.scopeSet != nil {
		return
	}
	s.scopeSet = make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		s.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
}

// HasScope 判断调用方是否拥有指定范围。
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize 要求调用方拥有全部给定范围。
func (s *Subject) Authorize(scopes ...string) error {
	for _, scope := range scopes {
		if !s.HasScope(scope) {
			return xerrors.New(CodePermissionDenied, fmt.Sprintf("缺少授权范围 %s", scope),
				xerrors.WithSeverity(xerrors.SeverityWarning))
		}
	}
	return nil
}

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验请求携带的静态 Token。未配置任何 Token 时认证关闭。
type Service struct {
	credentials []credential
}

// NewService 根据配置构建认证服务。
func NewService(tokens []TokenConfig) (*Service, error) {
	s := &Service{}
	seen := make(map[[sha256.Size]byte]string, len(tokens))
	for i, cfg := range tokens {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		secret := cfg.Resolve()
		if secret == "" {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("token %s 未配置 token 或环境变量 %s", name, cfg.TokenEnv))
		}
		scopes := cfg.Scopes
		if len(scopes) == 0 {
			scopes = []string{ScopeRead}
		}
		digest := sha256.Sum256([]byte(secret))
		if prev, ok := seen[digest]; ok {
			return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("token %s 与 %s 重复", name, prev))
		}
		seen[digest] = name
		subject := &Subject{Name: name, Scopes: append([]string(nil), scopes...)}
		subject.normalise()
		s.credentials = append(s.credentials, credential{digest: digest, subject: subject})
	}
	return s, nil
}

// Enabled 返回是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for _, cred := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 {
			matched = cred.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
