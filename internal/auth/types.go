package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	xerrors "SmartFlow-Orchestrator/internal/errors"
)

// Mode 表示鉴权模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// CodeForbidden 表示令牌有效但权限不足。
const CodeForbidden xerrors.Code = "FORBIDDEN"

func init() {
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:    "permission denied",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// 鉴权子系统返回的错误。
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
)

// Claims 是签发令牌携带的声明。
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Subject 是通过鉴权的调用方。
type Subject struct {
	Name        string
	Roles       []string
	Permissions []string
}

// HasPermission 判断主体是否拥有权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// Authorize 要求主体拥有全部指定权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, "missing permission "+perm)
		}
	}
	return nil
}

// Clone 返回主体副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	return &Subject{
		Name:        s.Name,
		Roles:       slices.Clone(s.Roles),
		Permissions: slices.Clone(s.Permissions),
	}
}
