package auth

import (
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"SmartFlow-Orchestrator/internal/config"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/pkg/logger"
)

const defaultTokenTTL = time.Hour

// Service 负责校验与签发 HS256 Bearer 令牌。
type Service struct {
	mode     Mode
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
	audit    *slog.Logger
}

// Option 配置 Service。
type Option func(*Service)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 根据配置构造鉴权服务，jwt 模式必须提供密钥。
func NewService(cfg config.AuthConfig, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:     mode,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		return svc, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前鉴权模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要校验令牌。
func (s *Service) Enabled() bool {
	return s.Mode() == ModeJWT
}

// AuthenticateRequest 解析 Authorization 头并校验令牌。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.ParseToken(strings.TrimSpace(token))
}

// ParseToken 校验签名、有效期以及配置的 issuer/audience。
func (s *Service) ParseToken(token string) (*Subject, error) {
	if !s.Enabled() {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, xerrors.Wrap(xerrors.CodeUnauthorized, ErrInvalidToken, errorDetail(err))
	}
	return &Subject{
		Name:        claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}, nil
}

func errorDetail(err error) string {
	if err == nil {
		return "invalid token"
	}
	return "invalid token: " + err.Error()
}

// IssueToken 为主体签发令牌，ttl<=0 时使用一小时。
func (s *Service) IssueToken(subject *Subject, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	}
	if subject == nil || strings.TrimSpace(subject.Name) == "" {
		return "", xerrors.New(xerrors.CodeValidation, "subject is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		Roles:       subject.Roles,
		Permissions: subject.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.Name,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "sign token")
	}
	s.audit.Info("token_issued", slog.String("subject", logger.Sanitize(subject.Name)), slog.Duration("ttl", ttl))
	return signed, nil
}
