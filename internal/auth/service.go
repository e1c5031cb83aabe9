package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"CareerCopilot/pkg/logger"
)

// 常量定义。
const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"
	passwordSaltBytes = 16
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 && store != nil {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
				}
			}
		}
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 根据提供的令牌请求进行身份验证，并返回相应的令牌对。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}
	switch grant {
	case grantTypePassword:
		return s.authenticatePassword(ctx, req)
	case grantTypeRefresh:
		return s.refresh(ctx, req.RefreshToken)
	default:
		return nil, ErrUnsupportedGrant
	}
}

// authenticatePassword 处理用户名密码换取令牌的请求。
func (s *Service) authenticatePassword(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	return s.issue(subject)
}

// refresh 用刷新令牌换取新的令牌对。
func (s *Service) refresh(ctx context.Context, token string) (*TokenPair, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	subject, err := s.loadSubjectFromClaims(ctx, claims)
	if err != nil {
		return nil, err
	}
	return s.issue(subject)
}

// issue 为主体签发访问令牌和刷新令牌。
func (s *Service) issue(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, ErrInvalidCredentials
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	pair.TokenType = "Bearer"
	return pair, nil
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	if s.jwt == nil {
		return nil, errors.New("jwt manager not initialised")
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return s.loadSubjectFromClaims(ctx, claims)
}

// loadSubjectFromClaims 根据令牌声明加载最新的主体信息，
// 确保权限和禁用状态反映用户库的当前状态而非签发时的快照。
func (s *Service) loadSubjectFromClaims(ctx context.Context, claims *jwtClaims) (*Subject, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责 JWT 令牌的签名和验证。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// jwtClaims 定义 JWT 令牌的声明结构。
type jwtClaims struct {
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Generate 生成访问令牌和刷新令牌对。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	subject.normalise()
	now := time.Now()

	access, err := m.sign(jwtClaims{
		Username:    subject.Username,
		Roles:       append([]string(nil), subject.Roles...),
		Permissions: append([]string(nil), subject.Permissions...),
		TokenType:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := m.sign(jwtClaims{
		Username:  subject.Username,
		Roles:     append([]string(nil), subject.Roles...),
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
	}, nil
}

// sign 使用 HS256 对声明进行签名。
func (m *jwtManager) sign(claims jwtClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify 解析并校验令牌签名与时间声明。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword 对给定的密码进行哈希处理并返回哈希值。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// verifyPassword 验证给定的密码是否与哈希值匹配。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
