package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"Lifeline-Treasury/pkg/logger"
)

type operator struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验运维令牌并授权控制接口的访问。
type Service struct {
	mode      Mode
	operators []operator
	audit     *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	for _, op := range cfg.Operators {
		digest, err := op.digest()
		if err != nil {
			return nil, err
		}
		svc.operators = append(svc.operators, operator{
			digest: digest,
			subject: Subject{
				Name:        op.Name,
				Permissions: append([]string(nil), op.Permissions...),
				Disabled:    op.Disabled,
			},
		})
	}
	if len(svc.operators) == 0 {
		return nil, fmt.Errorf("token mode requires at least one operator")
	}
	return svc, nil
}

// Mode 返回当前的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

func (op OperatorToken) digest() ([sha256.Size]byte, error) {
	var out [sha256.Size]byte
	if env := strings.TrimSpace(op.TokenEnv); env != "" {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			return out, fmt.Errorf("operator %s: environment variable %s is empty", op.Name, env)
		}
		return sha256.Sum256([]byte(raw)), nil
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(op.TokenSHA256), "0x"))
	if err != nil || len(decoded) != sha256.Size {
		return out, fmt.Errorf("operator %s: token_sha256 must be 64 hex characters", op.Name)
	}
	copy(out[:], decoded)
	return out, nil
}

// AuthenticateRequest 解析 Authorization 头并返回对应的操作员。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, ErrMissingToken
	}
	scheme, value, ok := strings.Cut(token, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(value) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(value)))

	var match *operator
	for i := range s.operators {
		if subtle.ConstantTimeCompare(digest[:], s.operators[i].digest[:]) == 1 {
			match = &s.operators[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), match.subject.Permissions...)
	subject.permissionsSet = nil
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return &subject, nil
}
