package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/pkg/logger"
)

// Header names accepted by AuthenticateRequest.
const (
	HeaderAPIKey = "X-API-Key"
	HeaderCaller = "X-Vault-Caller"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeAPIKey
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
		if store == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "apikey mode requires a key store")
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported auth mode", xerrors.WithMetadata("mode", string(cfg.Mode)))
	}

	if len(cfg.Seeds) > 0 {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "apply api key seed",
						xerrors.WithMetadata("name", seed.Name))
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

// AuthenticateRequest 根据请求头解析调用方身份。
//
// In apikey mode the key is read from "Authorization: Bearer <key>" or the
// X-API-Key header. In disabled mode the caller address is taken verbatim
// from X-Vault-Caller and granted every permission.
func (s *Service) AuthenticateRequest(ctx context.Context, header func(string) string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		caller := strings.TrimSpace(header(HeaderCaller))
		if !common.IsHexAddress(caller) {
			return nil, xerrors.New(CodeUnauthenticated, "missing caller address", xerrors.WithMetadata("header", HeaderCaller))
		}
		subject := &Subject{Name: "anonymous", Address: common.HexToAddress(caller), Permissions: []string{PermissionAll}}
		subject.normalise()
		return subject, nil
	}

	key := bearerKey(header("Authorization"))
	if key == "" {
		key = strings.TrimSpace(header(HeaderAPIKey))
	}
	if key == "" {
		return nil, ErrMissingKey
	}
	subject, err := s.store.LookupKey(ctx, HashKey(key))
	if err != nil {
		if xerrors.CodeOf(err) == CodeUnauthenticated {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "lookup api key")
	}
	if subject == nil {
		return nil, ErrInvalidKey
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}

func bearerKey(authorization string) string {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
