package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Protego-Vault/internal/auth"
	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/harvest"
	"Protego-Vault/internal/vault"
	"Protego-Vault/pkg/logger"
)

// CodeRateLimited 表示调用方超过了请求速率限制。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{Message: "too many requests", Severity: xerrors.SeverityInfo})
}

const maxBodyBytes = 1 << 20

// errorResponse 是所有失败请求的响应体。
type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case vault.CodeInvalidAmount, xerrors.CodeInvalidArgument, harvest.CodeJobValidation:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case vault.CodeUnauthorized, auth.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, harvest.CodeJobNotFound:
		return http.StatusNotFound
	case vault.CodeVaultPaused, vault.CodeInvalidState, xerrors.CodeConflict, harvest.CodeJobConflict:
		return http.StatusConflict
	case vault.CodeExceededBalance, vault.CodeExceededMaxWithdraw:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case vault.CodeExternalCollaborator, xerrors.CodeChainFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, xerrors.CodePublishFailure,
		xerrors.CodeInitializationFailure, harvest.CodeJobPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusForCode(code)
	body := errorResponse{Code: string(code), Message: err.Error()}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		body.Message = xe.Message()
		body.Metadata = xe.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", "code", string(code), "error", err)
	}
	writeJSON(w, status, body)
}

func badRequest(message string, kv ...string) error {
	opts := make([]xerrors.Option, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		opts = append(opts, xerrors.WithMetadata(kv[i], kv[i+1]))
	}
	return xerrors.New(xerrors.CodeInvalidArgument, message, opts...)
}

// decodeJSON 读取请求体，拒绝未知字段。
func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

// parseAmount 解析十进制金额，"max" 表示无限授权。
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(vault.CodeInvalidAmount, "amount is required", xerrors.WithMetadata("field", field))
	}
	if strings.EqualFold(raw, "max") {
		return new(big.Int).Set(vault.Unlimited), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(vault.CodeInvalidAmount, "amount must be a non-negative decimal integer",
			xerrors.WithMetadata("field", field), xerrors.WithMetadata("value", raw))
	}
	return value, nil
}

// parseAddress 解析十六进制地址，fallback 非空时允许缺省。
func parseAddress(field, raw string, fallback *common.Address) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" && fallback != nil {
		return *fallback, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("invalid address", "field", field, "value", raw)
	}
	return common.HexToAddress(raw), nil
}

func callerFrom(r *http.Request) common.Address {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Address
	}
	return common.Address{}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
