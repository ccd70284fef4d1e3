package auth

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Protego-Vault/internal/errors"
)

// Error codes returned by the authentication subsystem.
const (
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	CodeForbidden       xerrors.Code = "FORBIDDEN"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeForbidden, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingKey       = xerrors.New(CodeUnauthenticated, "missing api key")
	ErrInvalidKey       = xerrors.New(CodeUnauthenticated, "invalid api key")
	ErrSubjectRevoked   = xerrors.New(CodeForbidden, "subject is disabled")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
)

// Permissions understood by the HTTP layer. A subject holding PermissionAll
// passes every check.
const (
	PermissionRead    = "vault:read"
	PermissionWrite   = "vault:write"
	PermissionAdmin   = "vault:admin"
	PermissionHarvest = "harvest:submit"
	PermissionAll     = "*"
)

// Store resolves hashed API keys to subjects. Implementations must be safe
// for concurrent use.
type Store interface {
	LookupKey(ctx context.Context, keyHash string) (*Subject, error)
}

// SeedWriter is implemented by stores that can upsert seed keys for
// bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// Subject is the authenticated caller. Address is the identity the vault
// sees for every call made with the subject's key.
type Subject struct {
	Name        string
	Address     common.Address
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// Normalise ensures internal caches are populated for exported use cases.
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidKey
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodeForbidden, "permission denied", xerrors.WithMetadata("missing", perm))
		}
	}
	return nil
}

// Clone creates a copy of the subject safe to hand to request handlers.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Address:     s.Address,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	// ModeDisabled trusts the X-Vault-Caller header. Local development only.
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	Seeds []Seed
}

// Seed defines an API key to bootstrap.
type Seed struct {
	Name        string
	Key         string
	Address     string
	Permissions []string
	Disabled    bool
}

// Subject converts the seed into the subject it authenticates.
func (s Seed) Subject() (*Subject, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "seed name cannot be empty")
	}
	if strings.TrimSpace(s.Key) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "seed key cannot be empty", xerrors.WithMetadata("name", name))
	}
	if !common.IsHexAddress(s.Address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "seed address is not a hex address", xerrors.WithMetadata("name", name))
	}
	subject := &Subject{
		Name:        name,
		Address:     common.HexToAddress(s.Address),
		Permissions: DedupeStrings(s.Permissions),
		Disabled:    s.Disabled,
	}
	subject.normalise()
	return subject, nil
}

// HashKey returns the keccak256 digest of an API key, hex encoded. Keys are
// only ever stored hashed.
func HashKey(key string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(strings.TrimSpace(key))))
}

// DedupeStrings lower-cases, trims and sorts values, dropping duplicates.
func DedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
