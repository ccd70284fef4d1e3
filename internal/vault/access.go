package vault

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

// Role 标识调用方在金库中的角色。
type Role string

const (
	RolePublic    Role = "Public"
	RoleCustodian Role = "Custodian"
	RoleAIAgent   Role = "AIAgent"
	// RoleShareOwner 表示份额持有人本人或其授权方，用于额度检查。
	RoleShareOwner Role = "ShareOwner"
)

// accessGate holds the single-identity roles. Both are reassigned only by
// the current custodian.
type accessGate struct {
	custodian common.Address
	aiAgent   common.Address
}

func (g *accessGate) require(caller common.Address, role Role) error {
	switch role {
	case RolePublic:
		return nil
	case RoleCustodian:
		if caller == g.custodian {
			return nil
		}
	case RoleAIAgent:
		if caller == g.aiAgent {
			return nil
		}
	}
	return unauthorized(role)
}

func (g *accessGate) setCustodian(j *journal, next common.Address) (common.Address, error) {
	if next == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "custodian cannot be the zero address")
	}
	prev := g.custodian
	j.append(custodianChange{gate: g, prev: prev})
	g.custodian = next
	return prev, nil
}

func (g *accessGate) setAIAgent(j *journal, next common.Address) (common.Address, error) {
	if next == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "ai agent cannot be the zero address")
	}
	prev := g.aiAgent
	j.append(aiAgentChange{gate: g, prev: prev})
	g.aiAgent = next
	return prev, nil
}
