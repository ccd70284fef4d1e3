package vault

import (
	xerrors "Protego-Vault/internal/errors"
)

// State 表示金库的暂停状态。
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
)

// IsValid 检查状态是否为支持的枚举值。
func (s State) IsValid() bool {
	return s == StateActive || s == StatePaused
}

type pauseMachine struct {
	state State
}

// requireActive gates every value-moving operation.
func (m *pauseMachine) requireActive() error {
	if m.state == StatePaused {
		return ErrVaultPaused
	}
	return nil
}

func (m *pauseMachine) transition(j *journal, from, to State) error {
	if m.state != from {
		return xerrors.New(CodeInvalidState, "vault is already "+string(m.state),
			xerrors.WithMetadata("state", string(m.state)))
	}
	j.append(stateChange{machine: m, prev: m.state})
	m.state = to
	return nil
}
