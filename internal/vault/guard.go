package vault

import (
	"context"
)

// guardKey marks a context as belonging to a call that currently holds the
// lock of one specific vault.
type guardKey struct {
	vault *Vault
}

func (v *Vault) guard(ctx context.Context) context.Context {
	return context.WithValue(ctx, guardKey{vault: v}, true)
}

// Reentered 报告 ctx 是否来自正在持有该金库锁的调用。
func (v *Vault) Reentered(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	held, _ := ctx.Value(guardKey{vault: v}).(bool)
	return held
}

// view acquires the read side of the lock unless ctx already runs inside
// this vault's own call, in which case the state is final and readable.
func (v *Vault) view(ctx context.Context) func() {
	if v.Reentered(ctx) {
		return func() {}
	}
	v.mu.RLock()
	return v.mu.RUnlock
}
