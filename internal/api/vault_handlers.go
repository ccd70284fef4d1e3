package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// vaultInfo 汇总金库的公开状态。
type vaultInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	Asset       string `json:"asset"`
	Account     string `json:"account"`
	Custodian   string `json:"custodian"`
	AIAgent     string `json:"ai_agent"`
	State       string `json:"state"`
	TotalAssets string `json:"total_assets"`
	TotalSupply string `json:"total_supply"`
}

// operationResult 是变更类接口的统一响应。
type operationResult struct {
	Operation string `json:"operation"`
	Caller    string `json:"caller"`
	Assets    string `json:"assets,omitempty"`
	Shares    string `json:"shares,omitempty"`
	State     string `json:"state,omitempty"`
}

type amountRequest struct {
	Assets   string `json:"assets,omitempty"`
	Shares   string `json:"shares,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

type sharesMoveRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Spender string `json:"spender,omitempty"`
	Shares  string `json:"shares"`
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleVaultInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, vaultInfo{
		Name:        s.vault.Name(),
		Symbol:      s.vault.Symbol(),
		Decimals:    s.vault.Decimals(),
		Asset:       s.vault.Asset().Hex(),
		Account:     s.vault.Account().Hex(),
		Custodian:   s.vault.Custodian(ctx).Hex(),
		AIAgent:     s.vault.AIAgent(ctx).Hex(),
		State:       string(s.vault.State(ctx)),
		TotalAssets: amountString(s.vault.TotalAssets(ctx)),
		TotalSupply: amountString(s.vault.TotalSupply(ctx)),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress("address", r.PathValue("address"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": holder.Hex(),
		"shares":  amountString(s.vault.BalanceOf(r.Context(), holder)),
	})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.PathValue("owner"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	spender, err := parseAddress("spender", r.PathValue("spender"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner.Hex(),
		"spender": spender.Hex(),
		"shares":  amountString(s.vault.Allowance(r.Context(), owner, spender)),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	previews := map[string]func(context.Context, *big.Int) (*big.Int, error){
		"deposit":  s.vault.PreviewDeposit,
		"mint":     s.vault.PreviewMint,
		"withdraw": s.vault.PreviewWithdraw,
		"redeem":   s.vault.PreviewRedeem,
	}
	s.quote(w, r, "operation", previews)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	conversions := map[string]func(context.Context, *big.Int) (*big.Int, error){
		"to-shares": s.vault.ConvertToShares,
		"to-assets": s.vault.ConvertToAssets,
	}
	s.quote(w, r, "direction", conversions)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request, param string, fns map[string]func(context.Context, *big.Int) (*big.Int, error)) {
	name := r.PathValue(param)
	fn, ok := fns[name]
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "unknown "+param, xerrors.WithMetadata(param, name)))
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := fn(r.Context(), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		param:    name,
		"amount": amount.String(),
		"result": result.String(),
	})
}

func (s *Server) handleMax(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	var value *big.Int
	switch op := r.PathValue("operation"); op {
	case "deposit":
		value = s.vault.MaxDeposit(ctx, addr)
	case "mint":
		value = s.vault.MaxMint(ctx, addr)
	case "withdraw":
		value, err = s.vault.MaxWithdraw(ctx, addr)
	case "redeem":
		value = s.vault.MaxRedeem(ctx, addr)
	default:
		err = xerrors.New(xerrors.CodeNotFound, "unknown operation", xerrors.WithMetadata("operation", op))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"operation": r.PathValue("operation"),
		"address":   addr.Hex(),
		"max":       value.String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "event history is not configured"))
		return
	}
	query := r.URL.Query()
	var after uint64
	if raw := query.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, badRequest("after must be a sequence number", "after", raw))
			return
		}
		after = v
	}
	limit := defaultEventLimit
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, badRequest("limit must be a positive integer", "limit", raw))
			return
		}
		limit = min(v, maxEventLimit)
	}
	messages, err := s.events.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": messages})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.assetFlow(w, r, "deposit", func(ctx context.Context, caller common.Address, req amountRequest) (operationResult, error) {
		assets, err := parseAmount("assets", req.Assets)
		if err != nil {
			return operationResult{}, err
		}
		receiver, err := parseAddress("receiver", req.Receiver, &caller)
		if err != nil {
			return operationResult{}, err
		}
		shares, err := s.vault.Deposit(ctx, caller, assets, receiver)
		return operationResult{Assets: assets.String(), Shares: amountString(shares)}, err
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.assetFlow(w, r, "mint", func(ctx context.Context, caller common.Address, req amountRequest) (operationResult, error) {
		shares, err := parseAmount("shares", req.Shares)
		if err != nil {
			return operationResult{}, err
		}
		receiver, err := parseAddress("receiver", req.Receiver, &caller)
		if err != nil {
			return operationResult{}, err
		}
		assets, err := s.vault.Mint(ctx, caller, shares, receiver)
		return operationResult{Assets: amountString(assets), Shares: shares.String()}, err
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.assetFlow(w, r, "withdraw", func(ctx context.Context, caller common.Address, req amountRequest) (operationResult, error) {
		assets, err := parseAmount("assets", req.Assets)
		if err != nil {
			return operationResult{}, err
		}
		receiver, owner, err := exitParties(caller, req)
		if err != nil {
			return operationResult{}, err
		}
		shares, err := s.vault.Withdraw(ctx, caller, assets, receiver, owner)
		return operationResult{Assets: assets.String(), Shares: amountString(shares)}, err
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.assetFlow(w, r, "redeem", func(ctx context.Context, caller common.Address, req amountRequest) (operationResult, error) {
		shares, err := parseAmount("shares", req.Shares)
		if err != nil {
			return operationResult{}, err
		}
		receiver, owner, err := exitParties(caller, req)
		if err != nil {
			return operationResult{}, err
		}
		assets, err := s.vault.Redeem(ctx, caller, shares, receiver, owner)
		return operationResult{Assets: amountString(assets), Shares: shares.String()}, err
	})
}

func exitParties(caller common.Address, req amountRequest) (common.Address, common.Address, error) {
	receiver, err := parseAddress("receiver", req.Receiver, &caller)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	owner, err := parseAddress("owner", req.Owner, &caller)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return receiver, owner, nil
}

// assetFlow 解析请求体并执行存取类操作。
func (s *Server) assetFlow(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, amountRequest) (operationResult, error)) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caller := callerFrom(r)
	result, err := fn(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	result.Operation = op
	result.Caller = caller.Hex()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	s.sharesMove(w, r, "transfer", func(ctx context.Context, caller common.Address, req sharesMoveRequest, shares *big.Int) error {
		to, err := parseAddress("to", req.To, nil)
		if err != nil {
			return err
		}
		return s.vault.Transfer(ctx, caller, to, shares)
	})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	s.sharesMove(w, r, "transferFrom", func(ctx context.Context, caller common.Address, req sharesMoveRequest, shares *big.Int) error {
		from, err := parseAddress("from", req.From, nil)
		if err != nil {
			return err
		}
		to, err := parseAddress("to", req.To, nil)
		if err != nil {
			return err
		}
		return s.vault.TransferFrom(ctx, caller, from, to, shares)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.sharesMove(w, r, "approve", func(ctx context.Context, caller common.Address, req sharesMoveRequest, shares *big.Int) error {
		spender, err := parseAddress("spender", req.Spender, nil)
		if err != nil {
			return err
		}
		return s.vault.Approve(ctx, caller, spender, shares)
	})
}

func (s *Server) sharesMove(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, sharesMoveRequest, *big.Int) error) {
	var req sharesMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	caller := callerFrom(r)
	if err := fn(r.Context(), caller, req, shares); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResult{Operation: op, Caller: caller.Hex(), Shares: shares.String()})
}

func (s *Server) handleExecuteHarvest(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	result, err := s.vault.ExecuteAIYieldStrategy(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"operation":    "executeAIYieldStrategy",
		"caller":       caller.Hex(),
		"literal":      amountString(result.Literal),
		"previous":     amountString(result.Previous),
		"recognized":   amountString(result.Recognized),
		"total_assets": amountString(result.TotalAssets),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.stateChange(w, r, "pause", s.vault.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.stateChange(w, r, "unpause", s.vault.Unpause)
}

func (s *Server) stateChange(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address) error) {
	caller := callerFrom(r)
	if err := fn(r.Context(), caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResult{Operation: op, Caller: caller.Hex(), State: string(s.vault.State(r.Context()))})
}

func (s *Server) handleUpdateAIAgent(w http.ResponseWriter, r *http.Request) {
	s.roleChange(w, r, "updateAIAgent", s.vault.UpdateAIAgent)
}

func (s *Server) handleUpdateCustodian(w http.ResponseWriter, r *http.Request) {
	s.roleChange(w, r, "updateCustodian", s.vault.UpdateCustodian)
}

func (s *Server) roleChange(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, common.Address) error) {
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	next, err := parseAddress("address", req.Address, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	caller := callerFrom(r)
	if err := fn(r.Context(), caller, next); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"operation": op,
		"caller":    caller.Hex(),
		"address":   next.Hex(),
	})
}
