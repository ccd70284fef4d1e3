// Package vaultclient is a small Go client for the Protego vault REST API.
// It has no dependencies outside the standard library so it can be vendored
// into callers freely.
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the vault API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
	caller string
}

// APIError represents a failed request. Code carries the vault error code,
// for example VAULT_PAUSED or EXCEEDED_MAX_WITHDRAW.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vault api error (%d): %s", e.StatusCode, e.Message)
}

// VaultInfo is the public vault state.
type VaultInfo struct {
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

// OperationResult is returned by every state changing call.
type OperationResult struct {
	Operation string `json:"operation"`
	Caller    string `json:"caller"`
	Assets    string `json:"assets,omitempty"`
	Shares    string `json:"shares,omitempty"`
	State     string `json:"state,omitempty"`
}

// HarvestOutcome reports a direct yield recognition.
type HarvestOutcome struct {
	Operation   string `json:"operation"`
	Caller      string `json:"caller"`
	Literal     string `json:"literal"`
	Previous    string `json:"previous"`
	Recognized  string `json:"recognized"`
	TotalAssets string `json:"total_assets"`
}

// Event is a committed vault event.
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	Operation string    `json:"operation"`
	Caller    string    `json:"caller"`
	Time      time.Time `json:"time"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Spender   string    `json:"spender,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Current   string    `json:"current,omitempty"`
	Assets    string    `json:"assets,omitempty"`
	Shares    string    `json:"shares,omitempty"`
}

// HarvestSubmission queues a harvest job. ID makes the submission idempotent.
type HarvestSubmission struct {
	ID       string         `json:"id,omitempty"`
	Reason   string         `json:"reason"`
	Force    bool           `json:"force"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HarvestJob is the state of a queued harvest.
type HarvestJob struct {
	ID          string         `json:"id"`
	Reason      string         `json:"reason"`
	Force       bool           `json:"force"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *HarvestResult `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// HarvestResult is the outcome recorded on a finished job.
type HarvestResult struct {
	Executed    bool   `json:"executed"`
	Surplus     string `json:"surplus"`
	Recognized  string `json:"recognized"`
	TotalAssets string `json:"total_assets"`
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Note        string `json:"note,omitempty"`
}

// HarvestStats summarises jobs by status.
type HarvestStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// JobFilter narrows ListHarvestJobs. Zero values are omitted.
type JobFilter struct {
	Statuses []string
	Executed *bool
	Query    string
	Limit    int
	Offset   int
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the key sent as a bearer token.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetCaller sets the X-Vault-Caller header, honoured only by servers running
// with authentication disabled.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// Info returns the vault state.
func (c *Client) Info(ctx context.Context) (VaultInfo, error) {
	var info VaultInfo
	err := c.get(ctx, "/api/v1/vault", nil, &info)
	return info, err
}

// BalanceOf returns the share balance of holder.
func (c *Client) BalanceOf(ctx context.Context, holder string) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/balances/"+holder, nil, "shares")
}

// Allowance returns the shares spender may move on behalf of owner.
func (c *Client) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/allowances/"+owner+"/"+spender, nil, "shares")
}

// Preview quotes deposit, mint, withdraw or redeem at the current rate.
func (c *Client) Preview(ctx context.Context, operation string, amount *big.Int) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/preview/"+operation, url.Values{"amount": {amount.String()}}, "result")
}

// ConvertToShares prices assets in shares, rounding down.
func (c *Client) ConvertToShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/convert/to-shares", url.Values{"amount": {assets.String()}}, "result")
}

// ConvertToAssets prices shares in assets, rounding down.
func (c *Client) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/convert/to-assets", url.Values{"amount": {shares.String()}}, "result")
}

// Max returns the limit for deposit, mint, withdraw or redeem.
func (c *Client) Max(ctx context.Context, operation, address string) (*big.Int, error) {
	return c.amount(ctx, "/api/v1/vault/max/"+operation+"/"+address, nil, "max")
}

// Events returns committed events with a sequence number above after.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]Event, error) {
	query := url.Values{"after": {strconv.FormatUint(after, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	err := c.get(ctx, "/api/v1/vault/events", query, &out)
	return out.Events, err
}

// Deposit moves assets into the vault and mints shares to receiver. An
// empty receiver means the caller.
func (c *Client) Deposit(ctx context.Context, assets *big.Int, receiver string) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/deposit", map[string]string{"assets": assets.String(), "receiver": receiver})
}

// Mint mints exactly shares to receiver.
func (c *Client) Mint(ctx context.Context, shares *big.Int, receiver string) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/mint", map[string]string{"shares": shares.String(), "receiver": receiver})
}

// Withdraw sends exactly assets to receiver, burning shares from owner.
func (c *Client) Withdraw(ctx context.Context, assets *big.Int, receiver, owner string) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/withdraw", map[string]string{"assets": assets.String(), "receiver": receiver, "owner": owner})
}

// Redeem burns exactly shares from owner and sends the assets to receiver.
func (c *Client) Redeem(ctx context.Context, shares *big.Int, receiver, owner string) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/redeem", map[string]string{"shares": shares.String(), "receiver": receiver, "owner": owner})
}

// Transfer moves the caller's shares to another holder.
func (c *Client) Transfer(ctx context.Context, to string, shares *big.Int) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/transfer", map[string]string{"to": to, "shares": shares.String()})
}

// TransferFrom moves shares from one holder to another using an allowance.
func (c *Client) TransferFrom(ctx context.Context, from, to string, shares *big.Int) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/transfer-from", map[string]string{"from": from, "to": to, "shares": shares.String()})
}

// Approve sets spender's allowance over the caller's shares.
func (c *Client) Approve(ctx context.Context, spender string, shares *big.Int) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/vault/approve", map[string]string{"spender": spender, "shares": shares.String()})
}

// ExecuteHarvest recognizes custody surplus immediately. The caller must be
// the AI agent.
func (c *Client) ExecuteHarvest(ctx context.Context) (HarvestOutcome, error) {
	var out HarvestOutcome
	err := c.post(ctx, "/api/v1/vault/harvest", struct{}{}, &out)
	return out, err
}

// Pause stops asset flows. The caller must be the custodian.
func (c *Client) Pause(ctx context.Context) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/admin/pause", map[string]string{})
}

// Unpause resumes asset flows. The caller must be the custodian.
func (c *Client) Unpause(ctx context.Context) (OperationResult, error) {
	return c.operation(ctx, "/api/v1/admin/unpause", map[string]string{})
}

// UpdateAIAgent replaces the AI agent identity.
func (c *Client) UpdateAIAgent(ctx context.Context, address string) error {
	return c.post(ctx, "/api/v1/admin/ai-agent", map[string]string{"address": address}, nil)
}

// UpdateCustodian hands custody to another address.
func (c *Client) UpdateCustodian(ctx context.Context, address string) error {
	return c.post(ctx, "/api/v1/admin/custodian", map[string]string{"address": address}, nil)
}

// SubmitHarvest queues a harvest job.
func (c *Client) SubmitHarvest(ctx context.Context, submission HarvestSubmission) (HarvestJob, error) {
	var job HarvestJob
	err := c.post(ctx, "/api/v1/harvest", submission, &job)
	return job, err
}

// GetHarvestJob fetches a job by identifier.
func (c *Client) GetHarvestJob(ctx context.Context, id string) (HarvestJob, error) {
	var job HarvestJob
	err := c.get(ctx, "/api/v1/harvest/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// ListHarvestJobs lists jobs, most recently updated first.
func (c *Client) ListHarvestJobs(ctx context.Context, filter JobFilter) ([]HarvestJob, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.Executed != nil {
		query.Set("executed", strconv.FormatBool(*filter.Executed))
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out struct {
		Jobs []HarvestJob `json:"jobs"`
	}
	err := c.get(ctx, "/api/v1/harvest/jobs", query, &out)
	return out.Jobs, err
}

// HarvestStats returns job counts by status.
func (c *Client) HarvestStats(ctx context.Context) (HarvestStats, error) {
	var stats HarvestStats
	err := c.get(ctx, "/api/v1/harvest/stats", nil, &stats)
	return stats, err
}

func (c *Client) operation(ctx context.Context, endpoint string, payload map[string]string) (OperationResult, error) {
	for k, v := range payload {
		if v == "" {
			delete(payload, k)
		}
	}
	var out OperationResult
	err := c.post(ctx, endpoint, payload, &out)
	return out, err
}

func (c *Client) amount(ctx context.Context, endpoint string, query url.Values, field string) (*big.Int, error) {
	var out map[string]string
	if err := c.get(ctx, endpoint, query, &out); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(out[field], 10)
	if !ok {
		return nil, fmt.Errorf("decode %s: %q is not a decimal integer", field, out[field])
	}
	return value, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	apiKey, caller := c.apiKey, c.caller
	c.mu.RUnlock()
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if caller != "" {
		req.Header.Set("X-Vault-Caller", caller)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
