// Package sorobanrpc is a minimal JSON-RPC client for the Soroban RPC
// methods the settlement driver needs: simulateTransaction,
// sendTransaction, getTransaction.
package sorobanrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"darkpool-match/internal/apperr"
)

// Client wraps a resty client pointed at one Soroban RPC endpoint,
// with bounded retry on transient network errors and 5xx responses,
// using resty's declarative retry policy rather than a bare
// http.Client with hand-rolled backoff.
type Client struct {
	http *resty.Client
}

// New builds a client against url with the given overall request timeout.
func New(url string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var env rpcEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&env).
		Post("")
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "soroban rpc "+method, err)
	}
	if resp.StatusCode() >= 300 {
		return apperr.New(apperr.KindUpstreamUnavailable, fmt.Sprintf("soroban rpc %s: http %d", method, resp.StatusCode()))
	}
	if env.Error != nil {
		return apperr.New(apperr.KindUpstreamUnavailable, fmt.Sprintf("soroban rpc %s: %s", method, env.Error.Message))
	}
	if len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "soroban rpc "+method+" decode", err)
	}
	return nil
}

// SimulateResult is simulateTransaction's response shape, trimmed to
// the fields the settlement driver consumes.
type SimulateResult struct {
	LatestLedger    int64  `json:"latestLedger"`
	MinResourceFee  string `json:"minResourceFee"`
	TransactionData string `json:"transactionData"`
	Results         []struct {
		XDR string `json:"xdr"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

// SimulateTransaction dry-runs a not-yet-signed, unsubmitted transaction
// envelope to obtain resource fee and footprint suggestions.
func (c *Client) SimulateTransaction(ctx context.Context, txEnvelopeXDR string) (SimulateResult, error) {
	var res SimulateResult
	err := c.call(ctx, "simulateTransaction", map[string]string{"transaction": txEnvelopeXDR}, &res)
	return res, err
}

// SendResult is sendTransaction's immediate (pre-confirmation) response.
type SendResult struct {
	Hash         string `json:"hash"`
	Status       string `json:"status"` // PENDING | ERROR | DUPLICATE
	ErrorResult  string `json:"errorResultXdr,omitempty"`
}

// SendTransaction submits a fully signed transaction envelope.
func (c *Client) SendTransaction(ctx context.Context, txEnvelopeXDR string) (SendResult, error) {
	var res SendResult
	err := c.call(ctx, "sendTransaction", map[string]string{"transaction": txEnvelopeXDR}, &res)
	return res, err
}

// GetTransactionResult is getTransaction's polled status.
type GetTransactionResult struct {
	Status       string `json:"status"` // SUCCESS | FAILED | NOT_FOUND
	LatestLedger int64  `json:"latestLedger"`
	ResultXdr    string `json:"resultXdr,omitempty"`
}

// GetTransaction polls for a submitted transaction's terminal status.
func (c *Client) GetTransaction(ctx context.Context, hash string) (GetTransactionResult, error) {
	var res GetTransactionResult
	err := c.call(ctx, "getTransaction", map[string]string{"hash": hash}, &res)
	return res, err
}

// GetLedgerEntryResult is getLedgerEntries' response for a single
// requested key, used by the vault cache's balance reads.
type GetLedgerEntryResult struct {
	Entries []struct {
		XDR string `json:"xdr"`
	} `json:"entries"`
}

// GetLedgerEntries fetches raw contract data entries by their base64
// LedgerKey XDR — the read path the vault cache's BalanceSource
// implementation uses for get_balance.
func (c *Client) GetLedgerEntries(ctx context.Context, keysXDR []string) (GetLedgerEntryResult, error) {
	var res GetLedgerEntryResult
	err := c.call(ctx, "getLedgerEntries", map[string][]string{"keys": keysXDR}, &res)
	return res, err
}
