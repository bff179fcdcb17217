// Package chain provides NEAR JSON-RPC interaction for the wallet core.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Finality selects which chain state a query reads.
type Finality string

const (
	// FinalityOptimistic reads the latest (pre-final) state.
	FinalityOptimistic Finality = "optimistic"
	// FinalityFinal reads finalized state.
	FinalityFinal Finality = "final"
)

// WaitUntil values accepted by send_tx.
const (
	WaitNone          = "NONE"
	WaitIncluded      = "INCLUDED"
	WaitExecutedOptimistic = "EXECUTED_OPTIMISTIC"
	WaitFinal         = "FINAL"
)

// AccessKeyView is the result of view_access_key.
type AccessKeyView struct {
	Nonce       uint64
	Permission  string
	BlockHash   string
	BlockHeight uint64
}

// BlockHeader is the subset of a block header the wallet needs.
type BlockHeader struct {
	Height uint64
	Hash   string
}

// TxOutcome is the result of a broadcast.
type TxOutcome struct {
	TransactionHash string
	Status          json.RawMessage
}

// ErrAccessKeyDoesNotExist marks the window right after account creation in
// which the access key is not yet visible on the queried state.
type ErrAccessKeyDoesNotExist struct {
	AccountID string
	PublicKey string
}

func (e *ErrAccessKeyDoesNotExist) Error() string {
	return fmt.Sprintf("access key %s does not exist for %s", e.PublicKey, e.AccountID)
}

// Client provides NEAR JSON-RPC client functionality.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a new NEAR RPC client.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.RPCURL), "/")
	if url == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{rpcURL: url, httpClient: httpClient}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Call makes a raw JSON-RPC call and returns the result payload.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, fmt.Errorf("rpc %s: read response: %w", method, err)
	}
	body := buf.String()

	if errField := gjson.Get(body, "error"); errField.Exists() {
		name := gjson.Get(body, "error.cause.name").String()
		if name == "" {
			name = gjson.Get(body, "error.name").String()
		}
		return gjson.Get(body, "error"), &rpcError{name: name, raw: errField.Raw}
	}
	return gjson.Get(body, "result"), nil
}

type rpcError struct {
	name string
	raw  string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %s: %s", e.name, e.raw)
}

// ViewAccessKey fetches nonce and permission for (accountID, publicKey).
// Both optimistic and final states are accepted; callers choose finality.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string, finality Finality) (*AccessKeyView, error) {
	if finality == "" {
		finality = FinalityFinal
	}
	result, err := c.Call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     string(finality),
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		var re *rpcError
		if asRPCError(err, &re) && (re.name == "UNKNOWN_ACCESS_KEY" || strings.Contains(re.raw, "does not exist")) {
			return nil, &ErrAccessKeyDoesNotExist{AccountID: accountID, PublicKey: publicKey}
		}
		return nil, err
	}
	// Some node versions report the missing key inside the result body.
	if errStr := result.Get("error").String(); errStr != "" {
		if strings.Contains(errStr, "does not exist") {
			return nil, &ErrAccessKeyDoesNotExist{AccountID: accountID, PublicKey: publicKey}
		}
		return nil, fmt.Errorf("view_access_key: %s", errStr)
	}
	view := &AccessKeyView{
		Nonce:       result.Get("nonce").Uint(),
		BlockHash:   result.Get("block_hash").String(),
		BlockHeight: result.Get("block_height").Uint(),
		Permission:  result.Get("permission").Raw,
	}
	return view, nil
}

// ViewBlock fetches the header of the block at the given finality.
func (c *Client) ViewBlock(ctx context.Context, finality Finality) (*BlockHeader, error) {
	if finality == "" {
		finality = FinalityFinal
	}
	result, err := c.Call(ctx, "block", map[string]interface{}{"finality": string(finality)})
	if err != nil {
		return nil, err
	}
	header := &BlockHeader{
		Height: result.Get("header.height").Uint(),
		Hash:   result.Get("header.hash").String(),
	}
	if header.Hash == "" {
		return nil, fmt.Errorf("view_block: empty header")
	}
	return header, nil
}

// SendTransaction broadcasts a Borsh-serialized signed transaction.
func (c *Client) SendTransaction(ctx context.Context, signedTx []byte, waitUntil string) (*TxOutcome, error) {
	if waitUntil == "" {
		waitUntil = WaitExecutedOptimistic
	}
	result, err := c.Call(ctx, "send_tx", map[string]interface{}{
		"signed_tx_base64": base64.StdEncoding.EncodeToString(signedTx),
		"wait_until":       waitUntil,
	})
	if err != nil {
		return nil, err
	}
	outcome := &TxOutcome{
		TransactionHash: result.Get("transaction.hash").String(),
	}
	if status := result.Get("status"); status.Exists() {
		outcome.Status = json.RawMessage(status.Raw)
	}
	return outcome, nil
}

func asRPCError(err error, target **rpcError) bool {
	for err != nil {
		if re, ok := err.(*rpcError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
