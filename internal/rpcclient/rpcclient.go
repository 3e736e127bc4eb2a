// Package rpcclient is a thin adapter over the Bitcoin node's JSON-RPC
// surface: wallet management, address generation, transaction signing and
// broadcast, and mempool admission testing.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/btc-federation/pkg/logging"
)

// Client is a direct JSON-RPC-over-HTTP client for a single bitcoind
// instance, authenticating via the node's cookie file. It hand-rolls the
// JSON-RPC envelope rather than importing a dedicated RPC module, following
// the same reasoning the rest of the stack does for its own node adapter:
// the wire protocol is three fields and an HTTP POST.
type Client struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
	requestID  atomic.Uint64
	log        *logging.Logger
}

// New constructs a Client for url, authenticating with user/pass (typically
// "__cookie__" and the cookie file's content, per Bitcoin Core convention).
func New(url, user, pass string) *Client {
	return &Client{
		url:  url,
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: logging.GetDefault().Component("rpc"),
	}
}

// NewFromCookie reads a Bitcoin Core cookie file (format "user:password")
// from dataDir/networkSubdir/cookieFileName and constructs a Client for url.
func NewFromCookie(url, dataDir, networkSubdir, cookieFileName string) (*Client, error) {
	cookiePath := filepath.Join(dataDir, networkSubdir, cookieFileName)
	raw, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: reading cookie file %s: %w", cookiePath, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("rpcclient: malformed cookie file %s", cookiePath)
	}
	return New(url, parts[0], parts[1]), nil
}

// call issues one JSON-RPC request (bitcoind's legacy "1.0" envelope) and
// returns the raw result field.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("rpcclient: parsing response to %s: %w", method, err)
	}
	if response.Error != nil {
		return nil, &RPCError{Method: method, Code: response.Error.Code, Message: response.Error.Message}
	}

	return response.Result, nil
}

// RPCError wraps a node-reported JSON-RPC error.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: error %d: %s", e.Method, e.Code, e.Message)
}

// walletAlreadyExistsCode is RPC_WALLET_ERROR, bitcoind's generic wallet
// error code: it also covers unrelated failures (bad wallet name,
// permission/disk errors, a corrupted wallet file), so this client does
// not swallow it on code alone — only when the message itself confirms
// "already exists" or "already loaded", the one case spec.md §7 calls out
// as not a failure (load always follows create).
const walletAlreadyExistsCode = -4

func isWalletAlreadyUpError(err error) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != walletAlreadyExistsCode {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already loaded")
}

// CreateWallet creates a named wallet, ignoring "wallet already exists".
func (c *Client) CreateWallet(ctx context.Context, name string) error {
	_, err := c.call(ctx, "createwallet", []interface{}{name})
	if isWalletAlreadyUpError(err) {
		c.log.Debugf("wallet %q already exists, continuing", name)
		return nil
	}
	return err
}

// LoadWallet loads a named wallet, ignoring "wallet already loaded".
func (c *Client) LoadWallet(ctx context.Context, name string) error {
	_, err := c.call(ctx, "loadwallet", []interface{}{name})
	if isWalletAlreadyUpError(err) {
		c.log.Debugf("wallet %q already loaded, continuing", name)
		return nil
	}
	return err
}

// GetNewAddress requests a new receiving address from the loaded wallet.
func (c *Client) GetNewAddress(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getnewaddress", []interface{}{})
	if err != nil {
		return "", err
	}
	var addr string
	if err := json.Unmarshal(result, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

// GenerateToAddress mines n blocks, paying the coinbase to addr, and returns
// the generated block hashes.
func (c *Client) GenerateToAddress(ctx context.Context, n int, addr string) ([]string, error) {
	result, err := c.call(ctx, "generatetoaddress", []interface{}{n, addr})
	if err != nil {
		return nil, err
	}
	var hashes []string
	if err := json.Unmarshal(result, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

// TxListEntry is one entry of listtransactions.
type TxListEntry struct {
	TxID          string `json:"txid"`
	Category      string `json:"category"`
	Amount        float64 `json:"amount"`
	Confirmations int64  `json:"confirmations"`
}

// ListTransactions lists up to count transactions for label, skipping skip.
func (c *Client) ListTransactions(ctx context.Context, label string, count, skip int) ([]TxListEntry, error) {
	result, err := c.call(ctx, "listtransactions", []interface{}{label, count, skip})
	if err != nil {
		return nil, err
	}
	var entries []TxListEntry
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// TxDetail is the result of gettransaction.
type TxDetail struct {
	TxID string `json:"txid"`
	Hex  string `json:"hex"`
}

// GetTransaction fetches full transaction detail by id, including raw hex.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*TxDetail, error) {
	result, err := c.call(ctx, "gettransaction", []interface{}{txid, true, true})
	if err != nil {
		return nil, err
	}
	var detail TxDetail
	if err := json.Unmarshal(result, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SignRawTransactionResult is the result of signrawtransactionwithwallet.
type SignRawTransactionResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
	Errors   []struct {
		TxID  string `json:"txid"`
		Error string `json:"error"`
	} `json:"errors"`
}

// SignRawTransactionWithWallet asks the wallet to sign rawTxHex's inputs it
// recognizes, returning whether every input is now fully signed.
func (c *Client) SignRawTransactionWithWallet(ctx context.Context, rawTxHex string) (*SignRawTransactionResult, error) {
	result, err := c.call(ctx, "signrawtransactionwithwallet", []interface{}{rawTxHex})
	if err != nil {
		return nil, err
	}
	var signed SignRawTransactionResult
	if err := json.Unmarshal(result, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// MempoolAcceptResult is one entry of testmempoolaccept's result array.
type MempoolAcceptResult struct {
	TxID         string `json:"txid"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject-reason"`
}

// TestMempoolAccept tests a batch of raw signed transaction hexes for
// mempool admission without broadcasting them.
func (c *Client) TestMempoolAccept(ctx context.Context, rawTxHexes []string) ([]MempoolAcceptResult, error) {
	result, err := c.call(ctx, "testmempoolaccept", []interface{}{rawTxHexes})
	if err != nil {
		return nil, err
	}
	var results []MempoolAcceptResult
	if err := json.Unmarshal(result, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// SendRawTransaction broadcasts a signed raw transaction hex and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	result, err := c.call(ctx, "sendrawtransaction", []interface{}{rawTxHex})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}
	return txid, nil
}
