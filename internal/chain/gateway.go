// Package chain implements component C7: the thin JSON-RPC client the
// proposer uses to anchor bundles, mint vault ids, look up token decimals,
// page through vault-tracker transfers, and write/read the content store.
// Grounded on services/escrow-gateway/node_client.go's RPCNodeClient,
// generalized from the escrow/p2p method set to the tracker-contract
// method set named in spec §4.7.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/proposer-node/proposer/internal/types"
)

// Gateway is the JSON-RPC surface the proposer depends on.
type Gateway interface {
	ProposeBundle(ctx context.Context, signedBundle []byte, nonce uint64) (txHash string, err error)
	NextVaultID(ctx context.Context) (uint64, error)
	CreateVault(ctx context.Context, vault uint64, controller string) error
	GetTokenDecimals(ctx context.Context, token string) (uint8, error)
	ListTransfers(ctx context.Context, afterTxHash string, limit int) ([]types.Deposit, error)
	StorePut(ctx context.Context, data []byte) (cid string, err error)
	StoreInitialized(ctx context.Context) (bool, error)
}

// RPCGateway implements Gateway against the chain's JSON-RPC endpoint.
type RPCGateway struct {
	baseURL              string
	apiKey               string
	bundleTrackerAddress string
	vaultTrackerAddress  string
	http                 *http.Client
	nextID               atomic.Int64
	limiter              *rate.Limiter
}

// Config carries the construction parameters read from environment
// variables (spec §6): the tracker contract addresses are embedded in
// every call that targets them.
type Config struct {
	BaseURL              string
	APIKey               string
	BundleTrackerAddress string
	VaultTrackerAddress  string
	Timeout              time.Duration
	RequestsPerSecond    float64
}

// NewRPCGateway constructs a Gateway from cfg. Outbound calls are throttled
// to cfg.RequestsPerSecond (default 20/s, bursting to twice that) so a
// queue backlog can never hammer the chain's JSON-RPC endpoint.
func NewRPCGateway(cfg Config) *RPCGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	return &RPCGateway{
		baseURL:              cfg.BaseURL,
		apiKey:               cfg.APIKey,
		bundleTrackerAddress: cfg.BundleTrackerAddress,
		vaultTrackerAddress:  cfg.VaultTrackerAddress,
		http:                 &http.Client{Timeout: timeout},
		limiter:              rate.NewLimiter(rate.Limit(rps), int(rps)*2),
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *RPCGateway) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain: %s: rate limiter: %w", method, err)
	}
	id := g.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("chain: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(g.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chain: %s: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chain: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain: %s: rpc error: %s", method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("chain: %s: empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// ProposeBundle submits a gzip+base64-encoded bundle body to the bundle
// tracker contract and returns the anchoring transaction hash.
func (g *RPCGateway) ProposeBundle(ctx context.Context, signedBundle []byte, nonce uint64) (string, error) {
	params := map[string]interface{}{
		"contract": g.bundleTrackerAddress,
		"bundle":   string(signedBundle),
		"nonce":    nonce,
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := g.call(ctx, "propose", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// NextVaultID returns the next vault id the vault tracker contract would
// assign.
func (g *RPCGateway) NextVaultID(ctx context.Context) (uint64, error) {
	params := map[string]interface{}{"contract": g.vaultTrackerAddress}
	var result struct {
		VaultID uint64 `json:"vaultId"`
	}
	if err := g.call(ctx, "next_vault_id", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.VaultID, nil
}

// CreateVault registers a new vault on the vault tracker contract.
func (g *RPCGateway) CreateVault(ctx context.Context, vault uint64, controller string) error {
	params := map[string]interface{}{
		"contract":   g.vaultTrackerAddress,
		"vaultId":    vault,
		"controller": controller,
	}
	return g.call(ctx, "create_vault", []interface{}{params}, nil)
}

// GetTokenDecimals returns the decimal precision of token, used to scale
// human-entered amounts to wei.
func (g *RPCGateway) GetTokenDecimals(ctx context.Context, token string) (uint8, error) {
	params := map[string]interface{}{"token": token}
	var result struct {
		Decimals uint8 `json:"decimals"`
	}
	if err := g.call(ctx, "get_token_decimals", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Decimals, nil
}

type transferPage struct {
	Transfers []transferEntry `json:"transfers"`
}

type transferEntry struct {
	TxHash      string `json:"txHash"`
	TransferUID string `json:"transferUid"`
	ChainID     uint64 `json:"chainId"`
	Depositor   string `json:"depositor"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// ListTransfers pages through vault-tracker deposit transfers after
// afterTxHash (exclusive), following the JSON-RPC cursor-and-limit idiom.
func (g *RPCGateway) ListTransfers(ctx context.Context, afterTxHash string, limit int) ([]types.Deposit, error) {
	params := map[string]interface{}{
		"contract": g.vaultTrackerAddress,
		"after":    afterTxHash,
		"limit":    limit,
	}
	var page transferPage
	if err := g.call(ctx, "list_transfers", []interface{}{params}, &page); err != nil {
		return nil, err
	}
	out := make([]types.Deposit, 0, len(page.Transfers))
	for _, entry := range page.Transfers {
		amount, ok := new(big.Int).SetString(entry.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("chain: list_transfers: invalid amount %q", entry.Amount)
		}
		out = append(out, types.Deposit{
			TxHash:      entry.TxHash,
			TransferUID: entry.TransferUID,
			ChainID:     entry.ChainID,
			Depositor:   strings.ToLower(entry.Depositor),
			Token:       strings.ToLower(entry.Token),
			Amount:      amount,
		})
	}
	return out, nil
}

// StorePut writes data to the content-addressed store and returns its cid.
func (g *RPCGateway) StorePut(ctx context.Context, data []byte) (string, error) {
	params := map[string]interface{}{"data": data}
	var result struct {
		CID string `json:"cid"`
	}
	if err := g.call(ctx, "store_put", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.CID, nil
}

// StoreInitialized reports whether the content store is ready to accept
// writes.
func (g *RPCGateway) StoreInitialized(ctx context.Context) (bool, error) {
	var result struct {
		Initialized bool `json:"initialized"`
	}
	if err := g.call(ctx, "store_initialized", nil, &result); err != nil {
		return false, err
	}
	return result.Initialized, nil
}
