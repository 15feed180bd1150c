package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// RPCChainClientConfig configures an RPCChainClient.
type RPCChainClientConfig struct {
	// RPCURL is one endpoint, or a comma-separated list of endpoints the
	// client fails over across.
	RPCURL             string
	USDCContractHash   string
	RequestTimeout     time.Duration
	ConfirmationBlocks int
}

// DefaultRPCChainClientConfig returns the default configuration.
func DefaultRPCChainClientConfig() RPCChainClientConfig {
	return RPCChainClientConfig{
		RPCURL:             "http://localhost:8545",
		RequestTimeout:     30 * time.Second,
		ConfirmationBlocks: MinConfirmations,
	}
}

// RPCChainClient implements ChainClient against a pool of JSON-RPC
// endpoints for the chain USDC transfers settle on, failing over between
// them the way RPCPool does for any chain RPC dialect.
type RPCChainClient struct {
	mu sync.RWMutex

	pool             *RPCPool
	maxRetries       int
	httpClient       *http.Client
	usdcContractHash string
	config           RPCChainClientConfig
}

// NewRPCChainClient constructs an RPCChainClient, defaulting any unset
// config field.
func NewRPCChainClient(config RPCChainClientConfig) (*RPCChainClient, error) {
	if config.RPCURL == "" {
		config.RPCURL = "http://localhost:8545"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ConfirmationBlocks == 0 {
		config.ConfirmationBlocks = MinConfirmations
	}

	endpoints := ParseEndpoints(config.RPCURL)
	httpClient := &http.Client{Timeout: config.RequestTimeout}

	poolCfg := DefaultRPCPoolConfig()
	poolCfg.Endpoints = endpoints
	poolCfg.HTTPClient = httpClient

	pool, err := NewRPCPool(poolCfg)
	if err != nil {
		return nil, fmt.Errorf("construct rpc pool: %w", err)
	}

	return &RPCChainClient{
		pool:             pool,
		maxRetries:       len(endpoints) - 1,
		httpClient:       httpClient,
		usdcContractHash: config.USDCContractHash,
		config:           config,
	}, nil
}

// Start begins the pool's background endpoint health checks.
func (c *RPCChainClient) Start(ctx context.Context) { c.pool.Start(ctx) }

// Stop ends the pool's background endpoint health checks.
func (c *RPCChainClient) Stop() { c.pool.Stop() }

// transferEvent mirrors the subset of an ERC20 Transfer log this client
// cares about.
type transferEvent struct {
	ToAddress   string `json:"to"`
	AmountUSDC  string `json:"amountUSDC"`
	BlockNumber string `json:"blockNumber"`
	Mined       bool   `json:"mined"`
}

// GetTransaction fetches a transfer by hash and reports its current
// confirmation depth.
func (c *RPCChainClient) GetTransaction(ctx context.Context, txHash string) (Transaction, error) {
	result, err := c.rpcCall(ctx, "eth_getTransactionByHash", []interface{}{txHash})
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}

	var tx transferEvent
	if err := json.Unmarshal(result, &tx); err != nil {
		return Transaction{}, fmt.Errorf("parse transaction: %w", err)
	}

	confirmations, err := c.Confirmations(ctx, txHash)
	if err != nil {
		return Transaction{}, err
	}

	var amount float64
	fmt.Sscanf(tx.AmountUSDC, "%f", &amount)

	return Transaction{
		TxHash:        txHash,
		ToAddress:     tx.ToAddress,
		AmountUSDC:    amount,
		Confirmations: confirmations,
		Mined:         tx.Mined,
	}, nil
}

// Confirmations returns the number of confirmations a mined transaction
// currently has, relative to chain head.
func (c *RPCChainClient) Confirmations(ctx context.Context, txHash string) (int, error) {
	result, err := c.rpcCall(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return 0, fmt.Errorf("get transaction receipt: %w", err)
	}

	var receipt struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(result, &receipt); err != nil {
		return 0, fmt.Errorf("parse receipt: %w", err)
	}
	if receipt.BlockNumber == "" {
		return 0, nil
	}

	headResult, err := c.rpcCall(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}

	var head, txBlock int64
	if err := json.Unmarshal(headResult, &head); err != nil {
		fmt.Sscanf(string(headResult), "%d", &head)
	}
	fmt.Sscanf(receipt.BlockNumber, "%d", &txBlock)

	confirmations := int(head - txBlock + 1)
	if confirmations < 0 {
		confirmations = 0
	}
	return confirmations, nil
}

// BroadcastTransfer submits a USDC transfer and returns its transaction
// hash. Signing is delegated to the RPC endpoint's own unlocked account;
// a production deployment would instead sign locally and call
// eth_sendRawTransaction.
func (c *RPCChainClient) BroadcastTransfer(ctx context.Context, toAddress string, amountUSDC float64) (string, error) {
	params := []interface{}{
		map[string]interface{}{
			"to":    c.usdcContractHash,
			"data":  transferCallData(toAddress, amountUSDC),
			"value": "0x0",
		},
	}

	result, err := c.rpcCall(ctx, "eth_sendTransaction", params)
	if err != nil {
		return "", fmt.Errorf("broadcast transfer: %w", err)
	}

	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return "", fmt.Errorf("parse transaction hash: %w", err)
	}
	return txHash, nil
}

func transferCallData(toAddress string, amountUSDC float64) string {
	return fmt.Sprintf("0xa9059cbb%064s%064x", toAddress, int64(amountUSDC*1e6))
}

func (c *RPCChainClient) rpcCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	httpClient := c.httpClient
	c.mu.RUnlock()

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var result json.RawMessage
	err = c.pool.ExecuteWithFailover(ctx, c.maxRetries, func(url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		var rpcResp struct {
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		result = rpcResp.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var _ ChainClient = (*RPCChainClient)(nil)
