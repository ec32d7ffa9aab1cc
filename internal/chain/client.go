// Package chain talks to the EVM JSON-RPC endpoint: it verifies forward
// request signatures, wraps them in forwarder calldata, and submits them
// with the platform relayer key.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"plotline/pkg/api/bursar"
)

var (
	ErrSignatureMismatch = errors.New("recovered signer does not match sender")
	ErrTxNotFound        = errors.New("transaction not found")
)

// Receipt is the subset of an EVM receipt the relay pipeline consumes
type Receipt struct {
	TxHash            string
	Status            uint64
	GasUsed           int64
	EffectiveGasPrice *big.Int
	BlockNumber       int64
}

// Mined reports whether the transaction executed successfully.
func (r *Receipt) Mined() bool {
	return r.Status == 1
}

// Client is the chain capability consumed by the relay orchestrator.
// The production implementation is RPCClient; tests substitute fakes.
type Client interface {
	VerifySignature(req *bursar.ForwardRequest) error
	Submit(ctx context.Context, req *bursar.ForwardRequest) (string, error)
	WaitMined(ctx context.Context, txHash string) (*Receipt, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	RelayerBalance(ctx context.Context) (*big.Int, error)
	RelayerAddress() string
}

// Config holds chain client configuration
type Config struct {
	RPCURL       string
	ChainID      int64
	Forwarder    string
	RelayerKey   string
	GasLimit     uint64
	PollInterval time.Duration
}

// RPCClient implements Client against a raw JSON-RPC endpoint
type RPCClient struct {
	cfg     Config
	logger  *logrus.Logger
	http    *http.Client
	retry   retrypolicy.RetryPolicy[any]
	chainID *big.Int

	relayerAddr common.Address

	// Serializes nonce fetch + submit so concurrent relays never reuse a
	// relayer nonce.
	nonceMu sync.Mutex
}

// NewRPCClient creates a chain client. The relayer key must be a hex-encoded
// secp256k1 private key.
func NewRPCClient(cfg Config, logger *logrus.Logger) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain RPC URL is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500000
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		Build()

	return &RPCClient{
		cfg:         cfg,
		logger:      logger,
		http:        &http.Client{Timeout: 15 * time.Second},
		retry:       retry,
		chainID:     big.NewInt(cfg.ChainID),
		relayerAddr: crypto.PubkeyToAddress(privKey.PublicKey),
	}, nil
}

// RelayerAddress returns the hex address of the relayer key.
func (c *RPCClient) RelayerAddress() string {
	return c.relayerAddr.Hex()
}

// VerifySignature checks that the forward request's EIP-712 signature was
// produced by req.From.
func (c *RPCClient) VerifySignature(req *bursar.ForwardRequest) error {
	recovered, err := RecoverSigner(req, c.chainID, c.cfg.Forwarder)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(req.From) {
		return ErrSignatureMismatch
	}
	return nil
}

// Submit wraps the request in forwarder execute() calldata, signs a legacy
// transaction with the relayer key and broadcasts it. Returns the tx hash
// without waiting for inclusion.
func (c *RPCClient) Submit(ctx context.Context, req *bursar.ForwardRequest) (string, error) {
	callData, err := encodeExecuteCalldata(req)
	if err != nil {
		return "", err
	}

	// Simulate via eth_call before spending relayer gas
	if err := c.simulate(ctx, callData); err != nil {
		return "", fmt.Errorf("simulation failed: %w", err)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.getNonce(ctx, c.relayerAddr.Hex())
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.getGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	signedTx, err := c.signTransaction(nonce, c.cfg.Forwarder, big.NewInt(0), c.cfg.GasLimit, gasPrice, callData)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	var txHash string
	if err := c.rpcCall(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(signedTx)}, &txHash); err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction failed: %w", err)
	}

	return txHash, nil
}

// WaitMined polls for the receipt until it lands or ctx is cancelled.
func (c *RPCClient) WaitMined(ctx context.Context, txHash string) (*Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrTxNotFound) {
			c.logger.WithError(err).WithField("tx_hash", txHash).Warn("Receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Receipt fetches the receipt once; ErrTxNotFound while still pending.
func (c *RPCClient) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw *struct {
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
		BlockNumber       string `json:"blockNumber"`
	}
	if err := c.rpcCall(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrTxNotFound
	}

	return &Receipt{
		TxHash:            txHash,
		Status:            uint64(parseHexInt64(raw.Status)),
		GasUsed:           parseHexInt64(raw.GasUsed),
		EffectiveGasPrice: parseHexBig(raw.EffectiveGasPrice),
		BlockNumber:       parseHexInt64(raw.BlockNumber),
	}, nil
}

// RelayerBalance returns the relayer's gas balance in wei.
func (c *RPCClient) RelayerBalance(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.rpcCall(ctx, "eth_getBalance", []interface{}{c.relayerAddr.Hex(), "latest"}, &result); err != nil {
		return nil, err
	}
	return parseHexBig(result), nil
}

func (c *RPCClient) simulate(ctx context.Context, callData []byte) error {
	var result string
	return c.rpcCall(ctx, "eth_call", []interface{}{
		map[string]string{
			"from": c.relayerAddr.Hex(),
			"to":   c.cfg.Forwarder,
			"data": "0x" + hex.EncodeToString(callData),
		},
		"latest",
	}, &result)
}

func (c *RPCClient) getNonce(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.rpcCall(ctx, "eth_getTransactionCount", []interface{}{address, "pending"}, &result); err != nil {
		return 0, err
	}
	nonce, ok := new(big.Int).SetString(strings.TrimPrefix(result, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid nonce: %s", result)
	}
	return nonce.Uint64(), nil
}

func (c *RPCClient) getGasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.rpcCall(ctx, "eth_gasPrice", []interface{}{}, &result); err != nil {
		return nil, err
	}
	gasPrice, ok := new(big.Int).SetString(strings.TrimPrefix(result, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid gas price: %s", result)
	}
	return gasPrice, nil
}

func (c *RPCClient) signTransaction(nonce uint64, to string, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) ([]byte, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(c.cfg.RelayerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	// Sign with EIP-155 (chain ID protected)
	signer := types.NewEIP155Signer(c.chainID)
	signedTx, err := types.SignTx(tx, signer, privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return signedTx.MarshalBinary()
}

func (c *RPCClient) rpcCall(ctx context.Context, method string, params interface{}, result interface{}) error {
	return failsafe.With(c.retry).Run(func() error {
		return c.rpcCallOnce(ctx, method, params, result)
	})
}

func (c *RPCClient) rpcCallOnce(ctx context.Context, method string, params interface{}, result interface{}) error {
	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.RPCURL, strings.NewReader(string(reqJSON)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp struct {
		Result interface{}      `json:"result"`
		Error  *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return err
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error: %s", string(*rpcResp.Error))
	}

	// Marshal and unmarshal to get result in correct type
	resultJSON, err := json.Marshal(rpcResp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(resultJSON, result)
}

// encodeExecuteCalldata ABI-encodes execute(ForwardRequest,bytes) for the
// forwarder. Both top-level arguments are dynamic, so the encoding is two
// offset words followed by the tuple tail and the signature tail.
func encodeExecuteCalldata(req *bursar.ForwardRequest) ([]byte, error) {
	methodID := keccak256([]byte("execute((address,address,uint256,uint256,uint256,uint256,bytes),bytes)"))[:4]

	value, err := parseUint256(req.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	gas, err := parseUint256(req.Gas)
	if err != nil {
		return nil, fmt.Errorf("gas: %w", err)
	}
	nonce, err := parseUint256(req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	deadline, err := parseUint256(req.Deadline)
	if err != nil {
		return nil, fmt.Errorf("deadline: %w", err)
	}
	data, err := decodeHexData(req.Data)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}

	// Tuple tail: six static words, the offset of data within the tuple,
	// then the data bytes.
	var tuple []byte
	tuple = append(tuple, padAddress(req.From)...)
	tuple = append(tuple, padAddress(req.To)...)
	tuple = append(tuple, padBig(value)...)
	tuple = append(tuple, padBig(gas)...)
	tuple = append(tuple, padBig(nonce)...)
	tuple = append(tuple, padBig(deadline)...)
	tuple = append(tuple, padBig(big.NewInt(7*32))...)
	tuple = append(tuple, encodeBytes(data)...)

	var out []byte
	out = append(out, methodID...)
	out = append(out, padBig(big.NewInt(2*32))...)
	out = append(out, padBig(big.NewInt(int64(2*32+len(tuple))))...)
	out = append(out, tuple...)
	out = append(out, encodeBytes(sig)...)
	return out, nil
}

// encodeBytes ABI-encodes a dynamic bytes value: length word plus the
// payload padded to a 32-byte boundary.
func encodeBytes(b []byte) []byte {
	out := padBig(big.NewInt(int64(len(b))))
	out = append(out, b...)
	if rem := len(b) % 32; rem != 0 {
		out = append(out, make([]byte, 32-rem)...)
	}
	return out
}

func parseHexInt64(s string) int64 {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return 0
	}
	return v.Int64()
}

func parseHexBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
