package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// test relayer key, never funded anywhere
const testRelayerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

// newRPCServer serves canned JSON-RPC results keyed by method. A nil entry
// produces a "null" result, a string starting with "!" produces an RPC error.
func newRPCServer(t *testing.T, results map[string]interface{}) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}
		calls = append(calls, req.Method)

		result, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		if s, isStr := result.(string); isStr && len(s) > 0 && s[0] == '!' {
			resp := map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32000, "message": s[1:]},
			}
			json.NewEncoder(w).Encode(resp) //nolint:errcheck
			return
		}
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))

	return srv, &calls
}

func newTestClient(t *testing.T, rpcURL string) *RPCClient {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	client, err := NewRPCClient(Config{
		RPCURL:       rpcURL,
		ChainID:      8453,
		Forwarder:    testForwarder,
		RelayerKey:   testRelayerKey,
		PollInterval: 10 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewRPCClientRequiresURL(t *testing.T) {
	if _, err := NewRPCClient(Config{RelayerKey: testRelayerKey}, logrus.New()); err == nil {
		t.Fatal("expected error for missing RPC URL")
	}
}

func TestNewRPCClientRejectsBadKey(t *testing.T) {
	if _, err := NewRPCClient(Config{RPCURL: "http://localhost:1", RelayerKey: "nothex"}, logrus.New()); err == nil {
		t.Fatal("expected error for bad relayer key")
	}
}

func TestRelayerAddressDerivedFromKey(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	key, err := crypto.HexToECDSA(testRelayerKey)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if client.RelayerAddress() != want {
		t.Fatalf("relayer address = %s, want %s", client.RelayerAddress(), want)
	}
}

func TestVerifySignature(t *testing.T) {
	client := newTestClient(t, "http://localhost:1")

	req, _ := signedForwardRequest(t)
	if err := client.VerifySignature(req); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	req.From = "0x9999999999999999999999999999999999999999"
	if err := client.VerifySignature(req); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestSubmitBroadcastsSignedTransaction(t *testing.T) {
	wantHash := "0xabc123abc123abc123abc123abc123abc123abc123abc123abc123abc123abc1"
	srv, calls := newRPCServer(t, map[string]interface{}{
		"eth_call":                "0x",
		"eth_getTransactionCount": "0x5",
		"eth_gasPrice":            "0x3b9aca00",
		"eth_sendRawTransaction":  wantHash,
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	req, _ := signedForwardRequest(t)

	txHash, err := client.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if txHash != wantHash {
		t.Fatalf("tx hash = %s, want %s", txHash, wantHash)
	}

	want := []string{"eth_call", "eth_getTransactionCount", "eth_gasPrice", "eth_sendRawTransaction"}
	if len(*calls) != len(want) {
		t.Fatalf("rpc calls = %v", *calls)
	}
	for i, m := range want {
		if (*calls)[i] != m {
			t.Fatalf("call %d = %s, want %s", i, (*calls)[i], m)
		}
	}
}

func TestSubmitStopsOnFailedSimulation(t *testing.T) {
	srv, calls := newRPCServer(t, map[string]interface{}{
		"eth_call": "!execution reverted",
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	req, _ := signedForwardRequest(t)

	if _, err := client.Submit(context.Background(), req); err == nil {
		t.Fatal("expected simulation failure")
	}
	for _, m := range *calls {
		if m == "eth_sendRawTransaction" {
			t.Fatal("must not broadcast after failed simulation")
		}
	}
}

func TestReceiptParsing(t *testing.T) {
	srv, _ := newRPCServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": map[string]string{
			"status":            "0x1",
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x3b9aca00",
			"blockNumber":       "0x10",
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	receipt, err := client.Receipt(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Mined() {
		t.Fatal("status 0x1 must report mined")
	}
	if receipt.GasUsed != 21000 {
		t.Fatalf("gas used = %d, want 21000", receipt.GasUsed)
	}
	if receipt.EffectiveGasPrice.String() != "1000000000" {
		t.Fatalf("gas price = %s", receipt.EffectiveGasPrice)
	}
	if receipt.BlockNumber != 16 {
		t.Fatalf("block number = %d", receipt.BlockNumber)
	}
}

func TestReceiptRevertedStatus(t *testing.T) {
	srv, _ := newRPCServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": map[string]string{
			"status":            "0x0",
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x1",
			"blockNumber":       "0x10",
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	receipt, err := client.Receipt(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Mined() {
		t.Fatal("status 0x0 must not report mined")
	}
}

func TestReceiptPendingReturnsNotFound(t *testing.T) {
	srv, _ := newRPCServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": nil,
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if _, err := client.Receipt(context.Background(), "0xdead"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestWaitMinedPollsUntilReceipt(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		var result interface{}
		if polls >= 3 {
			result = map[string]string{
				"status": "0x1", "gasUsed": "0x5208",
				"effectiveGasPrice": "0x1", "blockNumber": "0x20",
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"jsonrpc": "2.0", "id": 1, "result": result,
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	receipt, err := client.WaitMined(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.BlockNumber != 32 {
		t.Fatalf("block number = %d", receipt.BlockNumber)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestWaitMinedHonorsContext(t *testing.T) {
	srv, _ := newRPCServer(t, map[string]interface{}{
		"eth_getTransactionReceipt": nil,
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := newTestClient(t, srv.URL)
	if _, err := client.WaitMined(ctx, "0xdead"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRPCCallRetriesTransientFailures(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"jsonrpc": "2.0", "id": 1, "result": "0xde0b6b3a7640000",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	balance, err := client.RelayerBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if balance.String() != "1000000000000000000" {
		t.Fatalf("balance = %s", balance)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRelayerBalance(t *testing.T) {
	srv, _ := newRPCServer(t, map[string]interface{}{
		"eth_getBalance": "0xde0b6b3a7640000",
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	balance, err := client.RelayerBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.String() != "1000000000000000000" {
		t.Fatalf("balance = %s", balance)
	}
}
