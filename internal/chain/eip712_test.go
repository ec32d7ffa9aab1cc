package chain

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"plotline/pkg/api/bursar"
)

const testForwarder = "0x1111111111111111111111111111111111111111"

var testChainID = big.NewInt(8453)

func signedForwardRequest(t *testing.T) (*bursar.ForwardRequest, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	req := &bursar.ForwardRequest{
		From:     from.Hex(),
		To:       "0x2222222222222222222222222222222222222222",
		Value:    "0",
		Gas:      "200000",
		Nonce:    "7",
		Deadline: "1900000000",
		Data:     "0xa2fb98a6" + "000000000000000000000000" + "3333333333333333333333333333333333333333",
	}

	digest, err := TypedDataHash(req, testChainID, testForwarder)
	if err != nil {
		t.Fatalf("typed data hash: %v", err)
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Wallets emit v as 27/28
	sig[64] += 27
	req.Signature = "0x" + hex.EncodeToString(sig)

	return req, from
}

func TestRecoverSignerRoundTrip(t *testing.T) {
	req, from := signedForwardRequest(t)

	recovered, err := RecoverSigner(req, testChainID, testForwarder)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered != from {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), from.Hex())
	}
}

func TestRecoverSignerAcceptsRawRecoveryID(t *testing.T) {
	req, from := signedForwardRequest(t)

	// Some signers emit v as 0/1 directly
	sig, _ := hex.DecodeString(req.Signature[2:])
	sig[64] -= 27
	req.Signature = "0x" + hex.EncodeToString(sig)

	recovered, err := RecoverSigner(req, testChainID, testForwarder)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered != from {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), from.Hex())
	}
}

func TestRecoverSignerTamperedFieldChangesSigner(t *testing.T) {
	req, from := signedForwardRequest(t)
	req.Nonce = "8"

	recovered, err := RecoverSigner(req, testChainID, testForwarder)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered == from {
		t.Fatal("tampered request must not recover to the original signer")
	}
}

func TestRecoverSignerDomainBindsChain(t *testing.T) {
	req, from := signedForwardRequest(t)

	recovered, err := RecoverSigner(req, big.NewInt(1), testForwarder)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recovered == from {
		t.Fatal("signature must not verify under a different chain id")
	}
}

func TestRecoverSignerRejectsMalformedSignatures(t *testing.T) {
	req, _ := signedForwardRequest(t)

	tests := []struct {
		name string
		sig  string
	}{
		{"not hex", "0xzzzz"},
		{"too short", "0xdeadbeef"},
		{"bad recovery id", func() string {
			sig, _ := hex.DecodeString(req.Signature[2:])
			sig[64] = 5
			return "0x" + hex.EncodeToString(sig)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *req
			bad.Signature = tt.sig
			if _, err := RecoverSigner(&bad, testChainID, testForwarder); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestHashForwardRequestRejectsBadFields(t *testing.T) {
	base := &bursar.ForwardRequest{
		From:     "0x2222222222222222222222222222222222222222",
		To:       "0x3333333333333333333333333333333333333333",
		Value:    "0",
		Gas:      "100000",
		Nonce:    "1",
		Deadline: "1900000000",
		Data:     "0xdeadbeef",
	}

	tests := []struct {
		name   string
		mutate func(r *bursar.ForwardRequest)
	}{
		{"negative value", func(r *bursar.ForwardRequest) { r.Value = "-1" }},
		{"non-numeric gas", func(r *bursar.ForwardRequest) { r.Gas = "lots" }},
		{"missing data prefix", func(r *bursar.ForwardRequest) { r.Data = "deadbeef" }},
		{"bad data hex", func(r *bursar.ForwardRequest) { r.Data = "0xnothex" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := *base
			tt.mutate(&req)
			if _, err := hashForwardRequest(&req); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEncodeExecuteCalldata(t *testing.T) {
	req, _ := signedForwardRequest(t)

	callData, err := encodeExecuteCalldata(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantMethodID := keccak256([]byte("execute((address,address,uint256,uint256,uint256,uint256,bytes),bytes)"))[:4]
	if hex.EncodeToString(callData[:4]) != hex.EncodeToString(wantMethodID) {
		t.Fatalf("wrong method id: %x", callData[:4])
	}
	if (len(callData)-4)%32 != 0 {
		t.Fatalf("argument block not word aligned: %d bytes", len(callData)-4)
	}

	args := callData[4:]
	// First head word points at the tuple
	tupleOffset := new(big.Int).SetBytes(args[:32]).Int64()
	if tupleOffset != 64 {
		t.Fatalf("tuple offset = %d, want 64", tupleOffset)
	}
	// The signature tail must sit behind the tuple and carry 65 bytes
	sigOffset := new(big.Int).SetBytes(args[32:64]).Int64()
	sigLen := new(big.Int).SetBytes(args[sigOffset : sigOffset+32]).Int64()
	if sigLen != 65 {
		t.Fatalf("signature length word = %d, want 65", sigLen)
	}
	// From address is the first tuple word
	fromWord := args[tupleOffset : tupleOffset+32]
	if common.BytesToAddress(fromWord[12:]) != common.HexToAddress(req.From) {
		t.Fatalf("from word mismatch")
	}
}

func TestParseHexHelpers(t *testing.T) {
	if got := parseHexInt64("0x1"); got != 1 {
		t.Fatalf("parseHexInt64(0x1) = %d", got)
	}
	if got := parseHexInt64("0x2af8"); got != 11000 {
		t.Fatalf("parseHexInt64(0x2af8) = %d", got)
	}
	if got := parseHexInt64("junk"); got != 0 {
		t.Fatalf("parseHexInt64(junk) = %d, want 0", got)
	}
	if got := parseHexBig("0xde0b6b3a7640000"); got.String() != "1000000000000000000" {
		t.Fatalf("parseHexBig = %s", got)
	}
}
