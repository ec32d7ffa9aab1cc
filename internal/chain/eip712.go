package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"plotline/pkg/api/bursar"
)

// EIP-712 domain for the Plotline trusted forwarder:
// name "PlotlineForwarder", version "1", chainId, verifyingContract.
const (
	forwarderDomainName    = "PlotlineForwarder"
	forwarderDomainVersion = "1"
)

func keccak256(data ...[]byte) []byte {
	hasher := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}

func padAddress(addr string) []byte {
	addrBytes, _ := hex.DecodeString(strings.TrimPrefix(addr, "0x"))
	padded := make([]byte, 32)
	copy(padded[12:], addrBytes)
	return padded
}

func padBig(v *big.Int) []byte {
	padded := make([]byte, 32)
	v.FillBytes(padded)
	return padded
}

func parseUint256(s string) (*big.Int, error) {
	v := new(big.Int)
	if _, ok := v.SetString(s, 10); !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid uint256: %s", s)
	}
	return v, nil
}

func decodeHexData(data string) ([]byte, error) {
	if !strings.HasPrefix(data, "0x") && !strings.HasPrefix(data, "0X") {
		return nil, fmt.Errorf("calldata must be 0x-prefixed hex")
	}
	b, err := hex.DecodeString(data[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid calldata hex: %w", err)
	}
	return b, nil
}

// forwarderDomainSeparator returns the EIP-712 domain separator for the
// trusted forwarder on the configured chain.
func forwarderDomainSeparator(chainID *big.Int, forwarder string) []byte {
	// keccak256("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)")
	typeHash := keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	nameHash := keccak256([]byte(forwarderDomainName))
	versionHash := keccak256([]byte(forwarderDomainVersion))

	return keccak256(
		typeHash,
		nameHash,
		versionHash,
		padBig(chainID),
		padAddress(forwarder),
	)
}

// hashForwardRequest computes the EIP-712 struct hash for a ForwardRequest.
// The dynamic data field contributes as keccak256(data).
func hashForwardRequest(req *bursar.ForwardRequest) ([]byte, error) {
	typeHash := keccak256([]byte("ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,uint256 deadline,bytes data)"))

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

	return keccak256(
		typeHash,
		padAddress(req.From),
		padAddress(req.To),
		padBig(value),
		padBig(gas),
		padBig(nonce),
		padBig(deadline),
		keccak256(data),
	), nil
}

// TypedDataHash returns the final EIP-712 digest the agent key signed:
// keccak256("\x19\x01" || domainSeparator || structHash).
func TypedDataHash(req *bursar.ForwardRequest, chainID *big.Int, forwarder string) ([]byte, error) {
	structHash, err := hashForwardRequest(req)
	if err != nil {
		return nil, err
	}
	return keccak256(
		[]byte{0x19, 0x01},
		forwarderDomainSeparator(chainID, forwarder),
		structHash,
	), nil
}

// RecoverSigner recovers the address that signed the forward request.
func RecoverSigner(req *bursar.ForwardRequest, chainID *big.Int, forwarder string) (common.Address, error) {
	digest, err := TypedDataHash(req, chainID, forwarder)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Normalize v to a 0/1 recovery id
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id: %d", sig[64])
	}

	recoverSig := make([]byte, 65)
	copy(recoverSig, sig[:64])
	recoverSig[64] = v

	pubKey, err := crypto.Ecrecover(digest, recoverSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover failed: %w", err)
	}

	pub, err := crypto.UnmarshalPubkey(pubKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid recovered public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}
