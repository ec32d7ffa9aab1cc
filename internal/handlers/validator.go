package handlers

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"plotline/pkg/api/bursar"
	"plotline/pkg/config"
)

// deniedSelectors blocks calldata that would move value or ownership even
// on an allow-listed contract. Keys are 4-byte selectors, values the
// human-readable signature used in the rejection log.
var deniedSelectors = map[string]string{
	"0xa9059cbb": "transfer(address,uint256)",
	"0x095ea7b3": "approve(address,uint256)",
	"0x23b872dd": "transferFrom(address,address,uint256)",
	"0xf2fde38b": "transferOwnership(address)",
	"0x13af4035": "setOwner(address)",
	"0x2f2ff15d": "grantRole(bytes32,address)",
	"0x3659cfe6": "upgradeTo(address)",
	"0x4f1ef286": "upgradeToAndCall(address,bytes)",
}

// RequestValidator performs all synchronous checks on a forward request
// before any ledger effect. Checks are ordered cheapest-first and the
// first failure wins.
type RequestValidator struct {
	allowedTargets  map[string]bool
	deadlineHorizon time.Duration
}

// NewRequestValidator builds a validator from the environment.
// RELAY_ALLOWED_TARGETS is a comma-separated contract address list.
func NewRequestValidator() *RequestValidator {
	targets := make(map[string]bool)
	for _, t := range strings.Split(config.GetEnv("RELAY_ALLOWED_TARGETS", ""), ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			targets[t] = true
		}
	}

	return &RequestValidator{
		allowedTargets:  targets,
		deadlineHorizon: config.GetEnvDuration("RELAY_DEADLINE_HORIZON", time.Hour),
	}
}

// Selector extracts the lowercased 4-byte selector from 0x-prefixed calldata
func Selector(data string) string {
	if len(data) < 10 {
		return ""
	}
	return strings.ToLower(data[:10])
}

// Validate runs the full check sequence. authAddr is the wallet address of
// the authenticated caller; the request sender must match it so agents
// cannot spend someone else's signature.
func (v *RequestValidator) Validate(req *bursar.ForwardRequest, authAddr string) *RelayError {
	if req.From == "" || req.To == "" || req.Value == "" || req.Gas == "" ||
		req.Nonce == "" || req.Deadline == "" || req.Data == "" || req.Signature == "" {
		return relayErr(bursar.KindValidation, "missing required fields")
	}

	if authAddr == "" || !strings.EqualFold(req.From, authAddr) {
		return relayErr(bursar.KindPolicy, "sender does not match authenticated wallet")
	}

	if !v.allowedTargets[strings.ToLower(req.To)] {
		return relayErr(bursar.KindPolicy, "target contract is not allow-listed")
	}

	if !strings.HasPrefix(req.Data, "0x") {
		return relayErr(bursar.KindValidation, "calldata must be 0x-prefixed hex")
	}
	raw, err := hex.DecodeString(req.Data[2:])
	if err != nil {
		return relayErr(bursar.KindValidation, "calldata is not valid hex")
	}
	if len(raw) < 4 {
		return relayErr(bursar.KindValidation, "calldata must carry a 4-byte selector")
	}

	if sig, denied := deniedSelectors[Selector(req.Data)]; denied {
		return relayErr(bursar.KindPolicy, fmt.Sprintf("selector %s is deny-listed", sig))
	}

	// The relayer never forwards native value: only the literal "0" is
	// accepted, not other zero spellings.
	if req.Value != "0" {
		return relayErr(bursar.KindValidation, "value must be 0")
	}

	deadline, err := strconv.ParseInt(req.Deadline, 10, 64)
	if err != nil {
		return relayErr(bursar.KindValidation, "deadline must be a unix timestamp")
	}
	now := time.Now().Unix()
	if deadline <= now {
		return relayErr(bursar.KindValidation, "deadline has already passed")
	}
	if deadline > now+int64(v.deadlineHorizon.Seconds()) {
		return relayErr(bursar.KindValidation, "deadline is too far in the future")
	}

	return nil
}
