package handlers

import (
	"encoding/hex"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/sha3"

	"plotline/pkg/config"
	"plotline/pkg/kafka"
	"plotline/pkg/logging"
)

// Recognized social actions, resolved once from the calldata selector.
// Anything else is a no-op for the dispatcher.
var actionSelectors = map[string]string{
	selectorOf("follow(address)"):         "follow",
	selectorOf("unfollow(address)"):       "unfollow",
	selectorOf("comment(uint256,string)"): "comment",
	selectorOf("vote(uint256,int8)"):      "vote",
}

func selectorOf(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil)[:4])
}

// SideEffectDispatcher notifies the platform about mined social actions.
// It runs at-most-once per mined receipt and never propagates failures
// into the relay pipeline; a lost notification costs a push message, not
// a transaction.
type SideEffectDispatcher struct {
	client   *resty.Client
	hookURL  string
	logger   logging.Logger
	producer kafka.ProducerInterface
}

func NewSideEffectDispatcher(log logging.Logger, producer kafka.ProducerInterface) *SideEffectDispatcher {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2)

	return &SideEffectDispatcher{
		client:   client,
		hookURL:  config.GetEnv("NOTIFY_HOOK_URL", ""),
		logger:   log,
		producer: producer,
	}
}

// ActionFor maps a calldata selector to a recognized action, or "" if the
// call pattern is unrecognized.
func ActionFor(selector string) string {
	return actionSelectors[selector]
}

// Dispatch posts a mined, recognized action to the notification hook and
// puts it on the event stream. actor is the signing wallet, target the
// contract the call went to.
func (d *SideEffectDispatcher) Dispatch(actor, target, calldata, txHash string) {
	action := ActionFor(Selector(calldata))
	if action == "" {
		return
	}

	if d.hookURL != "" {
		resp, err := d.client.R().
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{
				"actor":   actor,
				"action":  action,
				"target":  target,
				"tx_hash": txHash,
			}).
			Post(d.hookURL)
		if err != nil {
			d.logger.WithError(err).WithFields(logging.Fields{
				"action":  action,
				"tx_hash": txHash,
			}).Warn("Side effect hook call failed")
		} else if resp.IsError() {
			d.logger.WithFields(logging.Fields{
				"action":  action,
				"tx_hash": txHash,
				"status":  resp.StatusCode(),
			}).Warn("Side effect hook rejected")
		}
	}

	emitRelayEvent(eventSideEffect, actor, "", txHash, action, 0)
}
