package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"plotline/pkg/api/bursar"
	"plotline/pkg/auth"
	"plotline/pkg/config"
	"plotline/pkg/middleware"
)

// WalletChallenge hands out a message for the agent's wallet to sign.
// The timestamp embedded in the message bounds its validity.
func WalletChallenge(c middleware.Context) {
	c.JSON(http.StatusOK, bursar.ChallengeResponse{
		Message: auth.GenerateWalletAuthMessage(uuid.New().String()),
	})
}

// WalletLogin exchanges a signed challenge for an agent session token.
// The actor identity is the checksummed wallet address, the same key the
// purchase ingest pipeline credits.
func WalletLogin(c middleware.Context) {
	var req bursar.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "invalid request body", Kind: bursar.KindValidation})
		return
	}

	ok, err := auth.VerifyWalletAuth(auth.WalletMessage{
		Address:   req.Address,
		Message:   req.Message,
		Signature: req.Signature,
	})
	if err != nil || !ok {
		logger.WithField("address", req.Address).Warn("Wallet login rejected")
		c.JSON(http.StatusUnauthorized, bursar.ErrorResponse{Error: "signature verification failed", Kind: bursar.KindInvalidSignature})
		return
	}

	address, err := auth.NormalizeEthAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "invalid address", Kind: bursar.KindValidation})
		return
	}

	secret := config.GetEnv("JWT_SECRET", "")
	if secret == "" {
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "login unavailable", Kind: bursar.KindInternal})
		return
	}

	token, err := auth.GenerateJWT(address, address, "agent", []byte(secret))
	if err != nil {
		logger.WithError(err).Error("Failed to sign session token")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to create session", Kind: bursar.KindInternal})
		return
	}

	c.JSON(http.StatusOK, bursar.LoginResponse{
		Token:   token,
		ActorID: address,
		Address: address,
	})
}
