package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"plotline/internal/chain"
	"plotline/pkg/api/bursar"
	"plotline/pkg/ctxkeys"
)

const (
	testActor  = "11111111-2222-3333-4444-555555555555"
	testWallet = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	testTarget = "0x9999888877776666555544443333222211110000"
)

// fakeChain scripts the chain client for orchestrator tests
type fakeChain struct {
	verifyErr  error
	submitHash string
	submitErr  error
	receipt    *chain.Receipt
	receiptErr error
}

func (f *fakeChain) VerifySignature(_ *bursar.ForwardRequest) error { return f.verifyErr }

func (f *fakeChain) Submit(_ context.Context, _ *bursar.ForwardRequest) (string, error) {
	return f.submitHash, f.submitErr
}

func (f *fakeChain) WaitMined(ctx context.Context, _ string) (*chain.Receipt, error) {
	if f.receipt != nil {
		return f.receipt, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeChain) Receipt(_ context.Context, _ string) (*chain.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt == nil {
		return nil, chain.ErrTxNotFound
	}
	return f.receipt, nil
}

func (f *fakeChain) RelayerBalance(_ context.Context) (*big.Int, error) { return big.NewInt(0), nil }
func (f *fakeChain) RelayerAddress() string                            { return "0x0" }

// newRelayTest wires the package against sqlmock and a scripted chain
// client. The breaker boot load is already expected.
func newRelayTest(t *testing.T, fc chain.Client) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("RELAY_ALLOWED_TARGETS", testTarget)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	mock.ExpectQuery("SELECT spent_hour_wei").WillReturnError(sql.ErrNoRows)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	Init(mockDB, log, nil, fc, nil)
	t.Cleanup(Shutdown)

	r := gin.New()
	r.POST("/relay", func(c *gin.Context) {
		c.Set(string(ctxkeys.KeyActorID), testActor)
		c.Set(string(ctxkeys.KeyWalletAddr), testWallet)
	}, Relay)
	return mock, r
}

func validForwardRequest() bursar.ForwardRequest {
	return bursar.ForwardRequest{
		From:      testWallet,
		To:        testTarget,
		Value:     "0",
		Gas:       "200000",
		Nonce:     "1",
		Deadline:  strconv.FormatInt(time.Now().Add(30*time.Minute).Unix(), 10),
		Data:      "0xa2fb98a6" + strings.Repeat("00", 32),
		Signature: "0x" + strings.Repeat("ab", 65),
	}
}

func postRelay(t *testing.T, r *gin.Engine, req bursar.ForwardRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	w := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/relay", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, httpReq)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) bursar.ErrorResponse {
	t.Helper()
	var resp bursar.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

// expectTierAndCap scripts tier resolution and window usage counting
func expectTierAndCap(mock sqlmock.Sqlmock, purchases, used int) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(purchases))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(used))
}

// expectReservation scripts the ledger debit, the in-transaction recount
// and the reservation insert.
func expectReservation(mock sqlmock.Sqlmock, balance int64) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(balance, 1000, 0, 0, 0))
	mock.ExpectExec("UPDATE bursar.credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO bursar.relay_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// expectRefund scripts the failed marker followed by the refund credit
// that the single rejection exit path issues. The marker comes first; the
// refund is gated on its row count.
func expectRefund(mock sqlmock.Sqlmock, balance int64) {
	mock.ExpectExec("UPDATE bursar.relay_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(balance, 1000, 15, 0, 0))
	mock.ExpectExec("UPDATE bursar.credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-2"))
	mock.ExpectCommit()
}

func TestRelayAccepted(t *testing.T) {
	fc := &fakeChain{submitHash: "0xdeadbeef"}
	mock, r := newRelayTest(t, fc)

	expectTierAndCap(mock, 0, 0)
	expectReservation(mock, 100)
	// promote, then record tx hash
	mock.ExpectExec("UPDATE bursar.relay_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.relay_log").WillReturnResult(sqlmock.NewResult(0, 1))

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp bursar.RelayResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TxHash != "0xdeadbeef" {
		t.Fatalf("tx hash = %s", resp.TxHash)
	}
	if resp.Status != "submitted" {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.RelayID == "" {
		t.Fatal("relay id must be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayRejectsDisallowedTarget(t *testing.T) {
	_, r := newRelayTest(t, &fakeChain{})

	req := validForwardRequest()
	req.To = "0x0000000000000000000000000000000000000bad"

	w := postRelay(t, r, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != bursar.KindPolicy {
		t.Fatalf("kind = %s", resp.Kind)
	}
}

func TestRelayRejectsSenderMismatch(t *testing.T) {
	_, r := newRelayTest(t, &fakeChain{})

	req := validForwardRequest()
	req.From = "0x1234567890123456789012345678901234567890"

	w := postRelay(t, r, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRelayBreakerOpen(t *testing.T) {
	t.Setenv("RELAY_HOURLY_BUDGET_WEI", "0")
	_, r := newRelayTest(t, &fakeChain{})

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Kind != bursar.KindBreakerOpen {
		t.Fatalf("kind = %s", resp.Kind)
	}
	if resp.RetryAfter <= 0 {
		t.Fatal("retry_after must be positive")
	}
}

func TestRelayCapExceededLeavesNoLedgerTrace(t *testing.T) {
	mock, r := newRelayTest(t, &fakeChain{})

	// Free tier cap is 10; the 11th attempt is turned away before any
	// transaction begins.
	expectTierAndCap(mock, 0, 10)

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Kind != bursar.KindCapExceeded {
		t.Fatalf("kind = %s", resp.Kind)
	}
	if resp.Tier != "free" || resp.Cap != 10 {
		t.Fatalf("tier = %s, cap = %d", resp.Tier, resp.Cap)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayInsufficientCredits(t *testing.T) {
	mock, r := newRelayTest(t, &fakeChain{})

	expectTierAndCap(mock, 0, 0)
	mock.ExpectBegin()
	// Balance 5 cannot cover the free tier cost of 15
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(5, 1000, 0, 0, 0))
	mock.ExpectRollback()

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Kind != bursar.KindInsufficientCredits {
		t.Fatalf("kind = %s", resp.Kind)
	}
	if resp.Tier != "free" {
		t.Fatalf("tier = %s", resp.Tier)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelayInvalidSignatureChargesThenRefunds(t *testing.T) {
	fc := &fakeChain{verifyErr: chain.ErrSignatureMismatch}
	mock, r := newRelayTest(t, fc)

	expectTierAndCap(mock, 0, 0)
	expectReservation(mock, 100)
	expectRefund(mock, 85)

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != bursar.KindInvalidSignature {
		t.Fatalf("kind = %s", resp.Kind)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelaySubmissionFailureRefunds(t *testing.T) {
	fc := &fakeChain{submitErr: context.DeadlineExceeded}
	mock, r := newRelayTest(t, fc)

	expectTierAndCap(mock, 0, 0)
	expectReservation(mock, 100)
	// promote succeeds, then submission fails
	mock.ExpectExec("UPDATE bursar.relay_log").WillReturnResult(sqlmock.NewResult(0, 1))
	expectRefund(mock, 85)

	w := postRelay(t, r, validForwardRequest())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if resp := decodeError(t, w); resp.Kind != bursar.KindSubmissionFailed {
		t.Fatalf("kind = %s", resp.Kind)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
