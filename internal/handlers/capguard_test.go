package handlers

import (
	"math/big"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"plotline/internal/ledger"
	"plotline/pkg/models"
)

func newTestCapGuard(t *testing.T) (*CapGuard, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return NewCapGuard(mockDB, log, ledger.NewService(mockDB, log, nil, 0)), mock
}

func TestTierForPurchases(t *testing.T) {
	tests := []struct {
		purchases int
		want      string
	}{
		{0, "free"},
		{1, "standard"},
		{4, "standard"},
		{5, "power"},
		{50, "power"},
	}

	for _, tt := range tests {
		if got := tierForPurchases(tt.purchases); got.Name != tt.want {
			t.Errorf("tierForPurchases(%d) = %s, want %s", tt.purchases, got.Name, tt.want)
		}
	}
}

func TestResolveTierCountsMinedPurchases(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WithArgs("actor-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))

	tier, err := g.ResolveTier("actor-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier.Name != "power" {
		t.Fatalf("tier = %s, want power", tier.Name)
	}
}

func TestCheckRelayCapAndChargeSharesOneTransaction(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(200, 1000, 0, 0, 0))
	mock.ExpectExec("UPDATE bursar.credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("INSERT INTO bursar.relay_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, rerr := g.CheckRelayCapAndCharge("actor-1")
	if rerr != nil {
		t.Fatalf("unexpected rejection: %v", rerr)
	}
	if res.Tier.Name != "free" || res.CreditsCharged != 15 {
		t.Fatalf("tier = %s, charged = %d", res.Tier.Name, res.CreditsCharged)
	}
	if res.CreditsRemaining != 185 {
		t.Fatalf("remaining = %d, want 185", res.CreditsRemaining)
	}
	if res.ProvisionalID == "" {
		t.Fatal("provisional id must be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckRelayCapAndChargeInsufficientLeavesNoTrace(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(10, 1000, 0, 0, 0))
	mock.ExpectRollback()

	_, rerr := g.CheckRelayCapAndCharge("actor-1")
	if rerr == nil || rerr.Kind != "insufficient_credits" {
		t.Fatalf("rejection = %+v, want insufficient_credits", rerr)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckRelayCapRecountsUnderAccountLock(t *testing.T) {
	g, mock := newTestCapGuard(t)

	// The fast-path count still sees cap-1, but a concurrent admission
	// committed while we waited for the account lock: the in-transaction
	// recount sees the full window and the whole charge rolls back.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance, lifetime_earned").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "lifetime_earned", "lifetime_spent", "budget_low_threshold", "budget_critical_threshold"}).
			AddRow(200, 1000, 0, 0, 0))
	mock.ExpectExec("UPDATE bursar.credit_accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectRollback()

	_, rerr := g.CheckRelayCapAndCharge("actor-1")
	if rerr == nil || rerr.Kind != "cap_exceeded" {
		t.Fatalf("rejection = %+v, want cap_exceeded", rerr)
	}
	if rerr.RetryAfter <= 0 {
		t.Fatal("retry_after must be positive")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCapExceededSkipsReservationEntirely(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.pack_purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.relay_log`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	_, rerr := g.CheckRelayCapAndCharge("actor-1")
	if rerr == nil || rerr.Kind != "cap_exceeded" {
		t.Fatalf("rejection = %+v, want cap_exceeded", rerr)
	}
	if rerr.RetryAfter <= 0 {
		t.Fatal("retry_after must be positive")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPromoteProvisionalRelayRequiresProvisionalState(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectExec("UPDATE bursar.relay_log").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := g.PromoteProvisionalRelay("relay-1", "0xtarget", "0xselector"); err == nil {
		t.Fatal("expected error for non-provisional row")
	}
}

func TestUpdateRelayResultRejectsInvalidTransition(t *testing.T) {
	g, _ := newTestCapGuard(t)

	err := g.UpdateRelayResult("relay-1", "0xhash", 21000, big.NewInt(1), big.NewInt(21000), models.RelayStateProvisional)
	if err == nil {
		t.Fatal("expected transition rejection")
	}
}

func TestUpdateRelayResultGuardsStateInQuery(t *testing.T) {
	g, mock := newTestCapGuard(t)

	mock.ExpectExec("UPDATE bursar.relay_log").
		WithArgs(models.RelayStateMined, "0xhash", int64(21000), "1000000000", "21000000000000", "relay-1", models.RelayStateSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := g.UpdateRelayResult("relay-1", "0xhash", 21000, big.NewInt(1000000000), big.NewInt(21000000000000), models.RelayStateMined)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidRelayTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{models.RelayStateProvisional, models.RelayStateSubmitted, true},
		{models.RelayStateProvisional, models.RelayStateFailed, true},
		{models.RelayStateProvisional, models.RelayStateMined, false},
		{models.RelayStateSubmitted, models.RelayStateMined, true},
		{models.RelayStateSubmitted, models.RelayStateReverted, true},
		{models.RelayStateSubmitted, models.RelayStateFailed, true},
		{models.RelayStateMined, models.RelayStateFailed, false},
		{models.RelayStateReverted, models.RelayStateSubmitted, false},
		{models.RelayStateFailed, models.RelayStateSubmitted, false},
	}

	for _, tt := range tests {
		if got := models.ValidRelayTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidRelayTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
