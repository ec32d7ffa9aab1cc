package handlers

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"plotline/pkg/api/bursar"
)

func testValidator(t *testing.T) *RequestValidator {
	t.Helper()
	t.Setenv("RELAY_ALLOWED_TARGETS", testTarget+", 0xAAAA000000000000000000000000000000000001")
	return NewRequestValidator()
}

func futureDeadline(d time.Duration) string {
	return strconv.FormatInt(time.Now().Add(d).Unix(), 10)
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	v := testValidator(t)
	req := validForwardRequest()

	if verr := v.Validate(&req, testWallet); verr != nil {
		t.Fatalf("unexpected rejection: %v", verr)
	}
}

func TestValidateTargetCaseInsensitive(t *testing.T) {
	v := testValidator(t)
	req := validForwardRequest()
	req.To = "0xaaaa000000000000000000000000000000000001"

	if verr := v.Validate(&req, testWallet); verr != nil {
		t.Fatalf("unexpected rejection: %v", verr)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(r *bursar.ForwardRequest)
		authAddr string
		wantKind string
	}{
		{
			name:     "missing field",
			mutate:   func(r *bursar.ForwardRequest) { r.Gas = "" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "sender mismatch",
			mutate:   func(r *bursar.ForwardRequest) {},
			authAddr: "0x1234567890123456789012345678901234567890",
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "no authenticated wallet",
			mutate:   func(r *bursar.ForwardRequest) {},
			authAddr: "",
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "target not allow-listed",
			mutate:   func(r *bursar.ForwardRequest) { r.To = "0x0000000000000000000000000000000000000bad" },
			authAddr: testWallet,
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "calldata missing prefix",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "a2fb98a6" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "calldata not hex",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "0xzzzz11" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "calldata shorter than selector",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "0xa2fb" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "erc20 transfer denied",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "0xa9059cbb" + strings.Repeat("00", 64) },
			authAddr: testWallet,
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "approve denied",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "0x095ea7b3" + strings.Repeat("00", 64) },
			authAddr: testWallet,
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "proxy upgrade denied",
			mutate:   func(r *bursar.ForwardRequest) { r.Data = "0x3659cfe6" + strings.Repeat("00", 32) },
			authAddr: testWallet,
			wantKind: bursar.KindPolicy,
		},
		{
			name:     "non-zero value",
			mutate:   func(r *bursar.ForwardRequest) { r.Value = "1" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "deadline not numeric",
			mutate:   func(r *bursar.ForwardRequest) { r.Deadline = "soon" },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "deadline in the past",
			mutate:   func(r *bursar.ForwardRequest) { r.Deadline = futureDeadline(-time.Minute) },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
		{
			name:     "deadline beyond horizon",
			mutate:   func(r *bursar.ForwardRequest) { r.Deadline = futureDeadline(48 * time.Hour) },
			authAddr: testWallet,
			wantKind: bursar.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testValidator(t)
			req := validForwardRequest()
			tt.mutate(&req)

			verr := v.Validate(&req, tt.authAddr)
			if verr == nil {
				t.Fatal("expected rejection")
			}
			if verr.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", verr.Kind, tt.wantKind)
			}
		})
	}
}

func TestValidateValueMustBeLiteralZero(t *testing.T) {
	for _, value := range []string{"", "0x0", "00", "0.0"} {
		v := testValidator(t)
		req := validForwardRequest()
		req.Value = value

		verr := v.Validate(&req, testWallet)
		if verr == nil {
			t.Fatalf("value %q must be rejected", value)
		}
		if verr.Kind != bursar.KindValidation {
			t.Fatalf("value %q: kind = %s, want %s", value, verr.Kind, bursar.KindValidation)
		}
	}
}

func TestSelector(t *testing.T) {
	if got := Selector("0xA9059CBB" + strings.Repeat("00", 64)); got != "0xa9059cbb" {
		t.Fatalf("Selector = %s", got)
	}
	if got := Selector("0xa9"); got != "" {
		t.Fatalf("short calldata Selector = %q, want empty", got)
	}
}
