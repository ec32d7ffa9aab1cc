package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestActionForRecognizesSocialSelectors(t *testing.T) {
	tests := []struct {
		signature string
		want      string
	}{
		{"follow(address)", "follow"},
		{"unfollow(address)", "unfollow"},
		{"comment(uint256,string)", "comment"},
		{"vote(uint256,int8)", "vote"},
	}

	for _, tt := range tests {
		if got := ActionFor(selectorOf(tt.signature)); got != tt.want {
			t.Errorf("ActionFor(%s) = %q, want %q", tt.signature, got, tt.want)
		}
	}

	if got := ActionFor("0xa9059cbb"); got != "" {
		t.Errorf("unrecognized selector mapped to %q", got)
	}
}

func TestDispatchPostsRecognizedAction(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad hook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("NOTIFY_HOOK_URL", srv.URL)
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	d := NewSideEffectDispatcher(log, nil)

	calldata := selectorOf("follow(address)") + strings.Repeat("00", 32)
	d.Dispatch(testWallet, testTarget, calldata, "0xhash")

	if got == nil {
		t.Fatal("hook was not called")
	}
	if got["action"] != "follow" {
		t.Fatalf("action = %s", got["action"])
	}
	if got["actor"] != testWallet || got["target"] != testTarget || got["tx_hash"] != "0xhash" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDispatchSkipsUnrecognizedSelector(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	t.Setenv("NOTIFY_HOOK_URL", srv.URL)
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	d := NewSideEffectDispatcher(log, nil)

	d.Dispatch(testWallet, testTarget, "0xa2fb98a6"+strings.Repeat("00", 32), "0xhash")

	if called {
		t.Fatal("hook must not be called for unrecognized calldata")
	}
}

func TestDispatchSurvivesHookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Setenv("NOTIFY_HOOK_URL", srv.URL)
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	d := NewSideEffectDispatcher(log, nil)

	// Must not panic or propagate
	d.Dispatch(testWallet, testTarget, selectorOf("vote(uint256,int8)")+strings.Repeat("00", 64), "0xhash")
}
