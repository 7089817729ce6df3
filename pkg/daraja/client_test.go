package daraja

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// gatewayStub serves the token endpoint plus a single operation endpoint,
// capturing the operation payload for assertions.
type gatewayStub struct {
	tokenHits  int32
	lastAuth   string
	lastBody   []byte
	status     int
	response   string
	operations int32
}

func (g *gatewayStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			atomic.AddInt32(&g.tokenHits, 1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","expires_in":"3599"}`))
			return
		}
		atomic.AddInt32(&g.operations, 1)
		g.lastAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		g.lastBody = body
		status := g.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(g.response))
	})
}

func newTestClient(t *testing.T, stub *gatewayStub) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:            server.URL,
		ConsumerKey:        "key",
		ConsumerSecret:     "secret",
		Shortcode:          "174379",
		Passkey:            "passkey",
		InitiatorName:      "apiuser",
		SecurityCredential: "pre-encrypted",
		STKCallbackURL:     "https://pay.example/payments/callbacks/stk",
		B2CCallbackURL:     "https://pay.example/payments/callbacks/b2c/result",
		B2CTimeoutURL:      "https://pay.example/payments/callbacks/b2c/timeout",
		MaxRetries:         1,
		RetryDelay:         time.Millisecond,
	})
	client.now = func() time.Time { return time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC) }
	return client, server
}

func TestClient_STKPushBuildsSignedPayload(t *testing.T) {
	stub := &gatewayStub{response: `{"MerchantRequestID":"mr-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`}
	client, _ := newTestClient(t, stub)

	resp, err := client.STKPush(context.Background(), "254712345678", 150, "ORDER-9", "Order payment")
	if err != nil {
		t.Fatalf("STKPush returned error: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("CheckoutRequestID = %q, want ws_CO_1", resp.CheckoutRequestID)
	}
	if stub.lastAuth != "Bearer test-token" {
		t.Fatalf("Authorization = %q, want the bearer from the token source", stub.lastAuth)
	}

	var payload STKPushRequest
	if err := json.Unmarshal(stub.lastBody, &payload); err != nil {
		t.Fatalf("payload decode failed: %v (%s)", err, stub.lastBody)
	}
	if payload.Timestamp != "20260115093000" {
		t.Fatalf("Timestamp = %q, want 20260115093000", payload.Timestamp)
	}
	if payload.Password != GeneratePassword("174379", "passkey", "20260115093000") {
		t.Fatalf("Password not derived from shortcode+passkey+timestamp")
	}
	if payload.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("TransactionType = %q", payload.TransactionType)
	}
	if payload.PartyA != "254712345678" || payload.PartyB != "174379" {
		t.Fatalf("parties = %q/%q", payload.PartyA, payload.PartyB)
	}
	if payload.CallBackURL != "https://pay.example/payments/callbacks/stk" {
		t.Fatalf("CallBackURL = %q", payload.CallBackURL)
	}
}

func TestClient_B2CUsesConfiguredCredentialAndURLs(t *testing.T) {
	stub := &gatewayStub{response: `{"ConversationID":"conv-1","OriginatorConversationID":"oc-1","ResponseCode":"0"}`}
	client, _ := newTestClient(t, stub)

	resp, err := client.B2C(context.Background(), "254712345678", 500, "Refund", "Order 9")
	if err != nil {
		t.Fatalf("B2C returned error: %v", err)
	}
	if resp.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q", resp.ConversationID)
	}

	var payload B2CRequest
	if err := json.Unmarshal(stub.lastBody, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.CommandID != "BusinessPayment" {
		t.Fatalf("CommandID = %q, want BusinessPayment", payload.CommandID)
	}
	if payload.SecurityCredential != "pre-encrypted" {
		t.Fatalf("SecurityCredential = %q", payload.SecurityCredential)
	}
	if payload.ResultURL != "https://pay.example/payments/callbacks/b2c/result" {
		t.Fatalf("ResultURL = %q", payload.ResultURL)
	}
	if payload.QueueTimeOutURL != "https://pay.example/payments/callbacks/b2c/timeout" {
		t.Fatalf("QueueTimeOutURL = %q", payload.QueueTimeOutURL)
	}
}

func TestClient_ReversalCarriesProviderFieldCasing(t *testing.T) {
	stub := &gatewayStub{response: `{"ConversationID":"conv-2","ResponseCode":"0"}`}
	client, _ := newTestClient(t, stub)

	if _, err := client.Reverse(context.Background(), "SGH12345", 500, "Reversal", ""); err != nil {
		t.Fatalf("Reverse returned error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(stub.lastBody, &raw); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	// The provider's field name is misspelled and must be sent as-is.
	if _, ok := raw["RecieverIdentifierType"]; !ok {
		t.Fatalf("payload missing RecieverIdentifierType: %s", stub.lastBody)
	}
	var payload ReversalRequest
	if err := json.Unmarshal(stub.lastBody, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.RecieverIdentifierType != "11" {
		t.Fatalf("RecieverIdentifierType = %q, want 11", payload.RecieverIdentifierType)
	}
	if payload.CommandID != "TransactionReversal" {
		t.Fatalf("CommandID = %q", payload.CommandID)
	}
}

func TestClient_TokenReusedAcrossOperations(t *testing.T) {
	stub := &gatewayStub{response: `{"ResponseCode":"0"}`}
	client, _ := newTestClient(t, stub)

	for i := 0; i < 3; i++ {
		if _, err := client.AccountBalance(context.Background(), "Balance check"); err != nil {
			t.Fatalf("AccountBalance returned error: %v", err)
		}
	}
	if hits := atomic.LoadInt32(&stub.tokenHits); hits != 1 {
		t.Fatalf("expected 1 token exchange for 3 operations, got %d", hits)
	}
	if ops := atomic.LoadInt32(&stub.operations); ops != 3 {
		t.Fatalf("expected 3 operation calls, got %d", ops)
	}
}

func TestClient_MissingSecurityCredentialFailsBeforeDispatch(t *testing.T) {
	stub := &gatewayStub{response: `{}`}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:        server.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		InitiatorName:  "apiuser",
	})

	if _, err := client.B2C(context.Background(), "254712345678", 500, "Refund", ""); err != ErrSecurityCredentialUnavailable {
		t.Fatalf("error = %v, want ErrSecurityCredentialUnavailable", err)
	}
	if ops := atomic.LoadInt32(&stub.operations); ops != 0 {
		t.Fatalf("expected no operation dispatch, got %d", ops)
	}
}
