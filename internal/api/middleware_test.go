package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "test-secret"

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func protectedProbe(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seenCaller string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID, _ := GetCallerID(r.Context())
		seenCaller = callerID
		w.WriteHeader(http.StatusOK)
	})
	return JWTAuthMiddleware(testJWTSecret)(next), &seenCaller
}

func TestJWTAuthMiddleware_ValidTokenPassesCallerID(t *testing.T) {
	handler, seenCaller := protectedProbe(t)
	token := signTestToken(t, testJWTSecret, jwt.MapClaims{
		"sub": "client-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if *seenCaller != "client-42" {
		t.Fatalf("caller id = %q, want client-42", *seenCaller)
	}
}

func TestJWTAuthMiddleware_MissingHeader(t *testing.T) {
	handler, _ := protectedProbe(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/transactions", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWTAuthMiddleware_MalformedHeader(t *testing.T) {
	handler, _ := protectedProbe(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/transactions", nil)
	req.Header.Set("Authorization", "Basic abc123")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWTAuthMiddleware_WrongSecret(t *testing.T) {
	handler, _ := protectedProbe(t)
	token := signTestToken(t, "some-other-secret", jwt.MapClaims{
		"sub": "client-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWTAuthMiddleware_ExpiredToken(t *testing.T) {
	handler, _ := protectedProbe(t)
	token := signTestToken(t, testJWTSecret, jwt.MapClaims{
		"sub": "client-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJWTAuthMiddleware_MissingSubClaim(t *testing.T) {
	handler, _ := protectedProbe(t)
	token := signTestToken(t, testJWTSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payments/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestInternalAPIKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no key configured disables the endpoint", func(t *testing.T) {
		handler := InternalAPIKeyMiddleware("")(next)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/payments/transactions/x/retry", nil)
		req.Header.Set(InternalAPIKeyHeader, "anything")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		handler := InternalAPIKeyMiddleware("expected-key")(next)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/payments/transactions/x/retry", nil)
		req.Header.Set(InternalAPIKeyHeader, "wrong-key")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("matching key passes", func(t *testing.T) {
		handler := InternalAPIKeyMiddleware("expected-key")(next)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/payments/transactions/x/retry", nil)
		req.Header.Set(InternalAPIKeyHeader, "expected-key")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}
