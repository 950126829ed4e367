package federated

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func jwksFor(t *testing.T, kid string, key *rsa.PublicKey) []byte {
	t.Helper()
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return data
}

func signFederated(t *testing.T, key *rsa.PrivateKey, kid, issuer, email string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   issuer,
		"sub":   "subject-1",
		"email": email,
		"exp":   expires.Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := jwksFor(t, "kid-1", &key.PublicKey)

	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, WithIssuer("https://accounts.example.com"))
	token := signFederated(t, key, "kid-1", "https://accounts.example.com", "alice@example.com", time.Now().Add(time.Hour))

	subject, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "alice@example.com" {
		t.Fatalf("unexpected subject: %s", subject)
	}

	// Keys are cached: a second verification needs no refetch.
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected one JWKS fetch, got %d", fetches)
	}
}

func TestVerifyRejections(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	jwks := jwksFor(t, "kid-1", &key.PublicKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, WithIssuer("https://accounts.example.com"))

	cases := []struct {
		name  string
		token string
	}{
		{"wrong signer", signFederated(t, other, "kid-1", "https://accounts.example.com", "a@example.com", time.Now().Add(time.Hour))},
		{"unknown kid", signFederated(t, key, "kid-ghost", "https://accounts.example.com", "a@example.com", time.Now().Add(time.Hour))},
		{"expired", signFederated(t, key, "kid-1", "https://accounts.example.com", "a@example.com", time.Now().Add(-time.Hour))},
		{"wrong issuer", signFederated(t, key, "kid-1", "https://evil.example.com", "a@example.com", time.Now().Add(time.Hour))},
		{"garbage", "not-a-token"},
	}
	for _, tc := range cases {
		if _, err := v.Verify(context.Background(), tc.token); !errors.Is(err, ErrVerification) {
			t.Fatalf("%s: got %v, want ErrVerification", tc.name, err)
		}
	}
}

func TestVerifyUnavailableJWKS(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL)
	token := signFederated(t, key, "kid-1", "", "a@example.com", time.Now().Add(time.Hour))
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}
