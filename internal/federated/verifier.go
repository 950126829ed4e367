// Package federated verifies identity tokens minted by an external provider
// against the provider's published JWKS.
package federated

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrVerification covers every way a federated token can fail to verify.
var ErrVerification = errors.New("federated: token verification failed")

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 tokens against a remote JWKS endpoint. Keys are
// cached; an unknown kid triggers one refetch before the token is rejected.
type Verifier struct {
	jwksURL string
	issuer  string
	client  *http.Client

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

// Option configures Verifier behavior.
type Option func(*Verifier)

// WithHTTPClient overrides the HTTP client used to fetch the JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		if c != nil {
			v.client = c
		}
	}
}

// WithIssuer requires the given issuer claim on verified tokens.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = strings.TrimSpace(issuer) }
}

// NewVerifier constructs a Verifier for the given JWKS endpoint.
func NewVerifier(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		keys:    make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the token signature, expiry and issuer, and returns the
// verified subject email.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.keyForKid(ctx, kid)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerification, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", ErrVerification
	}
	if v.issuer != "" && c.Issuer != v.issuer {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrVerification, c.Issuer)
	}
	subject := c.Email
	if subject == "" {
		subject = c.Subject
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: token carries no subject", ErrVerification)
	}
	return subject, nil
}

func (v *Verifier) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key for kid %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := parseRSAComponents(k.N, k.E)
		if err != nil {
			continue
		}
		fresh[k.Kid] = key
	}
	if len(fresh) == 0 {
		return errors.New("jwks contains no usable RSA keys")
	}

	v.mu.Lock()
	v.keys = fresh
	v.mu.Unlock()
	return nil
}

func parseRSAComponents(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
