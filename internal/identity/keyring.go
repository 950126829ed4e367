package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const signingKeyBits = 2048

// Keyring generates and selects signing keys per tenant. Key identifiers are
// zero-padded epoch-millisecond strings, so string comparison orders keys
// chronologically and "active key" is a pure max-reduction with no separate
// current pointer to keep consistent.
type Keyring struct {
	signatures SignatureStore
	now        func() time.Time
}

// KeyringOption configures Keyring behavior.
type KeyringOption func(*Keyring)

// WithKeyringClock overrides the time source (useful for tests).
func WithKeyringClock(fn func() time.Time) KeyringOption {
	return func(k *Keyring) {
		if fn != nil {
			k.now = fn
		}
	}
}

// NewKeyring constructs a Keyring over the signature store.
func NewKeyring(signatures SignatureStore, opts ...KeyringOption) *Keyring {
	k := &Keyring{signatures: signatures, now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// GenerateAndStore creates a fresh RSA key pair with a timestamp guaranteed
// to sort strictly after every existing one and persists it. Rotation never
// deletes prior keys; tokens signed before rotation must stay verifiable.
func (k *Keyring) GenerateAndStore(ctx context.Context, tenant string) (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key pair: %v", ErrInternal, err)
	}

	existing, err := k.signatures.Timestamps(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list key timestamps: %v", ErrInternal, err)
	}
	now := k.now().UTC()
	ts := keyTimestamp(now)
	if max := maxTimestamp(existing); max != "" && ts <= max {
		ts = bumpTimestamp(max)
	}

	key := &SigningKey{
		Timestamp:  ts,
		PrivateKey: private,
		PublicKey:  &private.PublicKey,
		CreatedAt:  now,
	}
	if err := k.signatures.Add(ctx, tenant, key); err != nil {
		return nil, fmt.Errorf("%w: store signing key: %v", ErrInternal, err)
	}
	return key, nil
}

// ActiveKey returns the key with the lexicographically greatest timestamp.
func (k *Keyring) ActiveKey(ctx context.Context, tenant string) (*SigningKey, error) {
	timestamps, err := k.signatures.Timestamps(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list key timestamps: %v", ErrInternal, err)
	}
	max := maxTimestamp(timestamps)
	if max == "" {
		return nil, ErrNotProvisioned
	}
	return k.KeyByTimestamp(ctx, tenant, max)
}

// KeyByTimestamp resolves the key that signed a token, identified by the
// timestamp embedded in the token header.
func (k *Keyring) KeyByTimestamp(ctx context.Context, tenant, timestamp string) (*SigningKey, error) {
	key, err := k.signatures.Get(ctx, tenant, timestamp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load signing key: %v", ErrInternal, err)
	}
	return key, nil
}

// AllTimestamps lists every key timestamp stored for the tenant.
func (k *Keyring) AllTimestamps(ctx context.Context, tenant string) ([]string, error) {
	timestamps, err := k.signatures.Timestamps(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list key timestamps: %v", ErrInternal, err)
	}
	return timestamps, nil
}

// SignatureSet projects a key into the public artifact handed to resource
// servers.
func SignatureSet(key *SigningKey) (ApplicationSignatureSet, error) {
	pemStr, err := EncodePublicKey(key.PublicKey)
	if err != nil {
		return ApplicationSignatureSet{}, err
	}
	return ApplicationSignatureSet{Timestamp: key.Timestamp, PublicKeyPEM: pemStr}, nil
}

// keyTimestamp encodes the wall clock so later instants always produce a
// strictly greater string.
func keyTimestamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixMilli())
}

func maxTimestamp(timestamps []string) string {
	max := ""
	for _, ts := range timestamps {
		if ts > max {
			max = ts
		}
	}
	return max
}

// bumpTimestamp produces the smallest well-formed timestamp sorting after the
// given one, for clocks that stalled or ran backwards between generations.
func bumpTimestamp(max string) string {
	if millis, err := strconv.ParseInt(max, 10, 64); err == nil {
		return fmt.Sprintf("%020d", millis+1)
	}
	return max + "0"
}

// EncodePublicKey renders an RSA public key as PKIX PEM.
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKey renders an RSA private key as PKCS8 PEM.
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePublicKey reads a PKIX or PKCS1 PEM public key.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}

// ParsePrivateKey reads a PKCS8 or PKCS1 PEM private key.
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}
