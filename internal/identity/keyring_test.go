package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyringGenerateAndActiveKey(t *testing.T) {
	store := NewInMemory()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keyring := NewKeyring(store.Signatures(), WithKeyringClock(func() time.Time { return clock }))

	if _, err := keyring.ActiveKey(context.Background(), "acme"); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}

	first, err := keyring.GenerateAndStore(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	if len(first.Timestamp) != 20 {
		t.Fatalf("unexpected timestamp width: %q", first.Timestamp)
	}

	clock = clock.Add(time.Hour)
	second, err := keyring.GenerateAndStore(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	if second.Timestamp <= first.Timestamp {
		t.Fatalf("rotation did not advance the timestamp: %q vs %q", second.Timestamp, first.Timestamp)
	}

	active, err := keyring.ActiveKey(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.Timestamp != second.Timestamp {
		t.Fatalf("active key is not the newest: %q", active.Timestamp)
	}

	// Rotation never forgets: the first key stays resolvable.
	old, err := keyring.KeyByTimestamp(context.Background(), "acme", first.Timestamp)
	if err != nil {
		t.Fatalf("KeyByTimestamp: %v", err)
	}
	if old.PublicKey.N.Cmp(first.PublicKey.N) != 0 {
		t.Fatalf("historical key material changed")
	}

	timestamps, err := keyring.AllTimestamps(context.Background(), "acme")
	if err != nil {
		t.Fatalf("AllTimestamps: %v", err)
	}
	if len(timestamps) != 2 {
		t.Fatalf("expected 2 timestamps, got %v", timestamps)
	}
}

func TestKeyringBumpsStalledClock(t *testing.T) {
	store := NewInMemory()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keyring := NewKeyring(store.Signatures(), WithKeyringClock(func() time.Time { return fixed }))

	first, err := keyring.GenerateAndStore(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	second, err := keyring.GenerateAndStore(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	if second.Timestamp <= first.Timestamp {
		t.Fatalf("stalled clock produced a non-increasing timestamp: %q then %q", first.Timestamp, second.Timestamp)
	}
	if len(second.Timestamp) != 20 {
		t.Fatalf("bumped timestamp lost its width: %q", second.Timestamp)
	}
}

func TestKeyTimestampOrdering(t *testing.T) {
	early := keyTimestamp(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := keyTimestamp(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if !(early < late) {
		t.Fatalf("string order does not follow time order: %q vs %q", early, late)
	}
	if bumpTimestamp(early) <= early {
		t.Fatalf("bump did not increase the timestamp")
	}
}

func TestKeyPEMRoundtrip(t *testing.T) {
	store := NewInMemory()
	keyring := NewKeyring(store.Signatures())
	key, err := keyring.GenerateAndStore(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}

	privatePEM, err := EncodePrivateKey(key.PrivateKey)
	if err != nil {
		t.Fatalf("EncodePrivateKey: %v", err)
	}
	parsedPrivate, err := ParsePrivateKey(privatePEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if parsedPrivate.D.Cmp(key.PrivateKey.D) != 0 {
		t.Fatalf("private key changed across PEM roundtrip")
	}

	publicPEM, err := EncodePublicKey(key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	parsedPublic, err := ParsePublicKey(publicPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsedPublic.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("public key changed across PEM roundtrip")
	}

	set, err := SignatureSet(key)
	if err != nil {
		t.Fatalf("SignatureSet: %v", err)
	}
	if set.Timestamp != key.Timestamp || set.PublicKeyPEM != publicPEM {
		t.Fatalf("signature set does not reflect the key")
	}
}
