package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type tenantFixture struct {
	store   *InMemory
	keyring *Keyring
	hasher  *PasswordHasher
	now     *time.Time
}

func newTenantFixture(t *testing.T, tenant string) *tenantFixture {
	t.Helper()
	store := NewInMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &tenantFixture{
		store:  store,
		hasher: NewPasswordHasher(512),
		now:    &now,
	}
	f.keyring = NewKeyring(store.Signatures(), WithKeyringClock(f.clock))

	model := NewPermissionModel(store.PermittableGroups(), store.Roles(), "identity")
	prov := NewProvisioner(store, f.keyring, model, f.hasher, WithProvisionerClock(f.clock))
	if _, err := prov.Provision(context.Background(), tenant, "operator-password"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return f
}

func (f *tenantFixture) clock() time.Time { return *f.now }

func (f *tenantFixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func (f *tenantFixture) service(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append(opts, WithClock(f.clock))
	return NewService(f.store, f.keyring, f.hasher, opts...)
}

func TestAuthenticatePassword(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t, WithIssuer("test-issuer"), WithAccessTTL(10*time.Minute), WithRefreshTTL(time.Hour))
	ctx := context.Background()

	decision, err := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "operator-password")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}
	if decision.Subject != AdminIdentifier {
		t.Fatalf("unexpected subject: %s", decision.Subject)
	}
	if !decision.AccessTokenExpiresAt.Equal(f.clock().Add(10 * time.Minute)) {
		t.Fatalf("unexpected access expiry: %v", decision.AccessTokenExpiresAt)
	}
	if !decision.RefreshTokenExpiresAt.Equal(f.clock().Add(time.Hour)) {
		t.Fatalf("unexpected refresh expiry: %v", decision.RefreshTokenExpiresAt)
	}
	if decision.PasswordExpiresOn.IsZero() {
		t.Fatalf("expected password expiration to be echoed")
	}

	claims, err := svc.VerifyAccessToken(ctx, "acme", decision.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != AdminIdentifier || claims.Tenant != "acme" || claims.Role != AdminRoleIdentifier {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}

	// A refresh token is not an access token.
	if _, err := svc.VerifyAccessToken(ctx, "acme", decision.RefreshToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
}

func TestAuthenticatePasswordFailuresLookAlike(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t)
	ctx := context.Background()

	_, wrongPw := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "not-the-password")
	_, unknown := svc.AuthenticatePassword(ctx, "acme", "nobody", "whatever")

	if !errors.Is(wrongPw, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", wrongPw)
	}
	if !errors.Is(unknown, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v", unknown)
	}
	if wrongPw.Error() != unknown.Error() {
		t.Fatalf("failure modes are distinguishable: %q vs %q", wrongPw, unknown)
	}
}

func TestAuthenticatePasswordUnprovisionedTenant(t *testing.T) {
	store := NewInMemory()
	svc := NewService(store, NewKeyring(store.Signatures()), NewPasswordHasher(512))
	if _, err := svc.AuthenticatePassword(context.Background(), "ghost", "operator", "pw"); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestAuthenticateRefreshToken(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t)
	ctx := context.Background()

	decision, err := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "operator-password")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}

	f.advance(time.Minute)
	refreshed, err := svc.AuthenticateRefreshToken(ctx, "acme", decision.RefreshToken)
	if err != nil {
		t.Fatalf("AuthenticateRefreshToken: %v", err)
	}
	if refreshed.Subject != AdminIdentifier {
		t.Fatalf("unexpected subject: %s", refreshed.Subject)
	}
	if _, err := svc.VerifyAccessToken(ctx, "acme", refreshed.AccessToken); err != nil {
		t.Fatalf("fresh access token does not verify: %v", err)
	}

	// An access token is not a refresh token.
	if _, err := svc.AuthenticateRefreshToken(ctx, "acme", decision.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("access token accepted for refresh: %v", err)
	}
}

func TestRefreshTokenSurvivesKeyRotation(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t)
	ctx := context.Background()

	decision, err := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "operator-password")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}

	f.advance(time.Hour)
	rotated, err := f.keyring.GenerateAndStore(ctx, "acme")
	if err != nil {
		t.Fatalf("GenerateAndStore: %v", err)
	}
	active, err := f.keyring.ActiveKey(ctx, "acme")
	if err != nil || active.Timestamp != rotated.Timestamp {
		t.Fatalf("rotation did not take effect: %v", err)
	}

	// The old refresh token still names the pre-rotation key in its header
	// and must keep working.
	refreshed, err := svc.AuthenticateRefreshToken(ctx, "acme", decision.RefreshToken)
	if err != nil {
		t.Fatalf("refresh after rotation: %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, "acme", refreshed.AccessToken); err != nil {
		t.Fatalf("post-rotation access token does not verify: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t, WithAccessTTL(5*time.Minute))
	ctx := context.Background()

	decision, err := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "operator-password")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}

	f.advance(6 * time.Minute)
	if _, err := svc.VerifyAccessToken(ctx, "acme", decision.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expired access token accepted: %v", err)
	}
}

func TestTokensAreTenantScoped(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t)
	ctx := context.Background()

	decision, err := svc.AuthenticatePassword(ctx, "acme", AdminIdentifier, "operator-password")
	if err != nil {
		t.Fatalf("AuthenticatePassword: %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, "globex", decision.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("token accepted for the wrong tenant: %v", err)
	}
}

type staticVerifier struct {
	subject string
	err     error
}

func (v staticVerifier) Verify(ctx context.Context, token string) (string, error) {
	return v.subject, v.err
}

func TestAuthenticateFederated(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t,
		WithFederatedVerifier(staticVerifier{subject: "Alice@example.com"}),
		WithFederatedRole("member"))
	ctx := context.Background()

	decision, err := svc.AuthenticateFederated(ctx, "acme", "alice@example.com", "provider-token")
	if err != nil {
		t.Fatalf("AuthenticateFederated: %v", err)
	}
	if decision.Subject != "alice@example.com" {
		t.Fatalf("unexpected subject: %s", decision.Subject)
	}

	user, err := f.store.Users().Get(ctx, "acme", "alice@example.com")
	if err != nil {
		t.Fatalf("federated user missing: %v", err)
	}
	if user.HasPassword() {
		t.Fatalf("federated user carries password material")
	}
	if user.Role != "member" {
		t.Fatalf("unexpected federated role: %s", user.Role)
	}

	// Password login stays closed to federated accounts.
	if _, err := svc.AuthenticatePassword(ctx, "acme", "alice@example.com", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("federated account authenticated by password: %v", err)
	}

	// A second login reuses the record.
	if _, err := svc.AuthenticateFederated(ctx, "acme", "alice@example.com", "provider-token"); err != nil {
		t.Fatalf("repeat federated login: %v", err)
	}
	users, _ := f.store.Users().All(ctx, "acme")
	count := 0
	for _, u := range users {
		if u.Identifier == "alice@example.com" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("federated login duplicated the user")
	}
}

func TestAuthenticateFederatedRejectsMismatch(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t, WithFederatedVerifier(staticVerifier{subject: "mallory@example.com"}))

	if _, err := svc.AuthenticateFederated(context.Background(), "acme", "alice@example.com", "provider-token"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("subject mismatch accepted: %v", err)
	}
}

func TestAuthenticateFederatedVerifierFailure(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t, WithFederatedVerifier(staticVerifier{err: errors.New("upstream unavailable")}))

	if _, err := svc.AuthenticateFederated(context.Background(), "acme", "alice@example.com", "provider-token"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("verifier failure not surfaced as bad request: %v", err)
	}
}

func TestAuthenticateFederatedUnconfigured(t *testing.T) {
	f := newTenantFixture(t, "acme")
	svc := f.service(t)

	if _, err := svc.AuthenticateFederated(context.Background(), "acme", "alice@example.com", "provider-token"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest without a verifier, got %v", err)
	}
}
